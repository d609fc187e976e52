package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/tabsplit-backend/internal/audit"
	"github.com/angelmondragon/tabsplit-backend/internal/delivery"
	"github.com/angelmondragon/tabsplit-backend/internal/intake"
	"github.com/angelmondragon/tabsplit-backend/internal/intents"
	"github.com/angelmondragon/tabsplit-backend/internal/optout"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
)

// Pipeline is the set of repositories and services every binary builds on
// top of the shared connection.
type Pipeline struct {
	Intents      intents.Repository
	Audit        audit.Repository
	Queue        delivery.Queue
	OptOut       optout.Service
	AuditService audit.Service
	Metrics      *metrics.PipelineMetrics
}

// Pipeline wires the repositories to r.DB and registers pipeline metrics on
// reg. Call it once per process.
func (r *Runtime) Pipeline(reg prometheus.Registerer) (*Pipeline, error) {
	conn := r.DB.DB()
	p := &Pipeline{
		Intents: intents.NewRepository(conn),
		Audit:   audit.NewRepository(conn),
		Queue:   delivery.NewQueue(conn),
		Metrics: metrics.NewPipelineMetrics(reg),
	}
	var err error
	if p.OptOut, err = optout.NewService(optout.NewRepository(conn)); err != nil {
		return nil, fmt.Errorf("opt-out service: %w", err)
	}
	if p.AuditService, err = audit.NewService(p.Audit); err != nil {
		return nil, fmt.Errorf("audit service: %w", err)
	}
	return p, nil
}

// Intake builds the submission service with the configured digest window.
func (r *Runtime) Intake(p *Pipeline) (intake.Service, error) {
	return intake.NewService(intake.ServiceParams{
		Tx:          r.DB,
		Intents:     p.Intents,
		Audit:       p.Audit,
		OptOut:      p.OptOut,
		Logger:      r.Logger,
		Metrics:     p.Metrics,
		Window:      r.Config.Digest.Window,
		CheckOptOut: r.Config.Digest.IntakeOptOut,
	})
}
