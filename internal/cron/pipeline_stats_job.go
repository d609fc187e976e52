package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
)

type pendingCounter interface {
	CountPendingByKind(ctx context.Context) (map[enums.NotificationKind]int64, error)
}

type queueDepthReader interface {
	Depth(ctx context.Context) (map[enums.DeliveryJobState]int64, error)
}

type PipelineStatsJobParams struct {
	Logger  *logger.Logger
	Intents pendingCounter
	Queue   queueDepthReader
	Metrics *metrics.PipelineMetrics
}

// NewPipelineStatsJob refreshes the pending-intent and queue-depth gauges.
func NewPipelineStatsJob(params PipelineStatsJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Intents == nil || params.Queue == nil {
		return nil, fmt.Errorf("intent and queue readers required")
	}
	if params.Metrics == nil {
		return nil, fmt.Errorf("pipeline metrics required")
	}
	return &pipelineStatsJob{
		logg:    params.Logger,
		intents: params.Intents,
		queue:   params.Queue,
		metrics: params.Metrics,
	}, nil
}

type pipelineStatsJob struct {
	logg    *logger.Logger
	intents pendingCounter
	queue   queueDepthReader
	metrics *metrics.PipelineMetrics
}

func (j *pipelineStatsJob) Name() string { return "pipeline-stats" }

func (j *pipelineStatsJob) Run(ctx context.Context) error {
	pending, err := j.intents.CountPendingByKind(ctx)
	if err != nil {
		return fmt.Errorf("count pending intents: %w", err)
	}
	depth, err := j.queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("read queue depth: %w", err)
	}

	byKind := make(map[string]int64, len(pending))
	for kind, n := range pending {
		byKind[string(kind)] = n
	}
	byState := make(map[string]int64, len(depth))
	for state, n := range depth {
		byState[string(state)] = n
	}
	j.metrics.SetPending(byKind)
	j.metrics.SetQueueDepth(byState)
	return nil
}
