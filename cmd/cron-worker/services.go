package main

import (
	"time"

	"github.com/angelmondragon/tabsplit-backend/internal/app"
	"github.com/angelmondragon/tabsplit-backend/internal/cron"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
)

type schedule struct {
	name     string
	lockTTL  time.Duration
	interval time.Duration
	jobs     []cron.Job
}

// newCronService gives each schedule its own lock so a slow maintenance
// cycle never delays aggregation.
func newCronService(rt *app.Runtime, cronMetrics *metrics.CronJobMetrics, s schedule) *cron.Service {
	logg := rt.Logger
	lock, err := cron.NewRedisLock(rt.Redis, rt.Redis.LockKey(lockName(rt.Config.App.Env, s.name)), s.lockTTL)
	app.Fatal(logg, "failed to create cron lock", err)

	registry := cron.NewRegistry()
	for _, job := range s.jobs {
		app.Fatal(logg, "failed to register cron job", registry.Register(job))
	}

	service, err := cron.NewService(cron.ServiceParams{
		Name:     s.name,
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: s.interval,
	})
	app.Fatal(logg, "failed to create cron service", err)
	return service
}

func maintenanceJobs(rt *app.Runtime, p *app.Pipeline) []cron.Job {
	logg, retention := rt.Logger, rt.Config.Retention

	leaseReaper, err := cron.NewLeaseReaperJob(cron.LeaseReaperJobParams{Logger: logg, Queue: p.Queue})
	app.Fatal(logg, "failed to create lease reaper job", err)
	stats, err := cron.NewPipelineStatsJob(cron.PipelineStatsJobParams{
		Logger:  logg,
		Intents: p.Intents,
		Queue:   p.Queue,
		Metrics: p.Metrics,
	})
	app.Fatal(logg, "failed to create pipeline stats job", err)

	jobs := []cron.Job{leaseReaper, stats}
	for _, params := range []cron.RetentionJobParams{
		{Name: "intent-retention", Logger: logg, Sweep: p.Intents.DeleteConsumedBefore, Retention: retention.IntentDays},
		{Name: "audit-retention", Logger: logg, Sweep: p.Audit.DeleteTerminalBefore, Retention: retention.AuditDays},
		{Name: "delivery-job-retention", Logger: logg, Sweep: p.Queue.DeleteFinishedBefore, Retention: retention.JobDays},
	} {
		job, err := cron.NewRetentionJob(params)
		app.Fatal(logg, "failed to create retention job", err)
		jobs = append(jobs, job)
	}
	return jobs
}

func lockName(env, name string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env + ":" + name
}
