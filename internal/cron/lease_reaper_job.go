package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
)

type leaseRequeuer interface {
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
}

type LeaseReaperJobParams struct {
	Logger *logger.Logger
	Queue  leaseRequeuer
}

// NewLeaseReaperJob returns active delivery jobs whose worker lease lapsed
// to the queue so another worker can pick them up.
func NewLeaseReaperJob(params LeaseReaperJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("delivery queue required")
	}
	return &leaseReaperJob{logg: params.Logger, queue: params.Queue, now: time.Now}, nil
}

type leaseReaperJob struct {
	logg  *logger.Logger
	queue leaseRequeuer
	now   func() time.Time
}

func (j *leaseReaperJob) Name() string { return "delivery-lease-reaper" }

func (j *leaseReaperJob) Run(ctx context.Context) error {
	requeued, err := j.queue.RequeueExpired(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("requeue expired leases: %w", err)
	}
	if requeued > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "requeued", requeued), "expired delivery leases returned to queue")
	}
	return nil
}
