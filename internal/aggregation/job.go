// Package aggregation turns ready pending intents into delivery jobs, one
// per (recipient, context) pair.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/internal/delivery"
	"github.com/angelmondragon/tabsplit-backend/internal/digest"
	"github.com/angelmondragon/tabsplit-backend/internal/intents"
	"github.com/angelmondragon/tabsplit-backend/pkg/db"
	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/logger"
	"github.com/angelmondragon/tabsplit-backend/pkg/metrics"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

const (
	jobName           = "notification-aggregation"
	defaultBatchLimit = 500
)

// ErrGroupRaced means another consumer claimed part of a group between the
// fetch and the consume. The group is rolled back and picked up next tick.
var ErrGroupRaced = errors.New("intent group consumed concurrently")

type groupKey struct {
	recipient string
	contextID int64
}

type group struct {
	key     groupKey
	intents []models.NotificationIntent
}

// Result summarises one tick.
type Result struct {
	Fetched  int
	Enqueued int
	Skipped  int
	Failed   int
}

type JobParams struct {
	Logger      *logger.Logger
	DB          db.TxRunner
	Intents     intents.Repository
	Queue       delivery.Queue
	Metrics     *metrics.PipelineMetrics
	BatchLimit  int
	MaxAttempts int
	Priority    int
	Now         func() time.Time
}

// Job is the periodic aggregation sweep.
type Job struct {
	logg        *logger.Logger
	db          db.TxRunner
	intents     intents.Repository
	queue       delivery.Queue
	metrics     *metrics.PipelineMetrics
	batchLimit  int
	maxAttempts int
	priority    int
	now         func() time.Time
}

func NewJob(params JobParams) (*Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Intents == nil {
		return nil, fmt.Errorf("intent repository required")
	}
	if params.Queue == nil {
		return nil, fmt.Errorf("delivery queue required")
	}
	if params.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	limit := params.BatchLimit
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Job{
		logg:        params.Logger,
		db:          params.DB,
		intents:     params.Intents,
		queue:       params.Queue,
		metrics:     params.Metrics,
		batchLimit:  limit,
		maxAttempts: params.MaxAttempts,
		priority:    params.Priority,
		now:         now,
	}, nil
}

func (j *Job) Name() string { return jobName }

func (j *Job) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce fetches every ready intent up to the batch limit and settles each
// group in its own transaction. A failed group does not stop the others;
// their errors are joined into the returned error.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	now := j.now().UTC()
	ready, err := j.intents.FetchReady(ctx, now, j.batchLimit)
	if err != nil {
		return Result{}, fmt.Errorf("fetch ready intents: %w", err)
	}
	result := Result{Fetched: len(ready)}
	if len(ready) == 0 {
		return result, nil
	}

	var errs error
	for _, g := range groupIntents(ready) {
		groupCtx := j.logg.WithRecipient(ctx, g.key.recipient)
		groupCtx = j.logg.WithContextID(groupCtx, g.key.contextID)

		enqueued, err := j.settle(groupCtx, g, now)
		switch {
		case err != nil:
			result.Failed++
			j.metrics.IncGroup("error")
			j.logg.Error(groupCtx, "aggregation group failed", err)
			errs = multierr.Append(errs, fmt.Errorf("group %s/%d: %w", g.key.recipient, g.key.contextID, err))
		case enqueued:
			result.Enqueued++
			j.metrics.IncGroup("enqueued")
		default:
			result.Skipped++
			j.metrics.IncGroup("skipped")
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"fetched":  result.Fetched,
		"enqueued": result.Enqueued,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
	}), "aggregation tick complete")
	return result, errs
}

// settle re-reads the group under row locks, consolidates what is still due,
// enqueues its digest when sendable and marks those members consumed, all or
// nothing. Members merged since the fetch carry a later ready_at and wait for
// a later tick.
func (j *Job) settle(ctx context.Context, g group, now time.Time) (bool, error) {
	fetched := make([]uuid.UUID, 0, len(g.intents))
	for _, intent := range g.intents {
		fetched = append(fetched, intent.ID)
	}

	var sendable bool
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := j.intents.WithTx(tx)
		rows, err := repo.LockReady(ctx, fetched, now)
		if err != nil {
			return fmt.Errorf("lock intents: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if len(rows) < len(fetched) {
			j.logg.Debug(j.logg.WithField(ctx, "deferred", len(fetched)-len(rows)), "intents merged since fetch wait for their window")
		}

		var d payloads.Digest
		d, sendable = digest.Consolidate(rows)

		var deliveryID *uuid.UUID
		if sendable {
			job := &models.DeliveryJob{
				Kind:        digest.Kind(d),
				Recipient:   g.key.recipient,
				ContextID:   g.key.contextID,
				Payload:     datatypes.NewJSONType(d),
				Priority:    j.priority,
				MaxAttempts: j.maxAttempts,
				ScheduledAt: now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := j.queue.EnqueueTx(tx, job); err != nil {
				return fmt.Errorf("enqueue digest: %w", err)
			}
			deliveryID = &job.ID
		}

		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		consumed, err := repo.ConsumeGroup(ctx, ids, deliveryID, now)
		if err != nil {
			return fmt.Errorf("consume intents: %w", err)
		}
		if consumed != int64(len(ids)) {
			return ErrGroupRaced
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !sendable {
		j.logg.Debug(ctx, "group consumed or deferred without delivery")
	}
	return sendable, nil
}

// groupIntents partitions rows by (recipient, context) keeping the order in
// which each pair first appears.
func groupIntents(rows []models.NotificationIntent) []group {
	index := map[groupKey]int{}
	var groups []group
	for _, row := range rows {
		key := groupKey{recipient: row.Recipient, contextID: row.ContextID}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].intents = append(groups[i].intents, row)
	}
	return groups
}
