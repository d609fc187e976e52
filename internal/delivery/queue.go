package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
)

// claimCandidates bounds how many queued rows one Dequeue inspects before
// giving up on a contended queue.
const claimCandidates = 8

// maxErrorLength trims provider errors stored on the job row.
const maxErrorLength = 2000

// ErrJobNotFound is returned by state transitions on an unknown or no longer
// active job.
var ErrJobNotFound = errors.New("delivery job not found")

// Queue is the durable delivery job store.
type Queue interface {
	EnqueueTx(tx *gorm.DB, job *models.DeliveryJob) error
	Dequeue(ctx context.Context, now time.Time, lease time.Duration) (*models.DeliveryJob, error)
	Complete(ctx context.Context, id uuid.UUID, now time.Time) error
	Retry(ctx context.Context, id uuid.UUID, now, scheduledAt time.Time, cause error) error
	Fail(ctx context.Context, id uuid.UUID, now time.Time, cause error) error
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
	Depth(ctx context.Context) (map[enums.DeliveryJobState]int64, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DeliveryJob, error)
}

type gormQueue struct {
	db *gorm.DB
}

// NewQueue returns a Queue backed by the delivery_jobs table.
func NewQueue(db *gorm.DB) Queue {
	return &gormQueue{db: db}
}

func (q *gormQueue) EnqueueTx(tx *gorm.DB, job *models.DeliveryJob) error {
	if tx == nil {
		tx = q.db
	}
	if job.State == "" {
		job.State = enums.DeliveryJobStateQueued
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	return tx.Create(job).Error
}

// Dequeue claims the highest priority due job. Candidates are selected with
// SKIP LOCKED and claimed inside the same transaction, so concurrent workers
// fan out across the queue while the locks are held. The claim itself is a
// compare-and-set on state, so a job is handed to at most one worker even
// where row locks are unavailable.
func (q *gormQueue) Dequeue(ctx context.Context, now time.Time, lease time.Duration) (*models.DeliveryJob, error) {
	var claimed *uuid.UUID
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []uuid.UUID
		err := tx.Model(&models.DeliveryJob{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND scheduled_at <= ?", enums.DeliveryJobStateQueued, now).
			Order("priority DESC, scheduled_at ASC, id ASC").
			Limit(claimCandidates).
			Pluck("id", &candidates).Error
		if err != nil {
			return err
		}

		expires := now.Add(lease)
		for _, id := range candidates {
			result := tx.Model(&models.DeliveryJob{}).
				Where("id = ? AND state = ?", id, enums.DeliveryJobStateQueued).
				Updates(map[string]any{
					"state":            enums.DeliveryJobStateActive,
					"attempt":          gorm.Expr("attempt + 1"),
					"lease_expires_at": expires,
					"updated_at":       now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				claimed = &id
				return nil
			}
		}
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}
	return q.Get(ctx, *claimed)
}

func (q *gormQueue) Complete(ctx context.Context, id uuid.UUID, now time.Time) error {
	return q.finish(ctx, id, map[string]any{
		"state":            enums.DeliveryJobStateCompleted,
		"lease_expires_at": nil,
		"completed_at":     now,
		"updated_at":       now,
	})
}

func (q *gormQueue) Retry(ctx context.Context, id uuid.UUID, now, scheduledAt time.Time, cause error) error {
	return q.finish(ctx, id, map[string]any{
		"state":            enums.DeliveryJobStateQueued,
		"scheduled_at":     scheduledAt,
		"lease_expires_at": nil,
		"last_error":       errorText(cause),
		"updated_at":       now,
	})
}

func (q *gormQueue) Fail(ctx context.Context, id uuid.UUID, now time.Time, cause error) error {
	return q.finish(ctx, id, map[string]any{
		"state":            enums.DeliveryJobStateFailed,
		"lease_expires_at": nil,
		"last_error":       errorText(cause),
		"completed_at":     now,
		"updated_at":       now,
	})
}

// finish applies a transition to a job the caller holds. A zero row count
// means the lease was reaped and the job handed to someone else.
func (q *gormQueue) finish(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	result := q.db.WithContext(ctx).
		Model(&models.DeliveryJob{}).
		Where("id = ? AND state = ?", id, enums.DeliveryJobStateActive).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// RequeueExpired returns active jobs whose lease lapsed to the queue. The
// attempt already spent on them is kept.
func (q *gormQueue) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	result := q.db.WithContext(ctx).
		Model(&models.DeliveryJob{}).
		Where("state = ? AND lease_expires_at < ?", enums.DeliveryJobStateActive, now).
		Updates(map[string]any{
			"state":            enums.DeliveryJobStateQueued,
			"scheduled_at":     now,
			"lease_expires_at": nil,
			"last_error":       "lease expired",
			"updated_at":       now,
		})
	return result.RowsAffected, result.Error
}

func (q *gormQueue) Depth(ctx context.Context) (map[enums.DeliveryJobState]int64, error) {
	type row struct {
		State enums.DeliveryJobState
		Total int64
	}
	var rows []row
	err := q.db.WithContext(ctx).
		Model(&models.DeliveryJob{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	depth := make(map[enums.DeliveryJobState]int64, len(enums.DeliveryJobStates()))
	for _, state := range enums.DeliveryJobStates() {
		depth[state] = 0
	}
	for _, r := range rows {
		depth[r.State] = r.Total
	}
	return depth, nil
}

func (q *gormQueue) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := q.db.WithContext(ctx).
		Where("state IN ? AND completed_at < ?",
			[]enums.DeliveryJobState{enums.DeliveryJobStateCompleted, enums.DeliveryJobStateFailed}, cutoff).
		Delete(&models.DeliveryJob{})
	return result.RowsAffected, result.Error
}

func (q *gormQueue) Get(ctx context.Context, id uuid.UUID) (*models.DeliveryJob, error) {
	var job models.DeliveryJob
	err := q.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return &msg
}
