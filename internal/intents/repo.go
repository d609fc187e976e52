package intents

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

var (
	// ErrNotFound is returned when no pending intent matches.
	ErrNotFound = errors.New("pending intent not found")
	// ErrAlreadyConsumed signals a lost race against the scheduler or an
	// admin cancel.
	ErrAlreadyConsumed = errors.New("intent already consumed")
)

// Key is the fine-grained dedup key of an entity-scoped intent.
type Key struct {
	Recipient string
	ContextID int64
	Kind      enums.NotificationKind
	EntityKey string
}

// CancelFilter narrows an administrative cancel. A zero filter cancels every
// pending intent.
type CancelFilter struct {
	ID   *uuid.UUID
	Kind *enums.NotificationKind
}

// Repository is the pending notification store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindPendingForUpdate(ctx context.Context, key Key) (*models.NotificationIntent, error)
	Create(ctx context.Context, intent *models.NotificationIntent) error
	SaveMerge(ctx context.Context, intent *models.NotificationIntent) error
	FetchReady(ctx context.Context, now time.Time, limit int) ([]models.NotificationIntent, error)
	LockReady(ctx context.Context, ids []uuid.UUID, now time.Time) ([]models.NotificationIntent, error)
	ConsumeGroup(ctx context.Context, ids []uuid.UUID, deliveryID *uuid.UUID, now time.Time) (int64, error)
	Cancel(ctx context.Context, filter CancelFilter, now time.Time) (int64, error)
	CountPendingByKind(ctx context.Context) (map[enums.NotificationKind]int64, error)
	DeleteConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*models.NotificationIntent, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns an intent repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

// FindPendingForUpdate loads the unconsumed row for key and row-locks it on
// drivers that support FOR UPDATE.
func (r *repositoryImpl) FindPendingForUpdate(ctx context.Context, key Key) (*models.NotificationIntent, error) {
	var row models.NotificationIntent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("recipient = ? AND context_id = ? AND kind = ? AND entity_key = ? AND consumed = ?",
			key.Recipient, key.ContextID, key.Kind, key.EntityKey, false).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) Create(ctx context.Context, intent *models.NotificationIntent) error {
	return r.db.WithContext(ctx).Create(intent).Error
}

// SaveMerge persists a merged payload and the advanced ready_at, but only
// while the row is still pending.
func (r *repositoryImpl) SaveMerge(ctx context.Context, intent *models.NotificationIntent) error {
	result := r.db.WithContext(ctx).
		Model(&models.NotificationIntent{}).
		Where("id = ? AND consumed = ?", intent.ID, false).
		Updates(map[string]any{
			"payload":    intent.Payload,
			"ready_at":   intent.ReadyAt,
			"updated_at": intent.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyConsumed
	}
	return nil
}

// FetchReady returns pending intents whose window elapsed, oldest first.
func (r *repositoryImpl) FetchReady(ctx context.Context, now time.Time, limit int) ([]models.NotificationIntent, error) {
	query := r.db.WithContext(ctx).
		Where("consumed = ? AND ready_at <= ?", false, now).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.NotificationIntent
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LockReady re-reads the given intents that are still pending and due at
// now, row-locking them where the driver supports it. A row merged since it
// was fetched has a later ready_at and drops out.
func (r *repositoryImpl) LockReady(ctx context.Context, ids []uuid.UUID, now time.Time) ([]models.NotificationIntent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.NotificationIntent
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ? AND consumed = ? AND ready_at <= ?", ids, false, now).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ConsumeGroup flips the given intents to consumed if they are still pending
// and due at now. The caller compares the affected count with len(ids) to
// detect a concurrent consumer or merge.
func (r *repositoryImpl) ConsumeGroup(ctx context.Context, ids []uuid.UUID, deliveryID *uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&models.NotificationIntent{}).
		Where("id IN ? AND consumed = ? AND ready_at <= ?", ids, false, now).
		Updates(map[string]any{
			"consumed":              true,
			"consumed_at":           now,
			"resulting_delivery_id": deliveryID,
			"updated_at":            now,
		})
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) Cancel(ctx context.Context, filter CancelFilter, now time.Time) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.NotificationIntent{}).
		Where("consumed = ?", false)
	if filter.ID != nil {
		query = query.Where("id = ?", *filter.ID)
	}
	if filter.Kind != nil {
		query = query.Where("kind = ?", *filter.Kind)
	}
	result := query.Updates(map[string]any{
		"consumed":     true,
		"consumed_at":  now,
		"cancelled_at": now,
		"updated_at":   now,
	})
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) CountPendingByKind(ctx context.Context) (map[enums.NotificationKind]int64, error) {
	type row struct {
		Kind  enums.NotificationKind
		Total int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&models.NotificationIntent{}).
		Select("kind, COUNT(*) AS total").
		Where("consumed = ?", false).
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[enums.NotificationKind]int64, len(rows))
	for _, kind := range enums.NotificationKinds() {
		counts[kind] = 0
	}
	for _, r := range rows {
		counts[r.Kind] = r.Total
	}
	return counts, nil
}

func (r *repositoryImpl) DeleteConsumedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("consumed = ? AND consumed_at < ?", true, cutoff).
		Delete(&models.NotificationIntent{})
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) Get(ctx context.Context, id uuid.UUID) (*models.NotificationIntent, error) {
	var row models.NotificationIntent
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
