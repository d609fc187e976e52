package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/pagination"
)

// ErrNotFound is returned when no audit row exists for a job.
var ErrNotFound = errors.New("audit record not found")

// Repository persists delivery audit rows. Every transition is a guarded
// update that leaves terminal rows untouched.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	EnsurePending(ctx context.Context, entry Entry, now time.Time) (*models.DeliveryAudit, error)
	Transition(ctx context.Context, jobID uuid.UUID, change Change) (bool, error)
	RecordSuppressed(ctx context.Context, entry Entry, reason string, now time.Time) (*models.DeliveryAudit, error)
	FindByJob(ctx context.Context, jobID uuid.UUID) (*models.DeliveryAudit, error)
	ListByRecipient(ctx context.Context, params ListParams) ([]models.DeliveryAudit, *pagination.Cursor, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Entry identifies the delivery an audit row describes.
type Entry struct {
	JobID     *uuid.UUID
	Recipient string
	ContextID int64
	Kind      enums.NotificationKind
	Subject   string
}

// Change is one status transition.
type Change struct {
	Status            enums.AuditStatus
	Attempts          int
	At                time.Time
	ProviderMessageID string
	ErrorDetail       string
}

type ListParams struct {
	Recipient string
	Limit     int
	Cursor    *pagination.Cursor
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) EnsurePending(ctx context.Context, entry Entry, now time.Time) (*models.DeliveryAudit, error) {
	if entry.JobID == nil {
		return nil, errors.New("job id required")
	}
	row := models.DeliveryAudit{
		JobID:     entry.JobID,
		Recipient: entry.Recipient,
		ContextID: entry.ContextID,
		Subject:   entry.Subject,
		Kind:      entry.Kind,
		Status:    enums.AuditStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return nil, err
	}
	return r.FindByJob(ctx, *entry.JobID)
}

func (r *repositoryImpl) Transition(ctx context.Context, jobID uuid.UUID, change Change) (bool, error) {
	updates := map[string]any{
		"status":     change.Status,
		"attempts":   change.Attempts,
		"updated_at": change.At,
	}
	switch change.Status {
	case enums.AuditStatusSent:
		updates["sent_at"] = change.At
		updates["provider_message_id"] = nullable(change.ProviderMessageID)
		updates["error_detail"] = nil
	case enums.AuditStatusFailed:
		updates["failed_at"] = change.At
		updates["error_detail"] = nullable(change.ErrorDetail)
	case enums.AuditStatusCancelled:
		updates["cancelled_at"] = change.At
		updates["error_detail"] = nullable(change.ErrorDetail)
	case enums.AuditStatusPending:
		updates["error_detail"] = nullable(change.ErrorDetail)
	}

	result := r.db.WithContext(ctx).
		Model(&models.DeliveryAudit{}).
		Where("job_id = ? AND status NOT IN ?", jobID, enums.TerminalAuditStatuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repositoryImpl) RecordSuppressed(ctx context.Context, entry Entry, reason string, now time.Time) (*models.DeliveryAudit, error) {
	row := models.DeliveryAudit{
		JobID:       entry.JobID,
		Recipient:   entry.Recipient,
		ContextID:   entry.ContextID,
		Subject:     entry.Subject,
		Kind:        entry.Kind,
		Status:      enums.AuditStatusCancelled,
		CancelledAt: &now,
		ErrorDetail: nullable(reason),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) FindByJob(ctx context.Context, jobID uuid.UUID) (*models.DeliveryAudit, error) {
	var row models.DeliveryAudit
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repositoryImpl) ListByRecipient(ctx context.Context, params ListParams) ([]models.DeliveryAudit, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).
		Model(&models.DeliveryAudit{}).
		Where("recipient = ?", params.Recipient)
	if params.Cursor != nil {
		query = query.Where("(created_at, id) <= (?, ?)", params.Cursor.CreatedAt, params.Cursor.ID)
	}

	var rows []models.DeliveryAudit
	if err := query.Order("created_at DESC, id DESC").Limit(pagination.LimitWithBuffer(params.Limit)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.SplitPage(rows, params.Limit, func(row models.DeliveryAudit) pagination.Cursor {
		return pagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	return page, next, nil
}

func (r *repositoryImpl) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", enums.TerminalAuditStatuses, cutoff).
		Delete(&models.DeliveryAudit{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
