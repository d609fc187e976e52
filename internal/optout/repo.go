package optout

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/tabsplit-backend/pkg/db/models"
)

// Repository persists recipient email preferences.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	IsOptedOut(ctx context.Context, recipient string) (bool, error)
	Set(ctx context.Context, recipient string, optedOut bool, now time.Time) error
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns an opt-out repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) IsOptedOut(ctx context.Context, recipient string) (bool, error) {
	var row models.NotificationOptOut
	err := r.db.WithContext(ctx).
		Where("recipient = ?", recipient).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return row.OptedOut, nil
}

func (r *repositoryImpl) Set(ctx context.Context, recipient string, optedOut bool, now time.Time) error {
	row := models.NotificationOptOut{Recipient: recipient, OptedOut: optedOut, UpdatedAt: now}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "recipient"}},
			DoUpdates: clause.AssignmentColumns([]string{"opted_out", "updated_at"}),
		}).
		Create(&row).Error
}
