package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

// DeliveryJob is a durable unit of outbound mail work.
type DeliveryJob struct {
	ID             uuid.UUID                           `gorm:"column:id;type:uuid;primaryKey"`
	Kind           enums.NotificationKind              `gorm:"column:kind;type:text;not null"`
	Recipient      string                              `gorm:"column:recipient;type:text;not null"`
	ContextID      int64                               `gorm:"column:context_id;not null"`
	Payload        datatypes.JSONType[payloads.Digest] `gorm:"column:payload;not null"`
	Priority       int                                 `gorm:"column:priority;not null;default:0"`
	Attempt        int                                 `gorm:"column:attempt;not null;default:0"`
	MaxAttempts    int                                 `gorm:"column:max_attempts;not null"`
	State          enums.DeliveryJobState              `gorm:"column:state;type:text;not null;index:idx_delivery_jobs_claim,priority:1"`
	ScheduledAt    time.Time                           `gorm:"column:scheduled_at;not null;index:idx_delivery_jobs_claim,priority:2"`
	LeaseExpiresAt *time.Time                          `gorm:"column:lease_expires_at"`
	LastError      *string                             `gorm:"column:last_error;type:text"`
	CreatedAt      time.Time                           `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time                           `gorm:"column:updated_at;not null"`
	CompletedAt    *time.Time                          `gorm:"column:completed_at"`
}

func (DeliveryJob) TableName() string { return "delivery_jobs" }

func (j *DeliveryJob) BeforeCreate(*gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// Digest unwraps the stored digest payload.
func (j DeliveryJob) Digest() payloads.Digest {
	return j.Payload.Data()
}

// Exhausted reports whether the job has used every allowed attempt.
func (j DeliveryJob) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}
