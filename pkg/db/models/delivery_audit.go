package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
)

// DeliveryAudit records the outcome of sending (or deliberately not sending)
// one digest. Rows in a terminal status are never modified.
type DeliveryAudit struct {
	ID                uuid.UUID              `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	JobID             *uuid.UUID             `gorm:"column:job_id;type:uuid;uniqueIndex:ux_delivery_audit_records_job" json:"jobId,omitempty"`
	Recipient         string                 `gorm:"column:recipient;type:text;not null;index:idx_delivery_audit_records_recipient,priority:1" json:"recipient"`
	ContextID         int64                  `gorm:"column:context_id;not null" json:"contextId"`
	Subject           string                 `gorm:"column:subject;type:text;not null" json:"subject"`
	Kind              enums.NotificationKind `gorm:"column:kind;type:text;not null" json:"kind"`
	Status            enums.AuditStatus      `gorm:"column:status;type:text;not null" json:"status"`
	Attempts          int                    `gorm:"column:attempts;not null;default:0" json:"attempts"`
	SentAt            *time.Time             `gorm:"column:sent_at" json:"sentAt,omitempty"`
	FailedAt          *time.Time             `gorm:"column:failed_at" json:"failedAt,omitempty"`
	CancelledAt       *time.Time             `gorm:"column:cancelled_at" json:"cancelledAt,omitempty"`
	ProviderMessageID *string                `gorm:"column:provider_message_id;type:text" json:"providerMessageId,omitempty"`
	ErrorDetail       *string                `gorm:"column:error_detail;type:text" json:"errorDetail,omitempty"`
	CreatedAt         time.Time              `gorm:"column:created_at;not null;index:idx_delivery_audit_records_recipient,priority:2" json:"createdAt"`
	UpdatedAt         time.Time              `gorm:"column:updated_at;not null" json:"updatedAt"`
}

func (DeliveryAudit) TableName() string { return "delivery_audit_records" }

func (a *DeliveryAudit) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
