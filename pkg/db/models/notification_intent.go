package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/tabsplit-backend/pkg/enums"
	"github.com/angelmondragon/tabsplit-backend/pkg/payloads"
)

// PendingEntityIndex guards one unconsumed intent per (recipient, context, kind, entity).
const PendingEntityIndex = "ux_notification_intents_pending_entity"

// NotificationIntent is one business event awaiting aggregation.
type NotificationIntent struct {
	ID            uuid.UUID                                  `gorm:"column:id;type:uuid;primaryKey"`
	Recipient     string                                     `gorm:"column:recipient;type:text;not null;uniqueIndex:ux_notification_intents_pending_entity,priority:1,where:consumed = false AND entity_key IS NOT NULL"`
	SubjectUserID *uuid.UUID                                 `gorm:"column:subject_user_id;type:uuid"`
	ContextID     int64                                      `gorm:"column:context_id;not null;uniqueIndex:ux_notification_intents_pending_entity,priority:2"`
	Kind          enums.NotificationKind                     `gorm:"column:kind;type:text;not null;uniqueIndex:ux_notification_intents_pending_entity,priority:3"`
	EntityKey     *string                                    `gorm:"column:entity_key;type:text;uniqueIndex:ux_notification_intents_pending_entity,priority:4"`
	Payload       datatypes.JSONType[payloads.IntentPayload] `gorm:"column:payload;not null"`
	CreatedAt     time.Time                                  `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time                                  `gorm:"column:updated_at;not null"`
	ReadyAt       time.Time                                  `gorm:"column:ready_at;not null;index:idx_notification_intents_ready,priority:2"`
	Consumed      bool                                       `gorm:"column:consumed;not null;default:false;index:idx_notification_intents_ready,priority:1"`
	ConsumedAt    *time.Time                                 `gorm:"column:consumed_at"`
	CancelledAt   *time.Time                                 `gorm:"column:cancelled_at"`

	// ResultingDeliveryID points at the delivery job built from this intent's batch.
	ResultingDeliveryID *uuid.UUID `gorm:"column:resulting_delivery_id;type:uuid"`
}

func (NotificationIntent) TableName() string { return "notification_intents" }

func (n *NotificationIntent) BeforeCreate(*gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}

// IntentPayload unwraps the stored payload.
func (n NotificationIntent) IntentPayload() payloads.IntentPayload {
	return n.Payload.Data()
}
