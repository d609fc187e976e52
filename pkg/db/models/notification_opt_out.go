package models

import "time"

// NotificationOptOut stores a recipient's email preference.
type NotificationOptOut struct {
	Recipient string    `gorm:"column:recipient;type:text;primaryKey"`
	OptedOut  bool      `gorm:"column:opted_out;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (NotificationOptOut) TableName() string { return "notification_opt_outs" }

// All returns every pipeline model, in dependency order, for AutoMigrate.
func All() []any {
	return []any{
		&NotificationIntent{},
		&DeliveryJob{},
		&DeliveryAudit{},
		&NotificationOptOut{},
	}
}
