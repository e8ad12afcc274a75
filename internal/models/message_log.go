package models

import "time"

// Message log statuses.
const (
	LogStatusSent     = "sent"
	LogStatusFailed   = "failed"
	LogStatusReceived = "received"
)

// MessageLog records every WhatsApp send attempt and every inbound text.
// Rows are append-only.
type MessageLog struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID          uint      `json:"tenant_id" gorm:"not null;index"`
	ContactID         *uint     `json:"contact_id" gorm:"index"`
	Destination       string    `json:"destination" gorm:"size:100;not null"`
	Body              string    `json:"body" gorm:"type:text"`
	MediaRef          *string   `json:"media_ref" gorm:"type:text"`
	Direction         string    `json:"direction" gorm:"type:varchar(10);not null;check:direction IN ('outbound','inbound')"`
	Status            string    `json:"status" gorm:"type:varchar(10);not null;check:status IN ('sent','failed','received')"`
	ExternalMessageID *string   `json:"external_message_id" gorm:"size:128"`
	Error             *string   `json:"error" gorm:"type:text"`
	Timestamp         time.Time `json:"timestamp" gorm:"not null;index"`
}

func (MessageLog) TableName() string {
	return "whatsapp_message_logs"
}
