package models

import (
	"time"
)

// Session statuses.
const (
	StatusDisconnected    = "disconnected"
	StatusConnecting      = "connecting"
	StatusAwaitingPairing = "awaiting_pairing"
	StatusConnected       = "connected"
	StatusClosing         = "closing"
)

// IsLiveStatus reports whether status belongs to a session that holds, or is
// acquiring, a network connection.
func IsLiveStatus(status string) bool {
	switch status {
	case StatusConnecting, StatusAwaitingPairing, StatusConnected:
		return true
	}
	return false
}

// WhatsAppSession is the persisted status of a tenant's WhatsApp connection.
// Rows are upserted on every transition and never deleted.
type WhatsAppSession struct {
	ID          uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID    uint       `json:"tenant_id" gorm:"uniqueIndex;not null"`
	Status      string     `json:"status" gorm:"type:varchar(20);default:'disconnected';check:status IN ('disconnected','connecting','awaiting_pairing','connected','closing')"`
	PhoneNumber *string    `json:"phone_number" gorm:"size:32"`
	PairingCode *string    `json:"pairing_code" gorm:"type:text"` // only while awaiting_pairing
	ConnectedAt *time.Time `json:"connected_at"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for WhatsAppSession
func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}
