package models

import "time"

const (
	ChannelWhatsApp = "whatsapp"

	ThreadStatusOpen = "open"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ConversationThread is unique per (tenant_id, channel, external_thread_id).
type ConversationThread struct {
	ID                 uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID           uint       `json:"tenant_id" gorm:"not null;uniqueIndex:idx_threads_external"`
	Channel            string     `json:"channel" gorm:"size:20;not null;uniqueIndex:idx_threads_external"`
	ExternalThreadID   string     `json:"external_thread_id" gorm:"size:100;not null;uniqueIndex:idx_threads_external"`
	ContactID          *uint      `json:"contact_id" gorm:"index"`
	Status             string     `json:"status" gorm:"size:20;default:'open'"`
	UnreadCount        int        `json:"unread_count" gorm:"not null;default:0"`
	LastMessageAt      *time.Time `json:"last_message_at" gorm:"index"`
	LastMessagePreview string     `json:"last_message_preview" gorm:"size:255"`
	CreatedAt          time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	Contact *Contact `json:"contact,omitempty" gorm:"foreignKey:ContactID"`
}

func (ConversationThread) TableName() string {
	return "conversation_threads"
}

// ThreadMessage is append-only.
type ThreadMessage struct {
	ID                uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ThreadID          uint      `json:"thread_id" gorm:"not null;index"`
	Direction         string    `json:"direction" gorm:"size:10;not null"`
	Content           string    `json:"content" gorm:"type:text"`
	Status            string    `json:"status" gorm:"size:20"`
	ExternalMessageID string    `json:"external_message_id" gorm:"size:128;index"`
	CreatedAt         time.Time `json:"created_at"`
}

func (ThreadMessage) TableName() string {
	return "thread_messages"
}
