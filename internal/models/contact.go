package models

import "time"

const ContactSourceWhatsApp = "whatsapp"

// Contact is unique per (tenant_id, phone).
type Contact struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID    uint      `json:"tenant_id" gorm:"not null;uniqueIndex:idx_contacts_tenant_phone"`
	Name        string    `json:"name" gorm:"size:150"`
	Phone       string    `json:"phone" gorm:"size:32;not null;uniqueIndex:idx_contacts_tenant_phone"`
	WhatsAppJID string    `json:"whatsapp_jid" gorm:"column:whatsapp_jid;size:100"`
	Source      string    `json:"source" gorm:"size:30"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Contact) TableName() string {
	return "contacts"
}
