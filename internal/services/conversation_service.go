package services

import (
	"context"
	"time"

	"crm_wa/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const previewLength = 120

// InboundRecord is one inbound text to be synchronized into the
// conversation model.
type InboundRecord struct {
	TenantID   uint
	ThreadID   string // external thread id, the sender address
	Phone      string
	PushName   string
	Text       string
	ExternalID string
	At         time.Time
}

// ConversationService maintains contacts, threads and thread messages.
type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

// RecordInbound finds or creates the thread for rec and appends the message
// in a single transaction. A new thread starts with one unread message.
func (s *ConversationService) RecordInbound(ctx context.Context, rec InboundRecord) (*models.ConversationThread, error) {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	preview := Preview(rec.Text)

	var thread models.ConversationThread
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tenant_id = ? AND channel = ? AND external_thread_id = ?",
			rec.TenantID, models.ChannelWhatsApp, rec.ThreadID).First(&thread).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			contact, err := findOrCreateContact(tx, rec)
			if err != nil {
				return err
			}
			thread = models.ConversationThread{
				TenantID:           rec.TenantID,
				Channel:            models.ChannelWhatsApp,
				ExternalThreadID:   rec.ThreadID,
				ContactID:          &contact.ID,
				Status:             models.ThreadStatusOpen,
				UnreadCount:        1,
				LastMessageAt:      &at,
				LastMessagePreview: preview,
			}
			if err := tx.Create(&thread).Error; err != nil {
				return errors.Wrap(err, "create thread")
			}
		case err != nil:
			return errors.Wrap(err, "find thread")
		default:
			err := tx.Model(&thread).Updates(map[string]interface{}{
				"last_message_at":      at,
				"last_message_preview": preview,
				"unread_count":         gorm.Expr("unread_count + ?", 1),
			}).Error
			if err != nil {
				return errors.Wrap(err, "update thread")
			}
			if err := tx.First(&thread, thread.ID).Error; err != nil {
				return errors.Wrap(err, "reload thread")
			}
		}

		message := models.ThreadMessage{
			ThreadID:          thread.ID,
			Direction:         models.DirectionInbound,
			Content:           rec.Text,
			Status:            models.LogStatusReceived,
			ExternalMessageID: rec.ExternalID,
			CreatedAt:         at,
		}
		if err := tx.Create(&message).Error; err != nil {
			return errors.Wrap(err, "append thread message")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func findOrCreateContact(tx *gorm.DB, rec InboundRecord) (*models.Contact, error) {
	name := rec.PushName
	if name == "" {
		name = rec.Phone
	}
	var contact models.Contact
	err := tx.Where(models.Contact{TenantID: rec.TenantID, Phone: rec.Phone}).
		Attrs(models.Contact{
			Name:        name,
			WhatsAppJID: rec.ThreadID,
			Source:      models.ContactSourceWhatsApp,
		}).
		FirstOrCreate(&contact).Error
	if err != nil {
		return nil, errors.Wrap(err, "find or create contact")
	}
	return &contact, nil
}

// RecordOutbound mirrors a sent message into an existing thread. It reports
// false when the tenant has no thread for threadID; no thread is created.
func (s *ConversationService) RecordOutbound(ctx context.Context, tenantID uint, threadID, text, externalID string, at time.Time) (bool, error) {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.ConversationThread
		err := tx.Where("tenant_id = ? AND channel = ? AND external_thread_id = ?",
			tenantID, models.ChannelWhatsApp, threadID).First(&thread).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "find thread")
		}
		found = true

		err = tx.Model(&thread).Updates(map[string]interface{}{
			"last_message_at":      at,
			"last_message_preview": Preview(text),
		}).Error
		if err != nil {
			return errors.Wrap(err, "update thread")
		}
		return tx.Create(&models.ThreadMessage{
			ThreadID:          thread.ID,
			Direction:         models.DirectionOutbound,
			Content:           text,
			Status:            models.LogStatusSent,
			ExternalMessageID: externalID,
			CreatedAt:         at,
		}).Error
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// ListThreads returns the tenant's threads, most recently active first.
func (s *ConversationService) ListThreads(ctx context.Context, tenantID uint, limit int) ([]models.ConversationThread, error) {
	query := s.db.WithContext(ctx).
		Preload("Contact").
		Where("tenant_id = ? AND channel = ?", tenantID, models.ChannelWhatsApp).
		Order("last_message_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var threads []models.ConversationThread
	if err := query.Find(&threads).Error; err != nil {
		return nil, errors.Wrap(err, "list threads")
	}
	return threads, nil
}

func (s *ConversationService) Messages(ctx context.Context, threadID uint) ([]models.ThreadMessage, error) {
	var messages []models.ThreadMessage
	if err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("id ASC").Find(&messages).Error; err != nil {
		return nil, errors.Wrap(err, "list thread messages")
	}
	return messages, nil
}

// Preview truncates text to the thread preview length.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength-3]) + "..."
}
