package services

import (
	"context"
	"time"

	"crm_wa/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// MessageLogService appends to the WhatsApp message log.
type MessageLogService struct {
	db *gorm.DB
}

func NewMessageLogService(db *gorm.DB) *MessageLogService {
	return &MessageLogService{db: db}
}

func (s *MessageLogService) Append(ctx context.Context, entry *models.MessageLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errors.Wrapf(err, "append %s message log", entry.Direction)
	}
	return nil
}

// List returns the newest entries first. An empty direction matches both.
func (s *MessageLogService) List(ctx context.Context, tenantID uint, direction string, limit int) ([]models.MessageLog, error) {
	query := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if direction != "" {
		query = query.Where("direction = ?", direction)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var logs []models.MessageLog
	if err := query.Order("timestamp DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, errors.Wrap(err, "list message logs")
	}
	return logs, nil
}
