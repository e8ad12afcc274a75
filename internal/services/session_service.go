package services

import (
	"context"

	"crm_wa/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// SessionService persists WhatsAppSession records.
type SessionService struct {
	db *gorm.DB
}

func NewSessionService(db *gorm.DB) *SessionService {
	return &SessionService{db: db}
}

// Get returns nil when the tenant has no session record yet.
func (s *SessionService) Get(ctx context.Context, tenantID uint) (*models.WhatsAppSession, error) {
	var record models.WhatsAppSession
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load session for tenant %d", tenantID)
	}
	return &record, nil
}

// Save upserts the record by tenant_id. Nil fields are written as NULL.
func (s *SessionService) Save(ctx context.Context, record *models.WhatsAppSession) error {
	db := s.db.WithContext(ctx)

	var existing models.WhatsAppSession
	err := db.Where("tenant_id = ?", record.TenantID).First(&existing).Error
	switch {
	case err == nil:
		existing.Status = record.Status
		existing.PhoneNumber = record.PhoneNumber
		existing.PairingCode = record.PairingCode
		existing.ConnectedAt = record.ConnectedAt
		if err := db.Save(&existing).Error; err != nil {
			return errors.Wrapf(err, "update session for tenant %d", record.TenantID)
		}
		*record = existing
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(record).Error; err != nil {
			return errors.Wrapf(err, "create session for tenant %d", record.TenantID)
		}
		return nil
	default:
		return errors.Wrapf(err, "load session for tenant %d", record.TenantID)
	}
}

// ResetLive marks every record left in a live or closing state by a previous
// process as disconnected and returns the affected tenant ids.
func (s *SessionService) ResetLive(ctx context.Context) ([]uint, error) {
	stale := []string{
		models.StatusConnecting,
		models.StatusAwaitingPairing,
		models.StatusConnected,
		models.StatusClosing,
	}
	db := s.db.WithContext(ctx)

	var tenantIDs []uint
	if err := db.Model(&models.WhatsAppSession{}).Where("status IN ?", stale).Pluck("tenant_id", &tenantIDs).Error; err != nil {
		return nil, errors.Wrap(err, "find stale sessions")
	}
	if len(tenantIDs) == 0 {
		return nil, nil
	}
	err := db.Model(&models.WhatsAppSession{}).
		Where("tenant_id IN ?", tenantIDs).
		Updates(map[string]interface{}{
			"status":       models.StatusDisconnected,
			"pairing_code": nil,
		}).Error
	if err != nil {
		return nil, errors.Wrap(err, "reset stale sessions")
	}
	return tenantIDs, nil
}
