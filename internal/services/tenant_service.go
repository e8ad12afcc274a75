package services

import (
	"context"
	"sync"

	"crm_wa/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// TenantService resolves the tenant a session belongs to.
type TenantService struct {
	db *gorm.DB

	mu     sync.Mutex
	cached *models.Tenant
	known  map[uint]bool
}

func NewTenantService(db *gorm.DB) *TenantService {
	return &TenantService{db: db, known: make(map[uint]bool)}
}

// DefaultTenant returns the lowest-id active tenant. The first successful
// lookup is cached for the life of the process.
func (s *TenantService) DefaultTenant(ctx context.Context) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}

	var tenant models.Tenant
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(ErrConfiguration, "no active tenant")
	}
	if err != nil {
		return nil, errors.Wrap(err, "load default tenant")
	}
	s.cached = &tenant
	return s.cached, nil
}

// Resolve maps 0 to the default tenant's id. Any other id must name an
// active tenant; the first successful check is cached.
func (s *TenantService) Resolve(ctx context.Context, tenantID uint) (uint, error) {
	if tenantID == 0 {
		tenant, err := s.DefaultTenant(ctx)
		if err != nil {
			return 0, err
		}
		return tenant.ID, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[tenantID] {
		return tenantID, nil
	}
	var tenant models.Tenant
	err := s.db.WithContext(ctx).Where("id = ? AND is_active = ?", tenantID, true).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errors.Wrapf(ErrUnknownTenant, "tenant %d", tenantID)
	}
	if err != nil {
		return 0, errors.Wrap(err, "load tenant")
	}
	s.known[tenantID] = true
	return tenantID, nil
}

func (s *TenantService) List(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&tenants).Error; err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	return tenants, nil
}
