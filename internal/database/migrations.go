package database

import (
	"strings"

	"crm_wa/internal/models"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Tenant{},
		&models.WhatsAppSession{},
		&models.Contact{},
		&models.ConversationThread{},
		&models.ThreadMessage{},
		&models.MessageLog{},
	); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

// SeedDefaultTenant creates an active tenant named name when no tenant exists
// yet. It returns the lowest-id active tenant.
func SeedDefaultTenant(db *gorm.DB, name string) (*models.Tenant, error) {
	var count int64
	if err := db.Model(&models.Tenant{}).Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "count tenants")
	}
	if count == 0 {
		tenant := models.Tenant{Name: name, Slug: Slugify(name), IsActive: true}
		if err := db.Create(&tenant).Error; err != nil {
			return nil, errors.Wrap(err, "create default tenant")
		}
		zap.L().Info("database: seeded default tenant",
			zap.Uint("tenant_id", tenant.ID), zap.String("name", name))
	}

	var tenant models.Tenant
	err := db.Where("is_active = ?", true).Order("id ASC").First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load default tenant")
	}
	return &tenant, nil
}

// Slugify lowercases name and joins its alphanumeric runs with dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
