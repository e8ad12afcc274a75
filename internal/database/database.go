package database

import (
	"fmt"
	"time"

	"crm_wa/internal/config"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database selected by cfg.Type.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Type {
	case "mysql":
		db, err = connectMySQL(cfg)
	case "postgres", "postgresql":
		db, err = connectPostgreSQL(cfg)
	case "sqlite", "":
		db, err = connectSQLite(cfg.Path)
	case "memory":
		db, err = OpenMemory()
	default:
		return nil, errors.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s database", cfg.Type)
	}

	zap.L().Info("database: connected", zap.String("type", cfg.Type))
	return db, nil
}

// OpenMemory returns a private in-memory SQLite database. The pool is
// limited to one connection because every connection gets its own memory
// database.
func OpenMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}
}

// connectMySQL connects to MySQL database
func connectMySQL(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=10s&readTimeout=30s&writeTimeout=30s",
		cfg.User, cfg.Password, orDefault(cfg.Host, "127.0.0.1"), orDefault(cfg.Port, "3306"), cfg.Name)

	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	return db, configurePool(db)
}

// connectPostgreSQL connects to PostgreSQL database
func connectPostgreSQL(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		orDefault(cfg.Host, "localhost"), orDefault(cfg.Port, "5432"), cfg.User, cfg.Password, cfg.Name)

	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	return db, configurePool(db)
}

// connectSQLite connects to a SQLite database file
func connectSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(orDefault(path, "crm_wa.db")), gormConfig())
}

func configurePool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
