package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	BackendLocal   = "local"
	BackendDurable = "durable"

	TransportWhatsmeow = "whatsmeow"
	TransportLoopback  = "loopback"
)

// Config is read once at process start and passed down explicitly.
type Config struct {
	AppEnv    string
	HTTPAddr  string
	JWTSecret string

	Database DatabaseConfig
	Store    StoreConfig
	WhatsApp WhatsAppConfig
	Log      LogConfig

	DefaultTenantName string
}

type DatabaseConfig struct {
	Type     string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	Path     string
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Backend   string
	LocalDir  string
	Bucket    string
	Folder    string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	// Secret enables sealing of credential payloads when non-empty.
	Secret string
}

type WhatsAppConfig struct {
	Transport   string
	StoreDriver string
	StoreDSN    string
	StoreDir    string
	AutoConnect bool
	// LoopbackPhone auto-completes pairing on the loopback transport.
	LoopbackPhone string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

// LoadEnvFiles loads the given env files without overriding variables that
// are already set. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "load env file %s", f)
		}
	}
	return nil
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	if err := LoadEnvFiles(".env", "env.production", "env.local"); err != nil {
		return nil, err
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":9090")
	v.SetDefault("JWT_SECRET", "")

	v.SetDefault("DB_TYPE", "sqlite")
	v.SetDefault("DB_NAME", "crm_wa")
	v.SetDefault("DB_PATH", "crm_wa.db")

	v.SetDefault("STORE_LOCAL_DIR", ".wa_auth")
	v.SetDefault("STORE_BUCKET", "whatsapp-sessions")
	v.SetDefault("STORE_FOLDER", "auth")
	v.SetDefault("STORE_USE_SSL", true)

	v.SetDefault("WA_TRANSPORT", TransportWhatsmeow)
	v.SetDefault("WA_STORE_DRIVER", "sqlite")
	v.SetDefault("WA_STORE_DIR", ".")
	v.SetDefault("WA_AUTO_CONNECT", false)
	v.SetDefault("WA_RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("WA_RECONNECT_BASE_DELAY", "1s")
	v.SetDefault("WA_RECONNECT_MAX_DELAY", "30s")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")

	v.SetDefault("DEFAULT_TENANT_NAME", "Default Agency")
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AppEnv:    strings.ToLower(v.GetString("APP_ENV")),
		HTTPAddr:  v.GetString("HTTP_ADDR"),
		JWTSecret: v.GetString("JWT_SECRET"),
		Database: DatabaseConfig{
			Type:     strings.ToLower(v.GetString("DB_TYPE")),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			Path:     v.GetString("DB_PATH"),
		},
		Store: StoreConfig{
			Backend:   strings.ToLower(v.GetString("STORE_BACKEND")),
			LocalDir:  v.GetString("STORE_LOCAL_DIR"),
			Bucket:    v.GetString("STORE_BUCKET"),
			Folder:    v.GetString("STORE_FOLDER"),
			Endpoint:  v.GetString("STORE_ENDPOINT"),
			AccessKey: v.GetString("STORE_ACCESS_KEY"),
			SecretKey: v.GetString("STORE_SECRET_KEY"),
			UseSSL:    v.GetBool("STORE_USE_SSL"),
			Region:    v.GetString("STORE_REGION"),
			Secret:    v.GetString("CREDENTIAL_SECRET"),
		},
		WhatsApp: WhatsAppConfig{
			Transport:            strings.ToLower(v.GetString("WA_TRANSPORT")),
			StoreDriver:          strings.ToLower(v.GetString("WA_STORE_DRIVER")),
			StoreDSN:             v.GetString("WA_STORE_DSN"),
			StoreDir:             v.GetString("WA_STORE_DIR"),
			AutoConnect:          v.GetBool("WA_AUTO_CONNECT"),
			LoopbackPhone:        v.GetString("WA_LOOPBACK_PHONE"),
			MaxReconnectAttempts: v.GetInt("WA_RECONNECT_MAX_ATTEMPTS"),
			ReconnectBaseDelay:   v.GetDuration("WA_RECONNECT_BASE_DELAY"),
			ReconnectMaxDelay:    v.GetDuration("WA_RECONNECT_MAX_DELAY"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			File:   v.GetString("LOG_FILE"),
		},
		DefaultTenantName: v.GetString("DEFAULT_TENANT_NAME"),
	}

	// production-like deployments have ephemeral disks, so credentials go to the bucket
	if cfg.Store.Backend == "" {
		if cfg.AppEnv == "production" {
			cfg.Store.Backend = BackendDurable
		} else {
			cfg.Store.Backend = BackendLocal
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendLocal:
		if c.Store.LocalDir == "" {
			return errors.New("STORE_LOCAL_DIR is required for the local credential store")
		}
	case BackendDurable:
		if c.Store.Endpoint == "" {
			return errors.New("STORE_ENDPOINT is required when STORE_BACKEND=durable")
		}
		if c.Store.Bucket == "" {
			return errors.New("STORE_BUCKET is required when STORE_BACKEND=durable")
		}
	default:
		return errors.Errorf("unsupported STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.WhatsApp.Transport {
	case TransportWhatsmeow:
		if err := c.validateDeviceStore(); err != nil {
			return err
		}
	case TransportLoopback:
	default:
		return errors.Errorf("unsupported WA_TRANSPORT %q", c.WhatsApp.Transport)
	}
	if c.WhatsApp.MaxReconnectAttempts < 0 {
		return errors.New("WA_RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.WhatsApp.ReconnectBaseDelay <= 0 || c.WhatsApp.ReconnectMaxDelay < c.WhatsApp.ReconnectBaseDelay {
		return errors.New("WA_RECONNECT_BASE_DELAY must be positive and not exceed WA_RECONNECT_MAX_DELAY")
	}
	return nil
}

// validateDeviceStore checks where whatsmeow keeps its protocol state
// (sessions, pre-keys, sender keys). The credential store only mirrors the
// device identity, so a durable credential store needs a durable device
// store next to it.
func (c *Config) validateDeviceStore() error {
	switch c.WhatsApp.StoreDriver {
	case "sqlite":
		if c.Store.Backend == BackendDurable {
			return errors.New("STORE_BACKEND=durable needs WA_STORE_DRIVER=postgres: the sqlite device store does not survive an ephemeral disk")
		}
	case "postgres", "pgx":
		if c.WhatsApp.StoreDSN == "" {
			return errors.New("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
	default:
		return errors.Errorf("unsupported WA_STORE_DRIVER %q", c.WhatsApp.StoreDriver)
	}
	return nil
}
