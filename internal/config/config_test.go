package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testViper(values map[string]interface{}) *viper.Viper {
	v := newViper()
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(testViper(nil))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, BackendLocal, cfg.Store.Backend)
	assert.Equal(t, ".wa_auth", cfg.Store.LocalDir)
	assert.Equal(t, TransportWhatsmeow, cfg.WhatsApp.Transport)
	assert.Equal(t, 5, cfg.WhatsApp.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.WhatsApp.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.WhatsApp.ReconnectMaxDelay)
	assert.False(t, cfg.WhatsApp.AutoConnect)
}

func TestProductionDefaultsToDurableStore(t *testing.T) {
	_, err := FromViper(testViper(map[string]interface{}{"APP_ENV": "Production"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_ENDPOINT")

	cfg, err := FromViper(testViper(map[string]interface{}{
		"APP_ENV":         "production",
		"STORE_ENDPOINT":  "minio.internal:9000",
		"WA_STORE_DRIVER": "postgres",
		"WA_STORE_DSN":    "postgres://wa:secret@db/whatsmeow",
	}))
	require.NoError(t, err)
	assert.Equal(t, BackendDurable, cfg.Store.Backend)
	assert.Equal(t, "whatsapp-sessions", cfg.Store.Bucket)

	cfg, err = FromViper(testViper(map[string]interface{}{
		"APP_ENV":       "production",
		"STORE_BACKEND": "LOCAL",
	}))
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, cfg.Store.Backend)
}

func TestDurableStoreNeedsDurableDeviceStore(t *testing.T) {
	durable := map[string]interface{}{
		"STORE_BACKEND":  "durable",
		"STORE_ENDPOINT": "minio.internal:9000",
	}
	with := func(extra map[string]interface{}) map[string]interface{} {
		out := map[string]interface{}{}
		for k, v := range durable {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	_, err := FromViper(testViper(durable))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WA_STORE_DRIVER=postgres")

	_, err = FromViper(testViper(with(map[string]interface{}{"WA_STORE_DRIVER": "postgres"})))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WA_STORE_DSN")

	_, err = FromViper(testViper(with(map[string]interface{}{
		"WA_STORE_DRIVER": "pgx",
		"WA_STORE_DSN":    "postgres://wa:secret@db/whatsmeow",
	})))
	assert.NoError(t, err)

	_, err = FromViper(testViper(with(map[string]interface{}{"WA_TRANSPORT": "loopback"})))
	assert.NoError(t, err)

	_, err = FromViper(testViper(map[string]interface{}{"WA_STORE_DRIVER": "bolt"}))
	assert.Error(t, err)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"backend":   {"STORE_BACKEND": "ftp"},
		"transport": {"WA_TRANSPORT": "carrier-pigeon"},
		"attempts":  {"WA_RECONNECT_MAX_ATTEMPTS": -1},
		"delays":    {"WA_RECONNECT_BASE_DELAY": "1m", "WA_RECONNECT_MAX_DELAY": "1s"},
		"local dir": {"STORE_LOCAL_DIR": ""},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromViper(testViper(values))
			assert.Error(t, err)
		})
	}
}

func TestLoopbackSettings(t *testing.T) {
	cfg, err := FromViper(testViper(map[string]interface{}{
		"WA_TRANSPORT":      "loopback",
		"WA_LOOPBACK_PHONE": "5215500000000",
		"WA_AUTO_CONNECT":   "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, TransportLoopback, cfg.WhatsApp.Transport)
	assert.Equal(t, "5215500000000", cfg.WhatsApp.LoopbackPhone)
	assert.True(t, cfg.WhatsApp.AutoConnect)
}

func TestLoadEnvFilesKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CRM_WA_TEST_A=from-file\nCRM_WA_TEST_B=from-file\n"), 0o600))

	t.Setenv("CRM_WA_TEST_A", "from-env")
	t.Setenv("CRM_WA_TEST_B", "")
	require.NoError(t, os.Unsetenv("CRM_WA_TEST_B"))

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-env", os.Getenv("CRM_WA_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("CRM_WA_TEST_B"))
}
