package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	assert.Error(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{"PORT", "DATABASE_URL", "SQLITE_PATH", "REDIS_ADDR", "EVENTS_CHANNEL", "LOG_LEVEL", "CONFLICT_RETRIES", "ORDER_UNIT_PRICE", "ACCESS_TOKEN_TTL_MINUTES"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.SQLitePath)
	assert.Equal(t, "oeufmaster:events", cfg.EventsChannel)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.ConflictRetries)
	assert.Equal(t, "2500", cfg.OrderUnitPrice.String())
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}

func TestLoadFallsBackOnMalformedNumbers(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("CONFLICT_RETRIES", "-2")
	t.Setenv("ORDER_UNIT_PRICE", "free")
	t.Setenv("REDIS_DB", "one")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ConflictRetries)
	assert.Equal(t, "2500", cfg.OrderUnitPrice.String())
	assert.Equal(t, 0, cfg.RedisDB)
}

func TestDotEnvFillsOnlyUnsetVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "SQLITE_PATH=/var/lib/oeufmaster/shop.db\nORDER_UNIT_PRICE=2750.50\nLOG_LEVEL=debug\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("ENV_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")
	// godotenv only fills variables absent from the environment.
	for _, key := range []string{"SQLITE_PATH", "ORDER_UNIT_PRICE"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/oeufmaster/shop.db", cfg.SQLitePath)
	assert.Equal(t, "2750.5", cfg.OrderUnitPrice.String())
	assert.Equal(t, "warn", cfg.LogLevel, "real environment wins over .env")
}

func TestValidateAcceptsLongSecret(t *testing.T) {
	cfg := Config{AuthSecret: "0123456789abcdef0123456789abcdef"}
	assert.NoError(t, cfg.Validate())
}
