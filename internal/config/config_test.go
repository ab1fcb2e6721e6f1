package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SIGNING_SECRET", "ALLOW_INSECURE_DEV_SECRET", "ALLOW_LEGACY_TOKENS",
		"TENANT_MODE", "PROVIDER", "TENANT_COLUMN", "TABLE_ALLOWLIST",
		"STRICT_CLASSIFIER", "CURSOR_DEFAULT_TTL_S", "CURSOR_CLOCK_SKEW_S",
		"MAX_AST_NODES", "MAX_REWRITE_TARGETS", "MAX_BIND_PARAMS",
		"HARD_TIMEOUT_MS", "DEFAULT_PAGE_SIZE", "MAX_PAGE_SIZE",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "RULESET_PATH",
		"SCHEMA_SNAPSHOT_PATH", "NON_NULLABLE_COLUMNS", "LOG_LEVEL", "ENV",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "sql_rewrite", cfg.TenantMode)
	assert.Equal(t, "postgres", cfg.Provider)
	assert.Equal(t, "tenant_id", cfg.TenantColumn)
	assert.Equal(t, 600, cfg.CursorDefaultTTL)
	assert.Equal(t, 30, cfg.CursorClockSkew)
	assert.Equal(t, 100, cfg.DefaultPageSize)
	assert.Equal(t, 1000, cfg.MaxPageSize)
	assert.True(t, cfg.StrictClassifier)
	assert.False(t, cfg.AllowLegacyTokens)

	// No secret and no dev opt-in: loading succeeds but warns; decoding
	// will fail closed at the codec.
	assert.Empty(t, cfg.SigningSecret)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGNING_SECRET", "super-secret")
	t.Setenv("TENANT_MODE", "rls_session")
	t.Setenv("PROVIDER", "sqlite")
	t.Setenv("TENANT_COLUMN", "org_id")
	t.Setenv("TABLE_ALLOWLIST", "orders, customers ,invoices")
	t.Setenv("NON_NULLABLE_COLUMNS", "id, Created_At")
	t.Setenv("CURSOR_DEFAULT_TTL_S", "120")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "5")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "super-secret", cfg.SigningSecret)
	assert.Equal(t, "rls_session", cfg.TenantMode)
	assert.Equal(t, "org_id", cfg.TenantColumn)
	assert.Equal(t, []string{"orders", "customers", "invoices"}, cfg.TableAllowlist)
	assert.Equal(t, []string{"id", "created_at"}, cfg.NonNullableColumns)
	assert.Equal(t, 120, cfg.CursorDefaultTTL)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)
	assert.Equal(t, 5, cfg.RateLimitBurst)
}

func TestLoadFromEnv_DevSecretOptIn(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALLOW_INSECURE_DEV_SECRET", "true")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.SigningSecret)
	assert.NotEmpty(t, cfg.Warnings)
}

func TestLoadFromEnv_ProductionRequiresSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnv_ProductionRejectsDevSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("ALLOW_INSECURE_DEV_SECRET", "true")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnv_ProductionRejectsLegacyTokens(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("SIGNING_SECRET", "super-secret")
	t.Setenv("ALLOW_LEGACY_TOKENS", "true")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnv_InvalidTenantMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("TENANT_MODE", "magic")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnv_PageSizeOrdering(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEFAULT_PAGE_SIZE", "500")
	t.Setenv("MAX_PAGE_SIZE", "100")

	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := &Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), "level %q", in)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DOTENV_PROBE=from-file\n"), 0o600))
	t.Setenv("DOTENV_PROBE", "sentinel") // register cleanup
	require.NoError(t, os.Unsetenv("DOTENV_PROBE"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("DOTENV_PROBE"))

	// Missing file is not an error.
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env")))
}

func TestLoadDotEnv_DoesNotOverrideEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DOTENV_KEEP=from-file\n"), 0o600))
	t.Setenv("DOTENV_KEEP", "from-env")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-env", os.Getenv("DOTENV_KEEP"))
}
