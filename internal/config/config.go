// Package config handles application configuration and environment loading.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// insecureDevSecret is the signing secret used when none is configured
// and the operator has explicitly opted into insecure dev mode.
const insecureDevSecret = "queryguard-dev-secret-do-not-use-in-production"

// Config holds the engine configuration loaded from the environment.
type Config struct {
	// Cursor signing.
	SigningSecret          string // HMAC-SHA256 key for pagination tokens
	AllowInsecureDevSecret bool   // explicit opt-in to a fixed dev secret
	CursorDefaultTTL       int    // default token max age in seconds
	CursorClockSkew        int    // tolerated future issued_at skew in seconds
	AllowLegacyTokens      bool   // accept tokens without issued_at, flagged

	// Tenant enforcement.
	TenantMode     string   // sql_rewrite, rls_session, or none
	Provider       string   // backend provider name (postgres, sqlite, ...)
	TenantColumn   string   // column the tenant predicate filters on
	TableAllowlist []string // tables receiving tenant predicates

	// Classifier and policy budgets.
	StrictClassifier bool
	MaxASTNodes      int
	MaxTargets       int
	MaxParams        int
	HardTimeoutMS    int

	// Security validator inputs.
	RulesetPath        string // YAML restricted-table/function ruleset
	SchemaSnapshotPath string // YAML per-table column allowlist

	// Pagination.
	DefaultPageSize int
	MaxPageSize     int
	// NonNullableColumns names columns known non-nullable, anchoring
	// keyset tie-breakers. Empty disables the nullability check.
	NonNullableColumns []string

	// Per-tenant run limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	LogLevel string // debug, info, warn, error (default "info")
	Env      string // "development" (default) or "production"

	// Warnings collects non-fatal findings from loading. The caller logs
	// them once the logger exists.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadDotEnv loads a .env file into the environment. Variables already
// set take precedence; a missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables and applies
// defaults. Insecure defaults are warnings in development and fatal
// errors in production.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		SigningSecret:          os.Getenv("SIGNING_SECRET"),
		AllowInsecureDevSecret: parseBoolEnvDefault("ALLOW_INSECURE_DEV_SECRET", false),
		AllowLegacyTokens:      parseBoolEnvDefault("ALLOW_LEGACY_TOKENS", false),
		TenantMode:             os.Getenv("TENANT_MODE"),
		Provider:               os.Getenv("PROVIDER"),
		TenantColumn:           os.Getenv("TENANT_COLUMN"),
		StrictClassifier:       parseBoolEnvDefault("STRICT_CLASSIFIER", true),
		RulesetPath:            os.Getenv("RULESET_PATH"),
		SchemaSnapshotPath:     os.Getenv("SCHEMA_SNAPSHOT_PATH"),
		LogLevel:               os.Getenv("LOG_LEVEL"),
		Env:                    os.Getenv("ENV"),
	}

	cfg.CursorDefaultTTL = parseIntEnv("CURSOR_DEFAULT_TTL_S")
	cfg.CursorClockSkew = parseIntEnv("CURSOR_CLOCK_SKEW_S")
	cfg.MaxASTNodes = parseIntEnv("MAX_AST_NODES")
	cfg.MaxTargets = parseIntEnv("MAX_REWRITE_TARGETS")
	cfg.MaxParams = parseIntEnv("MAX_BIND_PARAMS")
	cfg.HardTimeoutMS = parseIntEnv("HARD_TIMEOUT_MS")
	cfg.DefaultPageSize = parseIntEnv("DEFAULT_PAGE_SIZE")
	cfg.MaxPageSize = parseIntEnv("MAX_PAGE_SIZE")
	cfg.RateLimitBurst = parseIntEnv("RATE_LIMIT_BURST")

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("TABLE_ALLOWLIST"); v != "" {
		tables := strings.Split(v, ",")
		for i := range tables {
			tables[i] = strings.TrimSpace(tables[i])
		}
		cfg.TableAllowlist = compactNonEmpty(tables)
	}
	if v := os.Getenv("NON_NULLABLE_COLUMNS"); v != "" {
		cols := strings.Split(v, ",")
		for i := range cols {
			cols[i] = strings.ToLower(strings.TrimSpace(cols[i]))
		}
		cfg.NonNullableColumns = compactNonEmpty(cols)
	}

	// Defaults
	if cfg.TenantMode == "" {
		cfg.TenantMode = "sql_rewrite"
	}
	if cfg.Provider == "" {
		cfg.Provider = "postgres"
	}
	if cfg.TenantColumn == "" {
		cfg.TenantColumn = "tenant_id"
	}
	if cfg.CursorDefaultTTL == 0 {
		cfg.CursorDefaultTTL = 600
	}
	if cfg.CursorClockSkew == 0 {
		cfg.CursorClockSkew = 30
	}
	if cfg.DefaultPageSize == 0 {
		cfg.DefaultPageSize = 100
	}
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = 1000
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.SigningSecret == "" {
		if !cfg.AllowInsecureDevSecret {
			// Fail closed: tokens cannot be verified without a secret,
			// and decode rejects rather than trusting unsigned input.
			cfg.Warnings = append(cfg.Warnings,
				"SIGNING_SECRET not set — cursor decoding will reject all tokens. Set SIGNING_SECRET or ALLOW_INSECURE_DEV_SECRET=true for local development")
		} else {
			cfg.SigningSecret = insecureDevSecret
			cfg.Warnings = append(cfg.Warnings,
				"using the insecure dev signing secret — never enable ALLOW_INSECURE_DEV_SECRET in production")
		}
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.AllowInsecureDevSecret {
			return nil, fmt.Errorf("ALLOW_INSECURE_DEV_SECRET is not allowed in production (ENV=production)")
		}
		if cfg.SigningSecret == "" {
			return nil, fmt.Errorf("SIGNING_SECRET must be set in production (ENV=production)")
		}
		if cfg.AllowLegacyTokens {
			return nil, fmt.Errorf("ALLOW_LEGACY_TOKENS is not allowed in production (ENV=production)")
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.TenantMode {
	case "sql_rewrite", "rls_session", "none":
	default:
		return fmt.Errorf("TENANT_MODE must be sql_rewrite, rls_session, or none (got %q)", c.TenantMode)
	}
	if c.CursorDefaultTTL < 0 || c.CursorClockSkew < 0 {
		return fmt.Errorf("cursor TTL and clock skew must be non-negative")
	}
	if c.DefaultPageSize <= 0 || c.MaxPageSize <= 0 {
		return fmt.Errorf("page sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		return fmt.Errorf("DEFAULT_PAGE_SIZE (%d) exceeds MAX_PAGE_SIZE (%d)", c.DefaultPageSize, c.MaxPageSize)
	}
	if c.TenantMode == "sql_rewrite" && len(c.TableAllowlist) == 0 {
		c.Warnings = append(c.Warnings,
			"TABLE_ALLOWLIST is empty — tenant predicates will never be injected and every query will be SKIPPED_NOT_REQUIRED")
	}
	return nil
}

func parseIntEnv(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return defaultVal
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	return defaultVal
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
