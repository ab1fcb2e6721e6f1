package cli

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"queryguard/internal/cursor"
	"queryguard/internal/domain"
	"queryguard/internal/engine"
	"queryguard/internal/sqlsec"
	"queryguard/internal/tenancy"
)

func newRunCmd() *cobra.Command {
	var (
		dbPath      string
		tenantID    string
		pageSize    int
		cursorToken string
		orderBy     []string
	)

	cmd := &cobra.Command{
		Use:   "run <sql>",
		Short: "Run a query through the full safety pipeline against a SQLite database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := sql.Open("sqlite3", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close() //nolint:errcheck

			policy, err := tenancy.NewPolicy(tenancy.Config{
				Mode:           domain.TenantEnforcementMode(cfg.TenantMode),
				Provider:       "sqlite",
				TenantColumn:   cfg.TenantColumn,
				TableAllowlist: cfg.TableAllowlist,
				Strict:         cfg.StrictClassifier,
				MaxASTNodes:    cfg.MaxASTNodes,
				MaxTargets:     cfg.MaxTargets,
				MaxParams:      cfg.MaxParams,
				HardTimeout:    time.Duration(cfg.HardTimeoutMS) * time.Millisecond,
			})
			if err != nil {
				return err
			}

			var validator sqlsec.Options
			if cfg.RulesetPath != "" {
				rs, err := sqlsec.LoadRuleset(cfg.RulesetPath)
				if err != nil {
					return fmt.Errorf("load ruleset: %w", err)
				}
				validator.Ruleset = rs
			}
			if cfg.SchemaSnapshotPath != "" {
				var loader sqlsec.SchemaLoader = sqlsec.FileSchemaLoader(cfg.SchemaSnapshotPath)
				schema, err := loader.Snapshot()
				if err != nil {
					return fmt.Errorf("load schema snapshot: %w", err)
				}
				validator.Schema = schema
			}

			var nonNullable map[string]bool
			if len(cfg.NonNullableColumns) > 0 {
				nonNullable = make(map[string]bool, len(cfg.NonNullableColumns))
				for _, c := range cfg.NonNullableColumns {
					nonNullable[c] = true
				}
			}

			var keys []cursor.OrderingKey
			for _, spec := range orderBy {
				key, err := cursor.ParseOrderingKey(spec)
				if err != nil {
					return fmt.Errorf("--order-by %q: %w", spec, err)
				}
				keys = append(keys, key)
			}

			eng, err := engine.New(engine.Config{
				Policy:    policy,
				Validator: validator,
				Codec: cursor.NewCodec(cursor.CodecConfig{
					Secret:               []byte(cfg.SigningSecret),
					DefaultMaxAgeSeconds: int64(cfg.CursorDefaultTTL),
					ClockSkewSeconds:     int64(cfg.CursorClockSkew),
					AllowLegacyTokens:    cfg.AllowLegacyTokens,
				}),
				Executor: engine.NewSQLiteExecutor(db),
				Limiter: engine.NewTenantLimiter(engine.LimiterConfig{
					RequestsPerSecond: cfg.RateLimitRPS,
					Burst:             cfg.RateLimitBurst,
				}),
				Provider: "sqlite",
				Capabilities: domain.BackendCapabilities{
					SupportsKeyset:        true,
					SupportsPagination:    true,
					TenantEnforcementMode: domain.TenantEnforcementMode(cfg.TenantMode),
					ExecutionTopology:     domain.TopologySingle,
				},
				NonNullableColumns: nonNullable,
				DefaultPageSize:    cfg.DefaultPageSize,
				MaxPageSize:        cfg.MaxPageSize,
				Logger:             logger,
			})
			if err != nil {
				return err
			}

			resp, err := eng.Run(cmd.Context(), engine.Request{
				SQL:          args[0],
				TenantID:     tenantID,
				PageSize:     pageSize,
				Cursor:       cursorToken,
				OrderingKeys: keys,
			})
			if err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(map[string]any{
					"rows":        resp.Rows,
					"has_more":    resp.HasMore,
					"next_cursor": resp.NextCursor,
					"outcome":     resp.Decision.Result.Outcome,
					"warnings":    resp.Validation.Warnings,
				})
			}
			for _, row := range resp.Rows {
				fmt.Println(row)
			}
			fmt.Printf("rows=%d has_more=%v outcome=%s\n", len(resp.Rows), resp.HasMore, resp.Decision.Result.Outcome)
			if resp.NextCursor != "" {
				fmt.Printf("next_cursor=%s\n", resp.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "queryguard.sqlite", "Path to the SQLite database file")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier to scope the query to")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Rows per page (0 uses the configured default)")
	cmd.Flags().StringVar(&cursorToken, "cursor", "", "Continuation cursor from a previous run")
	cmd.Flags().StringArrayVar(&orderBy, "order-by", nil, "Keyset ordering spec col|dir|nulls (repeatable)")
	return cmd
}
