package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"queryguard/internal/domain"
	"queryguard/internal/tenancy"
)

func newRewriteCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "rewrite <sql>",
		Short: "Apply the tenant-enforcement policy to a SQL statement",
		Long:  "Evaluates the configured tenant policy against a statement and prints the scoped SQL, the bound parameters, and the enforcement outcome.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			policy, err := tenancy.NewPolicy(tenancy.Config{
				Mode:           domain.TenantEnforcementMode(cfg.TenantMode),
				Provider:       cfg.Provider,
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

			d := policy.Evaluate(args[0], tenantID, nil)

			if getOutputFormat(cmd) == "json" {
				if err := printJSON(map[string]any{
					"should_execute": d.ShouldExecute,
					"sql":            d.SQL,
					"params":         d.Params,
					"applied":        d.Result.Applied,
					"outcome":        d.Result.Outcome,
					"reason_code":    d.Result.ReasonCode,
				}); err != nil {
					return err
				}
			} else {
				fmt.Printf("outcome: %s\n", d.Result.Outcome)
				if d.Result.ReasonCode != "" {
					fmt.Printf("reason:  %s\n", d.Result.ReasonCode)
				}
				fmt.Printf("sql:     %s\n", d.SQL)
				fmt.Printf("params:  %v\n", d.Params)
			}
			if !d.ShouldExecute {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant identifier to scope the query to")
	return cmd
}
