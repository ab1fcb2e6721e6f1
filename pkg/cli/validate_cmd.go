package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"queryguard/internal/sqlsec"
)

func newValidateCmd() *cobra.Command {
	var (
		rulesetPath     string
		schemaPath      string
		cartesianPolicy string
		columnPolicy    string
	)

	cmd := &cobra.Command{
		Use:   "validate <sql>",
		Short: "Run the security validator against a SQL statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := sqlsec.Options{
				CartesianPolicy: sqlsec.PolicyAction(cartesianPolicy),
				ColumnPolicy:    sqlsec.PolicyAction(columnPolicy),
			}
			if rulesetPath != "" {
				rs, err := sqlsec.LoadRuleset(rulesetPath)
				if err != nil {
					return fmt.Errorf("load ruleset: %w", err)
				}
				opts.Ruleset = rs
			}
			if schemaPath != "" {
				var loader sqlsec.SchemaLoader = sqlsec.FileSchemaLoader(schemaPath)
				schema, err := loader.Snapshot()
				if err != nil {
					return fmt.Errorf("load schema snapshot: %w", err)
				}
				opts.Schema = schema
			}

			result := sqlsec.ValidateSQL(args[0], opts)

			if getOutputFormat(cmd) == "json" {
				if err := printJSON(result); err != nil {
					return err
				}
				if !result.IsValid {
					os.Exit(1)
				}
				return nil
			}

			for _, v := range result.Violations {
				color.Red("violation [%s] %s", v.Kind, v.Message)
			}
			for _, w := range result.Warnings {
				color.Yellow("warning   %s", w)
			}
			fmt.Printf("tables=%v joins=%d complexity=%d\n",
				result.Metadata.TableLineage, result.Metadata.JoinCount, result.Metadata.ComplexityScore)
			if result.IsValid {
				color.Green("PASS")
				return nil
			}
			color.Red("FAIL")
			os.Exit(1)
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesetPath, "ruleset", "", "Path to a YAML restricted-table/function ruleset")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "Path to a YAML per-table column allowlist")
	cmd.Flags().StringVar(&cartesianPolicy, "cartesian-policy", "block", "Cartesian-join policy: warn or block")
	cmd.Flags().StringVar(&columnPolicy, "column-policy", "warn", "Column-allowlist policy: warn or block")
	return cmd
}
