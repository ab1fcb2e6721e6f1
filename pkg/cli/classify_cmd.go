package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"queryguard/internal/sqlshape"
)

func newClassifyCmd() *cobra.Command {
	var (
		strict      bool
		maxASTNodes int
	)

	cmd := &cobra.Command{
		Use:   "classify <sql>",
		Short: "Classify a SQL statement into its safety shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shape := sqlshape.ClassifySQL(args[0], sqlshape.Options{
				Strict:      strict,
				MaxASTNodes: maxASTNodes,
			})

			if getOutputFormat(cmd) == "json" {
				return printJSON(map[string]any{
					"shape": shape.String(),
					"safe":  shape.Safe(),
				})
			}
			fmt.Println(shape.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", true, "Use the strict correlated-subquery rule")
	cmd.Flags().IntVar(&maxASTNodes, "max-ast-nodes", 0, "Parse-tree node budget (0 uses the default)")
	return cmd
}
