// Package cli implements the devtools-broker command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/broker"
)

var (
	version    = "dev"
	brokerOpts broker.Options
)

// NewRootCmd creates the root cobra command for devtools-broker.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string, opts broker.Options) *cobra.Command {
	version = v
	brokerOpts = opts

	root := &cobra.Command{
		Use:   "devtools-broker",
		Short: "Multi-tenant MCP broker for remote Chrome debugging",
		Long: "devtools-broker routes MCP clients to the Chrome instances their users registered, " +
			"sharing one CDP connection per browser across sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newHashKeyCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newTopCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newCompactCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (JSON or YAML)")

	return root
}
