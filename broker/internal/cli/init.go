package cli

import (
	"github.com/spf13/cobra"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/prompt"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/wizard"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(&prompt.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: "+wizard.DefaultOutput+")")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively from env vars and generated secrets")
	return cmd
}
