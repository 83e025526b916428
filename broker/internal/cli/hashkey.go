package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/prompt"
)

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print the bcrypt hash of an admin key for ADMIN_KEY_HASH",
		Long: "Hashes the given admin key, or prompts for one (read from stdin when it is not a terminal). " +
			"Put the output in auth.admin_key_hash or ADMIN_KEY_HASH.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) > 0 {
				key = args[0]
			} else {
				p := &prompt.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
				key = p.Secret("Admin key")
			}
			hash, err := auth.HashAdminKey(key)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
