package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/adminclient"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/tui/dashboard"
)

const defaultAddr = "http://localhost:32122"

// adminFlags registers --addr and --admin-key, defaulting to BROKER_ADDR
// and ADMIN_KEY.
func adminFlags(cmd *cobra.Command) {
	addr := os.Getenv("BROKER_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	cmd.Flags().String("addr", addr, "broker base URL (env BROKER_ADDR)")
	cmd.Flags().String("admin-key", "", "admin key (env ADMIN_KEY)")
	cmd.Flags().Bool("verbose", false, "log retried requests to stderr")
}

func newAdminClient(cmd *cobra.Command) (*adminclient.Client, string) {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("admin-key")
	if key == "" {
		key = os.Getenv("ADMIN_KEY")
	}
	opts := adminclient.Options{AdminKey: key}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		opts.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return adminclient.New(addr, opts), addr
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running broker's health and pooled browsers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, addr := newAdminClient(cmd)
			h, err := c.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("query %s: %w", addr, err)
			}

			out := cmd.OutOrStdout()
			maxSessions := "unlimited"
			if h.Sessions.MaxSessions > 0 {
				maxSessions = fmt.Sprint(h.Sessions.MaxSessions)
			}
			auth := "on"
			if !h.AuthEnabled {
				auth = "off"
			}
			_, _ = fmt.Fprintf(out, "Status:   %s\n", h.Status)
			_, _ = fmt.Fprintf(out, "Broker:   %s (version %s)\n", addr, h.Version)
			_, _ = fmt.Fprintf(out, "Uptime:   %s\n", (time.Duration(h.Uptime) * time.Second).String())
			_, _ = fmt.Fprintf(out, "Sessions: %d/%s (%d persistent)\n", h.Sessions.Active, maxSessions, h.Sessions.Persistent)
			_, _ = fmt.Fprintf(out, "Browsers: %d connected, %d reconnecting, %d failed\n",
				h.Browsers.Connected, h.Browsers.Reconnecting, h.Browsers.Failed)
			_, _ = fmt.Fprintf(out, "Users:    %d registered, %d routed (%s)\n", h.Users.Users, h.RoutedUsers, h.Users.Backend)
			_, _ = fmt.Fprintf(out, "Auth:     %s\n", auth)

			conns, err := c.Connections(cmd.Context())
			if err != nil {
				// Without a valid admin key only /health is available.
				return nil
			}
			for _, s := range conns.Connections {
				_, _ = fmt.Fprintf(out, "  %-20s %-32s %-12s refs=%d\n", s.UserID, s.BrowserURL, s.Status, s.Refs)
			}
			return nil
		},
	}
	adminFlags(cmd)
	return cmd
}

func newTopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of sessions, browsers and broker events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, addr := newAdminClient(cmd)
			return dashboard.Run(cmd.Context(), c, addr)
		},
	}
	adminFlags(cmd)
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the user and browser registry as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newAdminClient(cmd)
			doc, err := c.Export(cmd.Context())
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(doc)
				return err
			}
			if err := os.WriteFile(output, doc, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d bytes to %s\n", len(doc), output)
			return nil
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Load users and browsers from an export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				doc []byte
				err error
			)
			if args[0] == "-" {
				doc, err = io.ReadAll(cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read import: %w", err)
			}

			c, _ := newAdminClient(cmd)
			n, err := c.Import(cmd.Context(), doc)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d users\n", n)
			return nil
		},
	}
	adminFlags(cmd)
	return cmd
}

func newCompactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Snapshot the JSONL store and truncate its log",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _ := newAdminClient(cmd)
			st, err := c.Compact(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Compacted %s store: %d users, %d browsers, %d tokens\n",
				st.Backend, st.Users, st.Browsers, st.Tokens)
			return nil
		},
	}
	adminFlags(cmd)
	return cmd
}
