package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/broker"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/config"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/events"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/wizard"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the broker (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, defaultConfigPath())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bus := brokerOpts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	logger := broker.NewLogger(cfg.Logging, os.Stdout, bus)

	opts := brokerOpts
	opts.Version = version
	opts.Bus = bus
	b, err := broker.New(cfg, opts, logger)
	if err != nil {
		return fmt.Errorf("initialize broker: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("devtools broker starting", "version", version, "config", configPath, "addr", cfg.Addr())

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("broker: %w", err)
	}

	logger.Info("broker stopped")
	return nil
}

// defaultConfigPath is the wizard's output when it exists, otherwise ""
// so the broker runs from the environment alone.
func defaultConfigPath() string {
	if _, err := os.Stat(wizard.DefaultOutput); err == nil {
		return wizard.DefaultOutput
	}
	return ""
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
