package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wappgate/pkg/wappgate/config"
	"github.com/jholhewres/wappgate/pkg/wappgate/gateway"
	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// newServeCmd creates the `wappgate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start WappGate as a daemon: restore persisted WhatsApp sessions,
supervise their health, and answer inbound messages through the AI pipeline.

Examples:
  wappgate serve
  wappgate serve --config ./config.yaml
  wappgate serve --client acct-sales --client acct-support`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("client", nil, "client identities to create at startup (fresh QR pairing)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := config.NewLogger(cfg.Logging, verbose)

	// ── Open session store ──
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := session.OpenSQLStore(ctx, cfg.Session.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	// ── Assemble the pipeline ──
	// Fresh pairing challenges are rendered straight to the terminal.
	gw := gateway.New(ctx, cfg, store, store.NewFactory(logger), logger,
		gateway.WithQRHook(func(clientID, code string) {
			fmt.Fprintf(os.Stdout, "\nScan to pair client %q:\n\n", clientID)
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
			fmt.Fprintln(os.Stdout)
		}))

	// ── Create requested fresh clients ──
	newClients, _ := cmd.Flags().GetStringSlice("client")
	for _, id := range newClients {
		if _, cerr := gw.Manager().Create(ctx, id); cerr != nil {
			logger.Error("creating client", "client_id", id, "error", cerr)
		}
	}

	logger.Info("WappGate running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"environment", cfg.Environment,
		"settle_delay", cfg.Aggregator.SettleDelay,
	)

	// Run blocks until the signal context is cancelled, then shuts down.
	return gw.Run(ctx)
}

// resolveConfig loads the config from the --config flag or the default
// discovery paths, falling back to built-in defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	logger := config.NewLogger(config.LoggingConfig{Level: "warn", Format: "text"}, false)

	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath, logger)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	for _, candidate := range []string{"./config.yaml", "./wappgate.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			cfg, lerr := config.LoadFromFile(candidate, logger)
			if lerr != nil {
				return nil, fmt.Errorf("loading %s: %w", candidate, lerr)
			}
			return cfg, nil
		}
	}

	cfg := config.Default()
	config.ResolveSecrets(cfg, logger)
	return cfg, nil
}
