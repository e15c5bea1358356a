package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wappgate/pkg/wappgate/config"
	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// newClientsCmd groups the offline client-store operations. These act on the
// session database directly and are meant to run while the daemon is down.
func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect and manage persisted client sessions",
	}
	cmd.AddCommand(newClientsListCmd(), newClientsAddCmd(), newClientsRemoveCmd())
	return cmd
}

func newClientsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <client-id>",
		Short: "Register a client identity for pairing",
		Long: `Register a client identity in the session store. Pairing itself
happens at runtime: start the daemon (or restart it) and scan the QR code it
prints for this client.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Register(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("registering client: %w", err)
			}
			fmt.Printf("Client %q registered. Run `wappgate serve --client %s` to pair it.\n",
				args[0], args[0])
			return nil
		},
	}
}

func newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List client identities with persisted sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(ids) == 0 {
				fmt.Println("No persisted sessions.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT ID\tLINKED")
			for _, id := range ids {
				linked, _ := store.Exists(cmd.Context(), id)
				fmt.Fprintf(w, "%s\t%v\n", id, linked)
			}
			return w.Flush()
		},
	}
}

func newClientsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <client-id>",
		Short: "Delete a client's persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
			fmt.Printf("Session for %q removed. The client will need a fresh QR pairing.\n", args[0])
			return nil
		},
	}
}

// openStore opens the session database from the resolved config.
func openStore(cmd *cobra.Command) (*session.SQLStore, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(config.LoggingConfig{Level: "warn", Format: "text"}, false)
	store, err := session.OpenSQLStore(context.Background(), cfg.Session.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session store at %s: %w", cfg.Session.DatabasePath, err)
	}
	return store, nil
}
