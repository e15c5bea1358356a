package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wappgate/pkg/wappgate/config"
)

// newSecretCmd manages the AI API key in the OS keyring, so it never has to
// live in the config file.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the AI API key in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the AI API key (read from stdin)",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Fprint(os.Stderr, "API key: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading key: %w", err)
			}
			key := strings.TrimSpace(line)
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := config.StoreAPIKey(key); err != nil {
				return fmt.Errorf("storing key in keyring: %w", err)
			}
			fmt.Fprintln(os.Stderr, "API key stored in the OS keyring.")
			return nil
		},
	})
	return cmd
}
