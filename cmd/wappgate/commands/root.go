// Package commands implements the wappgate CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wappgate",
		Short: "WappGate - WhatsApp automation gateway",
		Long: `WappGate is a multi-client WhatsApp automation gateway: it keeps
several WhatsApp sessions authenticated, aggregates inbound message bursts
per sender, forwards each settled turn to an AI completion endpoint, and
delivers the reply as WhatsApp-formatted text and media parts.

Examples:
  wappgate serve
  wappgate serve --config ./config.yaml
  wappgate clients list
  wappgate secret set`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newClientsCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
