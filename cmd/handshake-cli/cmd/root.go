// Package cmd contains all CLI commands for handshake-cli.
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	logLevel   string
	output     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "handshake-cli",
	Short: "Run wallet handshakes from a terminal",
	Long: `handshake-cli runs a wallet-linked handshake against the credential
backend. The deep link is printed as a QR code; scan it with the wallet app
and approve the request there.

Examples:
  # Log in with the wallet
  handshake-cli login

  # Claim a certificate into the wallet
  handshake-cli claim --insurance-id ins-123 --card-id card-9

  # Look up a stored session (redis session store)
  handshake-cli session get --id 0b5e...

Environment Variables:
  HANDSHAKE_KLIP_BASE_URL  Base URL of the credential backend
  HANDSHAKE_CONFIG         Path to the configuration file`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", getEnvOrDefault("HANDSHAKE_CONFIG", "configs/config.yaml"), "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// printJSON formats and prints v as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, data, "", "  "); err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, formatted.String())
	return err
}
