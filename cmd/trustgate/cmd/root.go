// Package cmd provides the CLI commands for trustgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/freightdesk/trustgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "trustgate - session and access gateway for the booking portal",
	Long: `trustgate sits in front of the booking portal and owns the trust layer:
sign-in with an optional one-time code, idle session expiry with a warning,
role and permission checks per route, attempt limits on sensitive actions,
and display-safe error messages.

Quick start:
  1. Hash a password:   trustgate hash-password
  2. Create a config:   trustgate.yaml (see auth.identities and routes)
  3. Run:               trustgate serve

Configuration:
  Config is loaded from trustgate.yaml in the current directory,
  $HOME/.trustgate/, or /etc/trustgate/.

  Environment variables can override config values with the TRUSTGATE_ prefix.
  Example: TRUSTGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve (start)  Start the gateway
  stop           Stop the running gateway
  reset          Remove persisted rate limit counters
  hash-password  Generate an Argon2id hash for an identity
  totp-secret    Generate a one-time code secret for an identity
  classify       Show the display-safe message for a backend error
  version        Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./trustgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
