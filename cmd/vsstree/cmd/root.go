// Package cmd provides the CLI commands for the vsstree server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vsstree/server/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vsstree",
	Short: "vsstree - in-memory VSS signal-tree server",
	Long: `vsstree is an in-memory hierarchical signal store for Vehicle Signal
Specification (VSS) trees, exposed over a local command transport with
capability-token authorization, path globs, and live subscriptions.

Quick start:
  1. Create a config file: vsstree.yaml
  2. Generate a signing key: vsstree genkey
  3. Mint an operator token: vsstree gentoken --permission 'Vehicle/*=rw'
  4. Run: vsstree start

Configuration:
  Config is loaded from vsstree.yaml in the current directory, $HOME/.vsstree/,
  or /etc/vsstree/.

  Environment variables can override config values with the VSSTREE_ prefix.
  Example: VSSTREE_SERVER_LOG_LEVEL=debug

Commands:
  start     Start the server, reading commands from stdin
  genkey    Generate an RSA key pair for bearer-token verification
  gentoken  Mint a signed capability token
  version   Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./vsstree.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
