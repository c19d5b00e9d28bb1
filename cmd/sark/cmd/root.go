// Package cmd provides the CLI commands for the SARK gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sark-labs/sark/internal/config"
)

var (
	cfgFile       string
	stateFilePath string
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "sark",
	Short: "SARK - governance gateway for AI tool invocations",
	Long: `SARK is a governance gateway that sits between AI agents and the tools
they call. Every invocation is authenticated, evaluated against CEL policy,
scanned for prompt injection and leaked secrets, rate limited, and audited
before it reaches an MCP, gRPC, or HTTP upstream.

Quick start:
  1. Create a config file: sark.yaml
  2. Run: sark start

Configuration:
  Config is loaded from sark.yaml in the current directory,
  $HOME/.sark/, or /etc/sark/.

  Environment variables override config values with the SARK_ prefix.
  Example: SARK_SERVER_LISTEN_ADDR=:9090

  A .env file in the working directory is loaded before the config is
  read, so secrets like SARK_AUTH_SECRET_KEY can stay out of the YAML.

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  hash-key    Hash a gateway API key for the config file
  totp        Print the current TOTP code for an enrolled secret
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sark.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "run-state file (default: ./sark-state.json)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func initConfig() {
	// .env first so viper's environment pass sees its values.
	_ = godotenv.Load()
	config.InitViper(cfgFile)
}

// resolveStatePath picks the run-state file location: the --state flag,
// then SARK_STATE_PATH, then the default next to the working directory.
// The start and stop commands must agree on this resolution.
func resolveStatePath() string {
	if stateFilePath != "" {
		return stateFilePath
	}
	if env := os.Getenv("SARK_STATE_PATH"); env != "" {
		return env
	}
	return "./sark-state.json"
}
