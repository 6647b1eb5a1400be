package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vsharma2491/trading-algo/pkg/config"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "survivor",
	Short: "Survivor - intraday index option selling",
	Long: `Survivor sells one out-of-the-money call and one put on an index
and buys each back when its premium decays to the configured floor.

Usage:
  go run ./cmd/survivor [command]

Examples:
  go run ./cmd/survivor run
  go run ./cmd/survivor backtest --from 2025-08-01 --to 2025-08-07
  go run ./cmd/survivor reconcile
  go run ./cmd/survivor show-config`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "env file (default is .env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig builds the effective configuration and a logger for one
// command invocation.
func loadConfig() (*config.Config, *logger.Logger, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	log := logger.New(logger.Options{
		Level:  level,
		Format: cfg.LogFormat,
	})

	return cfg, log, nil
}
