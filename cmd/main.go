package main

import (
	"context"
	"fmt"
	"os"

	"vimarconnector/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// cfgFile is the path to the config file (set via --config flag)
	cfgFile string

	// cfg holds the loaded configuration
	cfg *config.Config

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vimarconnector",
	Short: "Setup service for Vimar IP Connectors",
	Long: `vimarconnector discovers Vimar IP Connectors on the local network and runs
their setup flows, persisting one config entry per device.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		zap.ReplaceGlobals(logger)

		// Load environment variables
		if err := godotenv.Load(); err != nil {
			logger.Debug("No .env file found, using environment variables")
		}

		cfg, err = config.NewLoader(cfgFile, logger).Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the config file")
	rootCmd.AddCommand(serveCmd, entriesCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
