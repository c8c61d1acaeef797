package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/client"
	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/events"
)

var (
	// Set by the linker
	version = "dev"

	configFile string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "walletguard",
	Short: "Wallet key custody and encrypted device sync",
	Long: `walletguard keeps a wallet mnemonic and biometric key encrypted under a
PIN, records a tamper-evident security audit trail and synchronises
encrypted settings between devices through a zero-knowledge relay.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

// Commands that must run without opening the local store.
const skipClient = "skip-client"

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Config file (default searches ./ and ~/.walletguard)")
	flags.BoolVar(&jsonOutput, "json", false, "Output JSON")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.String("data-dir", "", "Data directory")
	flags.String("backend", "", "Storage backend (file, sqlite, bolt, memory)")
	flags.String("server", "", "Sync server URL")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
}

func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configFile)
	v := loader.Viper()

	bindings := map[string]string{
		"storage.data_dir": "data-dir",
		"storage.backend":  "backend",
		"sync.server_url":  "server",
		"log.level":        "log-level",
	}
	for key, flag := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}
	if verbose {
		v.Set("log.level", "debug")
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	if file := loader.ConfigFile(); file != "" {
		logger.WithField("file", file).Debug("Loaded config")
	}

	if cmd.Annotations[skipClient] == "true" {
		return nil
	}

	apiClient, err = client.New(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialise client: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("%v", err)
		}
		os.Exit(1)
	}
}
