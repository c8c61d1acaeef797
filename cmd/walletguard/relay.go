package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/relay"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the zero-knowledge sync relay",
}

var relayListen string

func init() {
	rootCmd.AddCommand(relayCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay HTTP and WebSocket API",
		Long: `The relay stores sealed sync payloads per data type and fans changes
out to subscribed devices. It never sees plaintext or keys.`,
		Example: `  walletguard relay serve --listen :8420
  WALLETGUARD_RELAY_STORAGE_BACKEND=dynamodb WALLETGUARD_RELAY_STORAGE_PATH=walletguard-relay walletguard relay serve`,
		Annotations: map[string]string{skipClient: "true"},
		RunE:        runRelayServe,
	}
	serveCmd.Flags().StringVar(&relayListen, "listen", "", "Listen address (overrides relay.listen_addr)")

	relayCmd.AddCommand(serveCmd)
}

// relayStorePath places file-backed relay stores next to the client data.
func relayStorePath() string {
	if cfg.Relay.StoragePath != "" {
		return cfg.Relay.StoragePath
	}
	switch cfg.Relay.StorageBackend {
	case "sqlite":
		return filepath.Join(cfg.Storage.DataDir, "relay.db")
	case "bolt":
		return filepath.Join(cfg.Storage.DataDir, "relay.bolt")
	default:
		return filepath.Join(cfg.Storage.DataDir, "relay")
	}
}

func runRelayServe(cmd *cobra.Command, args []string) error {
	if relayListen != "" {
		cfg.Relay.ListenAddr = relayListen
	}

	path := relayStorePath()
	switch cfg.Relay.StorageBackend {
	case "memory", "dynamodb":
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("create relay data directory: %w", err)
		}
	}

	store, err := securestore.Open(cfg.Relay.StorageBackend, path, logger)
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	server := relay.NewServer(store, cfg.Relay, logger, relay.WithMetrics(m, prometheus.DefaultGatherer))

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"addr":    cfg.Relay.ListenAddr,
		"backend": cfg.Relay.StorageBackend,
	}).Info("Relay starting")
	if !jsonOutput {
		printInfo("Relay listening on %s (%s store)", cfg.Relay.ListenAddr, cfg.Relay.StorageBackend)
	}

	return server.ListenAndServe(ctx)
}
