package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronise encrypted records with other devices",
	Long: `Sync seals records with a key derived from the wallet mnemonic, so any
device holding the same wallet can read them and the relay cannot.`,
}

var (
	syncPin       string
	syncInput     string
	syncKeep      string
	syncInterval  time.Duration
	syncOnce      bool
	syncServer    string
	syncStrategy  string
	syncTypes     []string
	syncWifiOnly  bool
	syncQueueSize int
	syncTimeout   time.Duration
)

func init() {
	rootCmd.AddCommand(syncCmd)

	pushCmd := &cobra.Command{
		Use:   "push <data-type> [id] [data]",
		Short: "Seal a record and sync its data type",
		Example: `  walletguard sync push securitySettings lock-timeout '{"seconds":60}'
  walletguard sync push walletMetadata --in labels.json`,
		Args: cobra.RangeArgs(1, 3),
		RunE: runSyncPush,
	}
	pushCmd.Flags().StringVar(&syncInput, "in", "", "Read record data from file (- for stdin)")

	pullCmd := &cobra.Command{
		Use:   "pull <data-type>",
		Short: "Sync a data type and print the decrypted records",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncPull,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sync every enabled data type, repeating on the sync interval",
		RunE:  runSyncRun,
	}
	runCmd.Flags().DurationVar(&syncInterval, "interval", 0, "Override the configured interval")
	runCmd.Flags().BoolVar(&syncOnce, "once", false, "Run a single pass")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile as soon as the relay announces a change",
		RunE:  runSyncWatch,
	}

	flushCmd := &cobra.Command{
		Use:   "flush",
		Short: "Retry uploads parked in the offline queue",
		RunE:  runSyncFlush,
	}

	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List conflicts awaiting a manual decision",
		RunE:  runSyncConflicts,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <payload-id>",
		Short: "Settle a pending conflict",
		Args:  cobra.ExactArgs(1),
		RunE:  runSyncResolve,
	}
	resolveCmd.Flags().StringVar(&syncKeep, "keep", "", "Version to keep: local or remote (required)")
	_ = resolveCmd.MarkFlagRequired("keep")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the stored sync configuration",
		Example: `  walletguard sync config
  walletguard sync config --server https://relay.example.com --strategy manual
  walletguard sync config --types securitySettings,auditLogs --wifi-only`,
		RunE: runSyncConfig,
	}
	configCmd.Flags().StringVar(&syncServer, "server", "", "Relay URL")
	configCmd.Flags().StringVar(&syncStrategy, "strategy", "", "Default conflict strategy")
	configCmd.Flags().StringSliceVar(&syncTypes, "types", nil, "Enabled data types")
	configCmd.Flags().BoolVar(&syncWifiOnly, "wifi-only", false, "Only sync on unmetered networks")
	configCmd.Flags().IntVar(&syncQueueSize, "queue-size", 0, "Offline queue capacity")
	configCmd.Flags().DurationVar(&syncTimeout, "timeout", 0, "Per-run timeout")

	deviceCmd := &cobra.Command{
		Use:   "device-id",
		Short: "Print this device's sync identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			emit(map[string]string{"deviceId": apiClient.DeviceID}, func() {
				fmt.Println(apiClient.DeviceID)
			})
			return nil
		},
	}

	for _, c := range []*cobra.Command{pushCmd, pullCmd} {
		c.Flags().StringVar(&syncPin, "pin", "", "PIN (will prompt if not provided)")
	}
	syncCmd.AddCommand(pushCmd, pullCmd, runCmd, watchCmd, flushCmd, conflictsCmd, resolveCmd, configCmd, deviceCmd)
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// followEvents logs engine events until the channel closes or ctx ends.
func followEvents(ctx context.Context) {
	if apiClient.Sync == nil || jsonOutput {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-apiClient.Sync.Events():
				if !ok {
					return
				}
				switch event.Type {
				case sync.EventConflict:
					printWarning("  conflict on %s: %s", event.PayloadID, event.Conflict.Resolution)
				case sync.EventQueued:
					printWarning("  queued %s: %v", event.PayloadID, event.Error)
				case sync.EventRejected:
					printError("rejected %s: %v", event.PayloadID, event.Error)
				default:
					logger.WithField("payload_id", event.PayloadID).Debug(string(event.Type))
				}
			}
		}
	}()
}

func runSyncPush(cmd *cobra.Command, args []string) error {
	dataType, err := models.ParseDataType(args[0])
	if err != nil {
		return err
	}

	var id string
	if len(args) > 1 {
		id = args[1]
	}

	var data []byte
	switch {
	case len(args) == 3:
		data = []byte(args[2])
	case syncInput == "-":
		data, err = io.ReadAll(os.Stdin)
	case syncInput != "":
		data, err = os.ReadFile(syncInput)
	default:
		return errors.New("pass the record data as an argument or use --in")
	}
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}

	pin, err := pinFlag(syncPin, "PIN: ")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	followEvents(ctx)

	result, err := apiClient.Push(ctx, dataType, id, data, pin)
	if err != nil {
		return err
	}

	emit(result, func() { printResult(result) })
	return nil
}

func runSyncPull(cmd *cobra.Command, args []string) error {
	dataType, err := models.ParseDataType(args[0])
	if err != nil {
		return err
	}

	pin, err := pinFlag(syncPin, "PIN: ")
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	followEvents(ctx)

	records, result, err := apiClient.Pull(ctx, dataType, pin)
	if err != nil {
		return err
	}

	type record struct {
		ID        string    `json:"id"`
		Version   int       `json:"version"`
		DeviceID  string    `json:"deviceId"`
		Timestamp time.Time `json:"timestamp"`
		Data      string    `json:"data"`
	}
	out := make([]record, 0, len(records))
	for _, r := range records {
		out = append(out, record{r.ID, r.Version, r.DeviceID, r.Timestamp, string(r.Data)})
	}

	emit(map[string]interface{}{"records": out, "result": result}, func() {
		printResult(result)
		for _, r := range out {
			fmt.Printf("%s  v%d  %s\n", r.ID, r.Version, labelColor.Sprint(r.Timestamp.Local().Format(time.RFC3339)))
			fmt.Printf("    %s\n", r.Data)
		}
	})
	return nil
}

func printResult(r *sync.Result) {
	if r == nil {
		return
	}
	printInfo("%s: %d pushed, %d accepted, %d queued, %d rejected, %d pending (%s)",
		r.DataType, len(r.Pushed), len(r.Accepted), len(r.Queued), len(r.Rejected), len(r.Pending),
		r.Duration.Round(time.Millisecond))
}

func runSyncRun(cmd *cobra.Command, args []string) error {
	if apiClient.Sync == nil {
		return errors.New("sync server is not configured; run `walletguard sync config --server <url>`")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	followEvents(ctx)

	interval := syncInterval
	if interval <= 0 {
		interval = apiClient.Sync.Config().SyncInterval
	}
	once := syncOnce || !apiClient.Sync.Config().AutoSyncEnabled

	for {
		results, err := apiClient.SyncAll(ctx)
		emit(map[string]interface{}{"results": results, "error": errString(err)}, func() {
			for _, r := range results {
				printResult(r)
			}
			if err != nil {
				printWarning("%v", err)
			}
		})
		if once {
			return err
		}

		select {
		case <-ctx.Done():
			printInfo("Stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runSyncWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	printInfo("Watching for changes, press Ctrl+C to stop")
	err := apiClient.Watch(ctx, func(r *sync.Result) {
		emit(r, func() { printResult(r) })
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSyncFlush(cmd *cobra.Command, args []string) error {
	if apiClient.Sync == nil {
		return errors.New("sync server is not configured")
	}

	flushed, err := apiClient.Sync.FlushOfflineQueue(cmd.Context())
	if err != nil {
		return err
	}
	left, err := apiClient.Sync.Queue().Len(cmd.Context())
	if err != nil {
		return err
	}

	emit(map[string]interface{}{"flushed": flushed, "remaining": left}, func() {
		printSuccess("Flushed %d payloads, %d still queued", len(flushed), left)
	})
	return nil
}

func runSyncConflicts(cmd *cobra.Command, args []string) error {
	pending, err := apiClient.PendingConflicts(cmd.Context())
	if err != nil {
		return err
	}

	emit(pending, func() {
		if len(pending) == 0 {
			printInfo("No pending conflicts")
			return
		}
		for _, c := range pending {
			fmt.Printf("%s  %s\n", c.PayloadID, c.DataType)
			printField("Local", fmt.Sprintf("v%d %s (%s)", c.LocalPayload.Version, c.LocalTimestamp.Local().Format(time.RFC3339), c.LocalPayload.DeviceID))
			printField("Remote", fmt.Sprintf("v%d %s (%s)", c.RemotePayload.Version, c.RemoteTimestamp.Local().Format(time.RFC3339), c.RemotePayload.DeviceID))
		}
	})
	return nil
}

func runSyncResolve(cmd *cobra.Command, args []string) error {
	var resolution models.ConflictResolution
	switch strings.ToLower(syncKeep) {
	case "local":
		resolution = models.ResolutionKeepLocal
	case "remote":
		resolution = models.ResolutionKeepRemote
	default:
		return fmt.Errorf("--keep must be local or remote, got %q", syncKeep)
	}

	conflict, err := apiClient.ResolveConflict(cmd.Context(), args[0], resolution)
	if err != nil {
		return err
	}

	emit(conflict, func() {
		printSuccess("Kept the %s version of %s", syncKeep, conflict.PayloadID)
	})
	return nil
}

func runSyncConfig(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	current, found, err := sync.LoadSyncConfig(ctx, apiClient.Store())
	if err != nil {
		return err
	}
	if !found {
		current = models.DefaultSyncConfig("")
		if cfg.Sync.ServerURL != "" {
			if current, err = cfg.Sync.Model(); err != nil {
				return err
			}
		}
	}

	flags := cmd.Flags()
	changed := false
	if flags.Changed("server") {
		current = current.WithServerURL(syncServer)
		changed = true
	}
	if flags.Changed("strategy") {
		strategy, err := models.ParseConflictStrategy(syncStrategy)
		if err != nil {
			return err
		}
		current = current.WithConflictStrategy(strategy)
		changed = true
	}
	if flags.Changed("types") {
		types := make([]models.DataType, 0, len(syncTypes))
		for _, name := range syncTypes {
			d, err := models.ParseDataType(name)
			if err != nil {
				return err
			}
			types = append(types, d)
		}
		current = current.WithEnabledDataTypes(types...)
		changed = true
	}
	if flags.Changed("wifi-only") {
		current = current.WithWifiOnly(syncWifiOnly)
		changed = true
	}
	if flags.Changed("queue-size") {
		current = current.WithOfflineQueueSize(syncQueueSize)
		changed = true
	}
	if flags.Changed("timeout") {
		current = current.WithTimeout(syncTimeout)
		changed = true
	}

	if changed {
		if apiClient.Sync != nil {
			err = apiClient.Sync.UpdateConfig(ctx, current)
		} else {
			err = sync.SaveSyncConfig(ctx, apiClient.Store(), current)
		}
		if err != nil {
			return err
		}
	}

	emit(current, func() {
		if changed {
			printSuccess("Sync config saved")
		}
		printField("Server", current.ServerURL)
		printField("Strategy", current.DefaultConflictStrategy)
		printField("Data types", current.EnabledDataTypes)
		printField("Auto sync", current.AutoSyncEnabled)
		printField("Interval", current.SyncInterval)
		printField("Wifi only", current.RequiresWifiOnly)
		printField("Offline queue", current.MaxOfflineQueueSize)
		printField("Timeout", current.SyncTimeout)
	})
	return nil
}
