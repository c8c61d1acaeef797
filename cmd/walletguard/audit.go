package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/services/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the security audit log",
}

var (
	auditSince    time.Duration
	auditCategory string
	auditSeverity string
	auditTypes    []string
	auditLimit    int
	auditReveal   bool
	auditPin      string
	auditOut      string
	auditYes      bool
)

func init() {
	rootCmd.AddCommand(auditCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Example: `  walletguard audit list --since 24h --severity critical
  walletguard audit list --type pinFailed,biometricFailed --reveal`,
		RunE: runAuditList,
	}
	listCmd.Flags().StringVar(&auditCategory, "category", "", "Filter by category")
	listCmd.Flags().StringVar(&auditSeverity, "severity", "", "Filter by severity (info, warning, critical)")
	listCmd.Flags().StringSliceVar(&auditTypes, "type", nil, "Filter by event type")
	listCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries (0 = all)")
	listCmd.Flags().BoolVar(&auditReveal, "reveal", false, "Decrypt sensitive metadata")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise audit entries by severity, category and type",
		RunE:  runAuditStats,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop entries older than the retention period",
		RunE:  runAuditPurge,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every audit entry",
		RunE:  runAuditClear,
	}
	clearCmd.Flags().BoolVarP(&auditYes, "yes", "y", false, "Do not ask for confirmation")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write a PIN-encrypted export of the log",
		RunE:  runAuditExport,
	}
	exportCmd.Flags().StringVarP(&auditOut, "out", "o", "", "Output file (default stdout)")

	inspectCmd := &cobra.Command{
		Use:   "inspect <export-file>",
		Short: "Decrypt and print an export",
		Args:  cobra.ExactArgs(1),
		RunE:  runAuditInspect,
	}

	for _, c := range []*cobra.Command{listCmd, statsCmd, exportCmd} {
		c.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this (e.g. 72h)")
	}
	for _, c := range []*cobra.Command{exportCmd, inspectCmd} {
		c.Flags().StringVar(&auditPin, "pin", "", "Export PIN (will prompt if not provided)")
	}
	auditCmd.AddCommand(listCmd, statsCmd, purgeCmd, clearCmd, exportCmd, inspectCmd)
}

func sinceTime() time.Time {
	if auditSince <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-auditSince)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	q := audit.Query{
		From:     sinceTime(),
		Category: models.AuditCategory(auditCategory),
		Severity: models.AuditSeverity(auditSeverity),
		Limit:    auditLimit,
	}
	for _, t := range auditTypes {
		q.EventTypes = append(q.EventTypes, models.AuditEventType(t))
	}

	entries, err := apiClient.Audit.GetLogs(ctx, q)
	if err != nil {
		return err
	}

	if auditReveal {
		for i := range entries {
			md, err := apiClient.Audit.RevealMetadata(ctx, entries[i])
			if err != nil {
				printWarning("Cannot reveal metadata of %s: %v", entries[i].ID, err)
				continue
			}
			entries[i].Metadata = md
			entries[i].IsEncrypted = false
		}
	}

	emit(entries, func() { printEntries(entries) })
	return nil
}

func printEntries(entries []models.AuditLogEntry) {
	if len(entries) == 0 {
		printInfo("No audit entries")
		return
	}

	for _, e := range entries {
		sev := string(e.Severity)
		switch e.Severity {
		case models.SeverityCritical:
			sev = errorColor.Sprint(sev)
		case models.SeverityWarning:
			sev = warnColor.Sprint(sev)
		}
		fmt.Printf("%s  %-8s  %-14s  %s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), sev, e.Category, e.EventType)

		if e.ErrorMessage != "" {
			fmt.Printf("    error: %s\n", e.ErrorMessage)
		}
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("    %s=%s\n", k, e.Metadata[k])
		}
	}
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	stats, err := apiClient.Audit.GetStatistics(cmd.Context(), sinceTime(), time.Now())
	if err != nil {
		return err
	}

	emit(stats, func() {
		printField("Total", stats.Total)
		if stats.Total > 0 {
			printField("First", stats.FirstEvent.Local().Format(time.RFC3339))
			printField("Last", stats.LastEvent.Local().Format(time.RFC3339))
		}
		printCounts("By severity", stats.BySeverity)
		printCounts("By category", stats.ByCategory)
		printCounts("By type", stats.ByType)
	})
	return nil
}

func printCounts[K ~string](title string, counts map[K]int) {
	if len(counts) == 0 {
		return
	}
	fmt.Println(title + ":")
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		printField(k, counts[K(k)])
	}
}

func runAuditPurge(cmd *cobra.Command, args []string) error {
	removed, err := apiClient.Audit.PurgeOldLogs(cmd.Context())
	if err != nil {
		return err
	}

	emit(map[string]interface{}{"removed": removed}, func() {
		printSuccess("Purged %d entries", removed)
	})
	return nil
}

func runAuditClear(cmd *cobra.Command, args []string) error {
	if !confirm("Delete the whole audit log?", auditYes) {
		printInfo("Aborted")
		return nil
	}

	if err := apiClient.Audit.ClearLogs(cmd.Context()); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true}, func() {
		printSuccess("Audit log cleared")
	})
	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	pin, err := pinFlag(auditPin, "Export PIN: ")
	if err != nil {
		return err
	}

	export, err := apiClient.Audit.ExportLogs(cmd.Context(), sinceTime(), time.Now(), pin)
	if err != nil {
		return err
	}

	if auditOut == "" {
		fmt.Println(export)
		return nil
	}
	if err := os.WriteFile(auditOut, []byte(export+"\n"), 0600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}

	emit(map[string]interface{}{"success": true, "file": auditOut}, func() {
		printSuccess("Export written to %s", auditOut)
	})
	return nil
}

func runAuditInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read export: %w", err)
	}

	pin, err := pinFlag(auditPin, "Export PIN: ")
	if err != nil {
		return err
	}

	entries, err := apiClient.Audit.ImportExport(strings.TrimSpace(string(data)), pin)
	if err != nil {
		return err
	}

	emit(entries, func() { printEntries(entries) })
	return nil
}
