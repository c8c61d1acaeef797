package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/walletguard/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write an example configuration file",
		Long: `Init writes every setting with its default value. The format follows the
file extension: .yaml, .json or .toml.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipClient: "true"},
		RunE:        runConfigInit,
	}
	initCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration",
		Annotations: map[string]string{skipClient: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *cfg
			if shown.Remote.Token != "" {
				shown.Remote.Token = "[REDACTED]"
			}
			printJSON(shown)
			return nil
		},
	}

	configCmd.AddCommand(initCmd, showCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(cfg.Storage.DataDir, "config.yaml")
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	if err := config.SaveExample(path); err != nil {
		return err
	}

	emit(map[string]interface{}{"success": true, "file": path}, func() {
		printSuccess("Wrote %s", path)
	})
	return nil
}
