package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <dir>",
		Short: "Create a new, empty database directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("rellyctl: creating %s: %w", dir, err)
			}
			if _, err := os.Stat(configPath(dir)); err == nil {
				return fmt.Errorf("rellyctl: %s is already initialized", dir)
			}

			cfg := defaultConfig(dir, poolSize)
			pageFile, err := os.OpenFile(cfg.PagePath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
			if err != nil {
				return fmt.Errorf("rellyctl: creating page file: %w", err)
			}
			pageFile.Close()

			logFile, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
			if err != nil {
				return fmt.Errorf("rellyctl: creating log file: %w", err)
			}
			logFile.Close()

			if err := writeConfig(dir, cfg); err != nil {
				return fmt.Errorf("rellyctl: writing config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (pool size %d)\n", dir, cfg.PoolSize)
			return nil
		},
	}
}
