package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// crashExit simulates a process kill: it exits immediately with no flush
// or close of any kind, leaving the buffer pool's dirty pages unwritten
// and the log exactly as far as it was appended and fsynced. This is the
// "kill -9" scenario restart recovery exists to repair.
func crashExit() {
	os.Exit(1)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <dir> <script>",
		Short: "Replay a transaction script against a database directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, scriptPath := args[0], args[1]
			e, err := openEngine(dir, true)
			if err != nil {
				return err
			}
			defer e.Close()

			f, err := os.Open(scriptPath)
			if err != nil {
				return fmt.Errorf("rellyctl: opening script: %w", err)
			}
			defer f.Close()

			if err := runScript(e, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "script %s applied to %s\n", scriptPath, dir)
			return nil
		},
	}
}
