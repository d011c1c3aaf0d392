package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <dir>",
		Short: "Take a fuzzy checkpoint of a database directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			e, err := openEngine(dir, false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.rm.Checkpoint(); err != nil {
				return fmt.Errorf("rellyctl: checkpoint: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint written for %s\n", dir)
			return nil
		},
	}
}
