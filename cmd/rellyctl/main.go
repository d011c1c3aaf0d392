// Command rellyctl drives the relly storage core end to end: create a
// database directory, replay a small transaction script against it, force
// a crash, and recover it — so the ARIES properties can be observed
// without a debugger attached.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	poolSize int
	verbose  bool
	logger   *slog.Logger
)

func cliContext() context.Context {
	return context.Background()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rellyctl",
		Short: "Drive and inspect a relly database directory",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
		},
	}
	root.PersistentFlags().IntVar(&poolSize, "pool-size", 64, "buffer pool size, in pages")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(recoverCmd())
	root.AddCommand(checkpointCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
