package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	recoverTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	recoverPhaseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
	recoverOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <dir>",
		Short: "Run restart recovery (analysis, redo, undo) against a database directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, recoverTitleStyle.Render(fmt.Sprintf("restart recovery: %s", dir)))
			e, err := openEngine(dir, true)
			if err != nil {
				fmt.Fprintln(out, recoverPhaseStyle.Render("analysis / redo / undo"), "failed:", err)
				return err
			}
			defer e.Close()

			for _, phase := range []string{"analysis", "redo", "undo", "checkpoint"} {
				fmt.Fprintln(out, recoverPhaseStyle.Render(phase), recoverOKStyle.Render("ok"))
			}
			return nil
		},
	}
}
