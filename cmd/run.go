// Package cmd defines and implements the CLI commands for rankcrawler.
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
)

type runOutput struct {
	RunID   string             `json:"run_id"`
	Summary crawler.RunSummary `json:"summary"`
}

// newRunCmd creates the 'run' subcommand, which executes one pipeline run in
// the foreground and prints its summary as JSON.
func newRunCmd() *cobra.Command {
	var sources []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline once and prints the summary",
		Long: `Fetches, parses, normalizes and persists the selected sources (all
configured sources by default), then prints the run summary. A run that
ends FAILED, or is interrupted, exits non-zero after printing.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runID, summary, runErr := appInstance.RunOnce(cmd.Context(), sources)
			if runID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(runOutput{RunID: runID, Summary: summary}); err != nil {
					return fmt.Errorf("write summary: %w", err)
				}
			}
			if runErr != nil {
				return fmt.Errorf("run: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sources, "source", nil, "source IDs to run (repeatable)")
	return cmd
}
