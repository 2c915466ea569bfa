package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/pkg/cairn"
)

// newIngestCmd creates the ingest subcommand.
func newIngestCmd() *cobra.Command {
	var (
		wait         bool
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ingest <folder>",
		Short: "Ingest a folder of documents",
		Long: `Ingest starts a background task that scans a folder under the server's
ingestion root, parses and chunks every supported document, embeds what
changed, and indexes it for retrieval.

Unchanged documents are skipped by fingerprint. Edited documents only
re-embed the segments whose content actually changed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newAPIClient()
			if err != nil {
				return err
			}

			taskID, err := client.IngestFolder(ctx, args[0])
			if err != nil {
				return fmt.Errorf("start ingestion: %w", err)
			}

			logger.Info().Str("task_id", taskID).Str("folder", args[0]).Msg("Ingestion task started")

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if !wait {
				if outputJSON {
					return printJSON(map[string]string{"task_id": taskID, "status": "pending"})
				}
				ui.Success("Ingestion task started")
				ui.KeyValue("Task ID", taskID)
				ui.Info("Watch it with: cairn tasks get %s", taskID)
				return nil
			}

			task, err := waitForTask(ctx, client, taskID, pollInterval, outputJSON)
			if err != nil {
				return fmt.Errorf("wait for task: %w", err)
			}

			if outputJSON {
				return printJSON(task)
			}
			printTaskSummary(ui, task)

			if task.Status != "completed" {
				return fmt.Errorf("ingestion %s", task.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the task finishes")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "poll interval with --wait")

	return cmd
}

// printTaskSummary renders counters and per-document outcomes.
func printTaskSummary(ui *UI, task *cairn.Task) {
	switch task.Status {
	case "completed":
		ui.Success("Ingestion completed")
	case "failed":
		ui.Error("Ingestion failed")
		if task.Error != nil {
			ui.KeyValue("Error", *task.Error)
		}
	default:
		ui.Warning("Ingestion %s", task.Status)
	}

	ui.KeyValue("Documents", task.TotalDocuments)
	ui.KeyValue("Succeeded", task.Succeeded)
	ui.KeyValue("Skipped", task.Skipped)
	ui.KeyValue("Failed", task.Failed)
	if task.StartedAt != nil && task.CompletedAt != nil {
		ui.KeyValue("Duration", FormatDuration(task.CompletedAt.Sub(*task.StartedAt)))
	}

	var failures [][]string
	for _, res := range task.Results {
		if res.Error != "" {
			failures = append(failures, []string{res.SourceID, res.Error})
		}
	}
	if len(failures) > 0 {
		ui.Newline()
		ui.Table([]string{"DOCUMENT", "ERROR"}, failures)
	}
}
