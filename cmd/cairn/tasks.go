package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/pkg/cairn"
)

// newTasksCmd creates the tasks subcommand group.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect ingestion tasks",
	}

	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksGetCmd())

	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ingestion tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			page, err := client.Tasks(cmd.Context(), limit, cursor)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			if outputJSON {
				return printJSON(page)
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if len(page.Items) == 0 {
				ui.Info("No ingestion tasks yet")
				return nil
			}

			rows := make([][]string, 0, len(page.Items))
			for _, task := range page.Items {
				rows = append(rows, []string{
					task.ID,
					task.Status,
					task.FolderPath,
					fmt.Sprintf("%d/%d", task.ProcessedDocuments, task.TotalDocuments),
					strconv.Itoa(task.Succeeded),
					strconv.Itoa(task.Skipped),
					strconv.Itoa(task.Failed),
					task.CreatedAt.Format("2006-01-02 15:04"),
				})
			}
			ui.Table([]string{"ID", "STATUS", "FOLDER", "DONE", "OK", "SKIP", "FAIL", "CREATED"}, rows)

			ui.Newline()
			ui.Info("%d of %d tasks shown", len(page.Items), page.Total)
			if page.Cursor != "" {
				ui.Info("Next page: cairn tasks list --cursor %s", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume from a previous page")

	return cmd
}

func newTasksGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one ingestion task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			task, err := client.Task(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}

			if outputJSON {
				return printJSON(task)
			}

			ui := NewUI(outputJSON, noColor)
			defer ui.Close()
			printTaskDetail(ui, task)
			return nil
		},
	}

	return cmd
}

func printTaskDetail(ui *UI, task *cairn.Task) {
	ui.KeyValue("Task", task.ID)
	ui.KeyValue("Status", task.Status)
	ui.KeyValue("Folder", task.FolderPath)
	ui.KeyValue("Documents", fmt.Sprintf("%d/%d processed", task.ProcessedDocuments, task.TotalDocuments))
	ui.KeyValue("Succeeded", task.Succeeded)
	ui.KeyValue("Skipped", task.Skipped)
	ui.KeyValue("Failed", task.Failed)
	ui.KeyValue("Created", task.CreatedAt.Format("2006-01-02 15:04:05"))
	if task.StartedAt != nil && task.CompletedAt != nil {
		ui.KeyValue("Duration", FormatDuration(task.CompletedAt.Sub(*task.StartedAt)))
	}
	if task.Error != nil {
		ui.KeyValue("Error", *task.Error)
	}

	if len(task.Results) == 0 {
		return
	}
	ui.Newline()
	rows := make([][]string, 0, len(task.Results))
	for _, res := range task.Results {
		outcome := "indexed"
		switch {
		case res.Error != "":
			outcome = "failed: " + res.Error
		case res.Skipped:
			outcome = "unchanged"
		}
		rows = append(rows, []string{res.SourceID, strconv.Itoa(res.SegmentsCreated), outcome})
	}
	ui.Table([]string{"DOCUMENT", "SEGMENTS", "OUTCOME"}, rows)
}
