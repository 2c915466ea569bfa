package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"

	"github.com/cairnkb/cairn/pkg/cairn"
)

// newWaitSpinner shows indeterminate progress while a task sits in the queue.
func newWaitSpinner(message string) *spinner.Spinner {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Writer = os.Stderr
	return s
}

// newTaskBar shows per-document progress once the folder scan has counted
// the work.
func newTaskBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		total,
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "│",
			BarEnd:        "│",
		}),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// taskFinished reports whether a task status is terminal.
func taskFinished(status string) bool {
	switch status {
	case "completed", "failed":
		return true
	}
	return false
}

// waitForTask polls a task until it finishes. With quiet unset it renders a
// spinner while the task is queued and a progress bar while documents are
// being processed.
func waitForTask(ctx context.Context, client *cairn.Client, taskID string, interval time.Duration, quiet bool) (*cairn.Task, error) {
	var spin *spinner.Spinner
	var bar *progressbar.ProgressBar
	stopViews := func() {
		if spin != nil {
			spin.Stop()
			spin = nil
		}
		if bar != nil {
			_ = bar.Finish()
			bar = nil
		}
	}
	defer stopViews()

	if !quiet {
		spin = newWaitSpinner("Waiting for ingestion to start")
		spin.Start()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := client.Task(ctx, taskID)
		if err != nil {
			return nil, err
		}

		if !quiet && task.Status == "running" {
			if spin != nil {
				spin.Stop()
				spin = nil
			}
			if bar == nil && task.TotalDocuments > 0 {
				bar = newTaskBar(int64(task.TotalDocuments), "Ingesting")
			}
			if bar != nil {
				bar.ChangeMax64(int64(task.TotalDocuments))
				_ = bar.Set64(int64(task.ProcessedDocuments))
			}
		}

		if taskFinished(task.Status) {
			if bar != nil {
				_ = bar.Set64(int64(task.ProcessedDocuments))
			}
			stopViews()
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
