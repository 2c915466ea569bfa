// Package main provides UI utilities for the Cairn CLI.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// UI renders human-facing CLI output. In JSON mode every method is a no-op
// so stdout stays machine readable.
type UI struct {
	bars     *mpb.Progress
	noColor  bool
	jsonMode bool
}

// NewUI builds the output helper shared by all commands.
func NewUI(jsonMode, noColor bool) *UI {
	ui := &UI{noColor: noColor, jsonMode: jsonMode}
	if !jsonMode {
		ui.bars = mpb.New(mpb.WithWidth(60))
	}
	return ui
}

// Close flushes pending progress output.
func (ui *UI) Close() {
	if ui.bars == nil {
		return
	}
	// Wait only renders in a terminal; when piped it can hang.
	if isTerminal() {
		ui.bars.Wait()
	} else {
		ui.bars.Shutdown()
	}
}

func (ui *UI) status(c color.Attribute, prefix, format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	line := fmt.Sprintf("%s %s\n", prefix, fmt.Sprintf(format, args...))
	if ui.noColor {
		fmt.Print(line)
	} else {
		color.New(c).Print(line)
	}
}

// Success reports a completed action.
func (ui *UI) Success(format string, args ...interface{}) {
	ui.status(color.FgGreen, "✓", format, args...)
}

// Error reports a failure, on stderr so piped stdout stays clean.
func (ui *UI) Error(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	if ui.noColor {
		fmt.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
	} else {
		color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
	}
}

// Warning reports a recoverable problem.
func (ui *UI) Warning(format string, args ...interface{}) {
	ui.status(color.FgYellow, "⚠", format, args...)
}

// Info reports neutral progress detail.
func (ui *UI) Info(format string, args ...interface{}) {
	ui.status(color.FgCyan, "ℹ", format, args...)
}

// Step marks the start of a multi-part operation.
func (ui *UI) Step(format string, args ...interface{}) {
	ui.status(color.FgBlue, "→", format, args...)
}

// ProgressBar creates a determinate progress bar.
func (ui *UI) ProgressBar(name string, total int64) *mpb.Bar {
	if ui.bars == nil || ui.jsonMode {
		return nil
	}

	return ui.bars.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 8}), " done"),
		),
	)
}

// Table prints rows under a header, aligned.
func (ui *UI) Table(headers []string, rows [][]string) {
	if ui.jsonMode || len(headers) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if ui.noColor {
		fmt.Fprintln(w, strings.Join(headers, "\t"))
	} else {
		fmt.Fprintln(w, color.New(color.FgCyan, color.Bold).Sprint(strings.Join(headers, "\t")))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

// Section prints an underlined section header.
func (ui *UI) Section(title string) {
	if ui.jsonMode {
		return
	}
	rule := strings.Repeat("─", len(title))
	fmt.Println()
	if ui.noColor {
		fmt.Printf("%s\n%s\n", title, rule)
	} else {
		color.New(color.FgMagenta, color.Bold).Printf("%s\n%s\n", title, rule)
	}
}

// KeyValue prints one labeled value with the labels aligned in a column.
func (ui *UI) KeyValue(key string, value interface{}) {
	if ui.jsonMode {
		return
	}
	label := key + ":"
	if ui.noColor {
		fmt.Printf("  %-14s %v\n", label, value)
	} else {
		color.New(color.FgYellow).Printf("  %-14s", label)
		fmt.Printf(" %v\n", value)
	}
}

// Newline prints a blank separator line.
func (ui *UI) Newline() {
	if !ui.jsonMode {
		fmt.Println()
	}
}

// FormatDuration renders a duration at the precision a human reads.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}

// isTerminal reports whether stdout is a terminal.
func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
