package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/pkg/cairn"
)

// newAskCmd creates the ask subcommand.
func newAskCmd() *cobra.Command {
	var (
		stream         bool
		conversationID string
		sourceType     string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question, answered with citations",
		Long: `Ask sends a question to the agent. The agent searches the knowledge
base, may query tabular data or look up related entities, and answers with
citations back to the source documents.

Pass --conversation to continue an earlier exchange, and --stream to see
tokens as they are generated.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			req := cairn.AskRequest{
				Message:        strings.Join(args, " "),
				ConversationID: conversationID,
				SourceType:     sourceType,
			}

			if stream {
				return runAskStream(cmd, client, req)
			}
			return runAsk(cmd, client, req)
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they arrive")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to continue")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "restrict retrieval to one source type")

	return cmd
}

func runAsk(cmd *cobra.Command, client *cairn.Client, req cairn.AskRequest) error {
	resp, err := client.Ask(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputJSON {
		return printJSON(resp)
	}

	ui := NewUI(outputJSON, noColor)
	defer ui.Close()

	fmt.Println(resp.Response)
	printCitations(ui, resp.Citations)
	ui.Newline()
	ui.Info("%d tokens in / %d out · %dms · conversation %s",
		resp.TokenUsage.InputTokens, resp.TokenUsage.OutputTokens, resp.LatencyMS, resp.ConversationID)
	return nil
}

func runAskStream(cmd *cobra.Command, client *cairn.Client, req cairn.AskRequest) error {
	ui := NewUI(outputJSON, noColor)
	defer ui.Close()

	var citations []cairn.Citation
	var failed error

	err := client.AskStream(cmd.Context(), req, func(ev cairn.StreamEvent) error {
		if outputJSON {
			// NDJSON passthrough for automation.
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Println(string(line))
			return nil
		}

		switch ev.Type {
		case "status":
			ui.Step("%s", ev.Content)
		case "token":
			fmt.Print(ev.Content)
		case "citation":
			var c cairn.Citation
			if err := json.Unmarshal(ev.Data, &c); err == nil {
				citations = append(citations, c)
			}
		case "done":
			fmt.Println()
			var meta struct {
				ConversationID string           `json:"conversation_id"`
				TokenUsage     cairn.TokenUsage `json:"token_usage"`
				LatencyMS      int64            `json:"latency_ms"`
			}
			if err := json.Unmarshal(ev.Metadata, &meta); err == nil {
				printCitations(ui, citations)
				ui.Newline()
				ui.Info("%d tokens in / %d out · %dms · conversation %s",
					meta.TokenUsage.InputTokens, meta.TokenUsage.OutputTokens,
					meta.LatencyMS, meta.ConversationID)
			}
		case "error":
			failed = fmt.Errorf("ask: %s", ev.Message)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return failed
}

func printCitations(ui *UI, citations []cairn.Citation) {
	if len(citations) == 0 {
		return
	}
	ui.Newline()
	for _, c := range citations {
		ref := c.DocumentTitle
		if c.SectionPath != nil && *c.SectionPath != "" {
			ref += " › " + *c.SectionPath
		}
		if c.SourceURL != "" {
			ref += "  (" + c.SourceURL + ")"
		}
		ui.Step("Source: %s", ref)
	}
}
