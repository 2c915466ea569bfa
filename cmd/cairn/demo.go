package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/internal/agent"
	"github.com/cairnkb/cairn/internal/cache"
	"github.com/cairnkb/cairn/internal/chunker"
	"github.com/cairnkb/cairn/internal/embed"
	"github.com/cairnkb/cairn/internal/index"
	"github.com/cairnkb/cairn/internal/ingest"
	"github.com/cairnkb/cairn/internal/llm"
	"github.com/cairnkb/cairn/internal/parser"
	"github.com/cairnkb/cairn/internal/retrieval"
	"github.com/cairnkb/cairn/internal/sqlsandbox"
	"github.com/cairnkb/cairn/internal/storage"
)

const demoDims = 64

// newDemoCmd creates the demo subcommand.
func newDemoCmd() *cobra.Command {
	var (
		workDir string
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through the full pipeline offline",
		Long: `Demo seeds a small company knowledge base and runs the whole pipeline
in-process: ingestion with change detection, hybrid search, and an agent
answer with citations. No API keys, no network; embeddings and the model
are deterministic stand-ins.

It ends in an interactive search prompt over the seeded corpus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), workDir, keep)
		},
	}

	cmd.Flags().StringVar(&workDir, "dir", "", "working directory (default: temp dir)")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the working directory afterwards")

	return cmd
}

func runDemo(ctx context.Context, workDir string, keep bool) error {
	ui := NewUI(false, noColor)
	defer ui.Close()

	fmt.Println()
	fmt.Println("  Cairn: business knowledge, searchable and cited")
	fmt.Println()

	if workDir == "" {
		dir, err := os.MkdirTemp("", "cairn-demo-*")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		workDir = dir
		if !keep {
			defer os.RemoveAll(workDir)
		}
	}

	ui.Section("Seed corpus")
	docsDir := filepath.Join(workDir, "docs")
	if err := seedDemoCorpus(docsDir); err != nil {
		return err
	}
	entries, _ := os.ReadDir(docsDir)
	for _, entry := range entries {
		ui.Step("%s", entry.Name())
	}

	ui.Section("Build engine")
	db, err := storage.Open("sqlite3", filepath.Join(workDir, "cairn.db"), storage.PoolOptions{MaxOpenConns: 1})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.EnsureSchema(ctx, db, "sqlite3"); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repos := storage.NewRepositories(db)

	memCache := cache.NewMemoryClient(256)
	defer memCache.Close()

	lexical, err := index.NewLexical("") // in-memory
	if err != nil {
		return fmt.Errorf("open lexical index: %w", err)
	}
	hybrid := index.NewHybrid(lexical, index.NewVector(index.VectorConfig{}))
	defer hybrid.Close()
	if err := hybrid.EnsureReady(demoDims); err != nil {
		return fmt.Errorf("prepare index: %w", err)
	}

	embedder, err := embed.NewCachedEmbedder(embed.NewMockClient(demoDims), 512)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	ui.Step("SQLite store, in-memory indexes, deterministic embeddings")

	tasks := ingest.NewTaskManager(ingest.TaskManagerConfig{
		Root:       workDir,
		Extensions: []string{".md", ".csv"},
		Workers:    2,
	}, ingest.PipelineDeps{
		Parsers:  parser.NewRegistry(),
		Chunker:  chunker.New(chunker.Config{MaxTokens: 200}),
		Embedder: embedder,
		DB:       db,
		Repos:    repos,
		Index:    hybrid,
		Cache:    memCache,
		Logger:   logger,
	}, logger)
	defer tasks.Stop()

	ui.Section("Ingest")
	task, err := runDemoIngestion(ctx, ui, tasks, repos, "docs")
	if err != nil {
		return err
	}
	ui.Success("Ingested %d documents (%d segments indexed)", task.Succeeded, hybrid.Count())

	// Second pass: nothing changed, everything is skipped by fingerprint.
	ui.Section("Re-ingest (idempotence)")
	task, err = runDemoIngestion(ctx, ui, tasks, repos, "docs")
	if err != nil {
		return err
	}
	ui.Success("%d unchanged documents skipped, %d re-processed", task.Skipped, task.Succeeded)

	retriever := retrieval.NewRetriever(hybrid, embedder, nil, nil, retrieval.Config{}, logger)

	ui.Section("Search")
	demoQuery := "late payment finance charge"
	ui.Step("Query: %q", demoQuery)
	results, err := retriever.Search(ctx, retrieval.SearchRequest{Query: demoQuery, TopK: 3})
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	printDemoResults(results)

	ui.Section("Ask the agent")
	if err := runDemoAsk(ctx, ui, retriever, repos, docsDir); err != nil {
		return err
	}

	ui.Section("Your turn")
	fmt.Println("Type a search query, or quit to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("search> ")
		if !scanner.Scan() {
			break
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if query == "quit" || query == "exit" {
			break
		}

		results, err := retriever.Search(ctx, retrieval.SearchRequest{Query: query, TopK: 5})
		if err != nil {
			ui.Error("search: %v", err)
			continue
		}
		if len(results) == 0 {
			fmt.Println("  no results")
			continue
		}
		printDemoResults(results)
	}

	fmt.Println()
	ui.Success("Demo finished")
	if keep {
		ui.Info("Working directory kept at %s", workDir)
	}
	return nil
}

// runDemoIngestion starts a folder task and renders its progress.
func runDemoIngestion(ctx context.Context, ui *UI, tasks *ingest.TaskManager, repos *storage.Repositories, folder string) (*storage.IngestionTask, error) {
	taskID, err := tasks.Start(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("start ingestion: %w", err)
	}
	return watchDemoTask(ctx, ui, repos, taskID)
}

func watchDemoTask(ctx context.Context, ui *UI, repos *storage.Repositories, taskID uuid.UUID) (*storage.IngestionTask, error) {
	var bar = ui.ProgressBar("documents", 1)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := repos.Tasks.Get(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("poll task: %w", err)
		}

		if bar != nil && task.TotalDocuments > 0 {
			bar.SetTotal(int64(task.TotalDocuments), false)
			bar.SetCurrent(int64(task.ProcessedDocuments))
		}

		switch task.Status {
		case storage.TaskStatusCompleted, storage.TaskStatusFailed:
			if bar != nil {
				bar.SetTotal(int64(task.TotalDocuments), true)
			}
			if task.Status == storage.TaskStatusFailed {
				msg := "ingestion failed"
				if task.Error != nil {
					msg = *task.Error
				}
				return nil, fmt.Errorf("%s", msg)
			}
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// runDemoAsk drives one agent turn with a scripted model: a search tool call,
// then an answer grounded in the seeded policy.
func runDemoAsk(ctx context.Context, ui *UI, retriever *retrieval.Retriever, repos *storage.Repositories, docsDir string) error {
	sandbox, err := sqlsandbox.New(sqlsandbox.Config{DataDir: docsDir, MaxRows: 50}, logger)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}

	scripted := llm.NewScripted(
		llm.ToolTurn(llm.Call("call-1", agent.ToolSearchKnowledge, `{"query":"late payment finance charge"}`)),
		llm.TextTurn("Late vendor payments accrue a 2% monthly finance charge with a $25 minimum per invoice. A first occurrence within a rolling year can be waived on request."),
	)

	toolbox := agent.NewToolbox(retriever, repos, sandbox, nil, agent.ToolboxOptions{SearchTopK: 3}, logger)
	ag := agent.New(scripted, toolbox, agent.Config{}, logger)

	question := "What happens when a vendor invoice is paid late?"
	ui.Step("Question: %q", question)

	answer, err := ag.Answer(ctx, agent.Request{Message: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Println()
	fmt.Println(answer.Response)
	fmt.Println()
	for _, c := range answer.Citations {
		ref := c.DocumentTitle
		if c.SectionPath != nil && *c.SectionPath != "" {
			ref += " › " + *c.SectionPath
		}
		ui.Step("Source: %s", ref)
	}
	ui.Info("%d tool calls · %dms", answer.ToolCalls, answer.LatencyMS)
	return nil
}

func printDemoResults(results []retrieval.Result) {
	for i, res := range results {
		title := res.DocumentTitle
		if res.SectionPath != nil && *res.SectionPath != "" {
			title += " › " + *res.SectionPath
		}
		fmt.Printf("%2d. %s  (score %.4f)\n", i+1, title, res.Score)
		fmt.Printf("    %s\n", snippet(res.Content, 140))
	}
	fmt.Println()
}

// seedDemoCorpus writes a small set of company documents.
func seedDemoCorpus(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}

	files := map[string]string{
		"returns-policy.md": `# Returns Policy

## Window

Customers may return products within 30 days of delivery for a full
refund. Opened electronics carry a 15% restocking fee.

## Exchanges

Exchanges for the same item ship free. Exchanges across product lines are
treated as a return plus a new order.
`,
		"late-fee-policy.md": `# Late Fee Policy

## Invoices

Vendor invoices are due net-30 from the invoice date.

## Finance charges

Late payments accrue a finance charge of 2% per month, with a minimum
charge of $25 per invoice. The first late payment in any rolling twelve
month period can be waived on written request.
`,
		"vendor-onboarding.md": `# Vendor Onboarding

## Requirements

New vendors provide a W-9, a certificate of insurance, and banking
details before the first purchase order.

## Payment terms

Standard terms are net-30. Early payment discounts are negotiated per
contract and recorded in the fee schedule.
`,
		"fee-schedule.csv": `service,fee_usd,unit
standard shipping,8.50,per order
expedited shipping,24.00,per order
restocking,15,percent
invoice finance charge,2,percent per month
`,
	}

	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
