// Package main provides the Cairn operator CLI.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cairnkb/cairn/internal/config"
	"github.com/cairnkb/cairn/internal/observability"
	"github.com/cairnkb/cairn/internal/storage"
	"github.com/cairnkb/cairn/pkg/cairn"
)

var (
	// Global flags
	cfgFile    string
	apiURL     string
	token      string
	outputJSON bool
	noColor    bool
	verbose    bool

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "cairn",
	Short: "Cairn CLI for ingestion, retrieval, and administration",
	Long: `Cairn keeps business knowledge searchable. It ingests folders of
documents (Markdown, CSV, PDF, spreadsheets), indexes them for hybrid
retrieval, and answers questions with cited sources.

Use this tool to:
- Run the API server (cairn serve)
- Start and watch folder ingestion tasks
- Search the knowledge base and ask grounded questions
- Manage users, roles, and access tokens
- Walk through the full pipeline offline (cairn demo)

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		logLevel := cfg.Observability.LogLevel
		if verbose {
			logLevel = "debug"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       logLevel,
			Format:      logFormat,
			ServiceName: "cairn-cli",
		})

		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default: derived from config)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token (default: CAIRN_TOKEN env var)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newUsersCmd())
	rootCmd.AddCommand(newDemoCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				_ = printJSON(map[string]string{"version": "0.1.0"})
				return
			}
			fmt.Println("cairn v0.1.0")
		},
	}
}

// apiBaseURL resolves the API address: the --api flag wins, otherwise the
// configured server host and port.
func apiBaseURL() string {
	if apiURL != "" {
		return apiURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// newAPIClient builds an SDK client for remote commands. The timeout is
// generous because an agent turn can chain several model calls.
func newAPIClient() (*cairn.Client, error) {
	bearer := token
	if bearer == "" {
		bearer = os.Getenv("CAIRN_TOKEN")
	}
	return cairn.NewClient(cairn.ClientConfig{
		BaseURL: apiBaseURL(),
		Token:   bearer,
		Timeout: 2 * time.Minute,
	})
}

// openDatabase opens the configured relational store and ensures the schema
// exists, so admin commands work on a fresh installation.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	driver := "sqlite3"
	pool := storage.PoolOptions{MaxOpenConns: cfg.Database.SQLite.MaxOpenConns}
	if cfg.Database.Driver == "postgres" {
		driver = "postgres"
		pool = storage.PoolOptions{
			MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
		}
	}

	db, err := storage.Open(driver, cfg.DatabaseDSN(), pool)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.EnsureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// printJSON writes v to stdout, indented.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
