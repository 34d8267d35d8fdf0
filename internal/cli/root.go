// Package cli implements ledgerctl, the operator command line for the
// quota ledger.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/duangjit/backend/internal/config"
	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/ocr"
	"github.com/duangjit/backend/internal/repository"
	"github.com/duangjit/backend/internal/services"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Backend     string
	SQLitePath  string
	DatabaseURL string
	Format      string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// App is what the commands operate on.
type App struct {
	Ledger ledger.Service
	Slips  *services.SlipReconciler
	Events *repository.EventRepo
	Close  func()
}

// Opener builds an App for the selected backend. Tests replace it.
type Opener func(ctx context.Context, opts *RootOptions) (*App, error)

// NewRootCommand creates the ledgerctl root command.
func NewRootCommand(open Opener) *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{}
	if open == nil {
		open = OpenStore
	}

	cmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the usage-quota ledger",
		Long:  "Inspect balances, review payment slips and report usage directly against the ledger store.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", cfg.StoreBackend, "store backend (sqlite|postgres)")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	run := func(fn func(ctx context.Context, app *App, out *output, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if app.Close != nil {
				defer app.Close()
			}
			return fn(cmd.Context(), app, &output{format: opts.Format, w: cmd.OutOrStdout()}, args)
		}
	}

	cmd.AddCommand(newBalanceCommand(run))
	cmd.AddCommand(newSlipsCommand(run))
	cmd.AddCommand(newApproveCommand(run))
	cmd.AddCommand(newRejectCommand(run))
	cmd.AddCommand(newResetCommand(run))
	cmd.AddCommand(newReportCommand(run))

	return cmd
}

// OpenStore opens the configured store with a per-process lock. Slips are
// never read from images here, so no OCR engine is wired.
func OpenStore(ctx context.Context, opts *RootOptions) (*App, error) {
	var (
		store *repository.Store
		err   error
	)
	switch opts.Backend {
	case config.BackendSQLite:
		store, err = repository.OpenSQLite(opts.SQLitePath)
	case config.BackendPostgres:
		store, err = repository.OpenPostgres(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("backend %q has no persistent data to operate on", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewApp(store, slog.Default()), nil
}

// NewApp wires the ledger and slip reconciler over store.
func NewApp(store *repository.Store, logger *slog.Logger) *App {
	l := ledger.NewService(store.Accounts, store.Events, nil, ledger.WithLogger(logger))
	return &App{
		Ledger: l,
		Slips: &services.SlipReconciler{
			Ledger:    l,
			Slips:     store.Slips,
			Audit:     store.Events,
			Extractor: ocr.NewHTTPExtractor(""),
			Policy:    services.SlipPolicyManual,
			Logger:    logger,
		},
		Events: store.Events,
		Close:  store.Close,
	}
}

type output struct {
	format string
	w      io.Writer
}

// print writes v as JSON, or calls text for the human format.
func (o *output) print(v any, text func(w io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(o.w)
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
