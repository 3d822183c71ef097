// Package cli implements the request-ledger command line: one cobra command
// per ledger operation, a long-running watch mode that replays the queue as
// connectivity comes and goes, and serve, which runs the idempotent reference
// backend.
package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/request-ledger/internal/config"
	"github.com/tbourn/request-ledger/internal/ledger"
	"github.com/tbourn/request-ledger/internal/observability"
	"github.com/tbourn/request-ledger/internal/online"
	"github.com/tbourn/request-ledger/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// RootOptions holds global flags and the state prepared for subcommands.
type RootOptions struct {
	Format   string // "json" | "text"
	LogLevel string // overrides LOG_LEVEL when set

	Config config.Config

	shutdown func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "request-ledger",
		Short: "Durable outbox for HTTP requests",
		Long: `request-ledger records HTTP requests that cannot be delivered right away and
replays them exactly once, in creation order, when connectivity returns.

Configuration comes from the environment (and a .env file when present).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	cmd.AddCommand(NewRequestCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// Execute runs the root command with ctx and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	return GetExitCode(err)
}

// prepare validates global flags, loads configuration and sets up logging
// and tracing.
func (o *RootOptions) prepare(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg

	pretty := cfg.LogPretty && !sysutil.IsTruthy(os.Getenv("NO_COLOR"))
	sysutil.SetupLogger(cmd.ErrOrStderr(), sysutil.FirstNonEmpty(o.LogLevel, cfg.LogLevel), pretty)

	role := observability.RoleClient
	if cmd.Name() == "serve" {
		role = observability.RoleServer
	}
	shutdown, err := observability.SetupOTel(cmd.Context(), cfg.OTEL, Version, role)
	if err != nil {
		// Tracing is optional; carry on without it.
		log.Warn().Err(err).Msg("otel setup failed")
		shutdown = nil
	}
	o.shutdown = shutdown
	return nil
}

func (o *RootOptions) finish() error {
	if o.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	return nil
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}

// ledgerConfig maps environment configuration onto the library's Config.
func ledgerConfig(cfg config.LedgerConfig, auto bool, hooks ledger.Hooks) ledger.Config {
	lg := log.Logger
	return ledger.Config{
		StorageConfig: ledger.StorageConfig{
			DBName:     cfg.DBPath,
			StoreName:  cfg.StoreName,
			MaxEntries: cfg.MaxEntries,
		},
		Retry: cfg.Retry,
		OnlineCheck: online.Config{
			PingURL:      cfg.PingURL,
			PingTimeout:  cfg.PingTimeout,
			PingInterval: cfg.PingInterval,
			Debounce:     cfg.OnlineDebounce,
		},
		Hooks:             hooks,
		IdempotencyHeader: cfg.IdempotencyHeader,
		AutoProcess:       auto,
		AutoProcessOptions: ledger.ProcessOptions{
			Concurrency: cfg.ProcessConcurrency,
			StopOnError: cfg.ProcessStopOnError,
		},
		Logger: &lg,
	}
}

// withLedger opens the configured ledger, runs fn and destroys it.
func (o *RootOptions) withLedger(ctx context.Context, fn func(l *ledger.Ledger) error) error {
	l, err := ledger.New(ctx, ledgerConfig(o.Config.Ledger, false, ledger.Hooks{}))
	if err != nil {
		return ledgerExit("open ledger", err)
	}
	defer func() {
		if derr := l.Destroy(); derr != nil {
			log.Warn().Err(derr).Msg("close ledger")
		}
	}()
	return fn(l)
}
