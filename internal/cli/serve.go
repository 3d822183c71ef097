package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/request-ledger/internal/http"
	"github.com/tbourn/request-ledger/internal/repo"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	PurgeInterval time.Duration
	ShutdownGrace time.Duration
}

// serveReady receives the bound address once the server listens. Test seam.
var serveReady = func(addr string) {}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the idempotent reference backend",
		Long: `Run an HTTP API that honors the ledger's idempotency contract: the first
response to a key is stored and replayed verbatim (with Idempotency-Replayed:
true) on every repeat delivery. GET /health is a ready-made PING_URL target.

Listens on PORT and stores data in SERVER_DB_PATH. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.PurgeInterval, "purge-interval", 10*time.Minute, "how often expired idempotency records are deleted (0 disables)")
	cmd.Flags().DurationVar(&opts.ShutdownGrace, "shutdown-grace", 10*time.Second, "time allowed for in-flight requests on shutdown")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repo.OpenSQLite(cfg.ServerDBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := repo.AutoMigrate(db); err != nil {
		return WrapExitError(ExitCommandError, "migrate database", err)
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, cfg)

	srv := &http.Server{
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}

	go httpapi.PurgeExpiredIdempotency(ctx, db, opts.PurgeInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	addr := ln.Addr().String()
	log.Info().Str("addr", addr).Str("db", cfg.ServerDBPath).Str("api", cfg.APIBasePath).Msg("server listening")
	serveReady(addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), opts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	return nil
}
