package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/meetnotes/internal/calendar"
	"github.com/dukerupert/meetnotes/internal/database"
	"github.com/dukerupert/meetnotes/internal/server"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API and WebSocket change feed.

When publish.path is set the ICS feed is also written to that file on
publish.schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, logger := opts.Config, opts.Logger

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	srv := server.New(db, server.Options{
		TokenHash:      cfg.APITokenHash,
		OriginPatterns: cfg.AllowedOrigins,
	}, logger)
	if cfg.APITokenHash == "" {
		logger.Warn("api_token_hash not set, API is unauthenticated")
	}

	go srv.RateLimiter().Run(ctx)

	var pub *calendar.Publisher
	if cfg.Publish.Path != "" {
		horizon := time.Duration(cfg.Publish.HorizonDays) * 24 * time.Hour
		pub = calendar.NewPublisher(srv.Calendar(), srv.Hub(), cfg.Publish.Path, horizon, logger)
		if err := pub.Start(cfg.Publish.Schedule); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("meetnotes listening", "addr", cfg.Listen, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if pub != nil {
		pub.Stop(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
