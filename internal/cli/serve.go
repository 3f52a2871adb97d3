package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/ynab-sync/internal/api"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/config"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/logging"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote/remotetest"
)

const shutdownTimeout = 30 * time.Second

// ServeFlags holds the CLI flags for the serve command.
type ServeFlags struct {
	Port     int
	Interval time.Duration
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	flags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API and keep budgets refreshed in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunServe(cmd.Context(), opts, flags)
		},
	}
	cmd.Flags().IntVar(&flags.Port, "port", 0, "Port to listen on (default: api.port)")
	cmd.Flags().DurationVar(&flags.Interval, "interval", 0, "Background refresh interval (default: sync.refresh_interval)")
	return cmd
}

// RunServe runs the API server until ctx is cancelled or the process gets
// SIGINT or SIGTERM.
func RunServe(ctx context.Context, opts *rootOptions, flags *ServeFlags) error {
	app, err := opts.openApp(true)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	logger := logging.NewLoggerWithSystem(app.Config.Observability.Logging, "api")

	apiCfg := api.Config{
		Port:           app.Config.API.Port,
		AllowedOrigins: app.Config.API.AllowedOrigins,
	}
	if flags.Port > 0 {
		apiCfg.Port = flags.Port
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Budgets are opened from cache first so the API answers before the
	// first refresh completes.
	budgets, err := app.Sync.Budgets(ctx)
	if err != nil {
		logger.Warn("could not list budgets, serving on demand only", slog.Any("error", err))
	}
	for _, id := range budgets {
		if err := app.Engine.Open(ctx, id); err != nil {
			return fmt.Errorf("failed to open budget %s: %w", id, err)
		}
	}
	if err := app.Sync.StartBackgroundRefresh(ctx, flags.Interval); err != nil {
		return err
	}

	server := api.NewServer(apiCfg, app.Engine, logger)
	return serveUntilDone(ctx, logger, server.Start, server.Shutdown)
}

// serveUntilDone runs start until ctx is done, then calls shutdown with a
// bounded timeout.
func serveUntilDone(ctx context.Context, logger *slog.Logger, start func() error, shutdown func(context.Context) error) error {
	errc := make(chan error, 1)
	go func() { errc <- start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		return err
	}
	err := <-errc
	logger.Info("server stopped")
	return err
}

func newFakeRemoteCommand(opts *rootOptions) *cobra.Command {
	var (
		port    int
		seed    bool
		token   string
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "fake-remote",
		Short: "Run an in-memory budgeting API for local development",
		Long: `Run an in-memory stand-in for the budgeting API. Point remote.base_url
at the printed URL to try ynab-sync without a real account.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := config.LoggingConfig{Level: "info", Format: "text"}
			fakeOpts := remotetest.Options{AccessToken: token, AllowedOrigins: origins}
			if opts.verbose {
				logCfg.Level = "debug"
				fakeOpts.RequestLog = cmd.ErrOrStderr()
			}
			logger := logging.NewLoggerWithSystem(logCfg, "fake-remote")

			srv := remotetest.New(fakeOpts)
			if seed {
				id := srv.Seed()
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded budget %s\n", id)
			}

			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fake remote listening on http://%s/v1\n", ln.Addr())

			httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serveUntilDone(ctx, logger,
				func() error {
					if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				},
				httpServer.Shutdown,
			)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8081, "Port to listen on")
	cmd.Flags().BoolVar(&seed, "seed", true, "Load a demo budget")
	cmd.Flags().StringVar(&token, "token", "dev-token", "Access token the fake accepts (empty accepts any)")
	cmd.Flags().StringSliceVar(&origins, "cors-origin", nil, "Browser origins allowed to call the fake")
	return cmd
}
