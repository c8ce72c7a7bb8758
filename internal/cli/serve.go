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

	"github.com/spf13/cobra"

	"logvault/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// ready, when set, receives the bound address once listening.
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the log set over HTTP",
		Long: `Serve the log set over HTTP until SIGINT or SIGTERM.

Endpoints:
  GET    /healthz
  GET    /readyz
  GET    /metrics
  GET    /api/v1/logs?limit=&offset=&q=
  GET    /api/v1/logs/{id}
  PUT    /api/v1/logs/{id}[?merge=false]
  DELETE /api/v1/logs/{id}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	logger := opts.logger()
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	proxies, err := api.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return WrapExitError(ExitCommandError, "trusted proxies", err)
	}

	db := opts.openDB(cfg)
	if err := db.Initialize(ctx); err != nil {
		_ = db.Close(context.Background())
		return WrapExitError(ExitFailure, "open store", err)
	}

	srv := api.NewServer(http.NewServeMux(), db, logger, opts.env.Metrics)
	srv.RegisterRoutes()
	server := &http.Server{
		Handler: srv.Handler(api.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimitRPS,
			Burst:             cfg.Server.RateLimitBurst,
			TrustedProxies:    proxies,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = db.Close(context.Background())
		return WrapExitError(ExitFailure, "listen", err)
	}
	logger.Info("logvault listening", "addr", ln.Addr().String(), "backend", string(db.Kind()), "name", db.Name())
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- server.Serve(ln) }()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = WrapExitError(ExitFailure, "server error", err)
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := db.Close(shutdownCtx); err != nil {
		logger.Error("error closing store", "error", err)
	}
	logger.Info("shutdown complete")
	return serveErr
}
