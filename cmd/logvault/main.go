package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	"logvault/internal/cli"
	"logvault/internal/lifecycle"
	"logvault/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := observability.NewLogger(observability.ConfigFromEnv())

	// Initialize Sentry if DSN is provided
	sentryEnabled := false
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          envOr("APP_VERSION", "dev"),
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			sentryEnabled = true
		}
	}

	hooks := lifecycle.NewRegistry(logger)
	root := cli.NewRootCommand(cli.Env{
		Logger:  logger,
		Metrics: observability.NewMetrics(observability.MetricsConfigFromEnv()),
		Hooks:   hooks,
	})
	err := root.ExecuteContext(context.Background())

	// Exit hooks (SQLite backups) run whatever the command outcome.
	hooks.Run(context.Background(), lifecycle.DefaultTimeout)

	if err != nil {
		fmt.Fprintln(os.Stderr, "logvault:", err)
	}
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	return cli.GetExitCode(err)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
