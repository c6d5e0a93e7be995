package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/translateq/internal/executor"
	"github.com/user/translateq/internal/observability"
	"github.com/user/translateq/internal/pipeline"
	"github.com/user/translateq/internal/ratelimit"
	"github.com/user/translateq/internal/scheduler"
	"github.com/user/translateq/internal/server"
	"github.com/user/translateq/internal/sink"
	"github.com/user/translateq/internal/translate"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "translateq",
	Short: "translateq: rate-limit aware translation job queue",
	Long:  "A single-process job queue that translates learning content through an LLM provider without tripping its rate limits.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the translateq server",
	RunE:  runServer,
}

var (
	bindAddr         string
	dbPath           string
	dryRun           bool
	llmURL           string
	llmAPIKey        string
	llmModel         string
	contentAPIURL    string
	contentAPIToken  string
	callTimeout      = 60 * time.Second
	interCallDelay   = 250 * time.Millisecond
	requestsPerMin   int
	initialBatchSize int
	maxRetries       int
	maxConcurrent    int
	avgJobDuration   = 2 * time.Minute
	retention        = time.Hour
	sweepInterval    = time.Minute
	apiRateLimit     bool
	shutdownTimeout  = 30 * time.Second
	otelEnabled      bool
	otelEndpoint     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	ctrlDefaults := ratelimit.DefaultConfig()
	schedDefaults := scheduler.DefaultConfig()

	f := serverCmd.Flags()
	f.StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	f.StringVar(&dbPath, "db", "translateq.db", "SQLite database for translations when no content API is configured")
	f.BoolVar(&dryRun, "dry-run", false, "Tag text with the target language instead of calling the LLM provider")
	f.StringVar(&llmURL, "llm-url", "https://api.openai.com/v1/chat/completions", "Chat completions endpoint")
	f.StringVar(&llmAPIKey, "llm-api-key", "", "LLM provider API key (or TRANSLATEQ_LLM_API_KEY)")
	f.StringVar(&llmModel, "llm-model", "gpt-4o-mini", "LLM model name")
	f.StringVar(&contentAPIURL, "content-api-url", "", "Base URL of the content API receiving translations")
	f.StringVar(&contentAPIToken, "content-api-token", "", "Bearer token for the content API (or TRANSLATEQ_CONTENT_API_TOKEN)")
	f.DurationVar(&callTimeout, "call-timeout", 60*time.Second, "Deadline for a single translate call")
	f.DurationVar(&interCallDelay, "inter-call-delay", 250*time.Millisecond, "Base delay between sequential calls, scaled by the backoff multiplier")
	f.IntVar(&requestsPerMin, "rpm", 0, "Outbound requests per minute to the provider (0 = unlimited)")
	f.IntVar(&initialBatchSize, "batch-size", ctrlDefaults.InitialBatchSize, "Parallel batch size before any throttling")
	f.IntVar(&maxRetries, "max-retries", ctrlDefaults.MaxRetries, "Retries per translate call")
	f.IntVar(&maxConcurrent, "max-concurrent", schedDefaults.MaxConcurrent, "Jobs processed at once")
	f.DurationVar(&avgJobDuration, "avg-job-duration", schedDefaults.AverageJobDuration, "Per-job estimate used for start time predictions")
	f.DurationVar(&retention, "retention", schedDefaults.Retention, "How long finished jobs stay queryable")
	f.DurationVar(&sweepInterval, "sweep-interval", schedDefaults.SweepInterval, "Retention sweep cadence")
	f.BoolVar(&apiRateLimit, "api-rate-limit", false, "Enable per-client API rate limiting")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for the in-flight job on shutdown")
	f.BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	f.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serverCmd)
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func envOr(v, key string) string {
	if v != "" {
		return v
	}
	return os.Getenv(key)
}

func runServer(cmd *cobra.Command, args []string) error {
	llmAPIKey = envOr(llmAPIKey, "TRANSLATEQ_LLM_API_KEY")
	contentAPIToken = envOr(contentAPIToken, "TRANSLATEQ_CONTENT_API_TOKEN")
	if !dryRun && llmAPIKey == "" {
		return fmt.Errorf("an LLM API key is required (--llm-api-key or TRANSLATEQ_LLM_API_KEY); use --dry-run to run without one")
	}

	slog.Info("starting translateq server",
		"bind", bindAddr,
		"dry_run", dryRun,
		"llm_url", llmURL,
		"llm_model", llmModel,
		"content_api_url", contentAPIURL,
		"db", dbPath,
		"rpm", requestsPerMin,
		"batch_size", initialBatchSize,
		"max_concurrent", maxConcurrent,
		"retention", retention,
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(observability.TracingConfig{
		Enabled:  otelEnabled,
		Service:  "translateq-server",
		Endpoint: otelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	var persister sink.Persister
	if contentAPIURL != "" {
		persister = sink.NewHTTPPersister(sink.HTTPConfig{BaseURL: contentAPIURL, Token: contentAPIToken})
	} else {
		db, err := sink.OpenSQLite(dbPath)
		if err != nil {
			return fmt.Errorf("open translations db: %w", err)
		}
		defer db.Close()
		persister = db
	}

	ctrlCfg := ratelimit.DefaultConfig()
	ctrlCfg.InitialBatchSize = initialBatchSize
	ctrlCfg.MaxRetries = maxRetries
	ctrlCfg.RequestsPerMinute = requestsPerMin
	ctrl := ratelimit.New(ctrlCfg)

	var translator translate.Translator = translate.EchoTranslator{}
	if !dryRun {
		translator = translate.NewHTTPTranslator(translate.HTTPConfig{
			URL:    llmURL,
			APIKey: llmAPIKey,
			Model:  llmModel,
		})
	}
	caller := translate.NewCaller(translator, ctrl, callTimeout)
	exec := executor.New(caller, ctrl, executor.Config{InterCallDelay: interCallDelay})

	schedCfg := scheduler.Config{
		MaxConcurrent:      maxConcurrent,
		AverageJobDuration: avgJobDuration,
		Retention:          retention,
		SweepInterval:      sweepInterval,
	}
	sched := scheduler.New(pipeline.New(exec, persister, nil), schedCfg)
	sched.Start(context.Background())

	srv := server.New(sched, ctrl, server.Config{
		BindAddr:  bindAddr,
		RateLimit: server.RateLimitConfig{Enabled: apiRateLimit},
	})
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("translateq server ready", "bind", bindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	slog.Info("stopping HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}

	slog.Info("stopping scheduler")
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stopped before in-flight jobs finished", "error", err)
	}

	slog.Info("translateq server stopped")
	return nil
}
