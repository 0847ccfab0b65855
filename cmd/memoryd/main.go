// Memoryd is a self-hosted semantic memory server.
//
// It embeds submitted documents, stores text and vector together and answers
// similarity queries over HTTP.
//
// Configuration is read from ~/.config/memoryd/config.yaml (or -config) and
// MEMORYD_* environment variables. See internal/config.
//
// Usage:
//
//	# Start the HTTP server
//	memoryd
//
//	# Serve MCP tools on stdio against a running server
//	memoryd mcp --url http://localhost:8787
//
//	# Print version information
//	memoryd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/config"
	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings"
	"github.com/s11ngh/supermemory-selfhosted/internal/events"
	httpapi "github.com/s11ngh/supermemory-selfhosted/internal/http"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
	"github.com/s11ngh/supermemory-selfhosted/internal/store"
	"github.com/s11ngh/supermemory-selfhosted/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/memoryd/config.yaml)")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var err error
	switch {
	case len(args) == 0:
		err = run(ctx, *configPath)
	case args[0] == "version":
		printVersion()
		return
	case args[0] == "mcp":
		err = runMCP(ctx, *configPath, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Printf("memoryd: %v", err)
		cancel()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  memoryd [-config path]         Start the HTTP server\n")
	fmt.Fprintf(os.Stderr, "  memoryd [-config path] mcp     Serve MCP tools on stdio\n")
	fmt.Fprintf(os.Stderr, "  memoryd version                Show version information\n")
}

func printVersion() {
	fmt.Printf("memoryd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the HTTP server and blocks until ctx is cancelled:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Opens the store, the embedding client and the event publisher
//  4. Serves HTTP until cancelled, then shuts down in reverse order
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel, false)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting memoryd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.Int("dimension", cfg.Store.Dimension),
		zap.String("embeddings", cfg.Embeddings.Provider))

	deps, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close(logger)

	opts := []memory.Option{
		memory.WithLogger(logger),
		memory.WithTelemetry(tel),
	}
	if deps.publisher != nil {
		opts = append(opts, memory.WithPublisher(deps.publisher))
	}
	svc, err := memory.NewService(deps.repo, deps.embedder, opts...)
	if err != nil {
		return fmt.Errorf("creating memory service: %w", err)
	}

	srv, err := httpapi.NewServer(svc, logger, httpapi.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		APIKey:           cfg.Server.APIKey.Value(),
		RateLimit:        cfg.Server.RateLimit,
		BodyLimit:        cfg.Server.BodyLimit,
		Version:          version,
		DefaultLimit:     cfg.Search.DefaultLimit,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		ListLimit:        cfg.Search.ListLimit,
	}, httpapi.WithMetrics(httpapi.NewHTTPMetrics(otel.GetMeterProvider(), logger)))
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	if !cfg.Server.APIKey.IsSet() {
		logger.Warn(ctx, "server.api_key is empty; /v3 and /v4 are unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}

// initLogger builds the logger. stderr selects stderr output for modes where
// stdout carries a protocol.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry, stderr bool) (*logging.Logger, error) {
	logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	if stderr {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	logCfg.Output.OTEL = tel.IsEnabled()
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// dependencies holds the resources owned by the server process.
type dependencies struct {
	telemetry *telemetry.Telemetry
	repo      store.Repository
	embedder  *embeddings.Client
	publisher *events.Publisher
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close(logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			logger.Warn(ctx, "closing event publisher", zap.Error(err))
		}
	}
	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			logger.Warn(ctx, "closing embedding provider", zap.Error(err))
		}
	}
	if d.repo != nil {
		if err := d.repo.Close(); err != nil {
			logger.Warn(ctx, "closing store", zap.Error(err))
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{telemetry: tel}

	repo, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	deps.repo = repo
	logger.Info(ctx, "store ready", zap.String("backend", cfg.Store.Backend))

	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		BaseURL:  cfg.Embeddings.BaseURL,
		Model:    cfg.Embeddings.Model,
		APIKey:   cfg.Embeddings.APIKey.Value(),
		Timeout:  cfg.Embeddings.Timeout.Duration(),
	})
	if err != nil {
		deps.telemetry = nil
		deps.Close(logger)
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	deps.embedder = embeddings.NewClient(provider,
		embeddings.WithMaxChars(cfg.Embeddings.MaxChars),
		embeddings.WithLogger(logger),
		embeddings.WithMetrics(embeddings.NewMetrics(tel.Meter("github.com/s11ngh/supermemory-selfhosted/internal/embeddings"), logger)),
	)
	logger.Info(ctx, "embedding client ready",
		zap.String("provider", provider.Name()),
		zap.String("base_url", cfg.Embeddings.BaseURL))

	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(events.Config{
			URL:           cfg.Events.NATSURL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
		}, logger)
		if err != nil {
			deps.telemetry = nil
			deps.Close(logger)
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		deps.publisher = pub
		logger.Info(ctx, "publishing lifecycle events", zap.String("prefix", cfg.Events.SubjectPrefix))
	}

	return deps, nil
}
