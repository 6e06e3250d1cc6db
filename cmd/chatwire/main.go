package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/seanhagen/chatwire/internal/config"
	"github.com/seanhagen/chatwire/internal/dispatcher"
	"github.com/seanhagen/chatwire/internal/inference"
	openaiengine "github.com/seanhagen/chatwire/internal/inference/openai"
	"github.com/seanhagen/chatwire/internal/queue"
	"github.com/seanhagen/chatwire/internal/registry"
	"github.com/seanhagen/chatwire/internal/server"
	"github.com/seanhagen/chatwire/internal/storage"
	memorystore "github.com/seanhagen/chatwire/internal/storage/memory"
	sqlitestore "github.com/seanhagen/chatwire/internal/storage/sqlite"
	"github.com/seanhagen/chatwire/internal/telemetry"
	"github.com/seanhagen/chatwire/internal/worker"
)

const sweepInterval = time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("chatwire", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	q, err := newQueue(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open queue: %v", err)
	}
	defer q.Close()

	var regOpts []registry.Option
	if cfg.Registry.TTL > 0 {
		regOpts = append(regOpts, registry.WithTTL(cfg.Registry.TTL))
	}
	regOpts = append(regOpts, registry.WithLogger(logger))
	reg := registry.New(regOpts...)

	engine := newEngine(cfg, logger)
	disp := dispatcher.New(store, q, reg, dispatcher.WithLogger(logger))

	pool, err := worker.NewPool(worker.Config{
		Workers:            cfg.Worker.Count,
		Timeout:            cfg.Worker.Timeout,
		HistoryMaxMessages: cfg.Worker.HistoryMaxMessages,
		HistoryMaxTokens:   cfg.Worker.HistoryMaxTokens,
	}, q, store, reg, engine, worker.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}

	srv := server.New(server.Config{
		Addr:           cfg.Server.Addr,
		RequestTimeout: cfg.Server.RequestTimeout,
		PingInterval:   cfg.Server.PingInterval,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxMessageSize: cfg.Server.MaxMessageSize,
	}, store, disp, reg, server.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	go sweepRegistry(ctx, reg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("chatwire started",
		slog.String("addr", cfg.Server.Addr),
		slog.String("storage", cfg.Storage.Type),
		slog.String("queue", cfg.Queue.Type),
		slog.String("inference", cfg.Inference.Type),
		slog.Int("workers", cfg.Worker.Count),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
		}
	}

	cancel()
	pool.Wait()
	logger.Info("shutdown complete")
}

func newStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		return memorystore.New(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		logger.Info("opening sqlite store", slog.String("path", cfg.Storage.SQLite.Path))
		return sqlitestore.New(cfg.Storage.SQLite.Path)
	}
}

func newQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Queue.Type {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Queue.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		logger.Info("opening sqlite queue", slog.String("path", cfg.Queue.SQLite.Path))
		var opts []queue.SQLiteOption
		if cfg.Queue.Visibility > 0 {
			opts = append(opts, queue.WithSQLiteVisibility(cfg.Queue.Visibility))
		}
		if cfg.Queue.PollInterval > 0 {
			opts = append(opts, queue.WithPollInterval(cfg.Queue.PollInterval))
		}
		return queue.NewSQLite(cfg.Queue.SQLite.Path, opts...)
	default:
		var opts []queue.MemoryOption
		if cfg.Queue.Capacity > 0 {
			opts = append(opts, queue.WithCapacity(cfg.Queue.Capacity))
		}
		if cfg.Queue.Visibility > 0 {
			opts = append(opts, queue.WithVisibility(cfg.Queue.Visibility))
		}
		return queue.NewMemory(opts...), nil
	}
}

func newEngine(cfg *config.Config, logger *slog.Logger) inference.Engine {
	if cfg.Inference.Type == "openai" {
		var opts []openaiengine.Option
		if cfg.Inference.BaseURL != "" {
			opts = append(opts, openaiengine.WithBaseURL(cfg.Inference.BaseURL))
		}
		if cfg.Inference.SystemPrompt != "" {
			opts = append(opts, openaiengine.WithSystemPrompt(cfg.Inference.SystemPrompt))
		}
		return openaiengine.New(cfg.Inference.APIKey, cfg.Inference.Model, opts...)
	}

	logger.Warn("using scripted inference engine; configure inference.type=openai for real generations")
	return &inference.ScriptEngine{
		Tokens: []string{"This ", "deployment ", "has ", "no ", "inference ", "backend ", "configured."},
		Delay:  50 * time.Millisecond,
	}
}

// sweepRegistry drops expired connection records so a TTL bounds how
// long a vanished connection can be addressed.
func sweepRegistry(ctx context.Context, reg *registry.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := reg.Sweep(); n > 0 {
				logger.Info("swept expired connections", slog.Int("count", n))
			}
		}
	}
}
