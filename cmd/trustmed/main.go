package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"TrustMed/internal/api"
	"TrustMed/internal/backend"
	"TrustMed/internal/cache"
	"TrustMed/internal/chatbot"
	"TrustMed/internal/config"
	"TrustMed/internal/database"
	"TrustMed/internal/embedding"
	"TrustMed/internal/ingest"
	"TrustMed/internal/knowledge"
	"TrustMed/internal/rag"
	"TrustMed/internal/session"
	"TrustMed/internal/telemetry"
	"TrustMed/internal/vector"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const janitorInterval = 5 * time.Minute

type flags struct {
	configPath string
	addr       string
	backend    string
	model      string
	seed       string
	debug      bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&f.addr, "addr", "", "Listen address (overrides config)")
	flag.StringVar(&f.backend, "backend", "", "LLM backend (ollama|anthropic|grok|openai|langchain)")
	flag.StringVar(&f.model, "model", "", "LLM model (backend default when empty)")
	flag.StringVar(&f.seed, "seed", "", "Comma-separated seed files to ingest at startup")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.backend != "" {
		cfg.LLM.Backend = f.backend
	}
	if f.model != "" {
		cfg.LLM.Model = f.model
	}
	if f.seed != "" {
		cfg.Storage.SeedFiles = append(cfg.Storage.SeedFiles, strings.Split(f.seed, ",")...)
	}
	if f.debug {
		cfg.Debug = true
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logFile, err := telemetry.InitLogger(cfg.Telemetry, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	db, err := database.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	kb, err := knowledge.NewStore(db, logger)
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(db, logger)
	if err != nil {
		return err
	}

	index, err := newIndex(cfg.Vector, db, logger)
	if err != nil {
		return err
	}
	embedder, err := newEmbedder(cfg.Embedding, tracer, meter)
	if err != nil {
		return err
	}

	if len(cfg.Storage.SeedFiles) > 0 {
		stats, err := ingest.New(kb, index, embedder, logger).IngestFiles(ctx, cfg.Storage.SeedFiles...)
		if err != nil {
			return fmt.Errorf("failed to ingest seed files: %w", err)
		}
		logger.Info("seed data ingested", "stored", stats.Stored, "embedded", stats.Embedded)
	}

	llm, err := backend.New(cfg.LLM, tracer, meter, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}

	answers, closeCache, err := newCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	pipeline, err := rag.New(rag.Deps{
		Store:     kb,
		Index:     index,
		Embedder:  embedder,
		Generator: llm,
		Cache:     answers,
		Tracer:    tracer,
		Meter:     meter,
		Logger:    logger,
	}, cfg.Retrieval)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	if err := pipeline.RefreshConditions(ctx); err != nil {
		logger.Warn("failed to load known conditions", "error", err)
	}

	bot, err := chatbot.NewChatBot(pipeline, sessions, llm, chatbot.Options{
		Backend:         cfg.LLM.Backend,
		PersistSessions: cfg.Storage.PersistSessions,
		IdleTTL:         cfg.Server.SessionIdleTTL,
		HistoryTurns:    cfg.Retrieval.HistoryTurns,
		Vector:          index,
	}, tracer, meter, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	defer bot.Close()
	go bot.RunJanitor(ctx, janitorInterval)

	var metrics http.Handler
	if cfg.Telemetry.Prometheus {
		metrics = promhttp.Handler()
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(bot, pipeline, kb, metrics, cfg.Server, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "backend", cfg.LLM.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func newIndex(cfg config.VectorConfig, db *sql.DB, logger *slog.Logger) (vector.Index, error) {
	switch cfg.Backend {
	case config.VectorWeaviate:
		return vector.NewWeaviateIndex(cfg.WeaviateHost, cfg.WeaviateScheme, cfg.WeaviateClass, logger)
	default:
		return vector.NewSQLiteIndex(db, logger)
	}
}

// newEmbedder returns a nil embedder when embeddings are disabled.
func newEmbedder(cfg config.EmbeddingConfig, tracer trace.Tracer, meter metric.Meter) (embeddings.Embedder, error) {
	e, err := embedding.New(cfg)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	return embedding.Instrument(e, cfg.Provider, tracer, meter)
}

func newCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (cache.Cache, func(), error) {
	switch cfg.Backend {
	case config.CacheRedis:
		r, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.TTL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("answer cache ready", "backend", "redis", "addr", cfg.RedisAddr)
		return r, func() { r.Close() }, nil
	case config.CacheNone:
		return cache.Nop{}, func() {}, nil
	default:
		return cache.NewMemory(cfg.TTL), func() {}, nil
	}
}
