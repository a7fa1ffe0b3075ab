package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kotae/api"
	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/classify"
	"github.com/ashita-ai/kotae/internal/config"
	"github.com/ashita-ai/kotae/internal/draft"
	"github.com/ashita-ai/kotae/internal/embedding"
	"github.com/ashita-ai/kotae/internal/escalation"
	"github.com/ashita-ai/kotae/internal/events"
	"github.com/ashita-ai/kotae/internal/llm"
	"github.com/ashita-ai/kotae/internal/mcp"
	"github.com/ashita-ai/kotae/internal/pipeline"
	"github.com/ashita-ai/kotae/internal/ratelimit"
	"github.com/ashita-ai/kotae/internal/retrieve"
	"github.com/ashita-ai/kotae/internal/search"
	"github.com/ashita-ai/kotae/internal/server"
	"github.com/ashita-ai/kotae/internal/storage"
	"github.com/ashita-ai/kotae/internal/storage/sqlite"
	"github.com/ashita-ai/kotae/internal/telemetry"
	"github.com/ashita-ai/kotae/internal/zendesk"
	"github.com/ashita-ai/kotae/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// runStore is everything main needs from a storage backend. Both
// *storage.DB and *sqlite.Store satisfy it.
type runStore interface {
	pipeline.Store
	server.Store
	search.Store
	events.EventStore
	CustomerHistory(ctx context.Context, requesterEmail string) (map[string]string, error)
	CleanupDeliveries(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
	Close(ctx context.Context)
}

const (
	deliveryCleanupInterval = 10 * time.Minute
	completedDeliveryTTL    = 72 * time.Hour
	inProgressDeliveryTTL   = 15 * time.Minute
)

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KOTAE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("kotae starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Model services.
	completer := llm.NewThrottled(newCompleter(cfg, logger), cfg.LLMRequestsPerSec, cfg.LLMBurst)
	policy := llm.RetryPolicy{
		MaxAttempts:    cfg.LLMMaxAttempts,
		InitialBackoff: cfg.LLMInitialBackoff,
		MaxBackoff:     cfg.LLMMaxBackoff,
	}
	embedder := newEmbeddingProvider(cfg, logger)

	// Similar-ticket search. Qdrant is optional; without it the store's own
	// vector search answers.
	var index search.Index
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}
	searchSvc := search.NewService(embedder, index, store, logger)

	helpdesk, err := zendesk.New(zendesk.Config{
		Subdomain: cfg.ZendeskSubdomain,
		Email:     cfg.ZendeskEmail,
		APIToken:  cfg.ZendeskAPIToken,
		BaseURL:   cfg.ZendeskBaseURL,
		Timeout:   cfg.ZendeskTimeout,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("zendesk: %w", err)
	}

	// Escalation policy, hot-reloaded from disk when a file is configured.
	basePolicy := escalation.DefaultPolicy(escalation.Thresholds{
		AutoSend: cfg.AutoSendThreshold,
		Review:   cfg.ReviewThreshold,
	})
	current := basePolicy
	if cfg.PolicyFile != "" {
		current, err = escalation.LoadPolicy(cfg.PolicyFile, basePolicy)
		if err != nil {
			return fmt.Errorf("escalation policy: %w", err)
		}
	}
	policies := escalation.NewPolicyStore(current)
	if cfg.PolicyFile != "" {
		watcher, err := escalation.NewPolicyWatcher(cfg.PolicyFile, basePolicy, policies, logger)
		if err != nil {
			return fmt.Errorf("escalation policy watcher: %w", err)
		}
		go watcher.Run(ctx)
		logger.Info("escalation policy: watching", "path", cfg.PolicyFile)
	}

	// Lifecycle events: the store is the system of record; Kafka is a
	// best-effort mirror.
	var sink events.Sink = events.NewStoreSink(store)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = kafkaSink.Close() }()
		sink = events.NewMultiSink(sink, logger, kafkaSink)
		logger.Info("kafka: streaming run events", "topic", cfg.KafkaTopic)
	}
	buf := events.NewBuffer(sink, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)
	buf.Start(ctx)

	orch := pipeline.New(pipeline.Deps{
		Store:        store,
		Source:       helpdesk,
		Classifier:   classify.New(completer, policy, logger),
		Retriever:    retrieve.New(searchSvc, store, cfg.RetrievalTimeout, cfg.SimilarTicketLimit, logger),
		Drafter:      draft.New(completer, policy, logger),
		Gate:         escalation.NewGate(policies),
		Events:       buf,
		Indexer:      searchSvc,
		Logger:       logger,
		StageRetries: 1,
	})

	dispatcher := pipeline.NewDispatcher(orch, cfg.Workers, cfg.QueueSize, logger).
		WithRecovery(orch, cfg.RecoveryInterval, cfg.StallAfter)
	dispatcher.Start(ctx)

	go deliveryCleanupLoop(ctx, store, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(store, orch, dispatcher.Enqueue, logger, version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Pipeline:            orch,
		Queue:               dispatcher,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Buffer:              buf,
		Search:              searchSvc,
		Policies:            policies,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		WebhookSecret:       cfg.ZendeskWebhookSecret,
		StoreKind:           cfg.Store,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		slog.Warn("admin seed failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting webhooks and reviews, (2) let workers finish
	// the stage they are in (they append events), (3) flush events.
	slog.Info("kotae shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(context.Background(), 20*time.Second)
	dispatcher.Drain(runCtx)
	runCancel()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
	buf.Drain(bufCtx)
	bufCancel()

	slog.Info("kotae stopped")
	return nil
}

// openStore connects to the configured backend. Postgres migrations run
// from the embedded files; SQLite migrates itself on open.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (runStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info("store: sqlite", "path", cfg.SQLitePath)
		return s, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		// RunMigrations tracks applied files in schema_migrations and skips
		// duplicates, so an error here is a real failure.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("store: postgres")
		return db, nil
	}
}

// newCompleter picks the model service for classification and drafting.
// Provider selection mirrors the embedding provider: "openai", "ollama",
// "noop", or "auto" (Ollama if reachable, then OpenAI if a key is set).
// Without one every run is routed to a human.
func newCompleter(cfg config.Config, logger *slog.Logger) llm.Completer {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KOTAE_LLM_PROVIDER=openai")
			return llm.Noop{}
		}
		logger.Info("llm: openai", "model", cfg.LLMModel)
		return llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMTimeout)

	case "ollama":
		logger.Info("llm: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
		return llm.NewOllama(cfg.OllamaURL, cfg.OllamaChatModel, cfg.LLMTimeout)

	case "noop":
		logger.Warn("llm: noop (every run goes to review)")
		return llm.Noop{}

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("llm: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaChatModel)
			return llm.NewOllama(cfg.OllamaURL, cfg.OllamaChatModel, cfg.LLMTimeout)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("llm: openai (auto-detected)", "model", cfg.LLMModel)
			return llm.NewOpenAI(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMTimeout)
		}
		logger.Warn("no model service available, using noop (every run goes to review)")
		return llm.Noop{}
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KOTAE_EMBEDDING_PROVIDER=openai")
			return embedding.NoopProvider{}
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims, cfg.LLMTimeout)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, dims, cfg.LLMTimeout)

	case "noop":
		logger.Info("embedding provider: noop (similar-ticket search disabled)")
		return embedding.NoopProvider{}

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaEmbedModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaEmbedModel, dims, cfg.LLMTimeout)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims, cfg.LLMTimeout)
		}
		logger.Warn("no embedding provider available, using noop (similar-ticket search disabled)")
		return embedding.NoopProvider{}
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// deliveryCleanupLoop prunes webhook delivery records. Abandoned in-progress
// reservations block redelivery until they are removed here.
func deliveryCleanupLoop(ctx context.Context, store runStore, logger *slog.Logger) {
	ticker := time.NewTicker(deliveryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CleanupDeliveries(ctx, completedDeliveryTTL, inProgressDeliveryTTL)
			if err != nil {
				logger.Warn("delivery cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("delivery cleanup", "removed", n)
			}
		}
	}
}
