package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/chattyhq/chatty/internal/agent"
	"github.com/chattyhq/chatty/internal/cache"
	"github.com/chattyhq/chatty/internal/config"
	"github.com/chattyhq/chatty/internal/cron"
	"github.com/chattyhq/chatty/internal/gate"
	"github.com/chattyhq/chatty/internal/history"
	"github.com/chattyhq/chatty/internal/llm"
	"github.com/chattyhq/chatty/internal/observability"
	"github.com/chattyhq/chatty/internal/persona"
	"github.com/chattyhq/chatty/internal/pg"
	"github.com/chattyhq/chatty/internal/rag"
	"github.com/chattyhq/chatty/internal/sse"
	"github.com/chattyhq/chatty/internal/tools"
	"github.com/chattyhq/chatty/internal/web"
)

const shutdownTimeout = 30 * time.Second

// buildServeCmd creates the "serve" command that starts the chat service.
func buildServeCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat service",
		Long: `Start the chat service with all configured components.

The server will:
1. Load configuration from the specified file (built-in defaults when omitted)
2. Connect the admission backend (Redis, or in-process state)
3. Apply database migrations for history, cache, and knowledge tables
4. Mount the streaming chat endpoint and the metrics listener
5. Start the pre-warming schedule when enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with built-in defaults (in-process state, no persistence)
  chatty serve

  # Start with a production config
  chatty serve --config /etc/chatty/chatty.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	endpoint := ""
	if cfg.Tracing.Enabled {
		endpoint = cfg.Tracing.Endpoint
	}
	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "chatty",
		ServiceVersion: version,
		Endpoint:       endpoint,
		EnableInsecure: true,
	})

	logger.Info(ctx, "starting chatty",
		"version", version,
		"config", configPath,
		"model", cfg.Model.Name,
	)

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = pg.Open(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.ConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
	}

	var historyStore *history.Store
	if db != nil {
		historyStore, err = history.New(history.Config{DB: db, RunMigrations: true})
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
	} else {
		logger.Warn(ctx, "database not configured, conversations will not be persisted")
	}

	client := llm.NewClient(llm.ClientConfig{
		BaseURL: cfg.Model.BaseURL,
		APIKey:  cfg.Model.APIKey,
		Model:   cfg.Model.Name,
	}, metrics)

	embedder := llm.NewEmbedder(llm.EmbedderConfig{
		BaseURL:   cfg.Model.BaseURL,
		APIKey:    cfg.Model.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})

	slots := gate.NewSemaphore(backend, cfg.Chat.MaxConcurrency, cfg.Chat.AcquireTimeout, metrics)
	model := llm.NewGatedModel(client, slots)

	personaLoader, err := persona.New(cfg.Model.PersonaFile, logger)
	if err != nil {
		return fmt.Errorf("persona: %w", err)
	}
	defer personaLoader.Close()

	registry := agent.NewRegistry(cfg.Chat.ToolTimeout)
	if err := registry.Register(tools.NewTimeTool()); err != nil {
		return fmt.Errorf("register time tool: %w", err)
	}
	if cfg.RAG.Enabled {
		if db == nil {
			return fmt.Errorf("rag.enabled requires database.url")
		}
		ragStore, err := rag.NewStore(rag.StoreConfig{
			DB:            db,
			RunMigrations: true,
			Dimension:     cfg.Embedding.Dimension,
		})
		if err != nil {
			return fmt.Errorf("rag store: %w", err)
		}
		retriever := rag.NewRetriever(ragStore, embedder, cfg.RAG.TopK, cfg.RAG.Threshold)
		if err := registry.Register(tools.NewSearchTool(retriever)); err != nil {
			return fmt.Errorf("register search tool: %w", err)
		}
	}

	var responseCache web.ResponseCache
	if cfg.Cache.Enabled {
		if db == nil {
			return fmt.Errorf("cache.enabled requires database.url")
		}
		semanticCache, err := cache.New(cache.Config{
			DB:            db,
			RunMigrations: true,
			Threshold:     cfg.Cache.Threshold,
			TTL:           cfg.Cache.TTL,
			Dimension:     cfg.Embedding.Dimension,
		}, embedder, logger, metrics)
		if err != nil {
			return fmt.Errorf("semantic cache: %w", err)
		}
		responseCache = semanticCache
	}

	loopOpts := agent.LoopOptions{
		Model:     model,
		Tools:     registry,
		Persona:   personaLoader.Prompt,
		Logger:    logger,
		Metrics:   metrics,
		MaxRounds: cfg.Chat.MaxToolRounds,
	}
	if historyStore != nil {
		loopOpts.History = historyStore
	}

	chatOpts := web.ChatOptions{
		Guard: gate.NewGuard(backend,
			cfg.Chat.ChatRateLimitPerSecond,
			cfg.Chat.ChatGlobalRateLimit,
			cfg.Chat.DedupWindow),
		Inbox:                 gate.NewInbox(backend, cfg.Chat.InboxMaxSize),
		Loop:                  agent.NewLoop(loopOpts),
		Envelope:              sse.NewEnvelope(cfg.Chat.RequestTimeout, cfg.Chat.SendTraceback, logger, metrics),
		Cache:                 responseCache,
		Tracer:                tracer,
		Logger:                logger,
		Metrics:               metrics,
		MaxConversationLength: cfg.Chat.MaxConversationLength,
	}
	if historyStore != nil {
		chatOpts.History = historyStore
	}

	server := web.NewServer(web.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		MetricsPort: cfg.Server.MetricsPort,
		APIPrefix:   cfg.Server.APIPrefix,
	}, web.NewChatHandler(chatOpts), logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := personaLoader.StartWatching(ctx); err != nil {
		logger.Warn(ctx, "persona watcher failed, hot reload disabled", "error", err)
	}

	if err := server.Start(ctx); err != nil {
		return err
	}

	var prewarmer *cron.Prewarmer
	if cfg.Prewarm.Enabled {
		// Pre-warming calls the bare client: a gated model would wait for
		// the slot the warm-up already holds.
		prewarmer, err = cron.NewPrewarmer(cron.PrewarmerConfig{
			Schedule: cfg.Prewarm.Schedule,
			Prompt:   cfg.Prewarm.Prompt,
		}, client, slots, logger)
		if err != nil {
			return fmt.Errorf("prewarmer: %w", err)
		}
		prewarmer.Start(ctx)
	}

	logger.Info(ctx, "chatty started",
		"addr", server.Addr(),
		"chat_path", server.ChatPath(),
	)

	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if prewarmer != nil {
		prewarmer.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "http shutdown incomplete", "error", err)
	}
	if err := stopTracer(shutdownCtx); err != nil {
		logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}

	logger.Info(ctx, "chatty stopped")
	return nil
}

// newBackend picks the admission store: Redis when an address is configured,
// otherwise in-process state for single-replica deployments.
func newBackend(cfg *config.Config) (gate.Backend, error) {
	if cfg.Redis.Addr == "" {
		return gate.NewLocalBackend(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return gate.NewRedisBackend(client, cfg.Redis.KeyPrefix, cfg.Chat.SlotTimeout), nil
}
