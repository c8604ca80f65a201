package main

import (
	"context"
	"io"

	"go.uber.org/zap"

	"schoolbot/server/internal/config"
	"schoolbot/server/internal/engine"
	"schoolbot/server/internal/interfaces"
	"schoolbot/server/internal/llm"
	"schoolbot/server/internal/memory"
	"schoolbot/server/internal/metrics"
	"schoolbot/server/internal/models"
	"schoolbot/server/internal/planning"
	"schoolbot/server/internal/prompts"
	"schoolbot/server/internal/rag"
	"schoolbot/server/internal/storage"
	"schoolbot/server/internal/tools"
	"schoolbot/server/internal/web"
	"schoolbot/server/internal/workers"
)

// app holds every long-lived component of the service.
type app struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        interfaces.VectorStore
	embedder     interfaces.Embedder
	retriever    *rag.SemanticRetriever
	memory       *memory.Manager
	model        *llm.Client
	jobs         *workers.JobQueue
	sessions     engine.SessionStore
	orchestrator *engine.Orchestrator
	collector    *metrics.Collector
	hub          *web.EventHub

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (a *app) onClose(c io.Closer) {
	a.closers = append(a.closers, c)
}

// Close releases backends in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("failed to close component", zap.Error(err))
		}
	}
}

// newEmbedder returns the OpenAI-compatible service, or the hash embedder
// when configured or when the service cannot be created.
func (a *app) newEmbedder() interfaces.Embedder {
	cfg := a.cfg.AI.Embedding
	if cfg.Provider == "openai" {
		svc, err := rag.NewEmbeddingService(cfg, a.logger)
		if err == nil {
			a.onClose(closerFunc(func() error { svc.Close(); return nil }))
			return svc
		}
		a.logger.Warn("embedding service unavailable, using hash embedder", zap.Error(err))
	}
	return rag.NewHashEmbedder(cfg.Dimensions)
}

func (a *app) newVectorStore(ctx context.Context) (interfaces.VectorStore, error) {
	if a.cfg.Database.Vector.Backend == "qdrant" {
		q, err := rag.NewQdrantStore(ctx, a.cfg.Database.Qdrant, a.logger)
		if err == nil {
			return q, nil
		}
		a.logger.Warn("qdrant unavailable, falling back to chromem", zap.Error(err))
	}
	return rag.NewChromemStore(a.cfg.Database.Vector.ChromemDir, a.logger)
}

// newPersister prefers MySQL and degrades to the local SQLite file.
func (a *app) newPersister() memory.Persister {
	if a.cfg.Database.MySQL.Enabled {
		m, err := storage.NewMySQLStore(a.cfg.Database.MySQL)
		if err == nil {
			if err = m.AutoMigrate(); err == nil {
				a.onClose(m)
				a.logger.Info("mysql connected")
				return m
			}
			m.Close()
		}
		a.logger.Warn("mysql unavailable, falling back to sqlite", zap.Error(err))
	}

	s, err := storage.NewSQLiteStore(a.cfg.Database.SQLite)
	if err != nil {
		a.logger.Warn("sqlite unavailable, long-term memory will not persist", zap.Error(err))
		return nil
	}
	a.onClose(s)
	return s
}

func (a *app) newSessionStore() engine.SessionStore {
	if a.cfg.Database.Redis.Enabled {
		rs, err := storage.NewRedisStore(a.cfg.Database.Redis)
		if err == nil {
			a.onClose(rs)
			a.logger.Info("redis connected")
			return engine.NewRedisSessionStore(rs, a.cfg.Sessions.SessionTimeout)
		}
		a.logger.Warn("redis unavailable, keeping sessions in memory", zap.Error(err))
	}
	return engine.NewMemorySessionStore()
}

// buildRetrieval wires the embedder, vector store and retriever.
func buildRetrieval(ctx context.Context, a *app) error {
	a.embedder = a.newEmbedder()

	store, err := a.newVectorStore(ctx)
	if err != nil {
		return err
	}
	a.store = store
	a.onClose(store)

	var reranker rag.Reranker
	if a.cfg.AI.Rerank.Enabled {
		reranker = rag.NewHTTPReranker(a.cfg.AI.Rerank)
	}
	a.retriever = rag.NewSemanticRetriever(store, a.embedder, reranker, a.cfg.Database.Qdrant.Collection, a.cfg.Retriever, a.logger)
	return a.retriever.Init(ctx)
}

// buildApp wires the full service. Optional backends degrade with a warning.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := buildRetrieval(ctx, a); err != nil {
		a.Close()
		return nil, err
	}

	var index memory.SemanticIndex
	memIndex := rag.NewMemoryIndex(a.store, a.embedder, cfg.Database.Qdrant.MemoryCollection)
	if err := memIndex.Init(ctx); err != nil {
		logger.Warn("semantic memory index unavailable", zap.Error(err))
	} else {
		index = memIndex
	}

	a.memory = memory.NewManager(cfg.Memory, index, a.newPersister(), logger)
	a.memory.SetUserLimits(cfg.ShortTermLimits())
	if err := a.memory.Load(ctx); err != nil {
		logger.Warn("failed to load long-term memory", zap.Error(err))
	}

	a.model = llm.NewClient(cfg.AI.LLM, logger)
	templates := prompts.NewTemplateEngine()
	reasoning := tools.NewReasoningTool(templates, a.model)
	registry := tools.NewRegistry(logger,
		tools.NewQueryTool(a.retriever, a.memory, cfg),
		tools.NewWritingTool(templates, a.model),
		reasoning,
	)
	planner := planning.NewEngine(a.model, templates, registry, cfg.Planning, logger)

	a.collector = metrics.NewCollector()
	a.hub = web.NewEventHub(logger)
	events := interfaces.MultiSink{a.hub, a.collector}

	agent := engine.NewAgent(engine.Dependencies{
		Model:     a.model,
		Templates: templates,
		Searcher:  a.retriever,
		Intents:   reasoning,
		Memory:    a.memory,
		Planner:   planner,
		Tools:     registry,
		Events:    events,
	}, cfg, logger)

	a.jobs = workers.NewJobQueue(cfg.Queue, logger)
	a.sessions = a.newSessionStore()
	a.orchestrator = engine.NewOrchestrator(agent, a.sessions, a.jobs, events, cfg.Sessions, logger)

	a.collector.TrackActiveSessions(func() int {
		n, err := a.sessions.Count(context.Background())
		if err != nil {
			return 0
		}
		return n
	})
	a.collector.TrackMemory(func(tier models.MemoryType) int {
		s := a.memory.Stats()
		switch tier {
		case models.MemoryShortTerm:
			return s.ShortTermEntries
		case models.MemoryLongTerm:
			return s.LongTermEntries
		case models.MemoryEpisodic:
			return s.EpisodicEntries
		case models.MemorySemantic:
			return s.SemanticEntries
		}
		return 0
	})
	a.collector.TrackBreaker(a.model.BreakerState)
	if svc, ok := a.embedder.(*rag.EmbeddingService); ok {
		a.collector.TrackEmbeddingCache(func() (uint64, uint64) {
			s := svc.CacheStats()
			return s.Hits, s.Misses
		})
	}

	return a, nil
}

func (a *app) webDeps() web.Deps {
	return web.Deps{
		Config:    a.cfg,
		Assistant: a.orchestrator,
		Jobs:      a.jobs,
		Corpus:    a.retriever,
		Metrics:   a.collector,
		Hub:       a.hub,
		Logger:    a.logger,
	}
}
