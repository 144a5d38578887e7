// Package app builds the application object graph. Everything is
// constructed once here and passed by reference; no package-level
// singletons beyond the logger.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/bus"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/embedder"
	"github.com/ternarybob/colligo/internal/events"
	"github.com/ternarybob/colligo/internal/handlers"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/orchestrator"
	"github.com/ternarybob/colligo/internal/pool"
	"github.com/ternarybob/colligo/internal/providers"
	"github.com/ternarybob/colligo/internal/providers/github"
	"github.com/ternarybob/colligo/internal/providers/jira"
	"github.com/ternarybob/colligo/internal/scheduler"
	"github.com/ternarybob/colligo/internal/stages/embedding"
	"github.com/ternarybob/colligo/internal/stages/extraction"
	"github.com/ternarybob/colligo/internal/stages/transform"
	badgerstore "github.com/ternarybob/colligo/internal/storage/badger"
	"github.com/ternarybob/colligo/internal/storage/memory"
	"github.com/ternarybob/colligo/internal/storage/postgres"
	"github.com/ternarybob/colligo/internal/vectorindex"
)

// App holds the application's wired components.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	Tenants     interfaces.TenantStorage
	Schedules   interfaces.ScheduleStorage
	Raw         interfaces.RawStorage
	Domain      interfaces.DomainStorage
	Vectors     interfaces.VectorStorage
	Checkpoints interfaces.CheckpointStorage
	Credentials interfaces.CredentialStorage

	// Transport and pipeline
	Bus          interfaces.MessageBus
	Events       interfaces.EventService
	VectorIndex  interfaces.VectorIndex
	Embedder     interfaces.EmbeddingClient
	Registry     *providers.Registry
	Orchestrator *orchestrator.Engine
	Pool         interfaces.WorkerPool
	Scheduler    interfaces.SchedulerService

	// HTTP surface
	JobHandler    *handlers.JobHandler
	RawHandler    *handlers.RawHandler
	WorkerHandler *handlers.WorkerHandler
	WSHandler     *handlers.WebSocketHandler

	db *postgres.DB
}

// New builds the full object graph from configuration. Components with an
// external backend fall back to their in-process implementation when the
// backend is not configured, so a bare `colligo serve` works on a laptop.
func New(ctx context.Context, config *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: config,
		Logger: logger,
	}

	if err := a.initStorage(config, logger); err != nil {
		return nil, err
	}
	if err := a.initTransport(config, logger); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initEmbedding(ctx, config, logger); err != nil {
		a.Close()
		return nil, err
	}

	a.initProviders()

	engine, err := orchestrator.NewEngine(
		a.Tenants, a.Schedules, a.Raw, a.Domain, a.Vectors, a.Checkpoints,
		a.Bus, a.Events, logger,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	a.Orchestrator = engine

	extractionHandler := extraction.NewHandler(
		a.Registry, a.Tenants, a.Schedules, a.Raw, a.Checkpoints,
		a.Credentials, a.Bus, a.Events, engine, logger,
	)
	transformHandler := transform.NewHandler(
		a.Registry, a.Schedules, a.Raw, a.Domain, a.Vectors,
		a.Bus, a.Events, engine, logger,
	)
	embeddingHandler := embedding.NewHandler(
		a.Schedules, a.Domain, a.Vectors, a.VectorIndex, a.Embedder,
		a.Events, engine, config.Embedding.Fields, logger,
	)

	a.Pool = pool.NewPool(config, a.Bus, a.Tenants,
		extractionHandler, transformHandler, embeddingHandler, logger)

	a.Scheduler = scheduler.NewService(config, a.Tenants, a.Schedules, a.Raw,
		engine, a.Events, a.Bus, logger)

	a.JobHandler = handlers.NewJobHandler(a.Scheduler, engine, a.Schedules, logger)
	a.RawHandler = handlers.NewRawHandler(a.Raw, a.Schedules, a.Bus, logger)
	a.WorkerHandler = handlers.NewWorkerHandler(a.Pool)
	a.WSHandler = handlers.NewWebSocketHandler(a.Events, config, logger)

	return a, nil
}

func (a *App) initStorage(config *common.Config, logger arbor.ILogger) error {
	if config.Database.URLRW != "" {
		db, err := postgres.Open(config.Database, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.db = db
		a.Tenants = postgres.NewTenantStore(db)
		a.Schedules = postgres.NewScheduleStore(db)
		a.Raw = postgres.NewRawStore(db)
		a.Domain = postgres.NewDomainStore(db)
		a.Vectors = postgres.NewVectorStore(db)
		a.Checkpoints = postgres.NewCheckpointStore(db)
	} else {
		logger.Warn().Msg("No database configured, using in-memory storage")
		a.Tenants = memory.NewTenantStore()
		a.Schedules = memory.NewScheduleStore()
		a.Raw = memory.NewRawStore()
		a.Domain = memory.NewDomainStore()
		a.Vectors = memory.NewVectorStore()
		a.Checkpoints = memory.NewCheckpointStore()
	}

	if config.Storage.BadgerPath != "" {
		credentials, err := badgerstore.NewCredentialStore(config.Storage.BadgerPath, logger)
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		a.Credentials = credentials
	} else {
		a.Credentials = memory.NewCredentialStore()
	}
	return nil
}

func (a *App) initTransport(config *common.Config, logger arbor.ILogger) error {
	a.Events = events.NewService(logger)

	if config.Bus.URL != "" {
		rabbit, err := bus.NewRabbitBus(config.Bus.URL, config.Bus.RetryLimit, logger)
		if err != nil {
			return fmt.Errorf("connect message bus: %w", err)
		}
		a.Bus = rabbit
	} else {
		logger.Warn().Msg("No bus configured, using in-process queues")
		a.Bus = bus.NewMemoryBus(config.Bus.RetryLimit, logger)
	}

	if config.VectorStore.URL != "" {
		index, err := vectorindex.NewRedisIndex(config.VectorStore.URL, "", 0, logger)
		if err != nil {
			return fmt.Errorf("connect vector store: %w", err)
		}
		a.VectorIndex = index
	} else {
		logger.Warn().Msg("No vector store configured, using in-memory index")
		a.VectorIndex = vectorindex.NewMemoryIndex()
	}
	return nil
}

func (a *App) initEmbedding(ctx context.Context, config *common.Config, logger arbor.ILogger) error {
	if config.Embedding.Offline || config.Embedding.APIKey == "" {
		logger.Info().
			Str("model", config.Embedding.Model).
			Int("dimensions", config.Embedding.Dimensions).
			Msg("Using offline embedder")
		a.Embedder = embedder.NewOfflineClient(config.Embedding.Model, config.Embedding.Dimensions)
		return nil
	}

	client, err := embedder.NewGeminiClient(ctx, config.Embedding, logger)
	if err != nil {
		return fmt.Errorf("build embedding client: %w", err)
	}
	a.Embedder = client
	return nil
}

func (a *App) initProviders() {
	a.Registry = providers.NewRegistry()
	for _, e := range jira.NewExtractors() {
		a.Registry.RegisterExtractor(e)
	}
	for _, t := range jira.NewTransformers() {
		a.Registry.RegisterTransformer(t)
	}
	for _, e := range github.NewExtractors() {
		a.Registry.RegisterExtractor(e)
	}
	for _, t := range github.NewTransformers() {
		a.Registry.RegisterTransformer(t)
	}
}

// Start brings up the worker pool and the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.Pool.StartAll(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// Shutdown stops intake first, then waits out in-flight work up to the
// configured timeout.
func (a *App) Shutdown() {
	if a.Scheduler != nil && a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}

	timeout := time.Duration(a.Config.Scheduler.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.Pool != nil {
			_ = a.Pool.StopAll()
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.Logger.Warn().Msg("Worker pool shutdown timed out, forcing exit")
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}
	a.Close()
}

// Close releases held resources. Safe to call on a partially built app.
func (a *App) Close() {
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.VectorIndex != nil {
		_ = a.VectorIndex.Close()
	}
	if a.Credentials != nil {
		_ = a.Credentials.Close()
	}
	if a.Events != nil {
		_ = a.Events.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
