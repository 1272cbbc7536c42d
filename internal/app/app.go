package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/config"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/database"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/dispatch"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/embedding"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/guard"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/metrics"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/progress"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/scheduler"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/source"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/storage"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/task"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/worker"
)

// ErrNoTriggerBus is returned by operations that need redis when none is configured
var ErrNoTriggerBus = errors.New("redis is not configured")

// App wires the task store, the adapters and the trigger bus together
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      task.Store
	adapters   *scheduler.Registry
	guard      *guard.Registry
	metrics    *metrics.Collector
	supervisor *scheduler.Supervisor
	redis      *redis.Client
	publisher  *dispatch.Publisher
	closers    []io.Closer
}

// components are the externally backed parts of the graph
type components struct {
	store    task.Store
	adapters *scheduler.Registry
	redis    *redis.Client
	closers  []io.Closer
}

// New connects to every configured backend and builds the application
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	var c components
	fail := func(err error) (*App, error) {
		closeAll(logger, c.closers)
		return nil, err
	}

	targetDB, err := database.NewPostgresConnection(ctx, cfg.Target)
	if err != nil {
		return fail(fmt.Errorf("failed to connect to target database: %w", err))
	}
	c.closers = append(c.closers, targetDB)

	switch cfg.TaskStore.Driver {
	case config.DriverPostgres:
		pg := task.NewPostgresStore(targetDB)
		if err := pg.Migrate(ctx); err != nil {
			return fail(fmt.Errorf("failed to migrate task store: %w", err))
		}
		c.store = pg
	default:
		sqlite, err := task.NewSQLiteStore(cfg.TaskStore.Path)
		if err != nil {
			return fail(fmt.Errorf("failed to create task store: %w", err))
		}
		c.store = sqlite
		c.closers = append(c.closers, sqlite)
	}

	var sourceDB *sqlx.DB
	if cfg.Source.DSN != "" {
		sourceDB, err = database.NewPostgresConnection(ctx, cfg.Source)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to source database: %w", err))
		}
		c.closers = append(c.closers, sourceDB)
	}

	var embedder source.Embedder
	if cfg.Embedding.Enabled() {
		e, err := embedding.New(cfg.Embedding, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create embedder: %w", err))
		}
		embedder = e
	}

	var objects storage.Client
	if cfg.Storage.Enabled() {
		client, err := storage.NewMinIOClient(cfg.Storage)
		if err != nil {
			return fail(fmt.Errorf("failed to create storage client: %w", err))
		}
		if err := client.EnsureBucket(ctx, cfg.Storage.Bucket); err != nil {
			return fail(fmt.Errorf("failed to prepare bucket %s: %w", cfg.Storage.Bucket, err))
		}
		objects = client
	}

	c.adapters = buildAdapters(cfg, logger, sourceDB, targetDB, embedder, objects)

	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, c.redis)
	}

	return assemble(cfg, logger, c), nil
}

// buildAdapters registers an adapter for every task type whose backends are configured
func buildAdapters(
	cfg *config.Config,
	logger *zap.Logger,
	sourceDB, targetDB *sqlx.DB,
	embedder source.Embedder,
	objects storage.Client,
) *scheduler.Registry {
	registry := scheduler.NewRegistry()
	repo := canonical.NewRepository(targetDB)

	if sourceDB != nil {
		src := source.NewDB(sourceDB)
		mappers := map[task.Type]source.Mapper{
			task.TypeFenbiSync:    source.FenbiMapper{},
			task.TypeHuatuSync:    source.HuatuMapper{},
			task.TypeOffcnSync:    source.OffcnMapper{},
			task.TypeChinaGwySync: source.ChinagwyMapper{},
		}
		for ty, mapper := range mappers {
			registry.Register(ty, source.NewPaperAdapter(src, repo, embedder, mapper, logger))
		}
	}

	if objects != nil {
		fetcher := storage.NewHTTPFetcher(nil, cfg.Storage, logger)
		registry.Register(task.TypeAssetsSave, storage.NewAssetAdapter(repo, objects, fetcher, cfg.Storage, logger))
	}

	for _, ty := range task.Types() {
		if !registry.Has(ty) {
			logger.Info("No adapter configured", zap.String("task_type", ty.String()))
		}
	}
	return registry
}

func assemble(cfg *config.Config, logger *zap.Logger, c components) *App {
	collector := metrics.New()
	engine := scheduler.NewEngine(c.store, scheduler.Options{
		Window:          cfg.Sync.Window,
		CheckpointEvery: cfg.Sync.CheckpointEvery,
	}, logger, collector)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		store:      c.store,
		adapters:   c.adapters,
		guard:      guard.NewRegistry(),
		metrics:    collector,
		supervisor: scheduler.NewSupervisor(c.store, engine, c.adapters, logger, collector),
		redis:      c.redis,
		closers:    c.closers,
	}
	if c.redis != nil {
		a.publisher = dispatch.NewPublisher(c.redis, cfg.Redis.Channel)
	}
	return a
}

// Serve listens for triggers and runs admitted tasks until ctx is cancelled.
// Rows left active by a previous process are admitted before listening.
func (a *App) Serve(ctx context.Context) error {
	if a.redis == nil {
		return ErrNoTriggerBus
	}

	a.logger.Info("Starting sync service",
		zap.String("channel", a.cfg.Redis.Channel),
		zap.Int("concurrency", a.cfg.Sync.Concurrency),
		zap.Int("window", a.cfg.Sync.Window),
	)

	if a.cfg.Metrics.Enabled {
		go func() {
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Addr); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	queue := make(chan worker.Trigger, a.cfg.Sync.QueueSize)
	listener := dispatch.NewListener(a.redis, a.cfg.Redis.Channel, a.guard, queue, a.metrics, a.logger)
	pool := worker.NewPool(a.cfg.Sync.Concurrency, a.supervisor, a.guard, a.metrics, a.logger)

	var wg sync.WaitGroup
	pool.Start(ctx, queue, &wg)

	if err := a.resume(ctx, listener); err != nil {
		a.logger.Error("Failed to resume active tasks", zap.Error(err))
	}

	err := listener.Run(ctx)

	a.logger.Info("Waiting for running tasks to stop...")
	wg.Wait()
	a.logger.Info("Sync service stopped")
	return err
}

// resume admits every stored row that is still active
func (a *App) resume(ctx context.Context, listener *dispatch.Listener) error {
	rows, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, t := range rows {
		if !t.Active {
			continue
		}
		a.logger.Info("Resuming active task",
			zap.String("task_type", t.Type.String()),
			zap.Int64("version", t.Version),
			zap.Bool("has_checkpoint", t.HasCheckpoint()))
		listener.Admit(ctx, t)
	}
	return nil
}

// RunOnce activates ty and runs it in the foreground until it finishes
func (a *App) RunOnce(ctx context.Context, ty task.Type, reset bool) (*task.Task, error) {
	if !a.adapters.Has(ty) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrNoAdapter, ty)
	}
	if !a.guard.RegisterIfNotRunning(ty) {
		return nil, fmt.Errorf("task %s is already running", ty)
	}
	defer a.guard.Release(ty)

	if _, err := a.activate(ctx, ty, reset); err != nil {
		return nil, err
	}

	var display *progress.Display
	if a.cfg.Sync.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(ty.Description(), a.metrics.Tracker(ty), 2*time.Second)
		display.Start()
	} else {
		a.logger.Info("Progress display disabled")
	}

	err := a.supervisor.Execute(ctx, ty)
	if display != nil {
		display.Stop()
	}

	// the row outlives a cancelled ctx
	final, getErr := a.store.Get(context.WithoutCancel(ctx), ty)
	if err != nil {
		return final, err
	}
	return final, getErr
}

// Close releases every backend connection
func (a *App) Close() error {
	return closeAll(a.logger, a.closers)
}

func closeAll(logger *zap.Logger, closers []io.Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error("Failed to close resource", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
