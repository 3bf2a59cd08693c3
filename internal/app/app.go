package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/imagetag/internal/config"
	"github.com/mx-space/imagetag/internal/database"
	"github.com/mx-space/imagetag/internal/middleware"
	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/modules/generation"
	"github.com/mx-space/imagetag/internal/modules/processing/ai"
	"github.com/mx-space/imagetag/internal/modules/processing/orchestrator"
	"github.com/mx-space/imagetag/internal/modules/taglib"
	"github.com/mx-space/imagetag/internal/pkg/batchstore"
	pkgcron "github.com/mx-space/imagetag/internal/pkg/cron"
	"github.com/mx-space/imagetag/internal/pkg/fetch"
	"github.com/mx-space/imagetag/internal/pkg/imageprep"
	"github.com/mx-space/imagetag/internal/pkg/metrics"
	"github.com/mx-space/imagetag/internal/pkg/nativelog"
	pkgredis "github.com/mx-space/imagetag/internal/pkg/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const indexCacheSize = 8

// App holds all application dependencies.
type App struct {
	logger   *zap.Logger
	router   *gin.Engine
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	normalizer *taglib.Normalizer
	httpClient *http.Client
	loader     *fetch.Loader
	library    *generation.Library
	redis      *pkgredis.Client
	db         *gorm.DB
	single     *generation.Controller
	batch      *generation.BatchController
	handler    *generation.Handler
	sched      *pkgcron.Scheduler
	cancel     context.CancelFunc

	mu  sync.RWMutex
	cfg *config.AppConfig
}

// New initializes the application: stores → providers → controllers →
// routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	a := &App{
		logger:     logger,
		registry:   registry,
		metrics:    m,
		normalizer: taglib.NewNormalizer(taglib.NewCache(indexCacheSize), logger),
		httpClient: &http.Client{},
		cfg:        cfg,
	}

	store, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}

	a.loader = fetch.NewLoader(fetch.Options{S3: cfg.S3, HTTPClient: a.httpClient})
	a.library = generation.NewLibrary(a.loader, cfg.TagLibrary.Path)
	imageOpts := imageOptions(cfg)

	rt := a.buildRuntime(cfg)
	a.single = generation.NewController(rt.Orchestrator, generation.Options{
		Loader:  a.loader,
		Library: a.library,
		Image:   imageOpts,
		Logger:  logger,
		Metrics: m,
		OnSuccess: func(s generation.Snapshot) {
			logger.Info("generation succeeded",
				zap.Uint64("run", s.RunID),
				zap.String("served_by", string(s.ServedBy)),
				zap.Int("tags", len(s.Result.Tags)),
			)
		},
	})
	a.batch = generation.NewBatchController(rt.Orchestrator, generation.BatchOptions{
		Loader:  a.loader,
		Library: a.library,
		Store:   store,
		Image:   imageOpts,
		Logger:  logger,
		Metrics: m,
		OnReport: func(r models.BatchReport) {
			logger.Info("batch report",
				zap.Int("total", r.Total),
				zap.Int("completed", r.Completed),
				zap.Int("failed", r.Failed),
				zap.Int("skipped", r.Skipped),
			)
		},
	})
	if err := a.batch.Restore(context.Background()); err != nil {
		logger.Warn("restore batch failed", zap.Error(err))
	}
	a.handler = generation.NewHandler(a.single, a.batch, a.loader, imageOpts, rt, logger)

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.sched = pkgcron.New(logger)
	registerJobs(a.sched, a, cfg)
	a.sched.Start(ctx)

	a.router = a.buildRouter(cfg)
	return a, nil
}

// openStore connects Redis and MySQL when configured. Batch items go to
// MySQL first, then Redis, then memory.
func (a *App) openStore(cfg *config.AppConfig) (batchstore.Store, error) {
	if cfg.RedisURL != "" {
		rc, err := pkgredis.Connect(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.redis = rc
	}
	if cfg.DatabaseDSN != "" {
		db, err := database.Connect(cfg.DatabaseDSN, !cfg.IsProduction(), a.logger)
		if err != nil {
			a.closeRedis()
			return nil, err
		}
		a.db = db
		return batchstore.NewSQLStore(db), nil
	}
	if a.redis != nil {
		return batchstore.NewRedisStore(a.redis), nil
	}
	a.logger.Info("no redis_url or database_dsn, batch items are kept in memory")
	return batchstore.NewMemoryStore(), nil
}

func (a *App) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("close redis", zap.Error(err))
	}
}

func (a *App) redisRaw() *redis.Client {
	if a.redis == nil {
		return nil
	}
	return a.redis.Raw()
}

// buildRuntime creates the orchestrator and prober for one config snapshot.
func (a *App) buildRuntime(cfg *config.AppConfig) generation.Runtime {
	deps := ai.Deps{
		Normalizer: a.normalizer,
		Retry:      cfg.AI.RetryPolicy(),
		Logger:     a.logger,
		Metrics:    a.metrics,
		HTTPClient: a.httpClient,
	}
	factory := func(ep models.ProviderEndpointConfig) (ai.Provider, error) {
		a.logger.Info("building provider",
			zap.String("provider", string(ep.Identity)),
			zap.String("model", ep.Model),
			zap.String("api_key", nativelog.MaskSecret(ep.APIKey)),
		)
		return ai.NewProvider(ep, deps)
	}
	return generation.Runtime{
		Orchestrator: orchestrator.New(cfg.AI, factory, a.logger, a.metrics),
		Prober:       ai.NewProber(deps, cfg.AI.ProbeTimeout()),
		Settings:     cfg.Generation.Settings(),
	}
}

func imageOptions(cfg *config.AppConfig) imageprep.Options {
	return imageprep.Options{MaxDimension: cfg.Image.MaxDimension, Quality: cfg.Image.JPEGQuality}
}

// Reload re-reads the config file and swaps a freshly built orchestrator
// into both controllers. Listener, store and CORS settings need a restart.
func (a *App) Reload(ctx context.Context) (*config.AppConfig, error) {
	current := a.Config()
	if current.Path == "" {
		return nil, errors.New("config was not loaded from a file")
	}
	next, err := config.Load(current.Path)
	if err != nil {
		return nil, err
	}

	a.library.SetRef(next.TagLibrary.Path)
	a.handler.Apply(a.buildRuntime(next))

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()

	if next.Port != current.Port || next.RedisURL != current.RedisURL || next.DatabaseDSN != current.DatabaseDSN {
		a.logger.Warn("port, redis_url and database_dsn changes take effect after a restart")
	}
	a.logger.Info("configuration reloaded",
		zap.String("provider", string(next.AI.Provider)),
		zap.Bool("failover", next.AI.Failover.Enabled),
	)
	if _, err := a.library.Text(ctx); err != nil {
		a.logger.Warn("tag library unavailable after reload", zap.Error(err))
	}
	return next, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.AppConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.Config().Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background work and closes connections.
func (a *App) Shutdown() {
	a.batch.Stop()
	a.single.Stop()
	a.cancel()
	a.sched.Wait()
	a.closeRedis()
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
}

func (a *App) buildRouter(cfg *config.AppConfig) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(corsMiddleware(cfg))

	a.registerRoutes(router)
	return router
}

var processStart = time.Now()
