// Package app builds the long-lived services from configuration, acting as a
// dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-enrichment/internal/api"
	"github.com/JakeFAU/venue-enrichment/internal/cache"
	"github.com/JakeFAU/venue-enrichment/internal/cache/snapshot/file"
	"github.com/JakeFAU/venue-enrichment/internal/cache/snapshot/gcs"
	redissnap "github.com/JakeFAU/venue-enrichment/internal/cache/snapshot/redis"
	"github.com/JakeFAU/venue-enrichment/internal/clock/system"
	"github.com/JakeFAU/venue-enrichment/internal/config"
	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/hash/sha256"
	"github.com/JakeFAU/venue-enrichment/internal/id/uuid"
	"github.com/JakeFAU/venue-enrichment/internal/logging"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
	memorynotify "github.com/JakeFAU/venue-enrichment/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/venue-enrichment/internal/notify/pubsub"
	"github.com/JakeFAU/venue-enrichment/internal/pipeline"
	"github.com/JakeFAU/venue-enrichment/internal/pool"
	"github.com/JakeFAU/venue-enrichment/internal/progress"
	"github.com/JakeFAU/venue-enrichment/internal/ratelimit"
	"github.com/JakeFAU/venue-enrichment/internal/scheduler"
	"github.com/JakeFAU/venue-enrichment/internal/source/headless"
	"github.com/JakeFAU/venue-enrichment/internal/source/places"
	"github.com/JakeFAU/venue-enrichment/internal/source/website"
	"github.com/JakeFAU/venue-enrichment/internal/store"
	memorystore "github.com/JakeFAU/venue-enrichment/internal/store/memory"
	"github.com/JakeFAU/venue-enrichment/internal/store/postgres"
	"github.com/JakeFAU/venue-enrichment/internal/watchdog"
)

const closeTimeout = 30 * time.Second

// App holds the shared services for one process. It is built once at startup
// and closed when the command finishes.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     store.Store
	Cache     *cache.Cache
	Limits    *ratelimit.Registry
	Pool      *pool.Pool
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler
	Watchdog  *watchdog.Watchdog
	Notifier  enrich.Notifier

	closers []func(context.Context) error
}

// Option customizes App construction.
type Option func(*buildOptions)

type buildOptions struct {
	progress progress.Callback
}

// WithProgressCallback installs a scheduler progress callback.
func WithProgressCallback(cb progress.Callback) Option {
	return func(o *buildOptions) {
		o.progress = cb
	}
}

// New builds every service described by cfg. It fails fast: any service that
// cannot be initialized aborts construction and releases what was built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, bo); err != nil {
		a.Close(ctx)
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("cache", cacheBackend(cfg.Cache)),
		zap.String("notify", cfg.Notify.Backend),
		zap.Strings("sources", a.Pipeline.SourceNames()),
	)
	return a, nil
}

func (a *App) build(ctx context.Context, bo buildOptions) error {
	cfg, logger := a.Config, a.Logger
	var err error
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	if a.Store, err = a.buildStore(ctx, clock, ids); err != nil {
		return err
	}
	if a.Notifier, err = a.buildNotifier(ctx); err != nil {
		return err
	}
	if cfg.Cache.Enabled {
		if a.Cache, err = a.buildCache(ctx); err != nil {
			return err
		}
	}
	a.Limits = ratelimit.NewRegistry(
		limiterConfig(cfg.RateLimit.Default),
		limiterOverrides(cfg.RateLimit),
		ratelimit.WithLogger(logging.Component(logger, "ratelimit")),
	)

	pcfg, err := a.buildSources()
	if err != nil {
		return err
	}
	pipeOpts := []pipeline.Option{
		pipeline.WithLimiter(a.Limits),
		pipeline.WithClock(clock),
		pipeline.WithLogger(logging.Component(logger, "pipeline")),
	}
	if a.Cache != nil {
		pipeOpts = append(pipeOpts, pipeline.WithCache(a.Cache))
	}
	if a.Pool != nil {
		pipeOpts = append(pipeOpts, pipeline.WithPool(a.Pool))
	}
	if a.Pipeline, err = pipeline.New(pcfg, pipeOpts...); err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	schedOpts := scheduler.Options{
		BatchSize:            cfg.Scheduler.BatchSize,
		MaxConcurrentBatches: cfg.Scheduler.MaxConcurrentBatches,
		ItemConcurrency:      cfg.Scheduler.ItemConcurrency,
	}
	if cfg.Scheduler.BrowserHeavy {
		schedOpts = scheduler.ProfileFor(true)
	}
	schedOpts.ProgressCallback = bo.progress
	schedOpts.Notifier = a.Notifier
	a.Scheduler, err = scheduler.New(a.Store, a.Pipeline, schedOpts,
		scheduler.WithClock(clock),
		scheduler.WithLogger(logging.Component(logger, "scheduler")),
	)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	a.Watchdog = watchdog.New(a.Store, watchdog.Config{
		InactivityThreshold: cfg.Watchdog.Inactivity(),
		Interval:            cfg.Watchdog.Interval(),
	},
		watchdog.WithClock(clock),
		watchdog.WithLogger(logging.Component(logger, "watchdog")),
		watchdog.WithNotifier(a.Notifier),
	)

	return nil
}

func (a *App) buildStore(ctx context.Context, clock enrich.Clock, ids enrich.IDGenerator) (store.Store, error) {
	switch a.Config.Store.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:      a.Config.Store.DSN,
			MaxConns: a.Config.Store.MaxConns,
			MinConns: a.Config.Store.MinConns,
		}, clock, ids)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.onClose(func(context.Context) error {
			pg.Close()
			return nil
		})
		if a.Config.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate postgres store: %w", err)
			}
		}
		return pg, nil
	default:
		a.Logger.Warn("using in-memory store; sessions do not survive restarts")
		return memorystore.New(clock, ids), nil
	}
}

func (a *App) buildNotifier(ctx context.Context) (enrich.Notifier, error) {
	switch a.Config.Notify.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.Config.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		n := pubsubnotify.New(client.Topic(a.Config.Notify.Topic))
		a.onClose(func(context.Context) error {
			n.Stop()
			if err := client.Close(); err != nil {
				return fmt.Errorf("close pubsub client: %w", err)
			}
			return nil
		})
		return n, nil
	case "memory":
		return memorynotify.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) buildCache(ctx context.Context) (*cache.Cache, error) {
	cc := a.Config.Cache
	var snap cache.Snapshotter
	switch cc.Backend {
	case "file":
		s, err := file.New(file.Config{Path: cc.Path})
		if err != nil {
			return nil, fmt.Errorf("init file snapshot: %w", err)
		}
		snap = s
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func(context.Context) error {
			if err := client.Close(); err != nil {
				return fmt.Errorf("close gcs client: %w", err)
			}
			return nil
		})
		s, err := gcs.New(client, gcs.Config{Bucket: cc.Bucket, Object: cc.Object})
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshot: %w", err)
		}
		snap = s
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cc.RedisAddr,
			Password: cc.RedisPassword,
			DB:       cc.RedisDB,
		})
		a.onClose(func(context.Context) error {
			if err := client.Close(); err != nil {
				return fmt.Errorf("close redis client: %w", err)
			}
			return nil
		})
		s, err := redissnap.New(client, redissnap.Config{Key: cc.RedisKey})
		if err != nil {
			return nil, fmt.Errorf("init redis snapshot: %w", err)
		}
		snap = s
	}

	opts := []cache.Option{
		cache.WithLogger(logging.Component(a.Logger, "cache")),
		cache.WithHasher(sha256.New()),
	}
	if snap != nil {
		opts = append(opts, cache.WithSnapshotter(snap))
	}
	c := cache.New(cc.TTL(), opts...)
	if _, err := c.Load(ctx); err != nil {
		a.Logger.Warn("cache snapshot load failed; continuing with an empty cache", zap.Error(err))
	}
	a.onClose(func(ctx context.Context) error {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("save cache: %w", err)
		}
		return nil
	})
	return c, nil
}

func (a *App) buildSources() (pipeline.Config, error) {
	sc := a.Config.Sources
	pcfg := pipeline.Config{
		DefaultTimeout: config.Seconds(a.Config.Pipeline.DefaultTimeoutSeconds, pipeline.DefaultTimeout),
	}

	if sc.Places.Enabled {
		ad, err := places.New(places.Config{
			BaseURL: sc.Places.BaseURL,
			APIKey:  sc.Places.APIKey,
			Timeout: config.Seconds(sc.Places.TimeoutSeconds, 0),
		}, nil)
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("init places source: %w", err)
		}
		pcfg.Sources = append(pcfg.Sources, pipeline.Source{
			Adapter:   ad,
			Timeout:   config.Seconds(sc.Places.TimeoutSeconds, 0),
			Cacheable: sc.Places.Cacheable,
		})
	}

	if sc.Headless.Enabled {
		ad, err := headless.New(headless.Config{
			Name:              sc.Headless.Name,
			UserAgent:         sc.Headless.UserAgent,
			SearchURL:         sc.Headless.SearchURL,
			Selectors:         sc.Headless.Selectors,
			NavigationTimeout: config.Seconds(sc.Headless.TimeoutSeconds, 0),
		})
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("init headless source: %w", err)
		}
		a.onClose(func(context.Context) error {
			ad.Close()
			return nil
		})
		bp, err := pool.New(pool.Config{
			Workers:   a.Config.Blocking.Workers,
			QueueSize: a.Config.Blocking.QueueSize,
			Policy:    pool.Policy(a.Config.Blocking.Policy),
		}, logging.Component(a.Logger, "pool"))
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("init blocking pool: %w", err)
		}
		a.Pool = bp
		a.onClose(func(context.Context) error {
			bp.Close()
			return nil
		})
		pcfg.Sources = append(pcfg.Sources, pipeline.Source{
			Adapter:   ad,
			Timeout:   config.Seconds(sc.Headless.TimeoutSeconds, 0),
			Cacheable: sc.Headless.Cacheable,
		})
	}

	if sc.Website.Enabled && a.Config.Pipeline.Phase2Enabled {
		dependsOn := a.Config.Pipeline.Phase2DependsOn
		if !hasSource(pcfg.Sources, dependsOn) {
			a.Logger.Warn("website source disabled: phase-2 upstream is not enabled",
				zap.String("depends_on", dependsOn))
		} else {
			pcfg.Dependent = &pipeline.Dependent{
				Adapter: website.New(website.Config{
					UserAgent:    sc.Website.UserAgent,
					Timeout:      config.Seconds(sc.Website.TimeoutSeconds, 0),
					MaxBodyBytes: sc.Website.MaxBodyBytes,
				}),
				DependsOn: dependsOn,
				Resolve:   pipeline.ResolveURL(a.Config.Pipeline.Phase2Field),
				Timeout:   config.Seconds(sc.Website.TimeoutSeconds, 0),
				Cacheable: sc.Website.Cacheable,
			}
		}
	}

	if len(pcfg.Sources) == 0 {
		return pipeline.Config{}, errors.New("no sources enabled: set sources.places.enabled or sources.headless.enabled (see config.example.yaml)")
	}
	return pcfg, nil
}

func hasSource(sources []pipeline.Source, name string) bool {
	for _, s := range sources {
		if s.Adapter.Name() == name {
			return true
		}
	}
	return false
}

// Start launches background maintenance: the cache janitor and, when enabled,
// the periodic watchdog. Both stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	if a.Cache != nil {
		go a.Cache.RunJanitor(ctx, a.Config.Cache.SaveInterval())
	}
	if a.Config.Watchdog.Enabled {
		go a.Watchdog.Run(ctx, a.Config.Watchdog.Interval())
	}
}

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	deps := api.Deps{
		Store:    a.Store,
		Runner:   a.Scheduler,
		Watchdog: a.Watchdog,
		Limits:   a.Limits,
	}
	if a.Cache != nil {
		deps.Cache = a.Cache
	}
	return api.NewServer(deps, api.Options{
		APIKey:         a.Config.Server.APIKey,
		RequestTimeout: a.Config.Server.RequestTimeout(),
	}, logging.Component(a.Logger, "api"))
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases services in reverse construction order. The cache gets its
// final snapshot save here.
func (a *App) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}

func limiterConfig(lc config.LimitConfig) ratelimit.Config {
	return ratelimit.Config{
		PerSecond:            lc.PerSecond,
		PerMinute:            lc.PerMinute,
		CooldownBase:         config.Seconds(lc.CooldownBaseSeconds, 0),
		BackoffCap:           lc.BackoffCap,
		MaxCooldown:          config.Seconds(lc.MaxCooldownSeconds, 0),
		ServerErrorStep:      config.Seconds(lc.ServerErrorStepSeconds, 0),
		ServerErrorMax:       config.Seconds(lc.ServerErrorMaxSeconds, 0),
		ServerErrorThreshold: lc.ServerErrorThreshold,
		ServerDownCooldown:   config.Seconds(lc.ServerDownCooldownSeconds, 0),
	}
}

func limiterOverrides(rc config.RateLimitConfig) map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(rc.Sources))
	for name := range rc.Sources {
		out[name] = limiterConfig(rc.For(name))
	}
	return out
}

func cacheBackend(cc config.CacheConfig) string {
	if !cc.Enabled {
		return "disabled"
	}
	return cc.Backend
}
