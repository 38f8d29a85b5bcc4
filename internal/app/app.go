// Package app builds the catalog's long-lived services from configuration
// and owns their shutdown. Commands receive an *App through the command
// context.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/culture-catalog/internal/api"
	"github.com/JakeFAU/culture-catalog/internal/archive"
	"github.com/JakeFAU/culture-catalog/internal/catalog"
	"github.com/JakeFAU/culture-catalog/internal/clock/system"
	"github.com/JakeFAU/culture-catalog/internal/config"
	"github.com/JakeFAU/culture-catalog/internal/extsearch"
	"github.com/JakeFAU/culture-catalog/internal/fetcher"
	collyfetcher "github.com/JakeFAU/culture-catalog/internal/fetcher/colly"
	"github.com/JakeFAU/culture-catalog/internal/fetcher/detector"
	"github.com/JakeFAU/culture-catalog/internal/fetcher/headless"
	"github.com/JakeFAU/culture-catalog/internal/hash/sha256"
	"github.com/JakeFAU/culture-catalog/internal/id/uuid"
	"github.com/JakeFAU/culture-catalog/internal/index"
	memoryindex "github.com/JakeFAU/culture-catalog/internal/index/memory"
	sqliteindex "github.com/JakeFAU/culture-catalog/internal/index/sqlite"
	"github.com/JakeFAU/culture-catalog/internal/ingest"
	"github.com/JakeFAU/culture-catalog/internal/jobs"
	"github.com/JakeFAU/culture-catalog/internal/policy/ratelimit"
	"github.com/JakeFAU/culture-catalog/internal/publisher"
	memorypublisher "github.com/JakeFAU/culture-catalog/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/culture-catalog/internal/publisher/pubsub"
	"github.com/JakeFAU/culture-catalog/internal/queue"
	badgerqueue "github.com/JakeFAU/culture-catalog/internal/queue/badger"
	memoryqueue "github.com/JakeFAU/culture-catalog/internal/queue/memory"
	"github.com/JakeFAU/culture-catalog/internal/resolver"
	"github.com/JakeFAU/culture-catalog/internal/sites"
	"github.com/JakeFAU/culture-catalog/internal/storage/gcs"
	"github.com/JakeFAU/culture-catalog/internal/storage/local"
	memorystorage "github.com/JakeFAU/culture-catalog/internal/storage/memory"
	"github.com/JakeFAU/culture-catalog/internal/storage/postgres"
	"github.com/JakeFAU/culture-catalog/internal/supervisor"
	"github.com/JakeFAU/culture-catalog/internal/telemetry"
)

// Version is stamped into traces.
var Version = "dev"

// notifiable stores accept a post-commit change receiver.
type notifiable interface {
	SetNotifier(catalog.Notifier)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App holds all the shared, long-lived services of the catalog.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     catalog.Clock
	IDs       catalog.IDGenerator
	Registry  *sites.Registry
	Fetcher   *fetcher.Fetcher
	Store     catalog.Store
	Ledger    catalog.RunLedger
	Resolver  *resolver.Resolver
	Index     *index.Synchronizer
	Queue     queue.Queue
	Ingest    *ingest.Pipeline
	External  *extsearch.Service
	Jobs      *jobs.Runner
	Publisher publisher.Publisher

	closers []func() error
}

// New builds every service described by cfg. On error, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Clock:    system.New(),
		IDs:      uuid.New(),
		Registry: sites.Default(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	logger.Info("initializing catalog services",
		zap.String("store", cfg.Store.Driver),
		zap.String("index", cfg.Index.Backend),
		zap.String("queue", cfg.Index.Queue),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, Version)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.onClose(func() error { return tp.Shutdown(context.Background()) })
	}

	if err := a.buildFetcher(); err != nil {
		return nil, err
	}
	if err := a.buildStore(ctx); err != nil {
		return nil, err
	}
	policy, err := catalog.ParseMergePolicy(cfg.Resolver.MergePolicy)
	if err != nil {
		return nil, err
	}
	a.Resolver = resolver.New(a.Store, a.IDs, a.Registry, resolver.Config{
		Policy:      policy,
		MaxAttempts: cfg.Resolver.MaxAttempts,
	}, logger.Named("resolver"))

	if err := a.buildIndex(ctx); err != nil {
		return nil, err
	}
	if err := a.buildPublisher(ctx); err != nil {
		return nil, err
	}
	a.wireNotifications()

	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		return nil, err
	}
	a.Ingest = ingest.New(a.Registry, a.Fetcher, a.Resolver, archiver, logger)
	a.External = extsearch.New(a.Registry, a.Fetcher, a.Clock, extsearch.Config{
		Timeout:         cfg.ExtSearch.Timeout,
		CacheTTL:        cfg.ExtSearch.CacheTTL,
		PageSize:        cfg.ExtSearch.PageSize,
		Concurrency:     cfg.ExtSearch.Concurrency,
		MaxCacheEntries: cfg.ExtSearch.MaxCacheEntries,
	}, logger)
	a.Jobs = jobs.NewRunner(a.Store, a.Resolver, a.Ledger, jobs.NewGuard(cfg.Jobs.LockDir), a.IDs, a.Clock, jobs.Config{
		BatchSize: cfg.Jobs.BatchSize,
		Retention: cfg.Jobs.Retention,
	}, logger.Named("jobs"))

	logger.Info("catalog services initialized")
	return a, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) buildFetcher() error {
	cfg := a.Config.Fetcher
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: cfg.RespectRobots,
		Timeout:       cfg.Timeout,
		MaxBodySize:   cfg.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RPS,
		DefaultBurst: cfg.Burst,
		Sites:        cfg.Sites,
	})

	var opts []fetcher.Option
	if hc := a.Config.Headless; hc.Enabled {
		renderer, err := headless.NewChrome(headless.Config{
			MaxParallel:       hc.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: hc.NavTimeout,
			SettleDelay:       hc.SettleDelay,
		})
		if err != nil {
			return fmt.Errorf("init headless renderer: %w", err)
		}
		a.onClose(func() error { renderer.Close(); return nil })
		opts = append(opts, fetcher.WithRenderer(renderer))
		if hc.Promote {
			opts = append(opts, fetcher.WithPromoter(detector.NewHeuristic(hc.PromotionThreshold)))
		}
	} else {
		opts = append(opts, fetcher.WithRenderer(headless.NewNoop()))
	}

	a.Fetcher = fetcher.New(fetcher.Config{
		Timeout:     cfg.Timeout,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffInitial,
		MaxDelay:    cfg.BackoffMax,
		Breaker: fetcher.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			Window:              cfg.Breaker.Window,
			Cooldown:            cfg.Breaker.Cooldown,
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		},
	}, plain, limiter, a.Logger, opts...)
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "postgres":
		a.Logger.Info("connecting to postgres", zap.String("schema", cfg.Schema))
		store, err := postgres.NewCatalogStore(ctx, postgres.Config{
			DSN:             cfg.DSN,
			Schema:          cfg.Schema,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		}, a.Clock)
		if err != nil {
			return fmt.Errorf("init catalog store: %w", err)
		}
		a.onClose(func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		ledger := store.JobStore()
		if err := ledger.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store, a.Ledger = store, ledger
	case "memory", "":
		a.Logger.Info("using in-memory catalog store; data is lost on exit")
		store := memorystorage.NewCatalogStore(a.Clock)
		a.onClose(func() error { store.Close(); return nil })
		a.Store, a.Ledger = store, memorystorage.NewJobStore()
	default:
		return fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
	return nil
}

func (a *App) buildIndex(ctx context.Context) error {
	cfg := a.Config.Index
	var backend index.Backend
	switch cfg.Backend {
	case "sqlite":
		b, err := sqliteindex.Open(ctx, cfg.Path)
		if err != nil {
			return fmt.Errorf("init search index: %w", err)
		}
		backend = b
	case "memory", "":
		backend = memoryindex.NewBackend()
	default:
		return fmt.Errorf("unknown index backend: %s", cfg.Backend)
	}
	a.onClose(backend.Close)

	switch cfg.Queue {
	case "badger":
		q, err := badgerqueue.Open(badgerqueue.Config{Path: cfg.QueuePath})
		if err != nil {
			return fmt.Errorf("init index queue: %w", err)
		}
		a.Queue = q
	case "memory", "":
		a.Queue = memoryqueue.NewQueue(cfg.QueueCapacity)
	default:
		return fmt.Errorf("unknown index queue: %s", cfg.Queue)
	}
	a.onClose(a.Queue.Close)

	a.Index = index.NewSynchronizer(backend, a.Queue, a.Store, a.Resolver, index.Config{
		Workers: cfg.Workers,
	}, a.Logger.Named("index"))
	return nil
}

func (a *App) buildPublisher(ctx context.Context) error {
	cfg := a.Config.Publisher
	switch cfg.Driver {
	case "pubsub":
		a.Logger.Info("connecting to pubsub", zap.String("topic", cfg.Topic))
		p, err := pubsubpublisher.Dial(ctx, cfg.ProjectID, cfg.Topic, cfg.Ordered)
		if err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
		a.onClose(p.Close)
		a.Publisher = p
	case "memory":
		a.Publisher = memorypublisher.New()
	case "none", "":
	default:
		return fmt.Errorf("unknown publisher driver: %s", cfg.Driver)
	}
	return nil
}

// wireNotifications routes committed changes to the index and, when
// configured, the change publisher.
func (a *App) wireNotifications() {
	fan := catalog.Notifiers{a.Index}
	if a.Publisher != nil {
		fan = append(fan, publisher.NewChangeNotifier(a.Publisher, a.Config.Publisher.Topic, a.Config.Publisher.Timeout, a.Logger))
	}
	if s, ok := a.Store.(notifiable); ok {
		s.SetNotifier(fan)
	}
}

func (a *App) buildArchiver(ctx context.Context) (*archive.Archiver, error) {
	cfg := a.Config.Archive
	var blobs archive.BlobStore
	switch cfg.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.onClose(client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		blobs = store
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		blobs = store
	case "memory":
		blobs = memorystorage.NewBlobStore()
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive driver: %s", cfg.Driver)
	}
	return archive.New(blobs, sha256.New(), cfg.Prefix), nil
}

// Ready reports whether the store and the search index answer.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.Store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if _, err := a.Index.Info(ctx); err != nil {
		return err
	}
	return nil
}

// API builds the HTTP server over the app's services.
func (a *App) API() *api.Server {
	apiKey := ""
	if a.Config.Auth.Enabled {
		apiKey = a.Config.Auth.APIKey
	}
	return api.NewServer(api.Deps{
		Store:    a.Store,
		Sites:    a.Registry,
		Ingester: a.Ingest,
		Index:    a.Index,
		External: a.External,
		Ledger:   a.Ledger,
		Ready:    a.Ready,
	}, api.Options{
		APIKey:         apiKey,
		RequestTimeout: a.Config.Server.RequestTimeout,
		SearchPageSize: a.Config.Server.SearchPageSize,
	}, a.Logger.Named("api"))
}

// Serve runs the API and the index workers under a supervisor until ctx is
// canceled.
func (a *App) Serve(ctx context.Context) error {
	tree := supervisor.NewTree(a.Logger, supervisor.TreeConfig{
		ShutdownTimeout: a.Config.Server.ShutdownTimeout,
	})
	tree.AddIndexService(supervisor.NewRunnerService("index-workers", a.Index.Run))

	server := &http.Server{
		Addr:              a.Config.Addr(),
		Handler:           a.API().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, a.Config.Server.ShutdownTimeout))

	a.Logger.Info("serving", zap.String("addr", server.Addr))
	err := tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
