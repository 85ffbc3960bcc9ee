// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/adapter"
	"github.com/JakeFAU/docharvest/internal/adapter/github"
	"github.com/JakeFAU/docharvest/internal/adapter/hosteddocs"
	"github.com/JakeFAU/docharvest/internal/adapter/web"
	"github.com/JakeFAU/docharvest/internal/adapter/wiki"
	"github.com/JakeFAU/docharvest/internal/api"
	"github.com/JakeFAU/docharvest/internal/archive"
	gcsarchive "github.com/JakeFAU/docharvest/internal/archive/gcs"
	localarchive "github.com/JakeFAU/docharvest/internal/archive/local"
	memoryarchive "github.com/JakeFAU/docharvest/internal/archive/memory"
	"github.com/JakeFAU/docharvest/internal/catalog"
	"github.com/JakeFAU/docharvest/internal/clock/system"
	"github.com/JakeFAU/docharvest/internal/config"
	"github.com/JakeFAU/docharvest/internal/dispatcher"
	"github.com/JakeFAU/docharvest/internal/engine"
	collyfetcher "github.com/JakeFAU/docharvest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/docharvest/internal/fetcher/headless"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/headless/detector"
	"github.com/JakeFAU/docharvest/internal/id/uuid"
	"github.com/JakeFAU/docharvest/internal/logging"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/normalize"
	"github.com/JakeFAU/docharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/docharvest/internal/progress"
	"github.com/JakeFAU/docharvest/internal/progress/sinks"
	"github.com/JakeFAU/docharvest/internal/publisher"
	memorypublisher "github.com/JakeFAU/docharvest/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/docharvest/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/docharvest/internal/queue/memory"
	"github.com/JakeFAU/docharvest/internal/scheduler"
	memorystore "github.com/JakeFAU/docharvest/internal/store/memory"
	pgstore "github.com/JakeFAU/docharvest/internal/store/postgres"
	sqlitestore "github.com/JakeFAU/docharvest/internal/store/sqlite"
	"github.com/JakeFAU/docharvest/internal/throttle"
	"github.com/JakeFAU/docharvest/internal/worker"
)

type closer struct {
	name string
	fn   func() error
}

// App holds every long-lived service of a docharvest process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock

	catalog    *catalog.Static
	adapters   *adapter.Registry
	store      harvest.SnapshotStore
	queue      *queueMemory.Queue
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	engine     *engine.Engine
	apiServer  *api.Server

	closeOnce sync.Once
	closers   []closer
}

// New builds the application's dependencies from cfg. Call Close to release
// them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("projects", len(cfg.Projects)),
		zap.String("store", cfg.Store.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
	)

	var err error
	a.catalog, err = catalog.New(cfg.Projects)
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}

	if a.store, err = a.setupStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	archiver, err := a.setupArchive(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	pub, err := a.setupPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	var notifier *publisher.Notifier
	if pub != nil {
		notifier = publisher.NewNotifier(pub, cfg.Publisher.Topic, logging.Component(logger, "publisher"))
	}
	emitter, err := a.setupProgress(ctx, pub)
	if err != nil {
		a.Close()
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimits())
	registry, err := a.setupAdapters(limiter)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.adapters = registry

	ids := uuid.New()
	harvester := worker.New(
		registry,
		normalize.New(normalize.Config{
			MaxTitleLength: cfg.Harvest.MaxTitleLength,
			Readability:    cfg.Harvest.Readability,
		}),
		a.store,
		a.clock,
		ids,
		archiver,
		notifier,
		worker.Config{
			Retry:            cfg.RetryPolicy(),
			DiscoveryTimeout: cfg.Harvest.DiscoveryTimeout,
			Deadline:         cfg.Harvest.Deadline,
		},
		logging.Component(logger, "worker"),
	)
	logger.Info("harvester configured",
		zap.Int("max_attempts", cfg.Retry.MaxAttempts),
		zap.Duration("fetch_timeout", cfg.Harvest.FetchTimeout),
		zap.Duration("document_deadline", harvester.Deadline()),
	)

	a.queue = queueMemory.NewQueue(cfg.Harvest.QueueDepth)
	a.scheduler = scheduler.New(
		a.catalog,
		a.store,
		a.queue,
		a.clock,
		ids,
		scheduler.Config{Interval: cfg.Harvest.UpdateInterval, Retain: cfg.Harvest.RetainWorkItems},
		logging.Component(logger, "scheduler"),
	)
	a.dispatcher = dispatcher.New(
		a.queue,
		throttle.New(cfg.Harvest.Concurrency, limiter),
		harvester,
		progress.NewTracker(a.scheduler, emitter),
		a.clock,
		logging.Component(logger, "dispatcher"),
	)
	a.engine = engine.New(
		a.store,
		a.scheduler,
		a.clock,
		engine.Config{TTL: cfg.Store.TTL, RefreshStale: cfg.Store.Refresh},
		logging.Component(logger, "engine"),
	)

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(
		a.engine,
		api.Options{APIKey: apiKey, RequestTimeout: cfg.Server.RequestTimeout},
		logging.Component(logger, "api"),
	)

	return a, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Engine exposes the query engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Scheduler exposes the work scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

func (a *App) setupStore(ctx context.Context) (harvest.SnapshotStore, error) {
	history := a.cfg.History()
	switch a.cfg.Store.Provider {
	case "postgres":
		a.logger.Info("using PostgreSQL snapshot store")
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.Store.Postgres.DSN,
			MaxConns:        a.cfg.Store.Postgres.MaxConns,
			MinConns:        a.cfg.Store.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Store.Postgres.MaxConnLifetime,
			Migrate:         a.cfg.Store.Postgres.Migrate,
			History:         history,
		}, a.clock, logging.Component(a.logger, "store"))
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres store", func() error { s.Close(); return nil })
		return s, nil
	case "sqlite":
		a.logger.Info("using SQLite snapshot store", zap.String("path", a.cfg.Store.SQLite.Path))
		s, err := sqlitestore.Open(sqlitestore.Config{
			Path:    a.cfg.Store.SQLite.Path,
			History: history,
		}, a.clock, logging.Component(a.logger, "store"))
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.addCloser("sqlite store", s.Close)
		return s, nil
	case "", "memory":
		a.logger.Info("using in-memory snapshot store")
		return memorystore.New(history, a.clock), nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", a.cfg.Store.Provider)
	}
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	var blobs harvest.BlobStore
	switch a.cfg.Archive.Provider {
	case "gcs":
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs client", client.Close)
		blobs, err = gcsarchive.New(client, gcsarchive.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local archive", zap.String("path", a.cfg.Archive.BaseDir))
		local, err := localarchive.New(localarchive.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
	case "memory":
		a.logger.Info("using in-memory archive")
		blobs = memoryarchive.NewBlobStore()
	case "", "none":
		a.logger.Info("body archiving disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", a.cfg.Archive.Provider)
	}
	return archive.New(blobs, a.cfg.Archive.Prefix, logging.Component(a.logger, "archive")), nil
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		p, err := pubsubpublisher.New(client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub publisher", p.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
		return p, nil
	case "memory":
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	case "", "none":
		a.logger.Info("change notifications disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", a.cfg.Publisher.Provider)
	}
}

func (a *App) setupProgress(ctx context.Context, pub harvest.Publisher) (progress.Emitter, error) {
	pc := a.cfg.Progress
	if !pc.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if pc.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(logging.Component(a.logger, "progress_log")))
		a.logger.Debug("added progress log sink")
	}
	if pc.Topic != "" && pub != nil {
		sink, err := sinks.NewPublishSink(pub, pc.Topic, logging.Component(a.logger, "progress_publish"))
		if err != nil {
			return nil, fmt.Errorf("progress publish sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
		a.logger.Debug("added progress publish sink", zap.String("topic", pc.Topic))
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}

	hub := progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         logging.Component(a.logger, "progress_hub"),
	}, sinkList...)
	a.addCloser("progress hub", func() error {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hub.Close(closeCtx)
	})
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return hub, nil
}

func (a *App) setupAdapters(limiter *ratelimit.Limiter) (*adapter.Registry, error) {
	hc := a.cfg.Harvest
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     hc.UserAgent,
		RespectRobots: hc.RespectRobots,
		Timeout:       hc.FetchTimeout,
	}, limiter)
	a.logger.Info("using colly fetcher", zap.String("user_agent", hc.UserAgent), zap.Bool("robots", hc.RespectRobots))

	var rendered harvest.Fetcher = headlessfetcher.NewNoop()
	if a.cfg.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         hc.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			SettleDelay:       a.cfg.Headless.SettleDelay,
		}, limiter)
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			a.addCloser("headless fetcher", func() error { chrome.Close(); return nil })
			rendered = chrome
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	ghClient, err := github.NewClient(github.Config{
		Token:     a.cfg.GitHub.Token,
		BaseURL:   a.cfg.GitHub.APIBaseURL,
		UserAgent: hc.UserAgent,
		MaxBytes:  hc.MaxContentLength,
		Timeout:   hc.FetchTimeout,
	}, limiter, logging.Component(a.logger, "github"))
	if err != nil {
		return nil, fmt.Errorf("github client init failed: %w", err)
	}
	if a.cfg.GitHub.Token == "" {
		a.logger.Warn("no GitHub token configured, API requests are unauthenticated")
	}

	pages := web.NewPages(
		probe,
		rendered,
		detector.NewHeuristic(a.cfg.Headless.PromotionThreshold),
		hc.MaxContentLength,
		logging.Component(a.logger, "pages"),
	)
	site := web.NewSite(pages, probe, web.SiteConfig{
		MaxPages: a.cfg.Web.MaxPages,
		MaxDepth: a.cfg.Web.MaxDepth,
	}, logging.Component(a.logger, "site"))

	return adapter.NewRegistry(
		github.New(ghClient),
		web.New(pages, web.Config{
			MaxLinks:        a.cfg.Web.MaxLinks,
			ProbeSubdomains: a.cfg.Web.ProbeSubdomains,
			Subdomains:      a.cfg.Web.Subdomains,
		}, logging.Component(a.logger, "website")),
		hosteddocs.New(site),
		wiki.New(github.NewWiki(ghClient), site),
	), nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run serves the HTTP API, ticks the scheduler and drains the queue until
// ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.schedule(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) schedule(ctx context.Context) {
	interval := a.cfg.Harvest.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		items, err := a.scheduler.Tick(ctx, a.clock.Now())
		switch {
		case err != nil && ctx.Err() == nil:
			a.logger.Error("scheduler tick failed", zap.Error(err))
		case len(items) > 0:
			a.logger.Info("scheduled harvests", zap.Int("count", len(items)))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HarvestOnce runs a manual harvest of one source, one project (empty
// sourceID) or every project (empty projectID) and waits for all of it to
// finish.
func (a *App) HarvestOnce(ctx context.Context, projectID, sourceID string) ([]harvest.WorkItem, error) {
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatcher.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	projects := []string{projectID}
	if projectID == "" {
		all, err := a.catalog.Projects(ctx)
		if err != nil {
			return nil, fmt.Errorf("list projects: %w", err)
		}
		projects = projects[:0]
		for _, p := range all {
			projects = append(projects, p.ID)
		}
	}

	var queued []harvest.WorkItem
	for _, id := range projects {
		items, err := a.engine.TriggerHarvest(ctx, id, sourceID)
		if err != nil {
			return nil, err
		}
		queued = append(queued, items...)
	}

	finished := make([]harvest.WorkItem, 0, len(queued))
	for _, item := range queued {
		result, err := a.scheduler.Await(ctx, item.ID)
		if err != nil {
			return finished, fmt.Errorf("await %s: %w", item.ID, err)
		}
		finished = append(finished, result)
	}
	return finished, nil
}

// Preview discovers one source and lazily retrieves its raw artifacts
// without normalizing or storing anything. Each pass runs a fresh discovery.
func (a *App) Preview(ctx context.Context, projectID, sourceID string) (iter.Seq2[harvest.RawArtifact, error], error) {
	project, ok := a.catalog.Project(projectID)
	if !ok {
		return nil, fmt.Errorf("%w %q", scheduler.ErrUnknownProject, projectID)
	}
	for _, ref := range project.Sources {
		if ref.ID != sourceID {
			continue
		}
		ad, err := a.adapters.For(ref.Kind)
		if err != nil {
			return nil, fmt.Errorf("preview %s: %w", ref.Key(), err)
		}
		a.logger.Info("previewing source", zap.String("source", ref.Key().String()), zap.String("kind", string(ref.Kind)))
		return harvest.Artifacts(ctx, ad, ref), nil
	}
	return nil, fmt.Errorf("%w %q in project %q", scheduler.ErrUnknownSource, sourceID, projectID)
}

// Close gracefully shuts down the application. It is safe to call more
// than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(); err != nil {
				a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			}
		}
		a.logger.Info("shutdown complete")
	})
}
