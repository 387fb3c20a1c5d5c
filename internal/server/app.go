// Package server builds the application from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/api"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/clock/system"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/config"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/crawler"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/dispatcher"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/aoc-ranking-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/aoc-ranking-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/hash/sha256"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/headless/detector"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/id/uuid"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/logging"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/metrics"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/normalizer"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/parser"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/pipeline"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/aoc-ranking-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/aoc-ranking-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/aoc-ranking-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/aoc-ranking-crawler/internal/queue/memory"
	duckstore "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/duckdb"
	encstore "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/encrypted"
	gcsstorage "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/postgres"
	s3storage "github.com/JakeFAU/aoc-ranking-crawler/internal/storage/s3"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/telemetry"
	"github.com/JakeFAU/aoc-ranking-crawler/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// Options override ambient collaborators. Zero values use the process
// defaults.
type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	Clock      crawler.Clock
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock
	idGen  crawler.IDGenerator

	catalog  *crawler.Catalog
	registry *parser.Registry
	rows     crawler.RowStore
	runs     crawler.RunStore
	blob     crawler.BlobStore
	pipeline *pipeline.Pipeline

	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	scheduler *Scheduler
	apiServer *api.Server

	progressHub  *progress.Hub
	headless     *headlessfetcher.Fetcher
	pgPool       *pgxpool.Pool
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}

	app := &App{cfg: cfg, logger: logger, clock: clock, idGen: uuid.New()}
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Blob.Backend),
		zap.Int("sources", len(cfg.Sources)),
	)

	if err := app.build(ctx, opts.Registerer); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, reg prometheus.Registerer) error {
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "rankcrawler",
		Version:     Version,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.catalog, err = a.cfg.Catalog()
	if err != nil {
		return fmt.Errorf("source catalog: %w", err)
	}
	if _, err := a.catalog.Resolve(a.cfg.Schedule.Sources); err != nil {
		return fmt.Errorf("schedule sources: %w", err)
	}

	a.registry = parser.NewRegistry()
	if dir := a.cfg.Schemas.Dir; dir != "" {
		n, err := a.registry.LoadDir(dir)
		if err != nil {
			return fmt.Errorf("load schemas: %w", err)
		}
		a.logger.Info("schemas loaded", zap.String("dir", dir), zap.Int("files", n))
	}

	if err := a.setupBlob(ctx); err != nil {
		return err
	}
	if err := a.setupStores(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx, reg)
	if err != nil {
		return err
	}
	pages, err := a.setupFetcher()
	if err != nil {
		return err
	}

	var archive crawler.BlobStore
	if a.cfg.Blob.ArchiveRaw {
		archive = a.blob
	}
	a.pipeline, err = pipeline.New(pipeline.Config{
		Fetcher:       pages,
		Schemas:       a.registry,
		Normalizer:    normalizer.New(a.registry, a.logger),
		Store:         a.rows,
		Runs:          a.runs,
		Archive:       archive,
		ArchivePrefix: a.cfg.Blob.ArchivePrefix,
		Publisher:     publisher,
		Topic:         a.cfg.PubSub.TopicName,
		Progress:      emitter,
		Clock:         a.clock,
		Concurrency:   a.cfg.Pipeline.Concurrency,
		WriteBuffer:   a.cfg.Pipeline.WriteBuffer,
		Logger:        a.logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.queue = queuememory.NewQueue(a.cfg.Pipeline.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Pipeline.Workers)
	for i := 0; i < a.cfg.Pipeline.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.catalog,
			a.pipeline,
			a.runs,
			a.clock,
			worker.Config{RunTimeout: a.cfg.Pipeline.RunTimeout},
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, a.runs, workers)
	a.scheduler = NewScheduler(a.dispatch, a.idGen, a.clock, a.cfg.Schedule.Interval,
		a.cfg.Schedule.Sources, a.logger.Named("scheduler"))

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(api.Deps{
		Runs:      a.runs,
		Rows:      a.rows,
		Schemas:   a.registry,
		Catalog:   a.catalog,
		Submitter: a.dispatch,
		IDGen:     a.idGen,
		Clock:     a.clock,
	}, api.Config{
		APIKey:         apiKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		AnalyticsDay:   a.cfg.Server.AnalyticsDay,
		Ready:          a.Ready,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupBlob(ctx context.Context) error {
	var err error
	switch a.cfg.Blob.Backend {
	case config.BlobMemory:
		a.blob = memorystorage.NewBlobStore()
	case config.BlobLocal:
		a.blob, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
	case config.BlobGCS:
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blob, err = gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Blob.GCS.Bucket,
			Prefix: a.cfg.Blob.GCS.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.BlobS3:
		s3 := a.cfg.Blob.S3
		a.blob, err = s3storage.New(ctx, s3storage.Config{
			Endpoint:     s3.Endpoint,
			AccessKey:    s3.AccessKey,
			SecretKey:    s3.SecretKey,
			Bucket:       s3.Bucket,
			Region:       s3.Region,
			UseSSL:       s3.UseSSL,
			Prefix:       s3.Prefix,
			CreateBucket: s3.CreateBucket,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
	default:
		a.logger.Info("no blob backend configured")
		return nil
	}
	a.logger.Info("blob store initialized", zap.String("backend", a.cfg.Blob.Backend))
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		pg := a.cfg.Storage.Postgres
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             pg.DSN,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.pgPool = pool
		rows, err := pgstore.NewRowStore(pool, pg.RowsTable)
		if err != nil {
			return err
		}
		rows.WithAttrTypes(a.registry)
		if err := rows.EnsureSchema(ctx); err != nil {
			return err
		}
		runs, err := pgstore.NewRunStore(pool, pg.RunsTable)
		if err != nil {
			return err
		}
		if err := runs.EnsureSchema(ctx); err != nil {
			return err
		}
		a.rows, a.runs = rows, runs
	case config.BackendDuckDB:
		rows, err := duckstore.Open(ctx, a.cfg.Storage.DuckDB.Path, a.cfg.Storage.DuckDB.Table)
		if err != nil {
			return err
		}
		a.rows, a.runs = rows.WithAttrTypes(a.registry), memorystorage.NewRunStore()
	case config.BackendEncrypted:
		key, err := a.encryptionKey()
		if err != nil {
			return err
		}
		rows, err := encstore.Open(ctx, encstore.Config{
			Blob:   a.blob,
			Path:   a.cfg.Storage.Encrypted.Snapshot,
			Key:    key,
			Logger: a.logger.Named("encrypted_store"),
			Types:  a.registry,
		})
		if err != nil {
			return fmt.Errorf("encrypted store init failed: %w", err)
		}
		a.rows, a.runs = rows, memorystorage.NewRunStore()
	default:
		a.rows, a.runs = memorystorage.NewRowStore(), memorystorage.NewRunStore()
	}
	a.logger.Info("row store initialized", zap.String("backend", a.cfg.Storage.Backend))
	return nil
}

func (a *App) encryptionKey() ([]byte, error) {
	if a.cfg.Storage.Encrypted.Key != "" {
		return encstore.ParseKey(a.cfg.Storage.Encrypted.Key)
	}
	return encstore.LoadOrCreateKey(a.cfg.Storage.Encrypted.KeyFile)
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.gcpPublisher = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.gcpPublisher, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, progresssinks.NewLogSink(a.logger.Named("progress_log")), promSink)
	return a.progressHub, nil
}

func (a *App) setupFetcher() (*fetcher.Fetcher, error) {
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTPTimeout(),
	})

	var headless crawler.Transport = headlessfetcher.NewNoop()
	if a.cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
			Settle:            a.cfg.Headless.Settle,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		a.headless = browser
		headless = browser
		a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultInterval: a.cfg.HTTP.DefaultInterval})
	for _, src := range a.cfg.Sources {
		limiter.Register(src.ID, src.MinInterval)
	}

	f, err := fetcher.New(fetcher.Config{
		Transport: transport,
		Headless:  headless,
		Detector:  detector.NewHeuristic(a.cfg.Headless.PromotionThresh, ""),
		Limiter:   limiter,
		Retry:     a.cfg.RetryPolicy(),
		Hasher:    sha256.New(),
		Clock:     a.clock,
		Logger:    a.logger,

		RequestTimeout:  a.cfg.HTTPTimeout(),
		HeadlessTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec)*time.Second + a.cfg.Headless.Settle,
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	return f, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Ready pings the database when one is configured.
func (a *App) Ready(ctx context.Context) error {
	if a.pgPool == nil {
		return nil
	}
	return a.pgPool.Ping(ctx)
}

// Catalog returns the configured sources.
func (a *App) Catalog() *crawler.Catalog {
	return a.catalog
}

// Rows returns the canonical row store.
func (a *App) Rows() crawler.RowStore {
	return a.rows
}

// Runs returns the run history store.
func (a *App) Runs() crawler.RunStore {
	return a.runs
}

// RunOnce executes one run over sourceIDs (all sources when empty) in the
// calling goroutine.
func (a *App) RunOnce(ctx context.Context, sourceIDs []string) (string, crawler.RunSummary, error) {
	sources, err := a.catalog.Resolve(sourceIDs)
	if err != nil {
		return "", crawler.RunSummary{}, err
	}
	if len(sources) == 0 {
		return "", crawler.RunSummary{}, errors.New("no sources configured")
	}
	runID, err := a.idGen.NewID()
	if err != nil {
		return "", crawler.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	summary, err := a.pipeline.Run(ctx, runID, sources)
	return runID, summary, err
}

// Prune deletes rows extracted more than olderThan ago. A zero olderThan
// uses the configured retention.
func (a *App) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = a.cfg.Storage.Retention
	}
	if olderThan <= 0 {
		return 0, errors.New("retention is not set")
	}
	cutoff := a.clock.Now().Add(-olderThan)
	n, err := a.rows.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune rows: %w", err)
	}
	a.logger.Info("rows pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Close releases every resource Build acquired. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.rows != nil {
		if err := a.rows.Close(); err != nil {
			a.logger.Warn("row store close failed", zap.Error(err))
		}
	} else if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
