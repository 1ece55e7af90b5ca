package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/api"
	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/browser/headless"
	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/clock/system"
	"github.com/JakeFAU/chartsnap/internal/config"
	"github.com/JakeFAU/chartsnap/internal/credentials"
	"github.com/JakeFAU/chartsnap/internal/dispatcher"
	"github.com/JakeFAU/chartsnap/internal/gate"
	"github.com/JakeFAU/chartsnap/internal/hash/sha256"
	"github.com/JakeFAU/chartsnap/internal/id/uuid"
	"github.com/JakeFAU/chartsnap/internal/ingest"
	"github.com/JakeFAU/chartsnap/internal/logging"
	"github.com/JakeFAU/chartsnap/internal/metrics"
	"github.com/JakeFAU/chartsnap/internal/notify"
	memorynotify "github.com/JakeFAU/chartsnap/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/chartsnap/internal/notify/pubsub"
	"github.com/JakeFAU/chartsnap/internal/notify/telegram"
	"github.com/JakeFAU/chartsnap/internal/progress"
	progresssinks "github.com/JakeFAU/chartsnap/internal/progress/sinks"
	queueMemory "github.com/JakeFAU/chartsnap/internal/queue/memory"
	queueRedis "github.com/JakeFAU/chartsnap/internal/queue/redis"
	"github.com/JakeFAU/chartsnap/internal/ratelimit"
	gcsstorage "github.com/JakeFAU/chartsnap/internal/storage/gcs"
	localstorage "github.com/JakeFAU/chartsnap/internal/storage/local"
	memoryStorage "github.com/JakeFAU/chartsnap/internal/storage/memory"
	pgstore "github.com/JakeFAU/chartsnap/internal/storage/postgres"
	s3store "github.com/JakeFAU/chartsnap/internal/storage/s3"
	"github.com/JakeFAU/chartsnap/internal/strategy"
	"github.com/JakeFAU/chartsnap/internal/worker"
)

// blobDigestLength is the hex digest prefix embedded in object names.
const blobDigestLength = 12

// Option customizes Build. Tests use it to swap out the browser.
type Option func(*buildOptions)

type buildOptions struct {
	logger   *zap.Logger
	launcher browser.Launcher
	client   *http.Client
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithLauncher replaces the Chrome launcher behind the browser pool.
func WithLauncher(l browser.Launcher) Option {
	return func(o *buildOptions) { o.launcher = l }
}

// WithHTTPClient sets the client used for the publish endpoint and Telegram.
func WithHTTPClient(c *http.Client) Option {
	return func(o *buildOptions) { o.client = c }
}

// Build creates the application's dependencies. Every component is built
// once here and injected; nothing below reads configuration on its own.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app := NewApp(cfg, logger)
	app.logger.Info("building application dependencies")
	if err := app.build(ctx, o); err != nil {
		app.closeInfrastructure(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o buildOptions) error {
	clock := system.New()

	a.setupProgress(ctx)

	pipeline, err := ingest.ParsePipelineMode(a.cfg.Pipeline.Mode)
	if err != nil {
		return err
	}
	if err := a.setupRedis(ctx, pipeline); err != nil {
		return err
	}
	tenants, alerts, err := a.setupStores(ctx, clock)
	if err != nil {
		return err
	}
	a.tenants = tenants
	a.alerts = alerts

	rateGate, err := a.setupGate()
	if err != nil {
		return err
	}
	a.rateGate = rateGate
	quotaMode, err := ingest.ParseQuotaMode(a.cfg.Quota.Mode)
	if err != nil {
		return err
	}

	var enqueuer ingest.Enqueuer
	if pipeline == ingest.PipelineEnabled {
		if err := a.setupPipeline(ctx, o, clock); err != nil {
			return err
		}
		enqueuer = a.dispatch
	} else {
		a.logger.Warn("capture pipeline disabled; alerts will be recorded as skipped")
	}

	svc, err := ingest.New(ingest.Deps{
		Tenants:  tenants,
		Alerts:   alerts,
		Gate:     rateGate,
		Enqueuer: enqueuer,
		IDs:      uuid.New(),
		Clock:    clock,
		Events:   a.events,
	}, ingest.Config{
		QuotaMode:   quotaMode,
		Pipeline:    pipeline,
		MaxAttempts: a.cfg.Pipeline.MaxAttempts,
		Backoff:     a.backoff(),
	}, a.logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("ingest init failed: %w", err)
	}

	deps := api.Deps{
		Ingest:  svc,
		Rates:   rateGate,
		Tenants: tenants,
		Alerts:  alerts,
		Ready:   a.ready,
	}
	if a.pool != nil {
		deps.Pool = a.pool
	}
	if a.dispatch != nil {
		deps.Queue = a.dispatch
	}
	if a.progressHub != nil {
		deps.Events = a.progressHub
	}
	a.apiServer = api.NewServer(deps, api.Config{
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		MaxBodyBytes:   a.cfg.Server.MaxBodyBytes,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupProgress(ctx context.Context) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return
	}
	var sinkList []progress.Sink
	if a.cfg.Progress.Metrics {
		sink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			a.logger.Warn("prometheus progress sink unavailable", zap.Error(err))
		} else {
			sinkList = append(sinkList, sink)
		}
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if len(sinkList) == 0 {
		a.logger.Warn("progress tracking enabled but no sinks configured")
		return
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchEvents,
		MaxBatchWait:   a.cfg.Progress.BatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.events = a.progressHub
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
}

// setupRedis opens the shared client. Only a Redis-backed capture queue makes
// Redis mandatory; a gate alone starts anyway and fails open until the server
// is reachable, since go-redis reconnects on demand.
func (a *App) setupRedis(ctx context.Context, pipeline ingest.PipelineMode) error {
	queueNeeds := a.cfg.Queue.Backend == "redis" && pipeline == ingest.PipelineEnabled
	gateNeeds := a.cfg.Gate.Backend == "redis"
	if !queueNeeds && !gateNeeds {
		return nil
	}
	a.redis = goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.redisRequired = queueNeeds
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		if queueNeeds {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.logger.Warn("redis unreachable; rate gate admits every alert until it recovers",
			zap.String("addr", a.cfg.Redis.Addr), zap.Error(err))
		return nil
	}
	a.logger.Info("redis connected", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupStores(ctx context.Context, clock capture.Clock) (capture.TenantStore, capture.AlertStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured; using in-memory tenant and alert stores",
			zap.Int("seeded_tenants", len(a.cfg.Tenants)))
		return memoryStorage.NewTenantStore(tenantsFromSeeds(a.cfg.Tenants)...), memoryStorage.NewAlertStore(clock), nil
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres init failed: %w", err)
	}
	a.pgPool = pool
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, pool); err != nil {
			return nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	tenants, err := pgstore.NewTenantStore(pool, a.cfg.DB.TenantsTable)
	if err != nil {
		return nil, nil, fmt.Errorf("tenant store init failed: %w", err)
	}
	alerts, err := pgstore.NewAlertStore(pool, a.cfg.DB.AlertsTable)
	if err != nil {
		return nil, nil, fmt.Errorf("alert store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized",
		zap.String("alerts_table", a.cfg.DB.AlertsTable),
		zap.String("tenants_table", a.cfg.DB.TenantsTable),
	)
	return tenants, alerts, nil
}

func (a *App) setupGate() (*gate.Gate, error) {
	mode, err := gate.ParseMode(a.cfg.Gate.Mode)
	if err != nil {
		return nil, err
	}
	gcfg := gate.DefaultConfig()
	gcfg.Mode = mode
	if a.cfg.Gate.PerMinute > 0 {
		gcfg.PerMinute = a.cfg.Gate.PerMinute
	}
	if a.cfg.Gate.PerHour > 0 {
		gcfg.PerHour = a.cfg.Gate.PerHour
	}
	if a.cfg.Gate.DailyFree > 0 {
		gcfg.DailyLimits[capture.PlanFree] = a.cfg.Gate.DailyFree
	}
	if a.cfg.Gate.DailyPro > 0 {
		gcfg.DailyLimits[capture.PlanPro] = a.cfg.Gate.DailyPro
	}
	gcfg.Location = a.cfg.GateLocation()

	var counter gate.Counter
	if a.cfg.Gate.Backend == "redis" {
		counter = gate.NewRedisCounter(a.redis)
	} else {
		counter = gate.NewMemoryCounter(time.Now)
	}
	a.logger.Info("rate gate initialized",
		zap.String("backend", a.cfg.Gate.Backend),
		zap.String("mode", string(mode)),
		zap.Int("per_minute", gcfg.PerMinute),
		zap.Int("per_hour", gcfg.PerHour),
		zap.String("timezone", gcfg.Location.String()),
	)
	return gate.New(counter, gcfg, gate.WithLogger(a.logger.Named("gate"))), nil
}

func (a *App) setupQueue() (capture.Queue, error) {
	if a.cfg.Queue.Backend == "redis" {
		q, err := queueRedis.NewQueue(a.redis, queueRedis.Config{
			Prefix:       a.cfg.Queue.Prefix,
			Capacity:     a.cfg.Queue.Capacity,
			LockDuration: a.cfg.Pipeline.LockDuration,
			PollInterval: a.cfg.Queue.PollInterval,
			Retention:    a.cfg.Queue.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		a.logger.Info("using redis capture queue", zap.String("prefix", a.cfg.Queue.Prefix))
		return q, nil
	}
	a.logger.Info("using in-memory capture queue", zap.Int("capacity", a.cfg.Queue.Capacity))
	return queueMemory.NewQueue(queueMemory.Config{
		Capacity:     a.cfg.Queue.Capacity,
		LockDuration: a.cfg.Pipeline.LockDuration,
		PollInterval: a.cfg.Queue.PollInterval,
		Retention:    a.cfg.Queue.Retention,
	}), nil
}

func (a *App) setupStorage(ctx context.Context) (capture.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, closeFn, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket:        a.cfg.Storage.GCS.Bucket,
			PublicBaseURL: a.cfg.Storage.GCS.PublicBaseURL,
			CacheControl:  a.cfg.Storage.GCS.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs client", fn: closeFn})
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return store, nil
	case "s3":
		s3cfg := s3store.Config{
			Bucket:        a.cfg.Storage.S3.Bucket,
			Region:        a.cfg.Storage.S3.Region,
			Endpoint:      a.cfg.Storage.S3.Endpoint,
			PathStyle:     a.cfg.Storage.S3.PathStyle,
			PublicBaseURL: a.cfg.Storage.S3.PublicBaseURL,
		}
		client, err := s3store.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3store.New(client, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.logger.Info("using S3 storage backend", zap.String("bucket", s3cfg.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupNotifier(ctx context.Context, client *http.Client) (capture.Notifier, error) {
	var channels notify.Multi
	if a.cfg.Notify.Telegram.Enabled {
		channels = append(channels, telegram.New(client, telegram.Config{
			BaseURL: a.cfg.Notify.Telegram.BaseURL,
			Timeout: a.cfg.Notify.Telegram.Timeout,
		}, a.logger.Named("telegram")))
		a.logger.Info("telegram notifications enabled")
	}
	if a.cfg.Notify.PubSub.Topic != "" {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Notify.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubNotifier = pubsubnotify.New(a.pubsubClient.Topic(a.cfg.Notify.PubSub.Topic))
		channels = append(channels, a.pubsubNotifier)
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", a.cfg.Notify.PubSub.ProjectID),
			zap.String("topic", a.cfg.Notify.PubSub.Topic),
		)
	}
	if len(channels) == 0 {
		a.logger.Warn("no notification channel configured, keeping recent summaries in memory")
		a.recent = memorynotify.New(0)
		return a.recent, nil
	}
	return channels, nil
}

func (a *App) setupPipeline(ctx context.Context, o buildOptions, clock capture.Clock) error {
	cipher, err := credentials.New(a.cfg.Credentials.MasterKey)
	if err != nil {
		return fmt.Errorf("credentials init failed: %w", err)
	}
	queue, err := a.setupQueue()
	if err != nil {
		return err
	}
	a.queue = queue
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	notifier, err := a.setupNotifier(ctx, o.client)
	if err != nil {
		return err
	}

	launcher := o.launcher
	if launcher == nil {
		lcfg := headless.DefaultConfig()
		lcfg.ExecPath = a.cfg.Browser.ExecPath
		lcfg.UserAgent = a.cfg.Browser.UserAgent
		lcfg.Headless = a.cfg.Browser.Headless
		lcfg.NoSandbox = a.cfg.Browser.NoSandbox
		lcfg.NavigationTimeout = a.cfg.Browser.NavigationTimeout
		lcfg.ActionTimeout = a.cfg.Browser.ActionTimeout
		launcher = headless.NewLauncher(lcfg, a.logger.Named("chrome"))
	}
	a.pool = browser.NewPool(launcher, browser.Config{
		MinSlots:        a.cfg.Browser.MinSlots,
		MaxSlots:        a.cfg.Browser.MaxSlots,
		IdleTimeout:     a.cfg.Browser.IdleTimeout,
		CleanupInterval: a.cfg.Browser.CleanupInterval,
		Warmup:          a.cfg.Browser.Warmup,
		WarmupURL:       a.cfg.Browser.WarmupURL,
		WarmupTimeout:   a.cfg.Browser.WarmupTimeout,
		ReleaseTimeout:  a.cfg.Browser.ReleaseTimeout,
	}, browser.WithLogger(a.logger.Named("browser_pool")), browser.WithEmitter(a.events))

	publisher, err := strategy.NewHTTPPublisher(o.client, strategy.PublisherConfig{
		Endpoint:     a.cfg.Capture.PublishURL,
		ShareBaseURL: a.cfg.Capture.ShareBaseURL,
		Timeout:      a.cfg.Capture.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("publisher init failed: %w", err)
	}
	executor := strategy.NewShareThenDirect(strategy.Config{
		ChartBaseURL: a.cfg.Capture.ChartBaseURL,
		CookieDomain: a.cfg.Capture.CookieDomain,
		Renderer: strategy.Renderer{
			CookieDomain: a.cfg.Capture.CookieDomain,
			RenderWait:   a.cfg.Capture.RenderWait,
		},
	}, cipher, publisher, a.logger.Named("strategy"))

	limiter := ratelimit.New(ratelimit.Config{
		Jobs:    a.cfg.Pipeline.JobsPerWindow,
		Window:  a.cfg.Pipeline.JobWindow,
		Observe: metrics.ObservePacingWait,
	})

	workerCfg := worker.Config{
		JobTimeout:    a.cfg.Pipeline.JobTimeout,
		LockDuration:  a.cfg.Pipeline.LockDuration,
		NotifyTimeout: a.cfg.Pipeline.NotifyTimeout,
		BlobPrefix:    a.cfg.Storage.Prefix,
		ContentType:   a.cfg.Storage.ContentType,
	}
	a.logger.Info("worker config",
		zap.Int("workers", a.cfg.Pipeline.Workers),
		zap.Int("max_attempts", a.cfg.Pipeline.MaxAttempts),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Duration("lock_duration", workerCfg.LockDuration),
		zap.Int("jobs_per_window", a.cfg.Pipeline.JobsPerWindow),
		zap.Duration("job_window", a.cfg.Pipeline.JobWindow),
	)
	hasher := sha256.New(sha256.WithLength(blobDigestLength))
	var workers []*worker.Worker
	for i := 0; i < a.cfg.Pipeline.Workers; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Queue:    queue,
			Pool:     a.pool,
			Capturer: executor,
			Alerts:   a.alerts,
			Tenants:  a.tenants,
			Blobs:    blobs,
			Hasher:   hasher,
			Clock:    clock,
			Notifier: notifier,
			Limiter:  limiter,
			Events:   a.events,
		}, workerCfg, a.logger.Named("worker").With(zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(queue, a.alerts, workers, dispatcher.Config{
		StalledInterval: a.cfg.Pipeline.StalledInterval,
	}, a.events, a.logger.Named("dispatcher"))
	return nil
}

func (a *App) backoff() capture.BackoffPolicy {
	policy := capture.DefaultBackoff()
	if a.cfg.Pipeline.BackoffBase > 0 {
		policy.Base = a.cfg.Pipeline.BackoffBase
	}
	if a.cfg.Pipeline.BackoffMax > 0 {
		policy.Max = a.cfg.Pipeline.BackoffMax
	}
	return policy
}

// ready pings the shared backends.
func (a *App) ready(ctx context.Context) error {
	if a.redis != nil && a.redisRequired {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if a.pgPool != nil {
		if err := a.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func tenantsFromSeeds(seeds []config.TenantSeed) []capture.Tenant {
	out := make([]capture.Tenant, 0, len(seeds))
	for _, s := range seeds {
		quota := s.SignalsQuota
		if quota <= 0 {
			quota = -1
		}
		sealed := capture.SealedCredentials{SessionID: s.SessionIDSealed, SessionSign: s.SessionSignSealed}
		out = append(out, capture.Tenant{
			ID:               s.ID,
			WebhookToken:     s.WebhookToken,
			WebhookEnabled:   true,
			Plan:             capture.ParsePlan(s.Plan),
			DefaultChartID:   s.DefaultChartID,
			Credentials:      sealed,
			CredentialsValid: !sealed.Empty(),
			Resolution:       capture.NormalizeResolution(strings.ToLower(s.Resolution)),
			Notifications: capture.NotificationSettings{
				Enabled:  s.TelegramBotToken != "" && s.TelegramChatID != "",
				BotToken: s.TelegramBotToken,
				ChatID:   s.TelegramChatID,
				Timezone: s.Timezone,
			},
			SignalsQuota: quota,
		})
	}
	return out
}
