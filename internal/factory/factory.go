package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"throttle-service/internal/bucketing"
	"throttle-service/internal/client"
	"throttle-service/internal/config"
	"throttle-service/internal/events"
	"throttle-service/internal/guard"
	"throttle-service/internal/handler"
	"throttle-service/internal/hashing"
	"throttle-service/internal/repository"
	"throttle-service/internal/repository/memory"
	redisstore "throttle-service/internal/repository/redis"
	"throttle-service/internal/repository/scylla"
	"throttle-service/internal/repository/sqldb"
	"throttle-service/internal/sweeper"
	"throttle-service/internal/throttle"
	"throttle-service/internal/tls"
	"throttle-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.BucketingManager

	store      repository.ThrottleStore
	registry   *throttle.Registry
	dispatcher *events.Dispatcher
	engine     *throttle.Engine
	sweeper    *sweeper.Sweeper
	scheduler  *sweeper.Scheduler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment and builds every dependency.
func NewFactory() (*Factory, error) {
	return New(config.LoadConfig())
}

// New builds every dependency from cfg. The store is always critical; optional
// event sinks fail the build only in production.
func New(cfg *config.Config) (*Factory, error) {
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server, cfg.IsProduction())
	}

	f.bucketingManager = bucketing.NewBucketingManager(cfg.Bucketing.BlockedBuckets)

	steps := []func() error{
		f.initializeStore,
		f.initializeSinkClients,
		f.initializeRegistry,
		f.initializeThrottling,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			f.Close()
			return nil, err
		}
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store", cfg.Store.Backend),
		util.Strings("event_sinks", cfg.Events.Sinks),
		util.Int("policies", len(f.registry.Scopes())),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return f, nil
}

func (f *Factory) initializeStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := f.config
	switch cfg.Store.Backend {
	case config.BackendMemory:
		if cfg.IsProduction() {
			util.Warn("In-memory throttle store in production: records do not survive restarts")
		}
		f.store = memory.NewThrottleStore()

	case config.BackendSQL:
		db, err := sqldb.Open(ctx, cfg.Store.Dialect, cfg.Store.DSN, sqldb.PoolOptions{
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("sql store: %w", err)
		}
		store, err := sqldb.NewThrottleStore(db, cfg.Store.Dialect, sqldb.WithOwnedDB())
		if err != nil {
			db.Close()
			return fmt.Errorf("sql store: %w", err)
		}
		f.store = store

	case config.BackendRedis:
		rc, err := client.NewRedisClient(cfg, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = rc
		f.store = redisstore.NewThrottleStore(rc)

	case config.BackendScylla:
		sc, err := scylla.NewScyllaClient(cfg, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		f.store = scylla.NewThrottleStore(sc, f.bucketingManager)

	default:
		return fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}

	if cfg.Store.AutoMigrate {
		if err := f.Migrate(ctx); err != nil {
			return err
		}
	}

	if err := f.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("throttle store health check: %w", err)
	}
	util.Info("Throttle store initialized and healthy", util.String("backend", cfg.Store.Backend))
	return nil
}

// Migrate creates the store's schema when the backend has one.
func (f *Factory) Migrate(ctx context.Context) error {
	m, ok := f.store.(repository.Migrator)
	if !ok {
		util.Info("Throttle store has no schema to migrate", util.String("backend", f.config.Store.Backend))
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate throttle store: %w", err)
	}
	util.Info("Throttle store schema migrated", util.String("backend", f.config.Store.Backend))
	return nil
}

// initializeSinkClients connects only the clients named by EVENT_SINKS.
func (f *Factory) initializeSinkClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if f.config.HasSink("kafka") {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.HasSink("elasticsearch") {
		if es, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if f.config.HasSink("clickhouse") {
		if ch, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := ch.HealthCheck(ctx); err != nil {
			ch.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("event sink initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Event sink initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeRegistry registers the built-in policies, overridden scope by scope
// by the policy file when one is configured.
func (f *Factory) initializeRegistry() error {
	byScope := make(map[string]throttle.Policy)
	if f.config.Throttle.LoadDefaults {
		for _, p := range throttle.DefaultPolicies() {
			byScope[p.Scope] = p
		}
	}
	if path := f.config.Throttle.PolicyFile; path != "" {
		policies, err := throttle.LoadPolicyFile(path)
		if err != nil {
			return err
		}
		for _, p := range policies {
			byScope[p.Scope] = p
		}
		util.Info("Policy file loaded", util.String("path", path), util.Int("policies", len(policies)))
	}

	scopes := make([]string, 0, len(byScope))
	for scope := range byScope {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)

	f.registry = throttle.NewRegistry()
	for _, scope := range scopes {
		if err := f.registry.Register(byScope[scope]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Factory) initializeThrottling() error {
	var sinks []events.Sink
	for _, name := range f.config.Events.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, events.Sink{Name: name, Publisher: events.NewLogPublisher(util.Named("events"))})
		case "kafka":
			if f.kafkaProducer != nil {
				sinks = append(sinks, events.Sink{Name: name, Publisher: events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.Topic)})
			}
		case "elasticsearch":
			if f.esClient != nil {
				sinks = append(sinks, events.Sink{Name: name, Publisher: events.NewElasticsearchPublisher(f.esClient, f.config.Elasticsearch.Index)})
			}
		case "clickhouse":
			if f.clickhouseClient != nil {
				pub := events.NewClickHousePublisher(f.clickhouseClient, f.config.Clickhouse.Table, f.config.Events.BatchSize)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := pub.EnsureTable(ctx)
				cancel()
				if err != nil {
					return err
				}
				pub.StartFlusher(f.config.Events.FlushEvery)
				sinks = append(sinks, events.Sink{Name: name, Publisher: pub})
			}
		}
	}

	var publisher events.Publisher = events.Nop{}
	if len(sinks) > 0 {
		pseudonymizer, err := hashing.FromConfig(f.config.Events)
		if err != nil {
			return fmt.Errorf("invalid identity pepper configuration: %w", err)
		}
		var out events.Publisher = events.NewFanout(sinks...)
		if pseudonymizer != nil {
			out = events.NewPseudonymizingPublisher(out, pseudonymizer)
			util.Info("Exported event identities are pseudonymized",
				util.Int("pepper_version", f.config.Events.IdentityPepperVersion))
		}
		f.dispatcher = events.NewDispatcher(events.DispatcherConfig{
			BufferSize: f.config.Events.BufferSize,
			DropIfFull: true,
		}, out)
		publisher = f.dispatcher
	}

	f.engine = throttle.NewEngine(f.store, f.registry, throttle.WithPublisher(publisher))
	f.sweeper = sweeper.New(f.store, f.registry, sweeper.WithPublisher(publisher))

	if f.config.Throttle.SweepEnabled {
		f.scheduler = sweeper.NewScheduler(f.sweeper,
			f.config.Throttle.SweepHour, f.config.Throttle.SweepMinute, f.config.Throttle.SweepTimeout)
	}
	return nil
}

// IdentityFunc is the identity resolution configured for guards built by this factory.
func (f *Factory) IdentityFunc() guard.IdentityFunc {
	if h := f.config.Throttle.IdentityHeader; h != "" {
		return guard.HeaderIdentity(h)
	}
	return guard.DefaultIdentity
}

// NewGuard builds a guard for cfg sharing the factory's engine.
func (f *Factory) NewGuard(cfg guard.Config) (*guard.Guard, error) {
	return guard.New(f.engine, cfg, guard.WithIdentity(f.IdentityFunc()))
}

// Router assembles the HTTP surface.
func (f *Factory) Router() (http.Handler, error) {
	adminGuard, err := f.NewGuard(handler.AdminGuardConfig)
	if err != nil {
		return nil, err
	}
	if f.config.Admin.Token == "" {
		util.Warn("ADMIN_TOKEN is empty: admin API is unauthenticated")
	}

	logger := util.Get()
	admin := handler.NewAdminAuth(f.config.Admin.Token, adminGuard, logger)
	throttleHandler := handler.NewThrottleHandler(f.engine, f.sweeper, logger)

	return handler.NewRouter(handler.RouterConfig{
		RequireTLS:     f.config.Server.RequireTLS,
		AllowedOrigins: f.config.Server.AllowedOrigins,
		MetricsEnabled: f.config.Metrics.Enabled,
		MetricsPath:    f.config.Metrics.Path,
	}, throttleHandler, admin, f, logger), nil
}

// StartScheduler starts the daily sweep when enabled.
func (f *Factory) StartScheduler(ctx context.Context) {
	if f.scheduler == nil {
		util.Info("Scheduled sweeping disabled")
		return
	}
	f.scheduler.Start(ctx)
}

// ==============================
// Health Checks
// ==============================

// HealthReport checks every initialized component concurrently.
func (f *Factory) HealthReport(ctx context.Context) map[string]error {
	checks := map[string]func(context.Context) error{
		"store": f.store.HealthCheck,
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}

	var (
		mu     sync.Mutex
		report = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			if err := check(gctx); err != nil {
				mu.Lock()
				report[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// HealthCheck fails only when the throttle store is unreachable; event sinks are best effort.
func (f *Factory) HealthCheck(ctx context.Context) error {
	report := f.HealthReport(ctx)
	for name, err := range report {
		if name != "store" {
			util.Warn("Component unhealthy", util.String("component", name), util.ErrorField(err))
		}
	}
	return report["store"]
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.scheduler != nil {
			f.scheduler.Stop()
		}

		// Drain events before closing the clients they are delivered through.
		if f.dispatcher != nil {
			if err := f.dispatcher.Close(); err != nil {
				util.Error("Failed to close event dispatcher", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		// The redis and scylla stores own their clients.
		if f.store != nil {
			if err := f.store.Close(); err != nil {
				util.Error("Failed to close throttle store", util.ErrorField(err))
			}
		} else {
			if f.scyllaClient != nil {
				f.scyllaClient.Close()
			}
			if f.redisClient != nil {
				f.redisClient.Close()
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Store() repository.ThrottleStore {
	return f.store
}

func (f *Factory) Registry() *throttle.Registry {
	return f.registry
}

func (f *Factory) Engine() *throttle.Engine {
	return f.engine
}

func (f *Factory) Sweeper() *sweeper.Sweeper {
	return f.sweeper
}

func (f *Factory) ESClient() *client.ESClient {
	return f.esClient
}
