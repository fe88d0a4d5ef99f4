package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"auth-gateway/internal/alerting"
	"auth-gateway/internal/audit"
	"auth-gateway/internal/bucketing"
	"auth-gateway/internal/client"
	"auth-gateway/internal/clock"
	"auth-gateway/internal/config"
	"auth-gateway/internal/gateway"
	"auth-gateway/internal/handler"
	"auth-gateway/internal/hashing"
	"auth-gateway/internal/keystore"
	"auth-gateway/internal/mfa"
	"auth-gateway/internal/models"
	"auth-gateway/internal/repository"
	"auth-gateway/internal/repository/memory"
	redisrepo "auth-gateway/internal/repository/redis"
	"auth-gateway/internal/repository/scylla"
	"auth-gateway/internal/scheduler"
	"auth-gateway/internal/session"
	"auth-gateway/internal/threat"
	"auth-gateway/internal/tls"
	"auth-gateway/internal/util"
)

const (
	limiterIdle     = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	clock      clock.Clock
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *client.KMSClient

	// Managers
	bucketingManager *bucketing.BucketingManager
	hasher           *hashing.Hasher
	keyStore         *keystore.KeyStore

	// Security core
	credentials    repository.CredentialRepository
	clickhouseSink *alerting.ClickHouseSink
	dispatcher     *audit.Dispatcher
	auditLog       *audit.Log
	ledger         *threat.Ledger
	sessions       *session.Store
	mfaProvider    *mfa.Provider
	scheduler      *scheduler.Scheduler
	gateway        *gateway.Gateway
	limiter        handler.IPLimiter

	closeOnce sync.Once
}

// NewFactory loads configuration from the environment and builds the
// application graph
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(ctx, cfg, clock.Real())
}

// New builds every dependency. Any configured backend that cannot be
// reached is an error; there is no fallback to in-memory stand-ins.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		clock:  clk,
	}

	if cfg.Server.EnableTLS {
		manager, err := tls.NewTLSManager(cfg.Server, cfg.IsDevelopment(), clk)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		f.tlsManager = manager
	}

	if err := f.initializeClients(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := f.initializeCore(ctx); err != nil {
		f.closeClients()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("credential_backend", cfg.Storage.CredentialBackend),
		util.Strings("audit_sinks", f.dispatcher.Sinks()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)
	return f, nil
}

func (f *Factory) needsRedis() bool {
	return f.config.Storage.CredentialBackend == "redis" || f.config.Storage.BlockMirror
}

// initializeClients connects the configured backends and checks their health
func (f *Factory) initializeClients(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cfg := f.config
	logger := util.Get()
	var initErrors []error

	if f.needsRedis() {
		if c, err := client.NewRedisClient(cfg, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
		}
	}

	if cfg.Storage.CredentialBackend == "scylla" {
		if c, err := scylla.NewScyllaClient(cfg, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
		}
	}

	if cfg.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(cfg, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = p
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
		}
	}

	if cfg.KMS.Enabled {
		if c, err := client.NewKMSClient(ctx, cfg, logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = c
		}
	}

	if len(initErrors) == 0 {
		for name, err := range f.HealthCheck(ctx) {
			initErrors = append(initErrors, fmt.Errorf("%s health check: %w", name, err))
		}
	}

	return errors.Join(initErrors...)
}

// initializeCore builds the security components and the gateway
func (f *Factory) initializeCore(ctx context.Context) error {
	cfg := f.config
	logger := util.Get()

	f.bucketingManager = bucketing.NewBucketingManager(cfg.Session.Shards)
	f.hasher = hashing.NewHasher(cfg.Hashing)
	params := f.hasher.Params()
	util.Info("Password hasher configured",
		util.Int("memory_kib", int(params.Memory)),
		util.Int("iterations", int(params.Iterations)),
		util.Int("parallelism", int(params.Parallelism)),
		util.Bool("pepper", cfg.Hashing.Pepper != ""),
	)

	opts := keystore.Options{
		Dir:      cfg.Keys.Dir,
		Issuer:   cfg.Keys.Issuer,
		Audience: cfg.Keys.Audience,
		Clock:    f.clock,
		Logger:   util.Named("keystore"),
	}
	if f.kmsClient != nil {
		opts.Wrapper = f.kmsClient
	}
	ks, err := keystore.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	f.keyStore = ks

	creds, err := f.credentialRepository(ctx)
	if err != nil {
		return err
	}
	f.credentials = creds

	f.dispatcher = audit.NewDispatcher(cfg.Audit.QueueSize, util.Named("audit"), f.sinks()...)
	f.auditLog = audit.NewLog(cfg.Audit.BufferSize, f.clock, util.Named("audit"), f.dispatcher)

	var mirror threat.BlockMirror
	if cfg.Storage.BlockMirror {
		mirror = redisrepo.NewBlockCache(f.redisClient, f.clock)
	}
	f.ledger = threat.NewLedger(cfg.Threat, f.clock, util.Named("threat"), f.bucketingManager, mirror)
	f.sessions = session.NewStore(cfg.Session, f.clock, util.Named("session"), f.auditLog, f.bucketingManager)
	f.mfaProvider = mfa.NewProvider(cfg.MFA, f.credentials, f.keyStore, f.auditLog, f.clock, util.Named("mfa"), f.bucketingManager)
	f.scheduler = scheduler.New(f.clock, util.Named("scheduler"))

	f.gateway, err = gateway.New(gateway.Dependencies{
		Config:      cfg,
		Keys:        f.keyStore,
		Hasher:      f.hasher,
		Credentials: f.credentials,
		MFA:         f.mfaProvider,
		Ledger:      f.ledger,
		Sessions:    f.sessions,
		Audit:       f.auditLog,
		Scheduler:   f.scheduler,
		Clock:       f.clock,
		Logger:      util.Named("gateway"),
	})
	if err != nil {
		return err
	}

	if f.redisClient != nil {
		f.limiter = redisrepo.NewRateLimitCache(f.redisClient, f.clock, cfg.Server.RequestBurst, time.Second)
	} else {
		memLimiter := handler.NewMemoryLimiter(cfg.Server.RequestsPerSec, cfg.Server.RequestBurst, f.clock)
		if err := f.scheduler.Every("rate_limit_sweep", time.Minute, func(context.Context) {
			memLimiter.Sweep(limiterIdle)
		}); err != nil {
			return err
		}
		f.limiter = memLimiter
	}

	logger.Info("Security core initialized",
		util.Int("shards", f.bucketingManager.Buckets()),
		util.Bool("block_mirror", mirror != nil),
	)
	return nil
}

func (f *Factory) credentialRepository(ctx context.Context) (repository.CredentialRepository, error) {
	switch f.config.Storage.CredentialBackend {
	case "scylla":
		return scylla.NewCredentialRepository(f.scyllaClient, f.bucketingManager), nil
	case "redis":
		return redisrepo.NewCredentialCache(f.redisClient), nil
	}

	repo := memory.NewCredentialRepository()
	if f.config.Storage.SeedEmail != "" {
		encoded, err := f.gatewayHash(f.config.Storage.SeedPassword)
		if err != nil {
			return nil, fmt.Errorf("seed credential: %w", err)
		}
		if err := repo.Save(ctx, &models.Credential{
			UserID:       uuid.NewString(),
			Email:        f.config.Storage.SeedEmail,
			PasswordHash: encoded,
			UpdatedAt:    f.clock.Now(),
		}); err != nil {
			return nil, fmt.Errorf("seed credential: %w", err)
		}
		util.Warn("Seeded development credential", util.Email("email", repository.NormalizeEmail(f.config.Storage.SeedEmail)))
	}
	return repo, nil
}

func (f *Factory) gatewayHash(password string) (string, error) {
	if strength := hashing.ValidateStrength(password); !strength.Valid {
		return "", fmt.Errorf("weak password: %v", strength.Errors)
	}
	return f.hasher.Hash(password)
}

func (f *Factory) sinks() []audit.Sink {
	var sinks []audit.Sink
	if f.kafkaProducer != nil {
		sinks = append(sinks, alerting.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AlertTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, alerting.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if f.clickhouseClient != nil {
		f.clickhouseSink = alerting.NewClickHouseSink(
			f.clickhouseClient,
			f.config.Clickhouse.Table,
			f.config.Clickhouse.BatchSize,
			f.config.Clickhouse.FlushInterval,
			f.bucketingManager,
			util.Named("clickhouse_sink"),
		)
		sinks = append(sinks, f.clickhouseSink)
	}
	return sinks
}

// Start launches the audit dispatcher, batching sinks and maintenance jobs
func (f *Factory) Start(ctx context.Context) error {
	f.dispatcher.Start()
	if f.clickhouseSink != nil {
		f.clickhouseSink.Start()
	}
	return f.gateway.Start(ctx)
}

// Router builds the HTTP adapter over the gateway
func (f *Factory) Router() chi.Router {
	logger := util.Named("http")
	return handler.NewRouter(
		f.config.Server,
		handler.NewAuthHandler(f.gateway, logger),
		f.limiter,
		f.Healthy,
		logger,
	)
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every configured backend concurrently
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	var (
		mu           sync.Mutex
		healthErrors = make(map[string]error)
	)
	checks := map[string]func(context.Context) error{}
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
	if f.credentials != nil {
		checks["credentials"] = f.credentials.HealthCheck
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		name, check := name, check
		g.Go(func() error {
			if err := check(gctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return healthErrors
}

// Healthy folds HealthCheck into one error for the liveness endpoint
func (f *Factory) Healthy(ctx context.Context) error {
	var errs []error
	for name, err := range f.HealthCheck(ctx) {
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.gateway != nil {
			f.gateway.Stop()
		}

		// the dispatcher drains queued events, then closes the sink clients
		if f.dispatcher != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := f.dispatcher.Close(ctx); err != nil {
				util.Error("Audit dispatcher did not drain", util.ErrorField(err))
			}
			cancel()
			f.kafkaProducer = nil
			f.clickhouseClient = nil
		}

		f.closeClients()

		if f.keyStore != nil {
			f.keyStore.Close()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return nil
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		}
	}
	if f.esClient != nil {
		f.esClient.Close()
	}
	if f.scyllaClient != nil {
		f.scyllaClient.Close()
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		}
	}
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Gateway() *gateway.Gateway {
	return f.gateway
}

func (f *Factory) AuditLog() *audit.Log {
	return f.auditLog
}

func (f *Factory) Limiter() handler.IPLimiter {
	return f.limiter
}
