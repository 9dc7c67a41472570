package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/digilocker"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/liveness"
	"identity-service/internal/otp"
	"identity-service/internal/repository"
	"identity-service/internal/repository/memory"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/tls"
	"identity-service/internal/util"
)

const backendMemory = "memory"

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	keys             encryption.KeyService
	phoneVault       *encryption.Vault
	tokenVault       *encryption.Vault
	bucketingManager *bucketing.BucketingManager

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeServices(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("storage_backend", cfg.StorageBackend),
		util.String("otp_provider", cfg.OTP.Provider),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients connects the primary stores and the optional audit sinks.
// Primary stores are fatal; audit sinks only warn.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.config.StorageBackend != backendMemory {
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient

		scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		util.Info("Primary stores initialized and healthy")
	} else {
		util.Warn("Using in-memory storage; data is lost on restart")
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without audit search", util.ErrorField(err))
		} else {
			f.esClient = esClient
		}
	}

	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without audit analytics", util.ErrorField(err))
		} else {
			f.clickhouseClient = chClient
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				util.Warn("ClickHouse health check failed", util.ErrorField(err))
			}
		}
	}

	return nil
}

// initializeManagers initializes hashing, envelope encryption, and bucketing
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kmsClient, err := encryption.NewKMSClient(ctx, f.config)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		f.keys = encryption.NewKMSKeyService(kmsClient, f.config.KMS.KeyID, f.config.KMS.Timeout)
	} else {
		local, err := encryption.NewLocalKeyService()
		if err != nil {
			return fmt.Errorf("local key service: %w", err)
		}
		f.keys = local
		util.Warn("KMS disabled, sealing with a process-local master key")
	}

	f.phoneVault = encryption.NewVault(f.keys, encryption.PurposePhone)
	f.tokenVault = encryption.NewVault(f.keys, encryption.PurposeDigiLockerToken)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	util.Info("Managers initialized successfully",
		util.Bool("kms", f.config.KMS.Enabled),
		util.Int("user_buckets", f.config.Bucketing.UserBuckets),
		util.Int("event_buckets", f.config.Bucketing.EventBuckets),
	)
	return nil
}

func (f *Factory) initializeServices() error {
	deps := service.Dependencies{
		Config:     f.config,
		Hasher:     f.hasher,
		PhoneVault: f.phoneVault,
		TokenVault: f.tokenVault,
		Bucketing:  f.bucketingManager,
		DigiLocker: digilocker.NewClient(f.config),
		Liveness:   liveness.NewChecker(f.config, util.Named("liveness")),
		AuditSinks: f.auditSinks(),
	}

	var codes repository.OTPCodeStore
	if f.config.StorageBackend == backendMemory {
		deps.Users = memory.NewUserStore()
		deps.OTPs = memory.NewOTPStore()
		deps.Sessions = memory.NewSessionStore()
		deps.Audits = memory.NewAuditStore()
		deps.States = memory.NewStateStore(nil)
		deps.Limiter = memory.NewRateLimiter()
		codes = memory.NewCodeStore(nil)
	} else {
		logger := util.Get()
		deps.Users = scylla.NewUserRepository(f.scyllaClient, f.bucketingManager, logger)
		deps.OTPs = scylla.NewOTPRepository(f.scyllaClient, logger)
		deps.Sessions = scylla.NewSessionRepository(f.scyllaClient, logger)
		deps.Audits = scylla.NewAuditRepository(f.scyllaClient, logger)
		deps.States = redisrepo.NewStateCache(f.redisClient, logger)
		deps.Limiter = redisrepo.NewRateLimitCache(f.redisClient, logger)
		codes = redisrepo.NewOTPCodeCache(f.redisClient)
	}

	provider, err := f.otpProvider(codes)
	if err != nil {
		return err
	}
	deps.OTPProvider = provider

	sf, err := service.NewServiceFactory(deps, util.Get())
	if err != nil {
		return err
	}
	f.serviceFactory = sf
	return nil
}

// otpProvider picks MSG91 (provider-held codes) or the self-hosted hashed-code provider.
func (f *Factory) otpProvider(codes repository.OTPCodeStore) (otp.Provider, error) {
	cfg := f.config
	logger := util.Named("otp-provider")

	if cfg.OTP.Provider == "msg91" {
		msg91, err := otp.NewMSG91Provider(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("msg91: %w", err)
		}
		return msg91, nil
	}

	var sender otp.Sender
	if cfg.OTP.TwilioAccountSID != "" {
		twilio, err := otp.NewTwilioSender(cfg.OTP.TwilioAccountSID, cfg.OTP.TwilioAuthToken,
			cfg.OTP.TwilioFromNumber, cfg.OTP.ProviderTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("twilio: %w", err)
		}
		sender = twilio
	} else {
		logSender, err := otp.NewLogSender(cfg.Environment, logger)
		if err != nil {
			return nil, fmt.Errorf("no SMS sender configured: %w", err)
		}
		sender = logSender
	}
	return otp.NewHashedCodeProvider(codes, f.hasher, sender, cfg.OTP.TTL, logger), nil
}

func (f *Factory) auditSinks() []audit.Sink {
	var sinks []audit.Sink

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}

	if f.clickhouseClient != nil {
		chSink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.AuditTable)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := chSink.EnsureTable(ctx); err != nil {
			util.Warn("ClickHouse audit table unavailable - sink disabled", util.ErrorField(err))
		} else {
			sinks = append(sinks, chSink)
		}
		cancel()
	}

	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}

	return sinks
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every configured dependency; nil means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := make(map[string]error)

	if f.config.StorageBackend == backendMemory {
		health["storage"] = nil
	} else {
		if f.redisClient != nil {
			health["redis"] = f.redisClient.HealthCheck(ctx)
		} else {
			health["redis"] = fmt.Errorf("redis client not initialized")
		}
		if f.scyllaClient != nil {
			health["scylla"] = f.scyllaClient.HealthCheck()
		} else {
			health["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck()
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}

	return health
}

// IsHealthy ignores the audit sinks: they are best-effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		switch name {
		case "kafka", "elasticsearch", "clickhouse":
			continue
		}
		if err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

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

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Data key caches cleared")
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}
