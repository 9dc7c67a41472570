package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// Config is the full runtime configuration of the identity service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// StorageBackend selects scylla+redis or the in-process memory stores.
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"scylla"`

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	JWT           JWTConfig
	OTP           OTPConfig
	DigiLocker    DigiLockerConfig
	Liveness      LivenessConfig
	Audit         AuditConfig
}

type ServerConfig struct {
	Host            string        `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"SERVER_PORT" envDefault:"8080"`
	TLSPort         int           `env:"SERVER_TLS_PORT" envDefault:"8443"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	// TrustedProxies are CIDRs of load balancers allowed to vouch for HTTPS via X-Forwarded-Proto.
	TrustedProxies []string `env:"TRUSTED_PROXY_CIDRS" envSeparator:","`

	EnableTLS   bool   `env:"ENABLE_TLS" envDefault:"false"`
	AutoCert    bool   `env:"TLS_AUTOCERT" envDefault:"false"`
	Domain      string `env:"TLS_DOMAIN"`
	Email       string `env:"TLS_EMAIL"`
	CertFile    string `env:"TLS_CERT_FILE"`
	KeyFile     string `env:"TLS_KEY_FILE"`
	AutoCertDir string `env:"TLS_AUTOCERT_DIR" envDefault:"./certs"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type RedisConfig struct {
	URL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"50"`

	TLSCAFile   string `env:"REDIS_TLS_CA_FILE" envDefault:"/app/certs/ca.crt"`
	TLSCertFile string `env:"REDIS_TLS_CERT_FILE" envDefault:"/app/certs/redis.crt"`
	TLSKeyFile  string `env:"REDIS_TLS_KEY_FILE" envDefault:"/app/certs/redis.key"`
}

type ScyllaConfig struct {
	Nodes          []string      `env:"SCYLLA_NODES" envSeparator:"," envDefault:"localhost:9042"`
	Keyspace       string        `env:"SCYLLA_KEYSPACE" envDefault:"identity"`
	Username       string        `env:"SCYLLA_USERNAME"`
	Password       string        `env:"SCYLLA_PASSWORD"`
	LocalDC        string        `env:"SCYLLA_LOCAL_DC" envDefault:"datacenter1"`
	Timeout        time.Duration `env:"SCYLLA_TIMEOUT" envDefault:"5s"`
	ConnectTimeout time.Duration `env:"SCYLLA_CONNECT_TIMEOUT" envDefault:"10s"`
	NumConns       int           `env:"SCYLLA_NUM_CONNS" envDefault:"4"`
	AutoMigrate    bool          `env:"SCYLLA_AUTO_MIGRATE" envDefault:"true"`
}

type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	AuditTopic string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"identity.audit"`
	Enabled    bool     `env:"KAFKA_ENABLED" envDefault:"false"`
}

type ElasticsearchConfig struct {
	URL        string `env:"ELASTICSEARCH_URL" envDefault:"http://localhost:9200"`
	Username   string `env:"ELASTICSEARCH_USERNAME"`
	Password   string `env:"ELASTICSEARCH_PASSWORD"`
	AuditIndex string `env:"ELASTICSEARCH_AUDIT_INDEX" envDefault:"identity-audit"`
	Enabled    bool   `env:"ELASTICSEARCH_ENABLED" envDefault:"false"`
}

type ClickhouseConfig struct {
	URL        string `env:"CLICKHOUSE_URL" envDefault:"http://localhost:9000"`
	Username   string `env:"CLICKHOUSE_USERNAME" envDefault:"default"`
	Password   string `env:"CLICKHOUSE_PASSWORD"`
	Database   string `env:"CLICKHOUSE_DATABASE" envDefault:"identity"`
	CAFile     string `env:"CLICKHOUSE_CA_FILE"`
	AuditTable string `env:"CLICKHOUSE_AUDIT_TABLE" envDefault:"audit_events"`
	Enabled    bool   `env:"CLICKHOUSE_ENABLED" envDefault:"false"`
}

type KMSConfig struct {
	Enabled  bool          `env:"KMS_ENABLED" envDefault:"false"`
	KeyID    string        `env:"KMS_KEY_ID"`
	Region   string        `env:"AWS_REGION" envDefault:"ap-south-1"`
	Endpoint string        `env:"KMS_ENDPOINT"`
	Timeout  time.Duration `env:"KMS_TIMEOUT" envDefault:"3s"`
}

type HashingConfig struct {
	Argon ArgonConfig
	// Peppers are "version:secret" pairs; the first entry is current.
	Peppers       []string `env:"HASH_PEPPERS" envSeparator:","`
	PhoneHashSalt string   `env:"PHONE_HASH_SALT"`
}

type ArgonConfig struct {
	Time    uint32 `env:"ARGON_TIME" envDefault:"1"`
	Memory  uint32 `env:"ARGON_MEMORY_KB" envDefault:"65536"`
	Threads uint8  `env:"ARGON_THREADS" envDefault:"4"`
	KeyLen  uint32 `env:"ARGON_KEY_LEN" envDefault:"32"`
	SaltLen int    `env:"ARGON_SALT_LEN" envDefault:"16"`
}

type BucketingConfig struct {
	UserBuckets  int `env:"USER_BUCKETS" envDefault:"256"`
	EventBuckets int `env:"EVENT_BUCKETS" envDefault:"64"`
}

type JWTConfig struct {
	Secret          string        `env:"JWT_SECRET"`
	Issuer          string        `env:"JWT_ISSUER" envDefault:"identity-service"`
	Audience        string        `env:"JWT_AUDIENCE" envDefault:"matrimony-app"`
	AccessTokenTTL  time.Duration `env:"JWT_ACCESS_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"JWT_REFRESH_TTL" envDefault:"168h"`
}

type OTPConfig struct {
	// Provider is "msg91" or "self".
	Provider        string        `env:"OTP_PROVIDER" envDefault:"self"`
	TTL             time.Duration `env:"OTP_TTL" envDefault:"5m"`
	MaxAttempts     int           `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	RateLimit       int           `env:"OTP_RATE_LIMIT" envDefault:"5"`
	RateWindow      time.Duration `env:"OTP_RATE_WINDOW" envDefault:"60m"`
	ProviderTimeout time.Duration `env:"OTP_PROVIDER_TIMEOUT" envDefault:"5s"`
	SweepInterval   time.Duration `env:"OTP_SWEEP_INTERVAL" envDefault:"5m"`

	MSG91BaseURL    string `env:"MSG91_BASE_URL" envDefault:"https://control.msg91.com/api/v5"`
	MSG91AuthKey    string `env:"MSG91_AUTH_KEY"`
	MSG91TemplateID string `env:"MSG91_TEMPLATE_ID"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `env:"TWILIO_FROM_NUMBER"`
}

type DigiLockerConfig struct {
	ClientID     string        `env:"DIGILOCKER_CLIENT_ID"`
	ClientSecret string        `env:"DIGILOCKER_CLIENT_SECRET"`
	RedirectURL  string        `env:"DIGILOCKER_REDIRECT_URL"`
	AuthURL      string        `env:"DIGILOCKER_AUTH_URL" envDefault:"https://digilocker.meripehchaan.gov.in/public/oauth2/1/authorize"`
	TokenURL     string        `env:"DIGILOCKER_TOKEN_URL" envDefault:"https://digilocker.meripehchaan.gov.in/public/oauth2/1/token"`
	ProfileURL   string        `env:"DIGILOCKER_PROFILE_URL" envDefault:"https://digilocker.meripehchaan.gov.in/public/oauth2/1/user"`
	StateTTL     time.Duration `env:"DIGILOCKER_STATE_TTL" envDefault:"15m"`
	Timeout      time.Duration `env:"DIGILOCKER_TIMEOUT" envDefault:"10s"`
}

type LivenessConfig struct {
	BaseURL string        `env:"LIVENESS_BASE_URL"`
	APIKey  string        `env:"LIVENESS_API_KEY"`
	Timeout time.Duration `env:"LIVENESS_TIMEOUT" envDefault:"10s"`
}

type AuditConfig struct {
	SinkTimeout time.Duration `env:"AUDIT_SINK_TIMEOUT" envDefault:"2s"`
}

// LoadConfig reads .env (if present) and the process environment once.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		globalConfig = cfg
	})
	return globalConfig
}

// Load parses a fresh Config without touching the process-wide instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns the loaded config, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) Validate() error {
	var errs []error

	if c.IsProduction() {
		if c.JWT.Secret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required in production"))
		}
		if len(c.Hashing.Peppers) == 0 {
			errs = append(errs, errors.New("HASH_PEPPERS is required in production"))
		}
		if c.Hashing.PhoneHashSalt == "" {
			errs = append(errs, errors.New("PHONE_HASH_SALT is required in production"))
		}
		if !c.KMS.Enabled || c.KMS.KeyID == "" {
			errs = append(errs, errors.New("KMS_ENABLED and KMS_KEY_ID are required in production"))
		}
	}
	if c.DigiLocker.ClientID != "" && c.DigiLocker.RedirectURL == "" {
		errs = append(errs, errors.New("DIGILOCKER_REDIRECT_URL is required when DIGILOCKER_CLIENT_ID is set"))
	}
	if c.StorageBackend != "scylla" && c.StorageBackend != "memory" {
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be scylla or memory, got %q", c.StorageBackend))
	}
	if c.IsProduction() && c.StorageBackend == "memory" {
		errs = append(errs, errors.New("STORAGE_BACKEND=memory is not allowed in production"))
	}
	if _, err := c.Server.TrustedProxyNets(); err != nil {
		errs = append(errs, err)
	}
	if c.OTP.Provider != "msg91" && c.OTP.Provider != "self" {
		errs = append(errs, fmt.Errorf("OTP_PROVIDER must be msg91 or self, got %q", c.OTP.Provider))
	}

	for name, d := range map[string]time.Duration{
		"OTP_TTL":              c.OTP.TTL,
		"OTP_RATE_WINDOW":      c.OTP.RateWindow,
		"OTP_PROVIDER_TIMEOUT": c.OTP.ProviderTimeout,
		"OTP_SWEEP_INTERVAL":   c.OTP.SweepInterval,
		"DIGILOCKER_STATE_TTL": c.DigiLocker.StateTTL,
		"JWT_ACCESS_TTL":       c.JWT.AccessTokenTTL,
		"JWT_REFRESH_TTL":      c.JWT.RefreshTokenTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.OTP.MaxAttempts <= 0 || c.OTP.RateLimit <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS and OTP_RATE_LIMIT must be positive"))
	}
	if c.Bucketing.UserBuckets <= 0 || c.Bucketing.EventBuckets <= 0 {
		errs = append(errs, errors.New("bucket counts must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// GetServerAddress returns host:port for the plain HTTP listener.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// TrustedProxyNets parses TRUSTED_PROXY_CIDRS. A bare IP is treated as a single-host network.
func (s ServerConfig) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXY_CIDRS: invalid address %q", raw)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXY_CIDRS: %w", err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}
