package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full service configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Keys          KeysConfig
	Hashing       HashingConfig
	Session       SessionConfig
	Threat        ThreatConfig
	Audit         AuditConfig
	MFA           MFAConfig
	Storage       StorageConfig
}

type ServerConfig struct {
	Port            int
	TLSPort         int
	EnableTLS       bool
	AutoCert        bool
	Domain          string
	CertFile        string
	KeyFile         string
	AutoCertDir     string
	Email           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	AllowedOrigins  []string
	TrustedProxies  []string
	RequestsPerSec  float64
	RequestBurst    int
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	PoolSize    int
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type ScyllaConfig struct {
	Nodes      []string
	Keyspace   string
	Username   string
	Password   string
	EnableTLS  bool
	CAFile     string
	CertFile   string
	KeyFile    string
	Timeout    time.Duration
	MaxRetries int
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AlertTopic string
	EnableTLS  bool
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	Database      string
	Table         string
	CAFile        string
	BatchSize     int
	FlushInterval time.Duration
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// KeysConfig locates the persisted signing keypair and master key
type KeysConfig struct {
	Dir      string
	Issuer   string
	Audience string
}

type HashingConfig struct {
	Argon2MemoryCost  int // KiB
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
}

type SessionConfig struct {
	MaxPerUser      int
	AbsoluteTimeout time.Duration
	IdleTimeout     time.Duration
	RiskTrip        int
	IPChangeRisk    int
	UAChangeRisk    int
	Retention       time.Duration
	Shards          int
	GCInterval      time.Duration
}

type ThreatConfig struct {
	MaxFailures         int
	FailureWindow       time.Duration
	LockoutDuration     time.Duration
	MaxTrackedFailures  int
	SweepInterval       time.Duration
	CorrelationInterval time.Duration
	CorrelationWindow   time.Duration
	CorrelationScore    int
	CredentialTimeout   time.Duration
}

type AuditConfig struct {
	BufferSize int
	QueueSize  int
}

type MFAConfig struct {
	Issuer          string
	BackupCodeCount int
}

// StorageConfig selects the credential lookup backend: memory, redis or scylla.
// SeedEmail and SeedPassword create one account in the memory backend.
type StorageConfig struct {
	CredentialBackend string
	BlockMirror       bool
	SeedEmail         string
	SeedPassword      string
}

// LoadConfig reads the optional .env file and then the process environment
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8080),
			TLSPort:         getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:       getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:        getEnvBool("SERVER_AUTO_CERT", false),
			Domain:          getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:        getEnv("SERVER_CERT_FILE", ""),
			KeyFile:         getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:     getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:           getEnv("SERVER_EMAIL", ""),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			TrustedProxies:  getEnvSlice("SERVER_TRUSTED_PROXIES", nil),
			RequestsPerSec:  getEnvFloat("SERVER_REQUESTS_PER_SEC", 20),
			RequestBurst:    getEnvInt("SERVER_REQUEST_BURST", 40),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PoolSize:    getEnvInt("REDIS_POOL_SIZE", 50),
			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Scylla: ScyllaConfig{
			Nodes:      getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace:   getEnv("SCYLLA_KEYSPACE", "auth"),
			Username:   getEnv("SCYLLA_USERNAME", ""),
			Password:   getEnv("SCYLLA_PASSWORD", ""),
			EnableTLS:  getEnvBool("SCYLLA_ENABLE_TLS", false),
			CAFile:     getEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertFile:   getEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyFile:    getEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			Timeout:    getEnvDuration("SCYLLA_TIMEOUT", 10*time.Second),
			MaxRetries: getEnvInt("SCYLLA_MAX_RETRIES", 3),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AlertTopic: getEnv("KAFKA_ALERT_TOPIC", "security-alerts"),
			EnableTLS:  getEnvBool("KAFKA_ENABLE_TLS", false),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:       getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:           getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "auth"),
			Table:         getEnv("CLICKHOUSE_TABLE", "security_events"),
			CAFile:        getEnv("CLICKHOUSE_CA_FILE", ""),
			BatchSize:     getEnvInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", 5*time.Second),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		Keys: KeysConfig{
			Dir:      getEnv("KEYS_DIR", "./keys"),
			Issuer:   getEnv("JWT_ISSUER", "auth-gateway"),
			Audience: getEnv("JWT_AUDIENCE", "auth-gateway-clients"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			Pepper:            getEnv("PASSWORD_PEPPER", ""),
		},
		Session: SessionConfig{
			MaxPerUser:      getEnvInt("SESSION_MAX_PER_USER", 3),
			AbsoluteTimeout: getEnvDuration("SESSION_ABSOLUTE_TIMEOUT", time.Hour),
			IdleTimeout:     getEnvDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
			RiskTrip:        getEnvInt("SESSION_RISK_TRIP", 40),
			IPChangeRisk:    getEnvInt("SESSION_IP_CHANGE_RISK", 50),
			UAChangeRisk:    getEnvInt("SESSION_UA_CHANGE_RISK", 30),
			Retention:       getEnvDuration("SESSION_RETENTION", time.Hour),
			Shards:          getEnvInt("SESSION_SHARDS", 64),
			GCInterval:      getEnvDuration("SESSION_GC_INTERVAL", time.Minute),
		},
		Threat: ThreatConfig{
			MaxFailures:         getEnvInt("THREAT_MAX_FAILURES", 3),
			FailureWindow:       getEnvDuration("THREAT_FAILURE_WINDOW", 5*time.Minute),
			LockoutDuration:     getEnvDuration("THREAT_LOCKOUT_DURATION", 30*time.Minute),
			MaxTrackedFailures:  getEnvInt("THREAT_MAX_TRACKED_FAILURES", 20),
			SweepInterval:       getEnvDuration("THREAT_SWEEP_INTERVAL", time.Minute),
			CorrelationInterval: getEnvDuration("THREAT_CORRELATION_INTERVAL", time.Minute),
			CorrelationWindow:   getEnvDuration("THREAT_CORRELATION_WINDOW", time.Hour),
			CorrelationScore:    getEnvInt("THREAT_CORRELATION_SCORE", 100),
			CredentialTimeout:   getEnvDuration("CREDENTIAL_LOOKUP_TIMEOUT", 2*time.Second),
		},
		Audit: AuditConfig{
			BufferSize: getEnvInt("AUDIT_BUFFER_SIZE", 10000),
			QueueSize:  getEnvInt("AUDIT_QUEUE_SIZE", 1024),
		},
		MFA: MFAConfig{
			Issuer:          getEnv("MFA_ISSUER", "auth-gateway"),
			BackupCodeCount: getEnvInt("MFA_BACKUP_CODE_COUNT", 10),
		},
		Storage: StorageConfig{
			CredentialBackend: strings.ToLower(getEnv("CREDENTIAL_BACKEND", "memory")),
			BlockMirror:       getEnvBool("REDIS_BLOCK_MIRROR", false),
			SeedEmail:         getEnv("DEV_SEED_EMAIL", ""),
			SeedPassword:      getEnv("DEV_SEED_PASSWORD", ""),
		},
	}
}

// Validate rejects configurations the security core cannot run safely with
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.CredentialBackend {
	case "memory", "redis", "scylla":
	default:
		errs = append(errs, fmt.Errorf("unknown credential backend %q", c.Storage.CredentialBackend))
	}
	if c.IsProduction() && c.Storage.CredentialBackend == "memory" {
		errs = append(errs, errors.New("in-memory credential backend is not allowed in production"))
	}
	if c.Storage.SeedEmail != "" && c.Storage.CredentialBackend != "memory" {
		errs = append(errs, errors.New("DEV_SEED_EMAIL is only supported by the memory backend"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if c.Keys.Dir == "" {
		errs = append(errs, errors.New("KEYS_DIR is required"))
	}
	if c.Session.MaxPerUser < 1 {
		errs = append(errs, errors.New("SESSION_MAX_PER_USER must be at least 1"))
	}
	if c.Session.IdleTimeout <= 0 || c.Session.AbsoluteTimeout <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.Threat.MaxFailures < 1 {
		errs = append(errs, errors.New("THREAT_MAX_FAILURES must be at least 1"))
	}
	if c.Hashing.Argon2MemoryCost < 8*c.Hashing.Argon2Parallelism || c.Hashing.Argon2TimeCost < 1 || c.Hashing.Argon2Parallelism < 1 {
		errs = append(errs, errors.New("invalid argon2 parameters"))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when Kafka is enabled"))
	}

	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses SERVER_TRUSTED_PROXIES. A bare address is
// treated as a single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("SERVER_TRUSTED_PROXIES: invalid entry %q", raw)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("SERVER_TRUSTED_PROXIES: invalid entry %q", raw)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ===================== ENV HELPERS =====================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
