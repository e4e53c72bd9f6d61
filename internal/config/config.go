package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

// Supported throttle store backends.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendScylla = "scylla"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Bucketing     BucketingConfig
	Throttle      ThrottleConfig
	Events        EventsConfig
	Admin         AdminConfig
	Metrics       MetricsConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	RequireTLS  bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string

	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects where throttle records live.
type StoreConfig struct {
	Backend         string
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type BucketingConfig struct {
	BlockedBuckets int
}

// ThrottleConfig drives policy loading and the grace-period sweep.
type ThrottleConfig struct {
	PolicyFile     string
	LoadDefaults   bool
	SweepEnabled   bool
	SweepHour      int
	SweepMinute    int
	SweepTimeout   time.Duration
	IdentityHeader string
}

// EventsConfig lists the sinks throttle events are fanned out to.
type EventsConfig struct {
	Sinks      []string
	BufferSize int
	BatchSize  int
	FlushEvery time.Duration

	// IdentityPepper enables pseudonymized identities in exported events.
	IdentityPepper        string
	IdentityPepperVersion int
	// OldIdentityPeppers are retired "version=value" pairs still accepted for history lookups.
	OldIdentityPeppers []string
}

type AdminConfig struct {
	Token string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads configuration from the environment, optionally seeded from a .env file.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("APP_ENV", EnvDevelopment),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			RequireTLS:     getEnvBool("SERVER_REQUIRE_TLS", false),
			AutoCert:       getEnvBool("SERVER_AUTOCERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			AllowedOrigins: splitCSV(getEnv("SERVER_ALLOWED_ORIGINS", "https://*,http://localhost:*")),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Store: StoreConfig{
			Backend:         strings.ToLower(getEnv("THROTTLE_STORE", BackendMemory)),
			Dialect:         strings.ToLower(getEnv("THROTTLE_SQL_DIALECT", "postgres")),
			DSN:             getEnv("THROTTLE_SQL_DSN", ""),
			MaxOpenConns:    getEnvInt("THROTTLE_SQL_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("THROTTLE_SQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("THROTTLE_SQL_CONN_MAX_LIFETIME", 30*time.Minute),
			AutoMigrate:     getEnvBool("THROTTLE_SQL_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			PoolSize:  getEnvInt("REDIS_POOL_SIZE", 20),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "throttle"),
		},
		Scylla: ScyllaConfig{
			Nodes:    splitCSV(getEnv("SCYLLA_NODES", "localhost:9042")),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "throttle"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers: splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:   getEnv("KAFKA_THROTTLE_TOPIC", "throttle-events"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
			Table:    getEnv("CLICKHOUSE_THROTTLE_TABLE", "throttle_events"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_THROTTLE_INDEX", "throttle-events"),
		},
		Bucketing: BucketingConfig{
			BlockedBuckets: getEnvInt("BUCKETING_BLOCKED_BUCKETS", 16),
		},
		Throttle: ThrottleConfig{
			PolicyFile:     getEnv("THROTTLE_POLICY_FILE", ""),
			LoadDefaults:   getEnvBool("THROTTLE_LOAD_DEFAULT_POLICIES", true),
			SweepEnabled:   getEnvBool("THROTTLE_SWEEP_ENABLED", true),
			SweepHour:      getEnvInt("THROTTLE_SWEEP_HOUR", 1),
			SweepMinute:    getEnvInt("THROTTLE_SWEEP_MINUTE", 0),
			SweepTimeout:   getEnvDuration("THROTTLE_SWEEP_TIMEOUT", 30*time.Minute),
			IdentityHeader: getEnv("THROTTLE_IDENTITY_HEADER", ""),
		},
		Events: EventsConfig{
			Sinks:      splitCSV(getEnv("EVENT_SINKS", "")),
			BufferSize: getEnvInt("EVENT_BUFFER_SIZE", 1024),
			BatchSize:  getEnvInt("EVENT_BATCH_SIZE", 100),
			FlushEvery: getEnvDuration("EVENT_FLUSH_INTERVAL", 5*time.Second),

			IdentityPepper:        getEnv("EVENT_IDENTITY_PEPPER", ""),
			IdentityPepperVersion: getEnvInt("EVENT_IDENTITY_PEPPER_VERSION", 1),
			OldIdentityPeppers:    splitCSV(getEnv("EVENT_IDENTITY_OLD_PEPPERS", "")),
		},
		Admin: AdminConfig{
			Token: getEnv("ADMIN_TOKEN", ""),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	Set(cfg)
	return cfg
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendScylla:
	case BackendSQL:
		switch c.Store.Dialect {
		case "postgres", "mysql", "sqlite":
		default:
			return fmt.Errorf("unsupported THROTTLE_SQL_DIALECT %q", c.Store.Dialect)
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("THROTTLE_SQL_DSN is required for the sql store")
		}
	default:
		return fmt.Errorf("unsupported THROTTLE_STORE %q", c.Store.Backend)
	}

	if c.Throttle.SweepHour < 0 || c.Throttle.SweepHour > 23 {
		return fmt.Errorf("THROTTLE_SWEEP_HOUR must be between 0 and 23, got %d", c.Throttle.SweepHour)
	}
	if c.Throttle.SweepMinute < 0 || c.Throttle.SweepMinute > 59 {
		return fmt.Errorf("THROTTLE_SWEEP_MINUTE must be between 0 and 59, got %d", c.Throttle.SweepMinute)
	}
	if c.Bucketing.BlockedBuckets <= 0 {
		return fmt.Errorf("BUCKETING_BLOCKED_BUCKETS must be positive")
	}

	for _, sink := range c.Events.Sinks {
		switch sink {
		case "kafka", "clickhouse", "elasticsearch", "log":
		default:
			return fmt.Errorf("unsupported event sink %q", sink)
		}
	}

	if c.IsProduction() && c.Admin.Token == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}
	return nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg != nil {
		return cfg
	}
	return LoadConfig()
}

// Set replaces the process-wide configuration.
func Set(cfg *Config) {
	mu.Lock()
	current = cfg
	mu.Unlock()
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment || c.Environment == EnvTest
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetTLSAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.TLSPort)
}

// HasSink reports whether the named event sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Events.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
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
