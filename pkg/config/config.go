package config

import "time"

// Backend type constants
const (
	// BackendInMemory keeps records in process memory.
	BackendInMemory = "inmemory"
	// BackendPostgres uses database/sql with lib/pq.
	BackendPostgres = "postgres"
	// BackendMySQL uses database/sql with go-sql-driver/mysql.
	BackendMySQL = "mysql"
	// BackendPgx uses a pgx connection pool.
	BackendPgx = "pgx"
	// BackendMongoDB uses the official MongoDB driver.
	BackendMongoDB = "mongodb"
	// BackendDynamoDB uses AWS DynamoDB.
	BackendDynamoDB = "dynamodb"
	// BackendRedis uses Redis hashes and Lua scripts.
	BackendRedis = "redis"
	// BackendBadger uses an embedded Badger database.
	BackendBadger = "badger"
	// BackendS3 uses conditional writes on S3-compatible object storage.
	BackendS3 = "s3"
	// BackendElasticsearch uses Elasticsearch optimistic concurrency.
	BackendElasticsearch = "elasticsearch"
	// BackendOpenSearch uses OpenSearch optimistic concurrency.
	BackendOpenSearch = "opensearch"
	// BackendMemcached uses memcached add and cas.
	BackendMemcached = "memcached"
)

// SupportedBackends lists every value accepted by backend.type.
var SupportedBackends = []string{
	BackendInMemory,
	BackendPostgres,
	BackendMySQL,
	BackendPgx,
	BackendMongoDB,
	BackendDynamoDB,
	BackendRedis,
	BackendBadger,
	BackendS3,
	BackendElasticsearch,
	BackendOpenSearch,
	BackendMemcached,
}

// Config is the root configuration structure for the shedlock binary.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	Lock          LockConfig          `mapstructure:"lock" yaml:"lock"`
	Backend       BackendConfig       `mapstructure:"backend" yaml:"backend"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" yaml:"scheduler"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// LockConfig configures lock acquisition defaults.
type LockConfig struct {
	// Holder is written to locked_by. Empty uses the hostname.
	Holder                string        `mapstructure:"holder" yaml:"holder"`
	DefaultLockAtMostFor  time.Duration `mapstructure:"default_lock_at_most_for" yaml:"default_lock_at_most_for"`
	DefaultLockAtLeastFor time.Duration `mapstructure:"default_lock_at_least_for" yaml:"default_lock_at_least_for"`
	// KeepAliveFor, when positive, keeps extending locks of long running tasks.
	KeepAliveFor   time.Duration        `mapstructure:"keep_alive_for" yaml:"keep_alive_for"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures the breaker placed in front of the backend.
type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// BackendConfig selects and configures the lock storage.
type BackendConfig struct {
	Type             string                `mapstructure:"type" yaml:"type"`
	OperationTimeout time.Duration         `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	SQL              SQLBackendConfig      `mapstructure:"sql" yaml:"sql"`
	MongoDB          MongoDBBackendConfig  `mapstructure:"mongodb" yaml:"mongodb"`
	DynamoDB         DynamoDBBackendConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	Redis            RedisBackendConfig    `mapstructure:"redis" yaml:"redis"`
	Badger           BadgerBackendConfig   `mapstructure:"badger" yaml:"badger"`
	S3               S3BackendConfig       `mapstructure:"s3" yaml:"s3"`
	Search           SearchBackendConfig   `mapstructure:"search" yaml:"search"`
	Memcached        MemcachedConfig       `mapstructure:"memcached" yaml:"memcached"`
}

// SQLBackendConfig configures the postgres, mysql and pgx backends.
type SQLBackendConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	CreateSchema    bool          `mapstructure:"create_schema" yaml:"create_schema"`
}

// MongoDBBackendConfig configures the mongodb backend.
type MongoDBBackendConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	Database       string        `mapstructure:"database" yaml:"database"`
	Collection     string        `mapstructure:"collection" yaml:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// DynamoDBBackendConfig configures the dynamodb backend.
type DynamoDBBackendConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
	Table           string `mapstructure:"table" yaml:"table"`
	CreateTable     bool   `mapstructure:"create_table" yaml:"create_table"`
}

// RedisBackendConfig configures the redis backend.
type RedisBackendConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	MaxConns    int           `mapstructure:"max_conns" yaml:"max_conns"`
	ExpireAfter time.Duration `mapstructure:"expire_after" yaml:"expire_after"`
}

// BadgerBackendConfig configures the embedded badger backend.
type BadgerBackendConfig struct {
	// Path is the database directory. Empty runs in memory.
	Path string `mapstructure:"path" yaml:"path"`
}

// S3BackendConfig configures the s3 backend.
type S3BackendConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// SearchBackendConfig configures the elasticsearch and opensearch backends.
type SearchBackendConfig struct {
	URLs     []string `mapstructure:"urls" yaml:"urls"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
	APIKey   string   `mapstructure:"api_key" yaml:"api_key"`
	Index    string   `mapstructure:"index" yaml:"index"`
	MaxConns int      `mapstructure:"max_conns" yaml:"max_conns"`
}

// MemcachedConfig configures the memcached backend.
type MemcachedConfig struct {
	Addresses   []string      `mapstructure:"addresses" yaml:"addresses"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	ExpireAfter time.Duration `mapstructure:"expire_after" yaml:"expire_after"`
}

// SchedulerConfig configures the tasks run by the daemon.
type SchedulerConfig struct {
	Timezone string                `mapstructure:"timezone" yaml:"timezone"`
	Tasks    []SchedulerTaskConfig `mapstructure:"tasks" yaml:"tasks"`
}

// SchedulerTaskConfig describes one scheduled command. The task name is
// also the lock name.
type SchedulerTaskConfig struct {
	Name           string        `mapstructure:"name" yaml:"name"`
	Cron           string        `mapstructure:"cron" yaml:"cron"`
	Command        []string      `mapstructure:"command" yaml:"command"`
	Timezone       string        `mapstructure:"timezone" yaml:"timezone"`
	LockAtMostFor  time.Duration `mapstructure:"lock_at_most_for" yaml:"lock_at_most_for"`
	LockAtLeastFor time.Duration `mapstructure:"lock_at_least_for" yaml:"lock_at_least_for"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Router implementations accepted by management.router.
const (
	RouterNetHTTP = "nethttp"
	RouterGin     = "gin"
	RouterGorilla = "gorilla"
)

// ManagementConfig configures the daemon's management HTTP server.
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Router       string        `mapstructure:"router" yaml:"router"` // nethttp, gin, gorilla
	// AllowTrigger exposes POST /tasks/{name}/trigger.
	AllowTrigger bool          `mapstructure:"allow_trigger" yaml:"allow_trigger"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"` // json, text
	ServiceName       string  `mapstructure:"service_name" yaml:"service_name"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "shedlock",
			Environment: "production",
		},
		Lock: LockConfig{
			DefaultLockAtMostFor:  10 * time.Minute,
			DefaultLockAtLeastFor: 0,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				OpenTimeout: 30 * time.Second,
			},
		},
		Backend: BackendConfig{
			Type:             BackendInMemory,
			OperationTimeout: 3 * time.Second,
			SQL: SQLBackendConfig{
				Table:           "shedlock",
				MaxOpenConns:    5,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
			MongoDB: MongoDBBackendConfig{
				Collection:     "shedLock",
				ConnectTimeout: 10 * time.Second,
			},
			DynamoDB: DynamoDBBackendConfig{
				Table: "Shedlock",
			},
			Redis: RedisBackendConfig{
				Prefix: "shedlock",
			},
			S3: S3BackendConfig{
				Prefix: "shedlock/",
			},
			Search: SearchBackendConfig{
				Index: "shedlock",
			},
			Memcached: MemcachedConfig{
				Prefix: "shedlock:",
			},
		},
		Scheduler: SchedulerConfig{
			Timezone: "UTC",
		},
		Management: ManagementConfig{
			Enabled:      true,
			Port:         9090,
			Router:       RouterNetHTTP,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			ServiceName:       "shedlock",
			TracingEnabled:    false,
			TracingSampleRate: 0.1,
			TracingEndpoint:   "localhost:4317",
		},
	}
}
