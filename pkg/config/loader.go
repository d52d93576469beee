package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment variable read by the loader.
const DefaultEnvPrefix = "SHEDLOCK"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	envFiles   []string
	flags      *pflag.FlagSet
}

// flagBindings maps CLI flag names to configuration keys.
var flagBindings = map[string]string{
	"backend":    "backend.type",
	"holder":     "lock.holder",
	"log-level":  "observability.log_level",
	"log-format": "observability.log_format",
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to SHEDLOCK)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: strings.TrimSpace(configFile),
		envPrefix:  envPrefix,
	}
}

// WithEnvFiles loads the given dotenv files before reading the environment.
// Missing files are skipped and variables already set are kept.
func (l *ViperLoader) WithEnvFiles(paths ...string) *ViperLoader {
	l.envFiles = append(l.envFiles, paths...)
	return l
}

// WithFlags lets explicitly set CLI flags override file and env values.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v, err := l.newViper()
	if err != nil {
		return nil, err
	}
	return l.finish(v)
}

func (l *ViperLoader) newViper() (*viper.Viper, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}
	return v, nil
}

// finish applies env and flag overrides, then unmarshals and validates.
func (l *ViperLoader) finish(v *viper.Viper) (*Config, error) {
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (l *ViperLoader) loadEnvFiles() error {
	for _, path := range l.envFiles {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagBindings {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bind := func(key string, suffixes ...string) {
		names := make([]string, 0, len(suffixes)+1)
		names = append(names, key)
		for _, suffix := range suffixes {
			names = append(names, l.prefixedEnv(suffix))
		}
		_ = v.BindEnv(names...)
	}

	// Service
	bind("service.name", "SERVICE_NAME")
	bind("service.environment", "SERVICE_ENVIRONMENT", "ENVIRONMENT")

	// Lock
	bind("lock.holder", "LOCK_HOLDER", "HOLDER")
	bind("lock.default_lock_at_most_for", "LOCK_DEFAULT_LOCK_AT_MOST_FOR")
	bind("lock.default_lock_at_least_for", "LOCK_DEFAULT_LOCK_AT_LEAST_FOR")
	bind("lock.keep_alive_for", "LOCK_KEEP_ALIVE_FOR")
	bind("lock.circuit_breaker.enabled", "LOCK_CIRCUIT_BREAKER_ENABLED")
	bind("lock.circuit_breaker.max_failures", "LOCK_CIRCUIT_BREAKER_MAX_FAILURES")
	bind("lock.circuit_breaker.open_timeout", "LOCK_CIRCUIT_BREAKER_OPEN_TIMEOUT")

	// Backend
	bind("backend.type", "BACKEND_TYPE", "BACKEND")
	bind("backend.operation_timeout", "BACKEND_OPERATION_TIMEOUT")

	bind("backend.sql.url", "BACKEND_SQL_URL", "DB_URL")
	bind("backend.sql.table", "BACKEND_SQL_TABLE")
	bind("backend.sql.max_open_conns", "BACKEND_SQL_MAX_OPEN_CONNS")
	bind("backend.sql.max_idle_conns", "BACKEND_SQL_MAX_IDLE_CONNS")
	bind("backend.sql.conn_max_lifetime", "BACKEND_SQL_CONN_MAX_LIFETIME")
	bind("backend.sql.create_schema", "BACKEND_SQL_CREATE_SCHEMA")

	bind("backend.mongodb.url", "BACKEND_MONGODB_URL")
	bind("backend.mongodb.database", "BACKEND_MONGODB_DATABASE")
	bind("backend.mongodb.collection", "BACKEND_MONGODB_COLLECTION")
	bind("backend.mongodb.connect_timeout", "BACKEND_MONGODB_CONNECT_TIMEOUT")

	bind("backend.dynamodb.region", "BACKEND_DYNAMODB_REGION", "AWS_REGION")
	bind("backend.dynamodb.endpoint", "BACKEND_DYNAMODB_ENDPOINT")
	bind("backend.dynamodb.access_key_id", "BACKEND_DYNAMODB_ACCESS_KEY_ID")
	bind("backend.dynamodb.secret_access_key", "BACKEND_DYNAMODB_SECRET_ACCESS_KEY")
	bind("backend.dynamodb.session_token", "BACKEND_DYNAMODB_SESSION_TOKEN")
	bind("backend.dynamodb.table", "BACKEND_DYNAMODB_TABLE")
	bind("backend.dynamodb.create_table", "BACKEND_DYNAMODB_CREATE_TABLE")

	bind("backend.redis.url", "BACKEND_REDIS_URL", "REDIS_URL")
	bind("backend.redis.prefix", "BACKEND_REDIS_PREFIX")
	bind("backend.redis.max_conns", "BACKEND_REDIS_MAX_CONNS")
	bind("backend.redis.expire_after", "BACKEND_REDIS_EXPIRE_AFTER")

	bind("backend.badger.path", "BACKEND_BADGER_PATH")

	bind("backend.s3.bucket", "BACKEND_S3_BUCKET")
	bind("backend.s3.prefix", "BACKEND_S3_PREFIX")
	bind("backend.s3.region", "BACKEND_S3_REGION", "AWS_REGION")
	bind("backend.s3.endpoint", "BACKEND_S3_ENDPOINT")
	bind("backend.s3.access_key_id", "BACKEND_S3_ACCESS_KEY_ID")
	bind("backend.s3.secret_access_key", "BACKEND_S3_SECRET_ACCESS_KEY")
	bind("backend.s3.session_token", "BACKEND_S3_SESSION_TOKEN")
	bind("backend.s3.use_path_style", "BACKEND_S3_USE_PATH_STYLE")

	bind("backend.search.urls", "BACKEND_SEARCH_URLS")
	bind("backend.search.username", "BACKEND_SEARCH_USERNAME")
	bind("backend.search.password", "BACKEND_SEARCH_PASSWORD")
	bind("backend.search.api_key", "BACKEND_SEARCH_API_KEY")
	bind("backend.search.index", "BACKEND_SEARCH_INDEX")
	bind("backend.search.max_conns", "BACKEND_SEARCH_MAX_CONNS")

	bind("backend.memcached.addresses", "BACKEND_MEMCACHED_ADDRESSES")
	bind("backend.memcached.prefix", "BACKEND_MEMCACHED_PREFIX")
	bind("backend.memcached.expire_after", "BACKEND_MEMCACHED_EXPIRE_AFTER")

	// Scheduler
	bind("scheduler.timezone", "SCHEDULER_TIMEZONE")

	// Management
	bind("management.enabled", "MGMT_ENABLED")
	bind("management.port", "MGMT_PORT")
	bind("management.router", "MGMT_ROUTER")
	bind("management.allow_trigger", "MGMT_ALLOW_TRIGGER")
	bind("management.read_timeout", "MGMT_READ_TIMEOUT")
	bind("management.write_timeout", "MGMT_WRITE_TIMEOUT")

	// Observability
	bind("observability.log_level", "LOG_LEVEL")
	bind("observability.log_format", "LOG_FORMAT")
	bind("observability.service_name", "SERVICE_NAME")
	bind("observability.tracing_enabled", "TRACING_ENABLED")
	bind("observability.tracing_sample_rate", "TRACING_SAMPLE_RATE")
	bind("observability.tracing_endpoint", "TRACING_ENDPOINT")
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("lock.holder", cfg.Lock.Holder)
	v.SetDefault("lock.default_lock_at_most_for", cfg.Lock.DefaultLockAtMostFor)
	v.SetDefault("lock.default_lock_at_least_for", cfg.Lock.DefaultLockAtLeastFor)
	v.SetDefault("lock.keep_alive_for", cfg.Lock.KeepAliveFor)
	v.SetDefault("lock.circuit_breaker.enabled", cfg.Lock.CircuitBreaker.Enabled)
	v.SetDefault("lock.circuit_breaker.max_failures", cfg.Lock.CircuitBreaker.MaxFailures)
	v.SetDefault("lock.circuit_breaker.open_timeout", cfg.Lock.CircuitBreaker.OpenTimeout)

	v.SetDefault("backend.type", cfg.Backend.Type)
	v.SetDefault("backend.operation_timeout", cfg.Backend.OperationTimeout)
	v.SetDefault("backend.sql.table", cfg.Backend.SQL.Table)
	v.SetDefault("backend.sql.max_open_conns", cfg.Backend.SQL.MaxOpenConns)
	v.SetDefault("backend.sql.max_idle_conns", cfg.Backend.SQL.MaxIdleConns)
	v.SetDefault("backend.sql.conn_max_lifetime", cfg.Backend.SQL.ConnMaxLifetime)
	v.SetDefault("backend.sql.create_schema", cfg.Backend.SQL.CreateSchema)
	v.SetDefault("backend.mongodb.collection", cfg.Backend.MongoDB.Collection)
	v.SetDefault("backend.mongodb.connect_timeout", cfg.Backend.MongoDB.ConnectTimeout)
	v.SetDefault("backend.dynamodb.table", cfg.Backend.DynamoDB.Table)
	v.SetDefault("backend.redis.prefix", cfg.Backend.Redis.Prefix)
	v.SetDefault("backend.s3.prefix", cfg.Backend.S3.Prefix)
	v.SetDefault("backend.search.index", cfg.Backend.Search.Index)
	v.SetDefault("backend.memcached.prefix", cfg.Backend.Memcached.Prefix)

	v.SetDefault("scheduler.timezone", cfg.Scheduler.Timezone)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.router", cfg.Management.Router)
	v.SetDefault("management.allow_trigger", cfg.Management.AllowTrigger)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.service_name", cfg.Observability.ServiceName)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
}

// Validate validates the configuration and returns every problem found.
func (l *ViperLoader) Validate(cfg *Config) error {
	cfg.normalize()
	return cfg.Validate()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
