package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// normalize trims list values and lower-cases enum-like fields.
func (c *Config) normalize() {
	c.Backend.Type = strings.ToLower(strings.TrimSpace(c.Backend.Type))
	c.Backend.Search.URLs = normalizeStringSlice(c.Backend.Search.URLs)
	c.Backend.Memcached.Addresses = normalizeStringSlice(c.Backend.Memcached.Addresses)
	c.Management.Router = strings.ToLower(strings.TrimSpace(c.Management.Router))
	if c.Management.Router == "" {
		c.Management.Router = RouterNetHTTP
	}
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if !contains(SupportedBackends, c.Backend.Type) {
		errs = append(errs, fmt.Errorf("invalid backend.type %q (must be one of: %v)", c.Backend.Type, SupportedBackends))
	}
	if c.Backend.OperationTimeout <= 0 {
		errs = append(errs, errors.New("backend.operation_timeout must be greater than 0"))
	}
	errs = append(errs, c.Backend.validate()...)

	if c.Lock.DefaultLockAtMostFor <= 0 {
		errs = append(errs, errors.New("lock.default_lock_at_most_for must be greater than 0"))
	}
	if c.Lock.DefaultLockAtLeastFor < 0 {
		errs = append(errs, errors.New("lock.default_lock_at_least_for must not be negative"))
	}
	if c.Lock.DefaultLockAtLeastFor > c.Lock.DefaultLockAtMostFor {
		errs = append(errs, errors.New("lock.default_lock_at_least_for must not exceed lock.default_lock_at_most_for"))
	}
	if c.Lock.KeepAliveFor < 0 {
		errs = append(errs, errors.New("lock.keep_alive_for must not be negative"))
	}
	if c.Lock.CircuitBreaker.Enabled {
		if c.Lock.CircuitBreaker.MaxFailures <= 0 {
			errs = append(errs, errors.New("lock.circuit_breaker.max_failures must be greater than 0 when enabled"))
		}
		if c.Lock.CircuitBreaker.OpenTimeout <= 0 {
			errs = append(errs, errors.New("lock.circuit_breaker.open_timeout must be greater than 0 when enabled"))
		}
	}

	seen := map[string]struct{}{}
	for index, task := range c.Scheduler.Tasks {
		name := strings.TrimSpace(task.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name is required", index))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].name %q is duplicated", index, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(task.Cron) == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].cron is required", index))
		}
		if len(task.Command) == 0 || strings.TrimSpace(task.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d].command is required", index))
		}
		if task.LockAtMostFor < 0 || task.LockAtLeastFor < 0 || task.Timeout < 0 {
			errs = append(errs, fmt.Errorf("scheduler.tasks[%d] durations must not be negative", index))
		}
	}

	if c.Management.Enabled && (c.Management.Port <= 0 || c.Management.Port > 65535) {
		errs = append(errs, fmt.Errorf("management.port %d is out of range", c.Management.Port))
	}
	if !contains([]string{RouterNetHTTP, RouterGin, RouterGorilla}, c.Management.Router) {
		errs = append(errs, fmt.Errorf("invalid management.router %q (must be nethttp, gin or gorilla)", c.Management.Router))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.Observability.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", c.Observability.LogLevel, validLogLevels))
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, c.Observability.LogFormat) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validLogFormats))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

func (b BackendConfig) validate() []error {
	var errs []error
	switch b.Type {
	case BackendPostgres, BackendMySQL, BackendPgx:
		if strings.TrimSpace(b.SQL.URL) == "" {
			errs = append(errs, fmt.Errorf("backend.sql.url is required for %s", b.Type))
		}
	case BackendMongoDB:
		if strings.TrimSpace(b.MongoDB.URL) == "" {
			errs = append(errs, errors.New("backend.mongodb.url is required for mongodb"))
		}
		if strings.TrimSpace(b.MongoDB.Database) == "" {
			errs = append(errs, errors.New("backend.mongodb.database is required for mongodb"))
		}
	case BackendDynamoDB:
		if strings.TrimSpace(b.DynamoDB.Region) == "" {
			errs = append(errs, errors.New("backend.dynamodb.region is required for dynamodb"))
		}
	case BackendRedis:
		if strings.TrimSpace(b.Redis.URL) == "" {
			errs = append(errs, errors.New("backend.redis.url is required for redis"))
		}
	case BackendS3:
		if strings.TrimSpace(b.S3.Bucket) == "" {
			errs = append(errs, errors.New("backend.s3.bucket is required for s3"))
		}
	case BackendElasticsearch, BackendOpenSearch:
		if len(b.Search.URLs) == 0 {
			errs = append(errs, fmt.Errorf("backend.search.urls is required for %s", b.Type))
		}
	case BackendMemcached:
		if len(b.Memcached.Addresses) == 0 {
			errs = append(errs, errors.New("backend.memcached.addresses is required for memcached"))
		}
	}
	return errs
}

// String returns the full configuration as a formatted string
func (c *Config) String() string {
	return formatStruct(reflect.ValueOf(c).Elem(), "")
}

// Redacted returns the configuration with secrets masked.
// Pass the secrets Config returned by LoadWithSecrets() to mask those values.
func (c *Config) Redacted(secrets *Config) string {
	if secrets == nil {
		return c.String()
	}
	return formatStructWithMask(reflect.ValueOf(c).Elem(), reflect.ValueOf(secrets).Elem(), "")
}

func formatStruct(v reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStruct(value, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					elem := value.Index(j)
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, elem.Interface()))
				}
			}
		case reflect.Map:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: {}\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for _, key := range value.MapKeys() {
					mapValue := value.MapIndex(key)
					sb.WriteString(fmt.Sprintf("%s  %v: %v\n", prefix, key.Interface(), mapValue.Interface()))
				}
			}
		default:
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, value.Interface()))
		}
	}

	return sb.String()
}

func formatStructWithMask(v, mask reflect.Value, prefix string) string {
	var sb strings.Builder
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		maskValue := mask.Field(i)

		if !value.CanInterface() {
			continue
		}

		fieldName := field.Name
		if tag := field.Tag.Get("mapstructure"); tag != "" && tag != "-" {
			fieldName = tag
		}

		switch value.Kind() {
		case reflect.Struct:
			sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
			sb.WriteString(formatStructWithMask(value, maskValue, prefix+"  "))
		case reflect.Slice:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: []\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for j := 0; j < value.Len(); j++ {
					elem := value.Index(j)
					sb.WriteString(fmt.Sprintf("%s  - %v\n", prefix, elem.Interface()))
				}
			}
		case reflect.Map:
			if value.Len() == 0 {
				sb.WriteString(fmt.Sprintf("%s%s: {}\n", prefix, fieldName))
			} else {
				sb.WriteString(fmt.Sprintf("%s%s:\n", prefix, fieldName))
				for _, key := range value.MapKeys() {
					mapValue := value.MapIndex(key)
					sb.WriteString(fmt.Sprintf("%s  %v: %v\n", prefix, key.Interface(), mapValue.Interface()))
				}
			}
		default:
			displayValue := value.Interface()
			// Check if this field has a non-zero value in secrets
			if shouldRedact(maskValue) {
				displayValue = "***"
			}
			sb.WriteString(fmt.Sprintf("%s%s: %v\n", prefix, fieldName, displayValue))
		}
	}

	return sb.String()
}

func shouldRedact(v reflect.Value) bool {
	if !v.IsValid() {
		return false
	}

	switch v.Kind() {
	case reflect.String:
		return v.String() != ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Slice, reflect.Map:
		return v.Len() > 0
	default:
		return false
	}
}
