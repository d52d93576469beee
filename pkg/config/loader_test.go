package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Service.Name != "shedlock" {
		t.Errorf("expected service name shedlock, got %s", cfg.Service.Name)
	}
	if cfg.Backend.Type != BackendInMemory {
		t.Errorf("expected backend %s, got %s", BackendInMemory, cfg.Backend.Type)
	}
	if cfg.Backend.SQL.Table != "shedlock" {
		t.Errorf("expected table shedlock, got %s", cfg.Backend.SQL.Table)
	}
	if cfg.Lock.DefaultLockAtMostFor != 10*time.Minute {
		t.Errorf("expected default lock_at_most_for 10m, got %v", cfg.Lock.DefaultLockAtMostFor)
	}
	if cfg.Management.Port != 9090 {
		t.Errorf("expected management port 9090, got %d", cfg.Management.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestViperLoader_LoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewViperLoader("", "").Load()
	if err != nil {
		t.Fatalf("expected no error loading defaults, got: %v", err)
	}
	if cfg.Backend.OperationTimeout != 3*time.Second {
		t.Errorf("expected operation timeout 3s, got %v", cfg.Backend.OperationTimeout)
	}
	if cfg.Observability.LogFormat != "json" {
		t.Errorf("expected log format json, got %s", cfg.Observability.LogFormat)
	}
}

func TestViperLoader_FileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	configFile := writeFile(t, dir, "config.yaml", `
backend:
  type: Redis
  redis:
    url: redis://from-file:6379/0
    prefix: jobs
lock:
  default_lock_at_most_for: 5m
scheduler:
  tasks:
    - name: nightly-report
      cron: "0 2 * * *"
      command: ["/bin/report", "--full"]
      lock_at_most_for: 30m
`)
	t.Setenv("SHEDLOCK_BACKEND_REDIS_URL", "redis://from-env:6379/1")
	t.Setenv("SHEDLOCK_LOG_LEVEL", "debug")

	cfg, err := NewViperLoader(configFile, "SHEDLOCK").Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Type != BackendRedis {
		t.Errorf("expected normalized backend redis, got %s", cfg.Backend.Type)
	}
	if cfg.Backend.Redis.URL != "redis://from-env:6379/1" {
		t.Errorf("expected env to override file, got %s", cfg.Backend.Redis.URL)
	}
	if cfg.Backend.Redis.Prefix != "jobs" {
		t.Errorf("expected prefix from file, got %s", cfg.Backend.Redis.Prefix)
	}
	if cfg.Lock.DefaultLockAtMostFor != 5*time.Minute {
		t.Errorf("expected 5m from file, got %v", cfg.Lock.DefaultLockAtMostFor)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected env log level, got %s", cfg.Observability.LogLevel)
	}
	if len(cfg.Scheduler.Tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(cfg.Scheduler.Tasks))
	}
	task := cfg.Scheduler.Tasks[0]
	if task.Name != "nightly-report" || task.LockAtMostFor != 30*time.Minute || len(task.Command) != 2 {
		t.Errorf("unexpected task %+v", task)
	}
}

func TestViperLoader_EnvFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := writeFile(t, dir, ".env", "SHEDLOCK_BACKEND=memcached\nSHEDLOCK_BACKEND_MEMCACHED_ADDRESSES=a:11211, b:11211\nSHEDLOCK_HOLDER=from-dotenv\n")
	// Variables loaded from .env must not leak into other tests.
	t.Setenv("SHEDLOCK_BACKEND", "")
	t.Setenv("SHEDLOCK_BACKEND_MEMCACHED_ADDRESSES", "")
	t.Setenv("SHEDLOCK_HOLDER", "")
	os.Unsetenv("SHEDLOCK_BACKEND")
	os.Unsetenv("SHEDLOCK_BACKEND_MEMCACHED_ADDRESSES")
	os.Unsetenv("SHEDLOCK_HOLDER")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("holder", "", "")
	flags.String("log-level", "info", "")
	if err := flags.Parse([]string{"--holder", "from-flag"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := NewViperLoader("", "SHEDLOCK").WithEnvFiles(envFile, filepath.Join(dir, ".env.local")).WithFlags(flags).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Type != BackendMemcached {
		t.Errorf("expected backend from .env, got %s", cfg.Backend.Type)
	}
	if got := cfg.Backend.Memcached.Addresses; len(got) != 2 || got[1] != "b:11211" {
		t.Errorf("unexpected memcached addresses %v", got)
	}
	if cfg.Lock.Holder != "from-flag" {
		t.Errorf("expected flag to win over env, got %s", cfg.Lock.Holder)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected unchanged flag to keep the default, got %s", cfg.Observability.LogLevel)
	}
}

func TestViperLoader_MissingConfigFile(t *testing.T) {
	if _, err := NewViperLoader(filepath.Join(t.TempDir(), "missing.yaml"), "").Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfig_ValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.Type = BackendPostgres
	cfg.Lock.DefaultLockAtLeastFor = time.Hour
	cfg.Observability.LogLevel = "loud"
	cfg.Management.Router = "chi"
	cfg.Scheduler.Tasks = []SchedulerTaskConfig{
		{Name: "a", Cron: "* * * * *", Command: []string{"true"}},
		{Name: "a", Command: nil},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"backend.sql.url is required for postgres",
		"must not exceed lock.default_lock_at_most_for",
		"invalid observability.log_level",
		`invalid management.router "chi"`,
		`scheduler.tasks[1].name "a" is duplicated`,
		"scheduler.tasks[1].cron is required",
		"scheduler.tasks[1].command is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestConfig_ValidateBackendRequirements(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{BackendMongoDB, "backend.mongodb.database is required"},
		{BackendDynamoDB, "backend.dynamodb.region is required"},
		{BackendRedis, "backend.redis.url is required"},
		{BackendS3, "backend.s3.bucket is required"},
		{BackendOpenSearch, "backend.search.urls is required for opensearch"},
		{BackendMemcached, "backend.memcached.addresses is required"},
		{"zookeeper", "invalid backend.type"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend.Type = tt.backend
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
	cfg := DefaultConfig()
	cfg.Backend.Type = BackendBadger
	if err := cfg.Validate(); err != nil {
		t.Fatalf("badger needs no settings, got %v", err)
	}
}

func TestViperLoader_LoadWithSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	configFile := writeFile(t, dir, "config.yaml", "backend:\n  type: postgres\n")
	writeFile(t, dir, "secrets.yaml", "backend:\n  sql:\n    url: postgres://app:hunter2@db:5432/jobs\n")

	cfg, secrets, err := NewViperLoader(configFile, "").LoadWithSecrets()
	if err != nil {
		t.Fatalf("load with secrets: %v", err)
	}
	if cfg.Backend.SQL.URL != "postgres://app:hunter2@db:5432/jobs" {
		t.Errorf("expected url merged from secrets, got %s", cfg.Backend.SQL.URL)
	}
	if secrets == nil {
		t.Fatal("expected secrets config")
	}
	redacted := cfg.Redacted(secrets)
	if strings.Contains(redacted, "hunter2") {
		t.Errorf("expected redacted output to hide the password:\n%s", redacted)
	}
	if !strings.Contains(redacted, "url: ***") {
		t.Errorf("expected masked url in:\n%s", redacted)
	}
}

func TestViperLoader_SecretsFileEnvMustExist(t *testing.T) {
	t.Setenv("SHEDLOCK_SECRETS_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, _, err := NewViperLoader("", "").LoadWithSecrets()
	if err == nil || !strings.Contains(err.Error(), "SHEDLOCK_SECRETS_FILE") {
		t.Fatalf("expected secrets file error, got %v", err)
	}
}

func TestConfig_YAMLMasksCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.SQL.URL = "postgres://app:hunter2@db:5432/jobs"
	cfg.Backend.Redis.URL = "user:pw-x9q@tcp(db:3306)/jobs"
	cfg.Backend.Search.APIKey = "key-123"

	out, err := cfg.YAML()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	text := string(out)
	for _, leaked := range []string{"hunter2", "pw-x9q", "key-123"} {
		if strings.Contains(text, leaked) {
			t.Errorf("expected %q to be masked:\n%s", leaked, text)
		}
	}
	if !strings.Contains(text, "postgres://app:%2A%2A%2A@db:5432/jobs") && !strings.Contains(text, "postgres://app:***@db:5432/jobs") {
		t.Errorf("expected masked postgres url:\n%s", text)
	}
	if !strings.Contains(text, "***@tcp(db:3306)/jobs") {
		t.Errorf("expected masked redis url:\n%s", text)
	}
	if cfg.Backend.SQL.URL != "postgres://app:hunter2@db:5432/jobs" {
		t.Error("YAML must not modify the receiver")
	}
}

func TestNormalizeStringSlice(t *testing.T) {
	got := normalizeStringSlice([]string{" a ", "", "b,c", " , "})
	if strings.Join(got, "|") != "a|b|c" {
		t.Fatalf("unexpected normalized slice %v", got)
	}
}
