package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/shedlock/pkg/config"
	"github.com/nimburion/shedlock/pkg/health"
	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/metrics"
	"github.com/nimburion/shedlock/pkg/provider/inmemory"
	"github.com/nimburion/shedlock/pkg/scheduler"
	"github.com/nimburion/shedlock/pkg/testutil"
	"github.com/nimburion/shedlock/pkg/version"
)

type managementFixture struct {
	server   *ManagementServer
	provider *lock.StorageBasedProvider
	runs     int
}

func newManagementFixture(t *testing.T, routerType string, probeErr error) *managementFixture {
	t.Helper()
	fixture := &managementFixture{}

	provider, err := lock.NewStorageBasedProvider(inmemory.NewAccessor(nil, nil, "node-a"))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	fixture.provider = provider
	manager, err := lock.NewManager(lock.ManagerConfig{
		Provider:  provider,
		Extractor: lock.DefaultExtractor{DefaultLockAtMostFor: time.Minute},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	runtime, err := scheduler.NewRuntime(manager, &testutil.MockLogger{}, scheduler.Config{})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := runtime.Register(scheduler.Task{
		Name:     "nightly-export",
		Schedule: "@daily",
		Job: lock.TaskFunc(func(context.Context) error {
			fixture.runs++
			return nil
		}),
	}); err != nil {
		t.Fatalf("register task: %v", err)
	}

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(health.NewCustomChecker("backend", func(context.Context) (health.Status, string, error) {
		if probeErr != nil {
			return health.StatusUnhealthy, "", probeErr
		}
		return health.StatusHealthy, "OK", nil
	}))

	cfg := config.DefaultConfig().Management
	cfg.Router = routerType
	cfg.AllowTrigger = true
	srv, err := NewManagementServer(cfg, &testutil.MockLogger{}, ManagementOptions{
		Health:  healthRegistry,
		Metrics: metrics.NewRegistry(),
		Locks:   provider,
		Tasks:   runtime,
		Version: version.Current("shedlock"),
	})
	if err != nil {
		t.Fatalf("new management server: %v", err)
	}
	fixture.server = srv
	return fixture
}

func serve(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	body := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec, body
}

func TestManagementServer_Endpoints(t *testing.T) {
	for _, routerType := range []string{config.RouterNetHTTP, config.RouterGin, config.RouterGorilla} {
		t.Run(routerType, func(t *testing.T) {
			fixture := newManagementFixture(t, routerType, nil)
			h := fixture.server.Handler()

			rec, body := serve(t, h, http.MethodGet, "/health")
			if rec.Code != http.StatusOK || body["status"] != "healthy" {
				t.Fatalf("unexpected /health: %d %v", rec.Code, body)
			}
			if rec.Header().Get(RequestIDHeader) == "" {
				t.Fatal("expected a generated request id")
			}

			rec, body = serve(t, h, http.MethodGet, "/ready")
			if rec.Code != http.StatusOK || body["status"] != string(health.StatusHealthy) {
				t.Fatalf("unexpected /ready: %d %v", rec.Code, body)
			}

			rec, body = serve(t, h, http.MethodGet, "/version")
			if rec.Code != http.StatusOK || body["service"] != "shedlock" {
				t.Fatalf("unexpected /version: %d %v", rec.Code, body)
			}

			rec, _ = serve(t, h, http.MethodGet, "/locks/nightly-export")
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404 before the first run, got %d", rec.Code)
			}

			rec, body = serve(t, h, http.MethodPost, "/tasks/nightly-export/trigger")
			if rec.Code != http.StatusOK || body["executed"] != true || fixture.runs != 1 {
				t.Fatalf("unexpected trigger: %d %v runs=%d", rec.Code, body, fixture.runs)
			}

			rec, body = serve(t, h, http.MethodGet, "/locks/nightly-export")
			if rec.Code != http.StatusOK || body["locked_by"] != "node-a" || body["held"] != false {
				t.Fatalf("unexpected /locks: %d %v", rec.Code, body)
			}

			rec, _ = serve(t, h, http.MethodPost, "/tasks/missing/trigger")
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
			}

			rec, _ = serve(t, h, http.MethodGet, "/metrics")
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "shedlock_http_requests_total") {
				t.Fatalf("expected http metrics in /metrics, got %d", rec.Code)
			}
		})
	}
}

func TestManagementServer_TriggerConflictWhileHeld(t *testing.T) {
	fixture := newManagementFixture(t, config.RouterNetHTTP, nil)
	cfg, err := lock.NewConfigurationFor(time.Now(), "nightly-export", time.Hour, 0)
	if err != nil {
		t.Fatalf("configuration: %v", err)
	}
	held, ok := fixture.provider.Lock(context.Background(), cfg)
	if !ok {
		t.Fatal("expected to take the lock")
	}
	defer held.Unlock(context.Background())

	rec, body := serve(t, fixture.server.Handler(), http.MethodPost, "/tasks/nightly-export/trigger")
	if rec.Code != http.StatusConflict || body["executed"] != false {
		t.Fatalf("expected 409 while the lock is held, got %d %v", rec.Code, body)
	}
	if fixture.runs != 0 {
		t.Fatalf("expected no run, got %d", fixture.runs)
	}
}

func TestManagementServer_ReadyReportsUnhealthyBackend(t *testing.T) {
	fixture := newManagementFixture(t, config.RouterNetHTTP, errors.New("connection refused"))
	rec, body := serve(t, fixture.server.Handler(), http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != string(health.StatusUnhealthy) {
		t.Fatalf("expected 503, got %d %v", rec.Code, body)
	}
}

func TestManagementServer_TriggerDisabledByDefault(t *testing.T) {
	cfg := config.DefaultConfig().Management
	srv, err := NewManagementServer(cfg, nil, ManagementOptions{Tasks: fakeTrigger{}})
	if err != nil {
		t.Fatalf("new management server: %v", err)
	}
	rec, _ := serve(t, srv.Handler(), http.MethodPost, "/tasks/a/trigger")
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected trigger route to be absent, got %d", rec.Code)
	}
}

type fakeTrigger struct{}

func (fakeTrigger) Trigger(context.Context, string) (bool, error) { return true, nil }

func TestManagementServer_RejectsUnknownRouter(t *testing.T) {
	cfg := config.DefaultConfig().Management
	cfg.Router = "chi"
	if _, err := NewManagementServer(cfg, nil, ManagementOptions{}); err == nil {
		t.Fatal("expected unsupported router error")
	}
}

func TestManagementServer_StartAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig().Management
	cfg.Port = 0
	srv, err := NewManagementServer(cfg, &testutil.MockLogger{}, ManagementOptions{})
	if err != nil {
		t.Fatalf("new management server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	payload, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(payload), "healthy") {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, payload)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	log := &testutil.MockLogger{}
	h := withRequestID(withRecovery(log, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "req-1") {
		t.Fatalf("expected request id in body, got %s", rec.Body.String())
	}
	if len(log.EntriesAt("error")) != 1 {
		t.Fatalf("expected one error log, got %d", len(log.EntriesAt("error")))
	}
}
