package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nimburion/shedlock/pkg/config"
	"github.com/nimburion/shedlock/pkg/health"
	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/observability/metrics"
	"github.com/nimburion/shedlock/pkg/scheduler"
	"github.com/nimburion/shedlock/pkg/server/router"
	"github.com/nimburion/shedlock/pkg/server/router/factory"
	"github.com/nimburion/shedlock/pkg/version"
)

// LockInspector reads lock records. *lock.StorageBasedProvider satisfies it.
type LockInspector interface {
	FindRecord(ctx context.Context, name string) (lock.Record, bool, error)
	Clock() lock.Clock
}

// TaskTrigger runs a registered task on demand. *scheduler.Runtime satisfies it.
type TaskTrigger interface {
	Trigger(ctx context.Context, name string) (bool, error)
}

// ManagementOptions carries the components the endpoints report on. Nil
// members disable their endpoints.
type ManagementOptions struct {
	Health  *health.Registry
	Metrics *metrics.Registry
	Locks   LockInspector
	Tasks   TaskTrigger
	Version version.Info
}

// ManagementServer serves operational endpoints next to the scheduler:
//
//	GET  /health                liveness, always 200
//	GET  /ready                 readiness from the health registry, 503 when unhealthy
//	GET  /metrics               Prometheus exposition
//	GET  /version               build information
//	GET  /locks/:name           stored lock record
//	POST /tasks/:name/trigger   run a task now, under its lock (management.allow_trigger)
type ManagementServer struct {
	*Server
	opts ManagementOptions
	log  logger.Logger
}

// NewManagementServer builds the router selected by cfg.Router and
// registers the endpoints.
func NewManagementServer(cfg config.ManagementConfig, log logger.Logger, opts ManagementOptions) (*ManagementServer, error) {
	if log == nil {
		log = logger.Nop()
	}
	r, err := factory.NewRouter(cfg.Router)
	if err != nil {
		return nil, err
	}

	s := &ManagementServer{opts: opts, log: log}
	s.registerEndpoints(r, cfg.AllowTrigger)

	var handler http.Handler = r
	handler = withAccessLog(log, handler)
	handler = withRecovery(log, handler)
	handler = withRequestID(handler)

	s.Server = NewServer(Config{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}, handler, log)
	return s, nil
}

// Handler returns the full handler chain, for tests and embedding.
func (s *ManagementServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *ManagementServer) registerEndpoints(r router.Router, allowTrigger bool) {
	handle := func(method, path string, h http.HandlerFunc) {
		r.Handle(method, path, metrics.Instrument(path, h))
	}

	handle(http.MethodGet, "/health", s.handleHealth)
	handle(http.MethodGet, "/version", s.handleVersion)
	if s.opts.Health != nil {
		handle(http.MethodGet, "/ready", s.handleReady)
	}
	if s.opts.Metrics != nil {
		// Not instrumented: scrapes would dominate the request metrics.
		r.Handle(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Locks != nil {
		handle(http.MethodGet, "/locks/:name", s.handleLock)
	}
	if s.opts.Tasks != nil && allowTrigger {
		handle(http.MethodPost, "/tasks/:name/trigger", s.handleTrigger)
	}
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *ManagementServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Version)
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.opts.Health.Check(r.Context())
	if !result.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type lockView struct {
	Name      string    `json:"name"`
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	LockUntil time.Time `json:"lock_until"`
	Held      bool      `json:"held"`
}

func (s *ManagementServer) handleLock(w http.ResponseWriter, r *http.Request) {
	name := router.Param(r, "name")
	record, found, err := s.opts.Locks.FindRecord(r.Context(), name)
	switch {
	case errors.Is(err, lock.ErrInvalidArgument):
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": err.Error()})
		return
	case err != nil:
		s.log.WithContext(r.Context()).Warn("lock lookup failed", "lock", name, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	case !found:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lock " + name + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, lockView{
		Name:      record.Name,
		LockedBy:  record.LockedBy,
		LockedAt:  record.LockedAt.UTC(),
		LockUntil: record.LockUntil.UTC(),
		Held:      record.Held(s.opts.Locks.Clock().Now()),
	})
}

func (s *ManagementServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := router.Param(r, "name")
	// A client disconnect must not cancel a run that already holds the lock.
	executed, err := s.opts.Tasks.Trigger(context.WithoutCancel(r.Context()), name)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"task": name, "executed": executed, "error": err.Error()})
	case !executed:
		writeJSON(w, http.StatusConflict, map[string]any{"task": name, "executed": false, "reason": "lock held elsewhere"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"task": name, "executed": true})
	}
}
