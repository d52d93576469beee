package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/shedlock/pkg/config"
	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/observability/metrics"
	"github.com/nimburion/shedlock/pkg/observability/tracing"
	"github.com/nimburion/shedlock/pkg/provider"
	"github.com/nimburion/shedlock/pkg/scheduler"
	"github.com/nimburion/shedlock/pkg/server"
	"github.com/nimburion/shedlock/pkg/version"
)

func (a *app) newDaemonCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the configured scheduler tasks, each at most once at a time across instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, p, err := a.openProvider(cmd)
			if err != nil {
				return err
			}
			defer closeProvider(p, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, log, p, a.opts)
			if err != nil {
				return err
			}
			return d.run(ctx)
		},
	}
}

// daemon wires the scheduler runtime, the management server and tracing
// around one lock provider.
type daemon struct {
	cfg        *config.Config
	log        logger.Logger
	provider   *lock.StorageBasedProvider
	runtime    *scheduler.Runtime
	management *server.ManagementServer
	tracer     *tracing.TracerProvider
}

func newDaemon(ctx context.Context, cfg *config.Config, log logger.Logger, p *lock.StorageBasedProvider, opts Options) (*daemon, error) {
	info := version.Current(opts.Name)

	if cfg.Backend.SQL.CreateSchema || cfg.Backend.DynamoDB.CreateTable {
		created, err := provider.InitSchema(ctx, p.Accessor())
		if err != nil {
			return nil, fmt.Errorf("init schema: %w", err)
		}
		if created {
			log.Info("lock schema ready", "backend", cfg.Backend.Type)
		}
	}

	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    firstNonEmpty(cfg.Observability.ServiceName, cfg.Service.Name, info.Service),
		ServiceVersion: info.Version,
		Environment:    firstNonEmpty(cfg.Service.Environment, version.Unknown),
		Holder:         firstNonEmpty(cfg.Lock.Holder, lock.DefaultHolder()),
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	manager, err := lock.NewManager(lock.ManagerConfig{
		Provider: p,
		Extractor: lock.DefaultExtractor{
			Clock:                 opts.Clock,
			DefaultLockAtMostFor:  cfg.Lock.DefaultLockAtMostFor,
			DefaultLockAtLeastFor: cfg.Lock.DefaultLockAtLeastFor,
		},
		Logger:       log,
		KeepAliveFor: cfg.Lock.KeepAliveFor,
		Clock:        opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	runtime, err := scheduler.NewRuntime(manager, log, scheduler.Config{})
	if err != nil {
		return nil, err
	}
	for _, taskCfg := range cfg.Scheduler.Tasks {
		if err := runtime.Register(schedulerTask(taskCfg, cfg.Scheduler.Timezone, opts)); err != nil {
			return nil, fmt.Errorf("register task %s: %w", taskCfg.Name, err)
		}
	}

	d := &daemon{cfg: cfg, log: log, provider: p, runtime: runtime, tracer: tracer}
	if cfg.Management.Enabled {
		registry := metrics.NewRegistry()
		registry.MustRegister(lock.Collectors()...)
		registry.MustRegister(scheduler.Collectors()...)

		d.management, err = server.NewManagementServer(cfg.Management, log, server.ManagementOptions{
			Health:  newHealthRegistry(cfg.Backend.Type, p, cfg.Backend.OperationTimeout, true),
			Metrics: registry,
			Locks:   p,
			Tasks:   runtime,
			Version: info,
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func schedulerTask(taskCfg config.SchedulerTaskConfig, defaultTimezone string, opts Options) scheduler.Task {
	timezone := taskCfg.Timezone
	if strings.TrimSpace(timezone) == "" {
		timezone = defaultTimezone
	}
	return scheduler.Task{
		Name:           taskCfg.Name,
		Schedule:       taskCfg.Cron,
		Timezone:       timezone,
		LockAtMostFor:  taskCfg.LockAtMostFor,
		LockAtLeastFor: taskCfg.LockAtLeastFor,
		Timeout:        taskCfg.Timeout,
		Job: scheduler.CommandJob{
			Args:   taskCfg.Command,
			Stdout: opts.Stdout,
			Stderr: opts.Stderr,
		},
	}
}

// run blocks until ctx is cancelled or a component fails, then stops the
// others.
func (d *daemon) run(ctx context.Context) error {
	defer d.shutdownTracer()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	components := 1
	errCh := make(chan error, 2)
	go func() { errCh <- d.runtime.Start(runCtx) }()
	if d.management != nil {
		components++
		go func() { errCh <- d.management.Start(runCtx) }()
	}

	d.log.Info("daemon started",
		"backend", d.cfg.Backend.Type,
		"tasks", len(d.runtime.Tasks()),
		"management", d.management != nil,
	)

	var firstErr error
	for i := 0; i < components; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		d.log.Error("daemon stopped with error", "error", firstErr)
		return firstErr
	}
	d.log.Info("daemon stopped")
	return nil
}

func (d *daemon) shutdownTracer() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.tracer.Shutdown(shutdownCtx); err != nil {
		d.log.Error("failed to shutdown tracing provider", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
