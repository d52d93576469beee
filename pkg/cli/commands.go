package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/shedlock/pkg/health"
	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/provider"
	"github.com/nimburion/shedlock/pkg/scheduler"
	"github.com/nimburion/shedlock/pkg/version"
)

// lockedExitCode is returned by run when the lock is held elsewhere and
// --fail-if-locked is set.
const lockedExitCode = 75

func (a *app) newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Current(a.opts.Name)
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func (a *app) newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := a.loader(cmd.Flags())
			if err != nil {
				return err
			}
			if _, _, err := loader.LoadWithSecrets(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := a.loader(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, secrets, err := loader.LoadWithSecrets()
			if err != nil {
				return err
			}
			switch strings.ToLower(format) {
			case "yaml":
				data, err := cfg.YAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case "text":
				_, err := fmt.Fprint(cmd.OutOrStdout(), cfg.Redacted(secrets))
				return err
			default:
				return fmt.Errorf("unsupported format %q (yaml, text)", format)
			}
		},
	}
	showCmd.Flags().StringVar(&format, "format", "yaml", "output format (yaml, text)")
	configCmd.AddCommand(showCmd)
	return configCmd
}

func (a *app) newRunCommand() *cobra.Command {
	var (
		name         string
		atMostFor    time.Duration
		atLeastFor   time.Duration
		keepAlive    bool
		failIfLocked bool
	)
	cmd := &cobra.Command{
		Use:   "run --name NAME [flags] -- COMMAND [ARGS...]",
		Short: "Run a command only if the named lock can be acquired",
		Long: "Run acquires the named lock, runs the command and releases the lock, honoring\n" +
			"--at-least. When another holder owns the lock the command is skipped.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, p, err := a.openProvider(cmd)
			if err != nil {
				return err
			}
			defer closeProvider(p, log)

			if atMostFor <= 0 {
				atMostFor = cfg.Lock.DefaultLockAtMostFor
			}
			var keepAliveFor time.Duration
			if keepAlive {
				keepAliveFor = cfg.Lock.KeepAliveFor
				if keepAliveFor <= 0 {
					keepAliveFor = atMostFor
				}
			}
			manager, err := lock.NewManager(lock.ManagerConfig{
				Provider: p,
				Extractor: lock.DefaultExtractor{
					Clock:                 a.opts.Clock,
					DefaultLockAtMostFor:  cfg.Lock.DefaultLockAtMostFor,
					DefaultLockAtLeastFor: cfg.Lock.DefaultLockAtLeastFor,
				},
				Logger:       log,
				KeepAliveFor: keepAliveFor,
				Clock:        a.opts.Clock,
			})
			if err != nil {
				return err
			}

			executed, err := manager.ExecuteWithLock(cmd.Context(), lock.LockedTask{
				Name:           name,
				LockAtMostFor:  atMostFor,
				LockAtLeastFor: atLeastFor,
				Task: scheduler.CommandJob{
					Args:   args,
					Stdout: cmd.OutOrStdout(),
					Stderr: cmd.ErrOrStderr(),
				},
			})
			if err != nil {
				return err
			}
			if !executed {
				log.Info("lock held elsewhere, command skipped", "lock", name)
				if failIfLocked {
					return &ExitError{Code: lockedExitCode}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "lock name (required)")
	cmd.Flags().DurationVar(&atMostFor, "at-most", 0, "hold the lock at most this long (default: lock.default_lock_at_most_for)")
	cmd.Flags().DurationVar(&atLeastFor, "at-least", 0, "hold the lock at least this long")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "extend the lock while the command runs")
	cmd.Flags().BoolVar(&failIfLocked, "fail-if-locked", false, fmt.Sprintf("exit with code %d when the lock is held elsewhere", lockedExitCode))
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (a *app) newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status NAME...",
		Short: "Show stored lock records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, p, err := a.openProvider(cmd)
			if err != nil {
				return err
			}
			defer closeProvider(p, log)

			now := p.Clock().Now()
			type row struct {
				Name      string     `json:"name"`
				Found     bool       `json:"found"`
				Held      bool       `json:"held"`
				LockedBy  string     `json:"locked_by,omitempty"`
				LockedAt  *time.Time `json:"locked_at,omitempty"`
				LockUntil *time.Time `json:"lock_until,omitempty"`
			}
			rows := make([]row, 0, len(args))
			for _, name := range args {
				record, found, err := p.FindRecord(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("read lock %s: %w", name, err)
				}
				r := row{Name: name, Found: found}
				if found {
					lockedAt, lockUntil := record.LockedAt.UTC(), record.LockUntil.UTC()
					r.Held = record.Held(now)
					r.LockedBy = record.LockedBy
					r.LockedAt = &lockedAt
					r.LockUntil = &lockUntil
				}
				rows = append(rows, r)
			}

			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tLOCKED BY\tLOCKED AT\tLOCK UNTIL")
			for _, r := range rows {
				if !r.Found {
					fmt.Fprintf(tw, "%s\tabsent\t-\t-\t-\n", r.Name)
					continue
				}
				state := "free"
				if r.Held {
					state = "held"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, state, r.LockedBy,
					r.LockedAt.Format(time.RFC3339), r.LockUntil.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func (a *app) newReleaseCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release NAME",
		Short: "Delete a lock record left behind by a crashed holder",
		Long: "Release deletes the lock record outright. Unless --force is given it refuses\n" +
			"to delete a record that is still held.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, p, err := a.openProvider(cmd)
			if err != nil {
				return err
			}
			defer closeProvider(p, log)

			name := args[0]
			record, found, err := p.FindRecord(cmd.Context(), name)
			if err != nil && !errors.Is(err, lock.ErrInvalidArgument) {
				return fmt.Errorf("read lock %s: %w", name, err)
			}
			if err == nil && !found {
				fmt.Fprintf(cmd.OutOrStdout(), "lock %s not found\n", name)
				return nil
			}
			if err == nil && record.Held(p.Clock().Now()) && !force {
				return fmt.Errorf("lock %s is held by %s until %s; use --force to delete it anyway",
					name, record.LockedBy, record.LockUntil.UTC().Format(time.RFC3339))
			}
			if err := provider.DeleteRecord(cmd.Context(), p.Accessor(), name); err != nil {
				return err
			}
			p.ClearCache()
			log.Warn("lock record deleted", "lock", name, "forced", force)
			fmt.Fprintf(cmd.OutOrStdout(), "lock %s released\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even if the lock is still held")
	return cmd
}

func (a *app) newSchemaCommand() *cobra.Command {
	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Lock storage schema commands",
	}
	schemaCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the lock table when the backend needs one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, p, err := a.openProvider(cmd)
			if err != nil {
				return err
			}
			defer closeProvider(p, log)

			created, err := provider.InitSchema(cmd.Context(), p.Accessor())
			if err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s backend needs no schema\n", cfg.Backend.Type)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema ready\n", cfg.Backend.Type)
			return nil
		},
	})
	return schemaCmd
}

func (a *app) newHealthcheckCommand() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, p, err := a.openProvider(cmd)
			if err != nil {
				return err
			}
			defer closeProvider(p, log)

			registry := newHealthRegistry(cfg.Backend.Type, p, cfg.Backend.OperationTimeout, probe)
			result := registry.Check(cmd.Context())
			for _, check := range result.Checks {
				detail := check.Message
				if check.Error != "" {
					detail = check.Error
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s %s\n", check.Name, check.Status, detail)
			}
			if !result.IsHealthy() {
				return &ExitError{Code: 1, Err: fmt.Errorf("backend %s is %s", cfg.Backend.Type, result.Status)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", true, "also take and release a probe lock")
	return cmd
}

const probeLockName = "shedlock-health-probe"

func newHealthRegistry(backend string, p *lock.StorageBasedProvider, timeout time.Duration, probe bool) *health.Registry {
	registry := health.NewRegistry()
	registry.Register(scheduler.NewLockProviderHealthChecker(backend, p, timeout))
	if probe {
		registry.Register(health.NewLockProbeChecker("lock-probe", p, probeLockName, timeout))
	}
	return registry
}
