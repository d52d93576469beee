// Package cli builds the shedlock command line: one-off commands run under
// a lock, the scheduling daemon and operator tooling around lock records.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"

	"github.com/nimburion/shedlock/pkg/config"
	"github.com/nimburion/shedlock/pkg/lock"
	"github.com/nimburion/shedlock/pkg/observability/logger"
	"github.com/nimburion/shedlock/pkg/provider"
)

// ProviderFactory builds the lock provider for a loaded configuration.
type ProviderFactory func(ctx context.Context, cfg *config.Config, log logger.Logger) (*lock.StorageBasedProvider, error)

// Options customizes the root command. Zero values select the defaults.
type Options struct {
	Name      string
	EnvPrefix string
	// EnvFiles are dotenv files loaded before the environment is read.
	EnvFiles []string
	Stdout   io.Writer
	Stderr   io.Writer
	// NewProvider overrides backend construction, mainly for tests.
	NewProvider ProviderFactory
	// Clock overrides the lock clock.
	Clock lock.Clock
}

func (o *Options) normalize() {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = "shedlock"
	}
	if strings.TrimSpace(o.EnvPrefix) == "" {
		o.EnvPrefix = config.DefaultEnvPrefix
	}
	if o.EnvFiles == nil {
		o.EnvFiles = []string{".env", ".env.local"}
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Clock == nil {
		o.Clock = lock.SystemClock()
	}
	if o.NewProvider == nil {
		clock := o.Clock
		o.NewProvider = func(ctx context.Context, cfg *config.Config, log logger.Logger) (*lock.StorageBasedProvider, error) {
			return provider.New(ctx, cfg, clock, log)
		}
	}
}

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

type app struct {
	opts       Options
	configFile string
	secretFile string
}

// NewRootCommand creates the shedlock command tree.
func NewRootCommand(opts Options) *cobra.Command {
	opts.normalize()
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:           opts.Name,
		Short:         "Run scheduled jobs at most once at a time across instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file path")
	flags.StringVar(&a.secretFile, "secret-file", "", "secrets file path (sets "+opts.EnvPrefix+"_SECRETS_FILE)")
	flags.String("backend", "", "lock backend ("+strings.Join(config.SupportedBackends, ", ")+")")
	flags.String("holder", "", "value written to locked_by (default: hostname)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, text)")

	root.AddCommand(
		a.newVersionCommand(),
		a.newConfigCommand(),
		a.newRunCommand(),
		a.newDaemonCommand(),
		a.newStatusCommand(),
		a.newReleaseCommand(),
		a.newSchemaCommand(),
		a.newHealthcheckCommand(),
	)
	return root
}

// Execute runs the command tree and exits with the command's exit code.
func Execute(ctx context.Context, cmd *cobra.Command) {
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	code := 1
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	if exitErr == nil || exitErr.Err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	}
	os.Exit(code)
}

func (a *app) loader(flags *pflag.FlagSet) (*config.ViperLoader, error) {
	if a.secretFile != "" {
		info, err := os.Stat(a.secretFile)
		if err != nil {
			return nil, fmt.Errorf("secret file %s is not accessible: %w", a.secretFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("secret file %s must not be a directory", a.secretFile)
		}
		if err := os.Setenv(a.opts.EnvPrefix+"_SECRETS_FILE", filepath.Clean(a.secretFile)); err != nil {
			return nil, err
		}
	}
	return config.NewViperLoader(a.configFile, a.opts.EnvPrefix).
		WithEnvFiles(a.opts.EnvFiles...).
		WithFlags(flags), nil
}

// loadConfig loads configuration and builds the logger. Logs go to stderr so
// stdout stays free for command output.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
	loader, err := a.loader(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	cfg, _, err := loader.LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := a.newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Observability.LogLevel == string(logger.DebugLevel) {
		log.Debug("effective configuration", "config", cfg.String())
	}
	return cfg, log, nil
}

func (a *app) newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{
		Level:  level,
		Format: format,
		Output: zapcore.AddSync(a.opts.Stderr),
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log.With("service", cfg.Service.Name, "environment", cfg.Service.Environment), nil
}

// openProvider loads configuration and opens the configured backend. The
// caller closes the provider.
func (a *app) openProvider(cmd *cobra.Command) (*config.Config, logger.Logger, *lock.StorageBasedProvider, error) {
	cfg, log, err := a.loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	p, err := a.opts.NewProvider(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s backend: %w", cfg.Backend.Type, err)
	}
	return cfg, log, p, nil
}

func closeProvider(p *lock.StorageBasedProvider, log logger.Logger) {
	if err := p.Close(); err != nil {
		log.Warn("failed to close lock backend", "error", err)
	}
}
