package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/nimburion/shedlock/pkg/lock"
)

// Environment variables exported to commands run under a lock.
const (
	EnvLockName        = "SHEDLOCK_LOCK_NAME"
	EnvLockAtMostUntil = "SHEDLOCK_LOCK_AT_MOST_UNTIL"
)

// CommandJob runs an external command. When the context carries a held lock
// the command sees its name and deadline in the environment.
type CommandJob struct {
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts the command and waits for it. Cancelling ctx kills the process.
func (j CommandJob) Run(ctx context.Context) error {
	if len(j.Args) == 0 || j.Args[0] == "" {
		return schedulerError(ErrInvalidArgument, "command is required")
	}

	cmd := exec.CommandContext(ctx, j.Args[0], j.Args[1:]...)
	cmd.Dir = j.Dir
	cmd.Env = append(os.Environ(), j.Env...)
	if held, ok := lock.FromContext(ctx); ok {
		cfg := held.Configuration()
		cmd.Env = append(cmd.Env,
			EnvLockName+"="+cfg.Name(),
			EnvLockAtMostUntil+"="+cfg.LockAtMostUntil().UTC().Format(time.RFC3339Nano),
		)
	}
	cmd.Stdout = j.Stdout
	cmd.Stderr = j.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command %q exited with code %d: %w", j.Args[0], exitErr.ExitCode(), err)
		}
		return fmt.Errorf("command %q: %w", j.Args[0], err)
	}
	return nil
}
