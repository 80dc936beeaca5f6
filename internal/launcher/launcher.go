package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var log = logging.L("launcher")

// Handle identifies a launched installer. PID is 0 for deferred launches.
type Handle struct {
	PID      int
	Path     string
	Deferred bool
}

// Launcher starts verified installers as detached processes so they can
// outlive, and replace, the calling application.
type Launcher struct{}

// New returns a Launcher.
func New() *Launcher { return &Launcher{} }

// Launch marks path executable and starts it detached with args. It does not
// wait for the installer. Failures are reported as LaunchFailed.
func (l *Launcher) Launch(ctx context.Context, path string, args []string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, updater.NewError(updater.KindCancelled, "launch", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Handle{}, launchFailed(path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Handle{}, launchFailed(abs, err)
	}
	if info.IsDir() {
		return Handle{}, launchFailed(abs, fmt.Errorf("is a directory"))
	}
	if err := markExecutable(abs, info.Mode()); err != nil {
		return Handle{}, launchFailed(abs, err)
	}

	name, cmdArgs, err := command(abs, args)
	if err != nil {
		return Handle{}, launchFailed(abs, err)
	}

	// Not CommandContext: the installer must survive cancellation of the
	// session that started it.
	cmd := exec.Command(name, cmdArgs...)
	cmd.Dir = filepath.Dir(abs)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		return Handle{}, launchFailed(abs, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Warn("failed to release installer process", "pid", pid, logging.KeyError, err.Error())
	}

	log.Info("installer launched", "path", abs, "pid", pid, "args", len(args))
	return Handle{PID: pid, Path: abs}, nil
}

func launchFailed(path string, err error) error {
	return updater.NewError(updater.KindLaunchFailed, "launch", fmt.Errorf("%s: %w", path, err))
}

// Deferred queues launches until Flush, for installers that must run after
// the host application exits.
type Deferred struct {
	launcher *Launcher

	mu      sync.Mutex
	pending []pendingLaunch
}

type pendingLaunch struct {
	path string
	args []string
}

// NewDeferred returns a queue that launches through l on Flush.
func NewDeferred(l *Launcher) *Deferred {
	return &Deferred{launcher: l}
}

// Launch validates path and queues it.
func (d *Deferred) Launch(ctx context.Context, path string, args []string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, updater.NewError(updater.KindCancelled, "launch", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Handle{}, launchFailed(path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Handle{}, launchFailed(abs, err)
	}

	d.mu.Lock()
	d.pending = append(d.pending, pendingLaunch{path: abs, args: append([]string(nil), args...)})
	d.mu.Unlock()

	log.Info("installer queued to run on exit", "path", abs)
	return Handle{Path: abs, Deferred: true}, nil
}

// Pending returns the number of queued launches.
func (d *Deferred) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush launches every queued installer, in order, and empties the queue.
func (d *Deferred) Flush(ctx context.Context) ([]Handle, error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	var (
		handles []Handle
		result  *multierror.Error
	)
	for _, p := range pending {
		h, err := d.launcher.Launch(ctx, p.path, p.args)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		handles = append(handles, h)
	}
	return handles, result.ErrorOrNil()
}
