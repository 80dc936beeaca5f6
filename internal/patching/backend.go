package patching

import (
	"context"
	"errors"
	"fmt"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/privilege"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

// BackendID identifies the package-manager backend.
const BackendID = "patching"

// Backend exposes a Manager as an update backend. Components are installed
// one at a time; package managers serialize on their own database lock.
type Backend struct {
	mgr *Manager
}

// NewBackend wraps mgr.
func NewBackend(mgr *Manager) *Backend {
	return &Backend{mgr: mgr}
}

func (b *Backend) ID() string { return BackendID }

func (b *Backend) Name() string {
	return fmt.Sprintf("Package managers %v", b.mgr.ProviderIDs())
}

func (b *Backend) Features() updater.Features { return updater.FeatureEula }

// CheckForUpdates scans all providers. Partial provider failures are logged;
// the check fails only when every provider failed.
func (b *Backend) CheckForUpdates(ctx context.Context) ([]updater.Component, error) {
	pkgs, err := b.mgr.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, updater.NewError(updater.KindCancelled, "check", ctx.Err())
		}
		if len(pkgs) == 0 && len(b.mgr.providers) > 0 {
			return nil, updater.NewError(updater.KindBackendFault, "check", err)
		}
		log.Warn("some providers failed to scan", logging.KeyError, err.Error())
	}

	out := make([]updater.Component, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, updater.Component{
			ID:               p.ID,
			Name:             p.Title,
			InstalledVersion: p.InstalledVersion,
			AvailableVersion: p.Version,
			Size:             p.Size,
			Payload:          p,
		})
	}
	return out, nil
}

// RequiresEula reports the package license when its provider has one pending.
func (b *Backend) RequiresEula(_ context.Context, c updater.Component) (*updater.Eula, error) {
	p, ok := c.Payload.(Package)
	if !ok {
		return nil, updater.Errorf(updater.KindBackendFault, "eula", "component %q has no package payload", c.ID)
	}
	if p.License == nil {
		return nil, nil
	}
	return &updater.Eula{ComponentID: c.ID, Vendor: p.License.Vendor, Text: p.License.Text}, nil
}

// InstallComponents installs sequentially. A locked package database fails
// the batch: the remaining components are not attempted.
func (b *Backend) InstallComponents(ctx context.Context, cs []updater.Component, sink updater.ProgressSink) updater.InstallOutcome {
	for _, c := range cs {
		if err := ctx.Err(); err != nil {
			sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusCancelled,
				Err: updater.NewError(updater.KindCancelled, "install", err)})
			continue
		}

		if p, ok := c.Payload.(Package); ok && p.License != nil {
			if err := b.mgr.AcceptLicense(ctx, c.ID); err != nil {
				b.failed(sink, c.ID, err)
				continue
			}
		}

		sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusInstalling, Message: "installing " + c.DisplayName()})
		result, err := b.mgr.Install(ctx, c.ID)
		if err != nil {
			if errors.Is(err, ErrDatabaseLocked) {
				log.Warn("package database locked, aborting batch", logging.KeyUpdateID, c.ID, logging.KeyError, err.Error())
				b.failed(sink, c.ID, err)
				return updater.InstallOutcome{Fatal: updater.NewError(updater.KindBackendFault, "install", err)}
			}
			b.failed(sink, c.ID, err)
			continue
		}

		msg := "installed"
		if result.RebootRequired {
			msg = "installed, reboot required"
		}
		log.Info("package installed", logging.KeyUpdateID, c.ID, "rebootRequired", result.RebootRequired)
		sink.Update(updater.ProgressUpdate{ComponentID: c.ID, Status: updater.StatusInstalled, Percent: 100, Message: msg})
	}
	return updater.InstallOutcome{}
}

func (b *Backend) failed(sink updater.ProgressSink, id string, err error) {
	status := updater.StatusFailed
	kind := updater.KindBackendFault
	switch {
	case errors.Is(err, context.Canceled):
		status, kind = updater.StatusCancelled, updater.KindCancelled
	case errors.Is(err, context.DeadlineExceeded), isNetworkFailure(err):
		kind = updater.KindNetwork
	case errors.Is(err, privilege.ErrNotElevated):
		log.Warn("install refused for lack of privileges, run the updater as root or administrator",
			logging.KeyUpdateID, id)
	}
	sink.Update(updater.ProgressUpdate{
		ComponentID: id,
		Status:      status,
		Message:     err.Error(),
		Err:         updater.NewError(kind, "install", err),
	})
}
