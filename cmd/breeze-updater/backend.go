package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/audit"
	"github.com/breeze-rmm/autoupdate/internal/backends/webfeed"
	"github.com/breeze-rmm/autoupdate/internal/config"
	"github.com/breeze-rmm/autoupdate/internal/download"
	"github.com/breeze-rmm/autoupdate/internal/httputil"
	"github.com/breeze-rmm/autoupdate/internal/launcher"
	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/patching"
	"github.com/breeze-rmm/autoupdate/internal/privilege"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

const flushTimeout = 30 * time.Second

// registerBackend builds the configured backend and installs it as the
// process-wide backend. The returned func must run before exit; it launches
// installers queued for launch-on-exit.
func registerBackend(cfg *config.Config) (func(), error) {
	var (
		b       updater.Backend
		onExit  = func() {}
		backend = cfg.Backend
	)

	switch backend {
	case config.BackendPatching:
		mgr := patching.NewDefaultManager(nil, patching.WindowsUpdateOptions{
			ExcludeDrivers:        cfg.Patching.ExcludeDrivers,
			ExcludeFeatureUpdates: cfg.Patching.ExcludeFeatureUpdates,
		})
		if len(mgr.ProviderIDs()) == 0 {
			return nil, fmt.Errorf("no supported package manager found on this host")
		}
		if !privilege.IsElevated() {
			log.Warn("not running elevated, package installs will fail", "providers", mgr.ProviderIDs())
		}
		b = patching.NewBackend(mgr)

	case config.BackendWebFeed:
		v, err := download.NewVerifier(cfg.DownloadDir, download.WithCloudFetchers(cfg.CloudOptions()))
		if err != nil {
			return nil, err
		}
		if err := v.Cleanup(); err != nil {
			log.Warn("failed to clean download directory", logging.KeyError, err.Error())
		}

		var l webfeed.Launcher = launcher.New()
		if cfg.LaunchOnExit {
			deferred := launcher.NewDeferred(launcher.New())
			l = deferred
			onExit = func() { flushDeferred(deferred) }
		}

		retry := httputil.DefaultRetryConfig()
		retry.MaxRetries = cfg.Feed.MaxRetries
		headers := make(http.Header, len(cfg.Feed.Headers))
		for k, val := range cfg.Feed.Headers {
			headers.Set(k, val)
		}

		wf, err := webfeed.New(webfeed.Options{
			FeedURL:      cfg.Feed.URL,
			Headers:      headers,
			Installed:    cfg.Feed.Installed,
			MaxParallel:  cfg.MaxParallelInstalls,
			MinFreeBytes: cfg.MinFreeBytes,
			Retry:        retry,
			CacheTTL:     time.Duration(cfg.Feed.CacheTTLMinutes) * time.Minute,
		}, v, l)
		if err != nil {
			return nil, err
		}
		b = wf

	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	if err := updater.SetBackend(b); err != nil {
		return nil, err
	}
	return onExit, nil
}

func flushDeferred(d *launcher.Deferred) {
	if d.Pending() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	handles, err := d.Flush(ctx)
	for _, h := range handles {
		log.Info("launched queued installer", "path", h.Path, "pid", h.PID)
	}
	if err != nil {
		log.Error("failed to launch queued installers", logging.KeyError, err.Error())
	}
}

// newEngine builds an engine around the registered backend.
func newEngine(cfg *config.Config, gate updater.EulaGate, reporters ...updater.Reporter) (*updater.Engine, error) {
	return updater.NewEngineFromRegistry(updater.Options{
		EulaGate:     gate,
		GracePeriod:  cfg.GracePeriod(),
		AbortDelay:   cfg.AbortDelay(),
		CheckTimeout: cfg.CheckTimeout(),
		Reporters:    reporters,
	})
}

// openAudit opens the configured audit trail and records process start. The
// returned logger is nil when auditing is off; its methods accept nil.
func openAudit(cfg *config.Config, command string) *audit.Logger {
	if cfg.AuditLog == "" {
		return nil
	}
	l, err := audit.NewLogger(cfg.AuditLog, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		log.Error("audit log disabled", logging.KeyError, err.Error())
		return nil
	}
	l.Log(audit.EventUpdaterStart, "", map[string]any{"version": version, "command": command, "backend": cfg.Backend})
	return l
}

func closeAudit(l *audit.Logger) {
	if l == nil {
		return
	}
	l.Log(audit.EventUpdaterStop, "", nil)
	l.Close()
}

// reporters returns the session reporters shared by every command.
func reporters(auditLog *audit.Logger, extra ...updater.Reporter) []updater.Reporter {
	out := []updater.Reporter{updater.LogReporter{}}
	if auditLog != nil {
		out = append(out, auditLog.Reporter())
	}
	return append(out, extra...)
}
