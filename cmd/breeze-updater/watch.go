package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autoupdate/internal/config"
	"github.com/breeze-rmm/autoupdate/internal/health"
	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/metrics"
	"github.com/breeze-rmm/autoupdate/internal/mtls"
	"github.com/breeze-rmm/autoupdate/internal/secmem"
	"github.com/breeze-rmm/autoupdate/internal/updater"
	"github.com/breeze-rmm/autoupdate/internal/websocket"
	"github.com/breeze-rmm/autoupdate/internal/workerpool"
)

const (
	shutdownTimeout  = 15 * time.Second
	commandQueueSize = 8
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run scheduled update checks until stopped",
	Long: `watch checks for updates on the configured interval, serves Prometheus
metrics and, when a management server is configured, reports sessions to it
and accepts check and install commands from it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch()
	},
}

func runWatch() error {
	var scheduler atomic.Pointer[updater.Scheduler]
	watcher, err := config.Watch(cfgFile, func(cfg *config.Config) {
		logging.SetLevel(cfg.LogLevel)
		if s := scheduler.Load(); s != nil {
			s.SetInterval(cfg.CheckInterval())
		}
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := watcher.Current()
	if err := applyConfig(cfg); err != nil {
		return err
	}
	defer closeLogging()

	onExit, err := registerBackend(cfg)
	if err != nil {
		return err
	}
	defer onExit()

	auditLog := openAudit(cfg, "watch")
	defer closeAudit(auditLog)

	m := metrics.New()
	monitor := health.NewMonitor()
	sessionReporters := reporters(auditLog, m.Reporter(), monitor.Reporter())

	var gate updater.EulaGate = updater.RejectAllEulas
	if cfg.AutoAcceptEula {
		gate = updater.AcceptAllEulas
	}

	ctx, stop := signalContext()
	defer stop()
	go reopenLogOnHangup(ctx)

	pool := workerpool.New(ctx, 2, commandQueueSize, workerpool.WithName("remote-commands"))

	var client *websocket.Client
	var engine *updater.Engine
	if cfg.Remote.ServerURL != "" {
		tlsConfig, err := mtls.BuildTLSConfig(mtls.Files{
			CertFile: cfg.Remote.TLSCertFile,
			KeyFile:  cfg.Remote.TLSKeyFile,
			CAFile:   cfg.Remote.CAFile,
		})
		if err != nil {
			return err
		}
		client = websocket.New(websocket.Config{
			ServerURL:   cfg.Remote.ServerURL,
			DeviceID:    cfg.Remote.DeviceID,
			AuthToken:   secmem.New(cfg.Remote.AuthToken),
			TLSConfig:   tlsConfig,
			EulaTimeout: cfg.EulaTimeout(),
		}, func(cmd websocket.Command) websocket.CommandResult {
			return dispatchCommand(pool, engine, cmd)
		})
		sessionReporters = append(sessionReporters, websocket.NewReporter(client))
		if !cfg.AutoAcceptEula {
			gate = websocket.NewEulaGate(client)
		}
	}

	engine, err = newEngine(cfg, gate, sessionReporters...)
	if err != nil {
		return err
	}
	if client != nil {
		go client.Start()
		defer client.Stop()
	}

	srv := serveMetrics(cfg.MetricsAddr, m, monitor)

	sched := updater.NewScheduler(engine, cfg.CheckInterval(), func(res updater.Result) {
		if res.State == updater.StateSucceeded && !res.Components.Empty() {
			log.Info("updates available", "count", res.Components.Len(), "ids", res.Components.IDs())
		}
	})
	log.Info("watching for updates",
		logging.KeyBackend, cfg.Backend,
		"interval", cfg.CheckInterval().String(),
		"configFile", watcher.File())
	scheduler.Store(sched)
	sched.Run(ctx)

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := engine.Close(shutdownCtx); err != nil {
		log.Warn("sessions did not finish before shutdown", logging.KeyError, err.Error())
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("remote commands did not finish before shutdown", logging.KeyError, err.Error())
	}
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	return nil
}

// reopenLogOnHangup lets logrotate-style tools move the log file away and
// signal the updater to start a new one.
func reopenLogOnHangup(ctx context.Context) {
	if logFile == nil {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := logFile.Reopen(); err != nil {
				log.Warn("failed to reopen log file", logging.KeyError, err.Error())
			}
		}
	}
}

func serveMetrics(addr string, m *metrics.Metrics, monitor *health.Monitor) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", monitor.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logging.KeyError, err.Error())
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}

type installPayload struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

// dispatchCommand queues a server command on the pool and acknowledges it.
// Session outcomes reach the server through the remote reporter.
func dispatchCommand(pool *workerpool.Pool, engine *updater.Engine, cmd websocket.Command) websocket.CommandResult {
	if engine == nil {
		return websocket.CommandResult{Status: "failed", Error: "updater is starting"}
	}

	var task workerpool.Task
	switch cmd.Type {
	case "check_updates":
		task = func(ctx context.Context) {
			if _, err := engine.Check(ctx); err != nil && !updater.IsCancelled(err) {
				log.Warn("remote check failed", "commandId", cmd.ID, logging.KeyError, err.Error())
			}
		}
	case "install_updates":
		var p installPayload
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &p); err != nil {
				return websocket.CommandResult{Status: "failed", Error: "invalid payload: " + err.Error()}
			}
		}
		if !p.All && len(p.IDs) == 0 {
			return websocket.CommandResult{Status: "failed", Error: "no components selected"}
		}
		task = func(ctx context.Context) {
			if _, err := engine.Check(ctx); err != nil {
				if !updater.IsCancelled(err) {
					log.Warn("remote install skipped, check failed", "commandId", cmd.ID, logging.KeyError, err.Error())
				}
				return
			}
			ids := p.IDs
			if p.All {
				ids = engine.Components().IDs()
			}
			if len(ids) == 0 {
				return
			}
			if _, err := engine.Install(ctx, ids); err != nil && !updater.IsCancelled(err) {
				log.Warn("remote install failed", "commandId", cmd.ID, logging.KeyError, err.Error())
			}
		}
	default:
		return websocket.CommandResult{Status: "failed", Error: "unknown command " + cmd.Type}
	}

	if err := pool.Submit(task); err != nil {
		return websocket.CommandResult{Status: "failed", Error: err.Error()}
	}
	return websocket.CommandResult{Status: "accepted"}
}
