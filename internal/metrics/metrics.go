package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/breeze-rmm/autoupdate/internal/updater"
)

const namespace = "breeze_updater"

// Metrics holds the updater collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessions          *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	activeSessions    *prometheus.GaugeVec
	componentOutcomes *prometheus.CounterVec
	updatesAvailable  prometheus.Gauge
	lastCheck         prometheus.Gauge

	mu     sync.Mutex
	active map[string]bool
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active:   make(map[string]bool),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Finished update sessions by kind and terminal state",
			},
			[]string{"kind", "state"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Wall time of finished update sessions",
				Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"kind"},
		),
		activeSessions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Update sessions currently running",
			},
			[]string{"kind"},
		),
		componentOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "component_outcomes_total",
				Help:      "Terminal component install outcomes by status and error kind",
			},
			[]string{"status", "kind"},
		),
		updatesAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "updates_available",
			Help:      "Updates found by the last successful check",
		}),
		lastCheck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_check_timestamp_seconds",
			Help:      "Unix time of the last successful check",
		}),
	}
	m.registry.MustRegister(
		m.sessions,
		m.sessionDuration,
		m.activeSessions,
		m.componentOutcomes,
		m.updatesAvailable,
		m.lastCheck,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and embedding.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Reporter returns an updater.Reporter that records session events.
func (m *Metrics) Reporter() updater.Reporter { return reporter{m} }

type reporter struct{ m *Metrics }

func (r reporter) OnStateChanged(ev updater.StateEvent) {
	switch ev.State {
	case updater.StateChecking, updater.StatePreparing:
		r.m.mu.Lock()
		if !r.m.active[ev.SessionID] {
			r.m.active[ev.SessionID] = true
			r.m.activeSessions.WithLabelValues(string(ev.Kind)).Inc()
		}
		r.m.mu.Unlock()
	}
}

func (r reporter) OnComponentProgress(_ string, rec updater.ProgressRecord) {
	if !rec.Status.Terminal() {
		return
	}
	kind := ""
	if rec.Err != nil {
		kind = rec.Kind.String()
	}
	r.m.componentOutcomes.WithLabelValues(rec.Status.String(), kind).Inc()
}

func (r reporter) OnTerminal(res updater.Result) {
	kind := string(res.Kind)
	r.m.sessions.WithLabelValues(kind, string(res.State)).Inc()
	r.m.sessionDuration.WithLabelValues(kind).Observe(res.Duration.Seconds())

	r.m.mu.Lock()
	if r.m.active[res.SessionID] {
		delete(r.m.active, res.SessionID)
		r.m.activeSessions.WithLabelValues(kind).Dec()
	}
	r.m.mu.Unlock()

	if res.Kind == updater.SessionCheck && res.State == updater.StateSucceeded && res.Components != nil {
		r.m.updatesAvailable.Set(float64(res.Components.Len()))
		r.m.lastCheck.SetToCurrentTime()
	}
}
