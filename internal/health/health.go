// Package health summarizes whether the updater is doing its job: checks
// reach the update source and installs succeed.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
	"github.com/breeze-rmm/autoupdate/internal/updater"
)

var log = logging.L("health")

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Names of the checks fed by Reporter.
const (
	CheckSessions   = "check"
	InstallSessions = "install"
)

// Check is the latest result for a named component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Monitor tracks health checks by name.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Update records a status. Invalid statuses are stored as Unknown.
func (m *Monitor) Update(name string, status Status, message string) {
	if !status.IsValid() {
		log.Warn("invalid health status", "component", name, "status", string(status))
		status = Unknown
	}

	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{Name: name, Status: status, Message: message, UpdatedAt: time.Now()}
	m.mu.Unlock()

	if status != Healthy && (!had || prev.Status != status) {
		log.Warn("health check degraded", "component", name, "status", string(status), "message", message)
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status, or Unknown when nothing has reported.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) Summary() map[string]any {
	checks := m.All()
	components := make(map[string]string, len(checks))
	for _, c := range checks {
		components[c.Name] = string(c.Status)
	}
	return map[string]any{
		"status":     string(m.Overall()),
		"components": components,
	}
}

// Handler serves the checks as JSON. Unhealthy answers 503.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		overall := m.Overall()
		w.Header().Set("Content-Type", "application/json")
		if overall == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(struct {
			Status Status  `json:"status"`
			Checks []Check `json:"checks"`
		}{overall, m.All()})
	})
}

// Reporter maps finished sessions onto the check and install health checks.
// A failed check is Unhealthy (the update source is unreachable); failed
// installs are Degraded.
func (m *Monitor) Reporter() updater.Reporter {
	return updater.ReporterFuncs{Terminal: m.observe}
}

func (m *Monitor) observe(res updater.Result) {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}

	switch res.Kind {
	case updater.SessionCheck:
		switch res.State {
		case updater.StateSucceeded:
			m.Update(CheckSessions, Healthy, "")
		case updater.StateFailed:
			m.Update(CheckSessions, Unhealthy, msg)
		}
	case updater.SessionInstall:
		switch res.State {
		case updater.StateCompleted:
			m.Update(InstallSessions, Healthy, "")
		case updater.StatePartiallyFailed:
			m.Update(InstallSessions, Degraded, "some components failed to install")
		case updater.StateFailed:
			m.Update(InstallSessions, Degraded, msg)
		}
	}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
