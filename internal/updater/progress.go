package updater

import (
	"encoding/json"
	"time"
)

// Status is the per-component state within an install session.
type Status int

const (
	StatusPending Status = iota
	StatusDownloading
	StatusVerifying
	StatusAwaitingEula
	StatusInstalling
	StatusInstalled
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{
	StatusPending:      "pending",
	StatusDownloading:  "downloading",
	StatusVerifying:    "verifying",
	StatusAwaitingEula: "awaiting_eula",
	StatusInstalling:   "installing",
	StatusInstalled:    "installed",
	StatusFailed:       "failed",
	StatusCancelled:    "cancelled",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusInstalled || s == StatusFailed || s == StatusCancelled
}

// rank orders statuses along a component's lifecycle. AwaitingEula is
// entered and left by the engine while the session prepares, so it ranks
// with Pending.
func (s Status) rank() int {
	switch s {
	case StatusPending, StatusAwaitingEula:
		return 1
	case StatusDownloading:
		return 2
	case StatusVerifying:
		return 3
	case StatusInstalling:
		return 4
	default:
		return 5
	}
}

// CanAdvanceTo reports whether a component in s may move to next. Staying in
// the same non-terminal status is allowed so percent updates pass.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// ProgressRecord is the latest known state of one component in an install
// session.
type ProgressRecord struct {
	ComponentID string    `json:"componentId"`
	Status      Status    `json:"status"`
	Percent     int       `json:"percent"`
	Message     string    `json:"message,omitempty"`
	Err         error     `json:"-"`
	Kind        Kind      `json:"-"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MarshalJSON flattens Err and Kind into strings for remote reporters.
func (r ProgressRecord) MarshalJSON() ([]byte, error) {
	type alias ProgressRecord
	out := struct {
		alias
		Error     string `json:"error,omitempty"`
		ErrorKind string `json:"errorKind,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.ErrorKind = r.Kind.String()
	}
	return json.Marshal(out)
}

// ProgressUpdate is what a backend reports through a ProgressSink.
type ProgressUpdate struct {
	ComponentID string
	Status      Status
	Percent     int
	Message     string
	Err         error // set with StatusFailed or StatusCancelled
}

// ProgressSink receives per-component updates from a backend during
// InstallComponents. Implementations are safe for concurrent use.
type ProgressSink interface {
	Update(u ProgressUpdate)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ProgressUpdate)

func (f ProgressSinkFunc) Update(u ProgressUpdate) { f(u) }

// SessionKind distinguishes check and install sessions.
type SessionKind string

const (
	SessionCheck   SessionKind = "check"
	SessionInstall SessionKind = "install"
)

// SessionState is the lifecycle state of a check or install session.
type SessionState string

const (
	StateIdle SessionState = "idle"

	// check sessions
	StateChecking  SessionState = "checking"
	StateSucceeded SessionState = "succeeded"

	// install sessions
	StatePreparing       SessionState = "preparing"
	StateInstalling      SessionState = "installing"
	StateCompleted       SessionState = "completed"
	StatePartiallyFailed SessionState = "partially_failed"

	// shared terminal states
	StateFailed    SessionState = "failed"
	StateCancelled SessionState = "cancelled"
)

// Terminal reports whether the session has finished.
func (s SessionState) Terminal() bool {
	switch s {
	case StateSucceeded, StateCompleted, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}

// StateEvent announces a session state transition.
type StateEvent struct {
	SessionID string       `json:"sessionId"`
	Kind      SessionKind  `json:"kind"`
	State     SessionState `json:"state"`
	At        time.Time    `json:"at"`
}

// Result is the terminal outcome of a session. Components is set by
// successful check sessions; Records by install sessions.
type Result struct {
	SessionID  string
	Kind       SessionKind
	State      SessionState
	Components *ComponentSet
	Records    []ProgressRecord
	Err        error
	Duration   time.Duration
}

// Counts tallies install records by status.
func (r Result) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, rec := range r.Records {
		out[rec.Status]++
	}
	return out
}
