package updater

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

// Reporter receives session events. Calls for one session are serialized
// and arrive in emission order.
type Reporter interface {
	OnStateChanged(ev StateEvent)
	OnComponentProgress(sessionID string, rec ProgressRecord)
	OnTerminal(res Result)
}

// ReporterFuncs adapts optional callbacks to Reporter.
type ReporterFuncs struct {
	StateChanged      func(StateEvent)
	ComponentProgress func(sessionID string, rec ProgressRecord)
	Terminal          func(Result)
}

func (f ReporterFuncs) OnStateChanged(ev StateEvent) {
	if f.StateChanged != nil {
		f.StateChanged(ev)
	}
}

func (f ReporterFuncs) OnComponentProgress(sessionID string, rec ProgressRecord) {
	if f.ComponentProgress != nil {
		f.ComponentProgress(sessionID, rec)
	}
}

func (f ReporterFuncs) OnTerminal(res Result) {
	if f.Terminal != nil {
		f.Terminal(res)
	}
}

// MultiReporter fans events out to several reporters in order.
type MultiReporter []Reporter

func (m MultiReporter) OnStateChanged(ev StateEvent) {
	for _, r := range m {
		r.OnStateChanged(ev)
	}
}

func (m MultiReporter) OnComponentProgress(sessionID string, rec ProgressRecord) {
	for _, r := range m {
		r.OnComponentProgress(sessionID, rec)
	}
}

func (m MultiReporter) OnTerminal(res Result) {
	for _, r := range m {
		r.OnTerminal(res)
	}
}

// LogReporter writes session events to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (l LogReporter) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log
}

func (l LogReporter) OnStateChanged(ev StateEvent) {
	l.logger().Info("session state changed",
		logging.KeySessionID, ev.SessionID,
		logging.KeySessionKind, string(ev.Kind),
		"state", string(ev.State))
}

func (l LogReporter) OnComponentProgress(sessionID string, rec ProgressRecord) {
	attrs := []any{
		logging.KeySessionID, sessionID,
		logging.KeyUpdateID, rec.ComponentID,
		"status", rec.Status.String(),
		"percent", rec.Percent,
	}
	if rec.Message != "" {
		attrs = append(attrs, "message", rec.Message)
	}
	if rec.Err != nil {
		attrs = append(attrs, logging.KeyError, rec.Err.Error(), "errorKind", rec.Kind.String())
		l.logger().Warn("component progress", attrs...)
		return
	}
	l.logger().Debug("component progress", attrs...)
}

func (l LogReporter) OnTerminal(res Result) {
	attrs := []any{
		logging.KeySessionID, res.SessionID,
		logging.KeySessionKind, string(res.Kind),
		"state", string(res.State),
		logging.KeyDurationMs, res.Duration.Milliseconds(),
	}
	if res.Components != nil {
		attrs = append(attrs, "updates", res.Components.Len())
	}
	if res.Err != nil {
		attrs = append(attrs, logging.KeyError, res.Err.Error())
	}
	l.logger().Info("session finished", attrs...)
}

type event struct {
	state    *StateEvent
	progress *ProgressRecord
	terminal *Result
}

// dispatcher delivers one session's events to its reporters from a single
// goroutine so that delivery order equals emission order and a slow
// reporter never blocks the backend goroutine.
type dispatcher struct {
	sessionID string

	mu        sync.Mutex
	reporters []Reporter
	queue     []event
	wake      chan struct{}
	closed    bool
	done      chan struct{}
}

func newDispatcher(sessionID string) *dispatcher {
	d := &dispatcher{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) subscribe(r Reporter) {
	if r == nil {
		return
	}
	d.mu.Lock()
	d.reporters = append(d.reporters, r)
	d.mu.Unlock()
}

// emit queues an event. The terminal event closes the dispatcher once it has
// been delivered.
func (d *dispatcher) emit(ev event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	if ev.terminal != nil {
		d.closed = true
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := d.queue[0]
			d.queue = d.queue[1:]
			reporters := make([]Reporter, len(d.reporters))
			copy(reporters, d.reporters)
			d.mu.Unlock()

			for _, r := range reporters {
				d.deliver(r, ev)
			}
		}
	}
}

func (d *dispatcher) deliver(r Reporter, ev event) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("reporter panicked",
				logging.KeySessionID, d.sessionID,
				"panic", p,
				"stack", string(debug.Stack()))
		}
	}()
	switch {
	case ev.state != nil:
		r.OnStateChanged(*ev.state)
	case ev.progress != nil:
		r.OnComponentProgress(d.sessionID, *ev.progress)
	case ev.terminal != nil:
		r.OnTerminal(*ev.terminal)
	}
}

// flushed is closed after the terminal event has been delivered.
func (d *dispatcher) flushed() <-chan struct{} {
	return d.done
}
