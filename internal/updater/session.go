package updater

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

// session holds what check and install sessions share: identity, state,
// cancellation and event delivery. Sessions are single-use.
type session struct {
	id     string
	kind   SessionKind
	engine *Engine
	log    *slog.Logger

	mu        sync.Mutex
	state     SessionState
	started   time.Time
	token     *CancelToken
	disp      *dispatcher
	reporters []Reporter
	result    Result
	finished  bool
	done      chan struct{}
}

func (s *session) init(e *Engine, kind SessionKind) {
	s.id = uuid.NewString()
	s.kind = kind
	s.engine = e
	s.log = logging.WithSession(log, s.id, string(kind))
	s.state = StateIdle
	s.reporters = append([]Reporter(nil), e.opts.Reporters...)
	s.done = make(chan struct{})
}

// ID returns the session identifier.
func (s *session) ID() string { return s.id }

// State returns the current session state.
func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe adds a reporter. Reporters added after Start only see events
// emitted from then on.
func (s *session) Subscribe(r Reporter) {
	if r == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disp != nil {
		s.disp.subscribe(r)
		return
	}
	s.reporters = append(s.reporters, r)
}

// Done is closed once the session is terminal and its reporters have
// received the terminal event.
func (s *session) Done() <-chan struct{} { return s.done }

// Result returns the terminal result, and false while the session runs.
func (s *session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.finished
}

// Wait blocks until the session is terminal or ctx is done. It does not
// cancel the session.
func (s *session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		res, _ := s.Result()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel requests cancellation. Cancelling an idle session finishes it
// without running; cancelling a terminal session is a no-op.
func (s *session) Cancel() {
	s.mu.Lock()
	switch {
	case s.state == StateIdle:
		s.token = NewCancelToken(s.engine.ctx)
		s.token.Cancel()
		s.startDispatchLocked()
		disp := s.finishLocked(StateCancelled, Result{Err: s.token.Err()})
		s.mu.Unlock()
		s.complete(disp, nil)
		return
	case s.state.Terminal():
		s.mu.Unlock()
		return
	}
	token := s.token
	s.mu.Unlock()

	s.log.Info("cancellation requested")
	token.Cancel()
}

// begin moves an idle session into its first running state. The caller
// holds s.mu.
func (s *session) beginLocked(state SessionState) {
	s.token = NewCancelToken(s.engine.ctx)
	s.started = time.Now()
	s.startDispatchLocked()
	s.setStateLocked(state)
}

func (s *session) startDispatchLocked() {
	s.disp = newDispatcher(s.id)
	for _, r := range s.reporters {
		s.disp.subscribe(r)
	}
	s.reporters = nil
}

func (s *session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *session) setStateLocked(state SessionState) {
	if s.state == state || s.state.Terminal() {
		return
	}
	s.state = state
	s.log.Debug("session state changed", "state", string(state))
	s.disp.emit(event{state: &StateEvent{
		SessionID: s.id,
		Kind:      s.kind,
		State:     state,
		At:        time.Now(),
	}})
}

// finish records the terminal state and result, emits the terminal events,
// releases the engine slot via release and closes Done once reporters have
// been served.
func (s *session) finish(state SessionState, res Result, release func()) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	disp := s.finishLocked(state, res)
	s.mu.Unlock()
	s.complete(disp, release)
}

func (s *session) finishLocked(state SessionState, res Result) *dispatcher {
	res.SessionID = s.id
	res.Kind = s.kind
	res.State = state
	if !s.started.IsZero() {
		res.Duration = time.Since(s.started)
	}
	s.setStateLocked(state)
	s.result = res
	s.finished = true
	s.disp.emit(event{terminal: &res})
	return s.disp
}

func (s *session) complete(disp *dispatcher, release func()) {
	if release != nil {
		release()
	}
	s.token.release()

	<-disp.flushed()
	close(s.done)
}
