package updater

import (
	"context"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

// CheckSession runs one CheckForUpdates call:
// Idle -> Checking -> Succeeded | Failed | Cancelled.
type CheckSession struct {
	session
}

func newCheckSession(e *Engine) *CheckSession {
	s := &CheckSession{}
	s.init(e, SessionCheck)
	return s
}

// Start begins the check on its own goroutine and returns immediately. It
// fails with InvalidState when the session is not idle or another check is
// running on the engine.
func (s *CheckSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return Errorf(KindInvalidState, "check", "session %s is %s", s.id, s.state)
	}
	if err := s.engine.acquireCheck(s); err != nil {
		return err
	}
	s.beginLocked(StateChecking)
	s.log.Info("checking for updates", logging.KeyBackend, s.engine.backend.ID())

	go s.run()
	return nil
}

type checkReply struct {
	components []Component
	err        error
}

func (s *CheckSession) run() {
	backend := s.engine.backend
	ctx := s.token.Context()
	if s.engine.opts.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.engine.opts.CheckTimeout)
		defer cancel()
	}

	replies := make(chan checkReply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				replies <- checkReply{err: Errorf(KindBackendFault, "check", "backend panicked: %v", p)}
			}
		}()
		components, err := backend.CheckForUpdates(ctx)
		replies <- checkReply{components: components, err: err}
	}()

	var reply checkReply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		// The late result is discarded either way; waiting only gives the
		// backend a chance to wind down before the verdict is published.
		timer := time.NewTimer(s.engine.opts.AbortDelay)
		select {
		case <-replies:
		case <-timer.C:
			s.log.Warn("backend did not acknowledge cancellation",
				"abortDelay", s.engine.opts.AbortDelay.String())
		}
		timer.Stop()

		if s.token.Cancelled() {
			s.finishCheck(StateCancelled, Result{Err: s.token.Err()})
			return
		}
		s.finishCheck(StateFailed, Result{
			Err: Errorf(KindNetwork, "check", "no answer from backend within %s", s.engine.opts.CheckTimeout),
		})
		return
	}

	if s.token.Cancelled() {
		s.finishCheck(StateCancelled, Result{Err: s.token.Err()})
		return
	}
	if reply.err != nil {
		err := classify("check", reply.err)
		s.log.Warn("update check failed", logging.KeyError, err.Error())
		s.finishCheck(StateFailed, Result{Err: err})
		return
	}

	set, err := NewComponentSet(backend.ID(), reply.components)
	if err != nil {
		s.log.Warn("backend returned an invalid component list", logging.KeyError, err.Error())
		s.finishCheck(StateFailed, Result{Err: err})
		return
	}
	s.engine.setComponents(set)
	s.log.Info("update check finished", "updates", set.Len())
	s.finishCheck(StateSucceeded, Result{Components: set})
}

func (s *CheckSession) finishCheck(state SessionState, res Result) {
	s.finish(state, res, func() { s.engine.releaseCheck(s) })
}

// Components returns the set produced by a successful check, or nil.
func (s *CheckSession) Components() *ComponentSet {
	res, ok := s.Result()
	if !ok {
		return nil
	}
	return res.Components
}

// classify wraps a foreign error into an *Error tagged with op, keeping the
// kind of errors that already carry one.
func classify(op string, err error) error {
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}
