package updater

import (
	"context"
	"sync"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

var log = logging.L("updater")

const (
	DefaultGracePeriod = 10 * time.Second
	DefaultAbortDelay  = 5 * time.Second
)

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	// EulaGate resolves license agreements. Nil rejects every agreement.
	EulaGate EulaGate

	// GracePeriod bounds how long a cancelled install session waits for the
	// backend to return before reporting Cancelled.
	GracePeriod time.Duration

	// AbortDelay bounds how long a cancelled check session waits for the
	// backend to acknowledge.
	AbortDelay time.Duration

	// CheckTimeout fails a check that runs longer. Zero disables it.
	CheckTimeout time.Duration

	// Reporters are subscribed to every session the engine creates.
	Reporters []Reporter
}

// Engine owns the session lifecycle for one backend: at most one active
// check session and one active install session, and the component set of
// the last successful check.
type Engine struct {
	backend Backend
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	activeCheck   *CheckSession
	activeInstall *InstallSession
	last          *ComponentSet
}

// NewEngine builds an engine around b.
func NewEngine(b Backend, opts Options) *Engine {
	if opts.EulaGate == nil {
		opts.EulaGate = RejectAllEulas
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.AbortDelay <= 0 {
		opts.AbortDelay = DefaultAbortDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		backend: b,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewEngineFromRegistry builds an engine around the process-wide backend.
func NewEngineFromRegistry(opts Options) (*Engine, error) {
	b, err := ActiveBackend()
	if err != nil {
		return nil, err
	}
	return NewEngine(b, opts), nil
}

// Backend returns the engine's backend.
func (e *Engine) Backend() Backend { return e.backend }

// Components returns the set from the last successful check, or nil.
func (e *Engine) Components() *ComponentSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) setComponents(set *ComponentSet) {
	e.mu.Lock()
	e.last = set
	e.mu.Unlock()
}

// NewCheckSession creates an idle check session.
func (e *Engine) NewCheckSession() *CheckSession {
	return newCheckSession(e)
}

// NewInstallSession creates an idle install session.
func (e *Engine) NewInstallSession() *InstallSession {
	return newInstallSession(e)
}

// ActiveCheck returns the running check session, if any.
func (e *Engine) ActiveCheck() *CheckSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeCheck
}

// ActiveInstall returns the running install session, if any.
func (e *Engine) ActiveInstall() *InstallSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeInstall
}

// Check runs a check session to completion. Cancelling ctx cancels the
// session.
func (e *Engine) Check(ctx context.Context, reporters ...Reporter) (Result, error) {
	s := e.NewCheckSession()
	for _, r := range reporters {
		s.Subscribe(r)
	}
	if err := s.Start(); err != nil {
		return Result{}, err
	}
	return waitOrCancel(ctx, s.Done(), s.Cancel, s.Result)
}

// Install runs an install session over ids to completion. Cancelling ctx
// cancels the session.
func (e *Engine) Install(ctx context.Context, ids []string, reporters ...Reporter) (Result, error) {
	s := e.NewInstallSession()
	for _, r := range reporters {
		s.Subscribe(r)
	}
	if err := s.Start(ids); err != nil {
		return Result{}, err
	}
	return waitOrCancel(ctx, s.Done(), s.Cancel, s.Result)
}

func waitOrCancel(ctx context.Context, done <-chan struct{}, cancel func(), result func() (Result, bool)) (Result, error) {
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	res, _ := result()
	return res, res.Err
}

// Close cancels any active session and waits for it to finish or for ctx.
// Sessions started after Close begin cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()

	e.mu.Lock()
	check, install := e.activeCheck, e.activeInstall
	e.mu.Unlock()

	var waits []<-chan struct{}
	if check != nil {
		waits = append(waits, check.Done())
	}
	if install != nil {
		waits = append(waits, install.Done())
	}
	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) acquireCheck(s *CheckSession) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeCheck != nil {
		return Errorf(KindInvalidState, "check", "check session %s is already running", e.activeCheck.id)
	}
	e.activeCheck = s
	return nil
}

func (e *Engine) releaseCheck(s *CheckSession) {
	e.mu.Lock()
	if e.activeCheck == s {
		e.activeCheck = nil
	}
	e.mu.Unlock()
}

func (e *Engine) acquireInstall(s *InstallSession) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeInstall != nil {
		return Errorf(KindInvalidState, "install", "install session %s is already running", e.activeInstall.id)
	}
	e.activeInstall = s
	return nil
}

func (e *Engine) releaseInstall(s *InstallSession) {
	e.mu.Lock()
	if e.activeInstall == s {
		e.activeInstall = nil
	}
	e.mu.Unlock()
}
