package updater

import (
	"context"
	"errors"
	"sync/atomic"
)

// CancelToken is a cooperative cancellation signal owned by one session.
// Backends observe it through the context returned by Context; the engine
// never interrupts backend work forcibly.
type CancelToken struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	requested atomic.Bool
}

// NewCancelToken returns a token whose context derives from parent.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancelCause(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel requests cancellation. Safe to call repeatedly and concurrently.
func (t *CancelToken) Cancel() {
	t.requested.Store(true)
	t.cancel(ErrCancelled)
}

// Requested reports whether Cancel was called explicitly, as opposed to the
// parent context ending.
func (t *CancelToken) Requested() bool {
	return t.requested.Load()
}

// Cancelled reports whether the token's context is done for any reason.
func (t *CancelToken) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once cancellation has been requested.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the context handed to backends.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Err returns a Cancelled *Error once the token is cancelled, nil before.
func (t *CancelToken) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(t.ctx)
	if errors.Is(cause, ErrCancelled) {
		cause = nil
	}
	return NewError(KindCancelled, "", cause)
}

// release frees the context resources without marking the token as
// cancelled by request.
func (t *CancelToken) release() {
	t.cancel(nil)
}
