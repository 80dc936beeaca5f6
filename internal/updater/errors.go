package updater

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error so that sessions and presenters can react to it
// without parsing messages.
type Kind int

const (
	KindBackendFault Kind = iota
	KindNetwork
	KindHashMismatch
	KindEulaRejected
	KindLaunchFailed
	KindInvalidState
	KindInvalidInput
	KindCancelled
)

var kindNames = map[Kind]string{
	KindBackendFault: "backend_fault",
	KindNetwork:      "network_error",
	KindHashMismatch: "hash_mismatch",
	KindEulaRejected: "eula_rejected",
	KindLaunchFailed: "launch_failed",
	KindInvalidState: "invalid_state",
	KindInvalidInput: "invalid_input",
	KindCancelled:    "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrBackendFault = errors.New("backend fault")
	ErrNetwork      = errors.New("network error")
	ErrHashMismatch = errors.New("hash mismatch")
	ErrEulaRejected = errors.New("eula rejected")
	ErrLaunchFailed = errors.New("launch failed")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidInput = errors.New("invalid input")
	ErrCancelled    = errors.New("cancelled")
)

var sentinels = map[Kind]error{
	KindBackendFault: ErrBackendFault,
	KindNetwork:      ErrNetwork,
	KindHashMismatch: ErrHashMismatch,
	KindEulaRejected: ErrEulaRejected,
	KindLaunchFailed: ErrLaunchFailed,
	KindInvalidState: ErrInvalidState,
	KindInvalidInput: ErrInvalidInput,
	KindCancelled:    ErrCancelled,
}

// Error is the error type produced by the engine and its collaborators.
type Error struct {
	Kind        Kind
	Op          string // e.g. "check", "download", "launch"
	ComponentID string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ComponentID != "" {
		msg += fmt.Sprintf(" (component %q)", e.ComponentID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ForComponent returns a copy of err tagged with a component ID. Errors that
// are not *Error are classified first.
func ForComponent(err error, componentID string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.ComponentID = componentID
		return &cp
	}
	return &Error{Kind: KindOf(err), ComponentID: componentID, Err: err}
}

// KindOf classifies err. Context cancellation maps to KindCancelled, a
// context deadline to KindNetwork, and anything unrecognised to
// KindBackendFault.
func KindOf(err error) Kind {
	var e *Error
	switch {
	case err == nil:
		return KindBackendFault
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindBackendFault
}

// IsCancelled reports whether err represents a cooperative cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}
