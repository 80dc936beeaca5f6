package updater

import "context"

// Eula is a license agreement that must be accepted before a component is
// installed.
type Eula struct {
	ComponentID string
	Vendor      string
	Text        string
}

// EulaDecision is the outcome of presenting an Eula.
type EulaDecision int

const (
	EulaRejected EulaDecision = iota
	EulaAccepted
)

func (d EulaDecision) String() string {
	if d == EulaAccepted {
		return "accepted"
	}
	return "rejected"
}

// EulaGate resolves a license agreement to a decision, typically by asking a
// user. Resolve blocks until a decision is made or ctx is cancelled.
type EulaGate interface {
	Resolve(ctx context.Context, eula Eula) (EulaDecision, error)
}

// EulaGateFunc adapts a function to EulaGate.
type EulaGateFunc func(ctx context.Context, eula Eula) (EulaDecision, error)

func (f EulaGateFunc) Resolve(ctx context.Context, eula Eula) (EulaDecision, error) {
	return f(ctx, eula)
}

var (
	// AcceptAllEulas accepts every agreement. For unattended installs where
	// acceptance was given out of band.
	AcceptAllEulas EulaGate = EulaGateFunc(func(context.Context, Eula) (EulaDecision, error) {
		return EulaAccepted, nil
	})

	// RejectAllEulas rejects every agreement. The engine default.
	RejectAllEulas EulaGate = EulaGateFunc(func(context.Context, Eula) (EulaDecision, error) {
		return EulaRejected, nil
	})
)
