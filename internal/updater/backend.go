package updater

import (
	"context"
	"strings"
)

// Features advertises optional backend capabilities.
type Features uint8

const (
	// FeatureParallelInstall means the backend installs several components
	// concurrently within one InstallComponents call.
	FeatureParallelInstall Features = 1 << iota
	// FeatureDetachedInstall means "installed" signals hand-off to a detached
	// installer process rather than completion of the install.
	FeatureDetachedInstall
	// FeatureEula means RequiresEula may return agreements.
	FeatureEula
)

func (f Features) Has(flag Features) bool { return f&flag != 0 }

func (f Features) String() string {
	var names []string
	if f.Has(FeatureParallelInstall) {
		names = append(names, "parallel-install")
	}
	if f.Has(FeatureDetachedInstall) {
		names = append(names, "detached-install")
	}
	if f.Has(FeatureEula) {
		names = append(names, "eula")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// InstallOutcome is returned by Backend.InstallComponents. Per-component
// results travel through the ProgressSink; Fatal reports a failure shared by
// the whole batch, such as a locked package database.
type InstallOutcome struct {
	Fatal error
}

// Backend is implemented by every update source: native package managers,
// web-hosted installer feeds and store APIs.
//
// Methods receive a context derived from the session's CancelToken. A
// backend must return promptly once the context is done, with an error of
// KindCancelled or the context error.
type Backend interface {
	ID() string
	Name() string
	Features() Features

	// CheckForUpdates lists available updates. An empty list means the host
	// is up to date.
	CheckForUpdates(ctx context.Context) ([]Component, error)

	// RequiresEula returns the agreement that must be accepted before c is
	// installed, or nil.
	RequiresEula(ctx context.Context, c Component) (*Eula, error)

	// InstallComponents installs cs, reporting each component's progress and
	// terminal status through sink. It returns once every component is
	// terminal, or on cancellation or a batch-fatal error.
	InstallComponents(ctx context.Context, cs []Component, sink ProgressSink) InstallOutcome
}
