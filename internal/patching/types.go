package patching

import (
	"context"
	"time"
)

// Package describes an update a package manager can apply.
type Package struct {
	ID               string
	Provider         string
	Title            string
	Description      string
	InstalledVersion string
	Version          string
	Category         string // security, system, application, driver, definitions, feature
	KBNumber         string // e.g. "KB5034441"
	Size             int64  // bytes
	RebootRequired   bool

	// License is set when the provider needs an explicit license acceptance
	// before installing.
	License *License
}

// License is a package license awaiting acceptance.
type License struct {
	Vendor string
	Text   string
}

// InstallResult captures the outcome of one package installation.
type InstallResult struct {
	PackageID      string
	Provider       string
	RebootRequired bool
	Message        string
	ResultCode     int // WUA result code (2=succeeded, 3=succeeded with errors)
	HResult        int // HRESULT from WUA
}

// Provider is implemented by each package-manager integration.
type Provider interface {
	ID() string
	Name() string
	Scan(ctx context.Context) ([]Package, error)
	Install(ctx context.Context, packageID string) (InstallResult, error)
}

// LicenseAcceptor is implemented by providers that record license
// acceptance themselves before an install.
type LicenseAcceptor interface {
	AcceptLicense(ctx context.Context, packageID string) error
}

// WindowsUpdateOptions filters what a Windows Update scan offers.
type WindowsUpdateOptions struct {
	ExcludeDrivers        bool
	ExcludeFeatureUpdates bool
	// RetryWindow bounds how long a call waits out a conflicting WUA operation.
	RetryWindow time.Duration
}
