package patching

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

var log = logging.L("patching")

const packageIDSeparator = ":"

// Manager coordinates package-manager providers. Package IDs it hands out
// are "provider:local-id".
type Manager struct {
	providers     []Provider
	providerIndex map[string]Provider
}

// NewManager creates a Manager with the given providers, in priority order.
func NewManager(providers ...Provider) *Manager {
	index := make(map[string]Provider, len(providers))
	for _, provider := range providers {
		index[provider.ID()] = provider
	}
	return &Manager{
		providers:     providers,
		providerIndex: index,
	}
}

// Scan queries every provider concurrently. Results keep provider order.
// Provider failures are returned joined; the packages from providers that
// succeeded are returned alongside.
func (m *Manager) Scan(ctx context.Context) ([]Package, error) {
	results := make([][]Package, len(m.providers))
	errs := make([]error, len(m.providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range m.providers {
		g.Go(func() error {
			pkgs, err := provider.Scan(gctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s scan failed: %w", provider.ID(), err)
				return nil
			}
			results[i] = m.decorate(provider.ID(), pkgs)
			return nil
		})
	}
	g.Wait()

	var pkgs []Package
	for _, r := range results {
		pkgs = append(pkgs, r...)
	}
	return pkgs, errors.Join(errs...)
}

// Install installs a package by composite ID.
func (m *Manager) Install(ctx context.Context, packageID string) (InstallResult, error) {
	provider, localID, err := m.resolve(packageID)
	if err != nil {
		return InstallResult{}, err
	}

	result, err := provider.Install(ctx, localID)
	if err != nil {
		return InstallResult{}, err
	}
	result.Provider = provider.ID()
	result.PackageID = m.formatID(provider.ID(), localID)
	if pending, reasons := DetectPendingReboot(); pending && !result.RebootRequired {
		result.RebootRequired = true
		log.Info("pending reboot detected after install", "package", result.PackageID, "reasons", strings.Join(reasons, "; "))
	}
	return result, nil
}

// AcceptLicense records license acceptance with providers that track it.
func (m *Manager) AcceptLicense(ctx context.Context, packageID string) error {
	provider, localID, err := m.resolve(packageID)
	if err != nil {
		return err
	}
	if acceptor, ok := provider.(LicenseAcceptor); ok {
		return acceptor.AcceptLicense(ctx, localID)
	}
	return nil
}

func (m *Manager) resolve(packageID string) (Provider, string, error) {
	providerID, localID, err := m.splitID(packageID)
	if err != nil {
		return nil, "", err
	}
	provider, ok := m.providerIndex[providerID]
	if !ok {
		return nil, "", fmt.Errorf("unknown package provider: %s", providerID)
	}
	return provider, localID, nil
}

func (m *Manager) splitID(packageID string) (string, string, error) {
	if packageID == "" {
		return "", "", fmt.Errorf("package ID is required")
	}
	if providerID, localID, ok := strings.Cut(packageID, packageIDSeparator); ok && providerID != "" && localID != "" {
		if _, known := m.providerIndex[providerID]; known || len(m.providers) != 1 {
			return providerID, localID, nil
		}
	}
	if len(m.providers) == 1 {
		return m.providers[0].ID(), packageID, nil
	}
	return "", "", fmt.Errorf("package ID %q must be prefixed with provider ID", packageID)
}

func (m *Manager) decorate(providerID string, pkgs []Package) []Package {
	out := make([]Package, 0, len(pkgs))
	for _, p := range pkgs {
		p.Provider = providerID
		p.ID = m.formatID(providerID, p.ID)
		out = append(out, p)
	}
	return out
}

func (m *Manager) formatID(providerID, localID string) string {
	if localID == "" || strings.HasPrefix(localID, providerID+packageIDSeparator) {
		return localID
	}
	return providerID + packageIDSeparator + localID
}

// Provider returns a provider by ID.
func (m *Manager) Provider(providerID string) (Provider, bool) {
	p, ok := m.providerIndex[providerID]
	return p, ok
}

// ProviderIDs returns the registered provider IDs in order.
func (m *Manager) ProviderIDs() []string {
	ids := make([]string, 0, len(m.providers))
	for _, provider := range m.providers {
		ids = append(ids, provider.ID())
	}
	return ids
}
