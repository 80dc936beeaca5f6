package patching

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	brewCaskPrefix     = "cask:"
	brewScanTimeout    = 180 * time.Second
	brewInstallTimeout = 30 * time.Minute
)

// HomebrewProvider integrates with Homebrew on macOS.
type HomebrewProvider struct {
	run Runner
}

// NewHomebrewProvider creates a HomebrewProvider. A nil runner uses
// ExecRunner.
func NewHomebrewProvider(r Runner) *HomebrewProvider {
	return &HomebrewProvider{run: runnerOrDefault(r)}
}

func (h *HomebrewProvider) ID() string { return "homebrew" }

func (h *HomebrewProvider) Name() string { return "Homebrew" }

// Scan returns outdated formulae and casks.
func (h *HomebrewProvider) Scan(ctx context.Context) ([]Package, error) {
	stdout, stderr, code, err := run(ctx, h.run, brewScanTimeout, "brew", "outdated", "--json=v2")
	if err != nil {
		return nil, fmt.Errorf("brew outdated failed: %w", err)
	}
	if code != 0 {
		return nil, commandError(h.ID(), "outdated", code, stdout, stderr)
	}
	return parseBrewOutdated([]byte(stdout))
}

// Install upgrades a Homebrew formula or cask.
func (h *HomebrewProvider) Install(ctx context.Context, packageID string) (InstallResult, error) {
	name, isCask := parseBrewID(packageID)
	if name == "" || strings.HasPrefix(name, "-") {
		return InstallResult{}, fmt.Errorf("invalid brew package: %q", packageID)
	}
	args := []string{"upgrade"}
	if isCask {
		args = append(args, "--cask")
	}
	args = append(args, name)

	stdout, stderr, code, err := run(ctx, h.run, brewInstallTimeout, "brew", args...)
	if err != nil {
		return InstallResult{}, fmt.Errorf("brew upgrade failed: %w", err)
	}
	if code != 0 {
		return InstallResult{}, commandError(h.ID(), "upgrade", code, stdout, stderr)
	}
	return InstallResult{PackageID: packageID, Message: strings.TrimSpace(stdout)}, nil
}

type brewOutdatedReport struct {
	Formulae []brewItem `json:"formulae"`
	Casks    []brewItem `json:"casks"`
}

type brewItem struct {
	Name             string   `json:"name"`
	InstalledVersion []string `json:"installed_versions"`
	CurrentVersion   string   `json:"current_version"`
	Pinned           bool     `json:"pinned"`
}

func (b brewItem) installed() string {
	if len(b.InstalledVersion) == 0 {
		return ""
	}
	return b.InstalledVersion[len(b.InstalledVersion)-1]
}

func parseBrewOutdated(output []byte) ([]Package, error) {
	var report brewOutdatedReport
	if err := json.Unmarshal(output, &report); err != nil {
		return nil, fmt.Errorf("brew outdated json failed: %w", err)
	}

	var pkgs []Package
	for _, f := range report.Formulae {
		if f.Pinned {
			continue
		}
		pkgs = append(pkgs, Package{
			ID:               f.Name,
			Title:            f.Name,
			InstalledVersion: f.installed(),
			Version:          f.CurrentVersion,
			Category:         "application",
		})
	}
	for _, c := range report.Casks {
		pkgs = append(pkgs, Package{
			ID:               brewCaskPrefix + c.Name,
			Title:            c.Name,
			InstalledVersion: c.installed(),
			Version:          c.CurrentVersion,
			Category:         "application",
		})
	}
	return pkgs, nil
}

func parseBrewID(packageID string) (string, bool) {
	if strings.HasPrefix(packageID, brewCaskPrefix) {
		return strings.TrimPrefix(packageID, brewCaskPrefix), true
	}
	return packageID, false
}
