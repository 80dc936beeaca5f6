package patching

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	chocoScanTimeout    = 180 * time.Second
	chocoInstallTimeout = 30 * time.Minute
)

// ChocolateyProvider integrates with Chocolatey on Windows.
type ChocolateyProvider struct {
	run Runner
}

// NewChocolateyProvider creates a ChocolateyProvider. A nil runner uses
// ExecRunner.
func NewChocolateyProvider(r Runner) *ChocolateyProvider {
	return &ChocolateyProvider{run: runnerOrDefault(r)}
}

func (c *ChocolateyProvider) ID() string { return "chocolatey" }

func (c *ChocolateyProvider) Name() string { return "Chocolatey" }

// Scan returns available upgrades using choco.
func (c *ChocolateyProvider) Scan(ctx context.Context) ([]Package, error) {
	stdout, stderr, code, err := run(ctx, c.run, chocoScanTimeout, "choco", "outdated", "-r")
	if err != nil {
		return nil, fmt.Errorf("choco outdated failed: %w", err)
	}
	// choco outdated exits 2 when outdated packages were found.
	if code != 0 && code != 2 {
		return nil, commandError(c.ID(), "outdated", code, stdout, stderr)
	}
	return parseChocoOutdated(stdout), nil
}

// Install upgrades a Chocolatey package.
func (c *ChocolateyProvider) Install(ctx context.Context, packageID string) (InstallResult, error) {
	if strings.ContainsAny(packageID, " \t;&|") || strings.HasPrefix(packageID, "-") {
		return InstallResult{}, fmt.Errorf("invalid package name: %q", packageID)
	}
	stdout, stderr, code, err := run(ctx, c.run, chocoInstallTimeout, "choco", "upgrade", "-y", "--no-progress", packageID)
	if err != nil {
		return InstallResult{}, fmt.Errorf("choco upgrade failed: %w", err)
	}
	switch code {
	case 0:
	case 1641, 3010:
		// Success, reboot initiated or required.
		return InstallResult{PackageID: packageID, RebootRequired: true, Message: strings.TrimSpace(stdout)}, nil
	default:
		return InstallResult{}, commandError(c.ID(), "upgrade", code, stdout, stderr)
	}
	return InstallResult{PackageID: packageID, Message: strings.TrimSpace(stdout)}, nil
}

// parseChocoOutdated parses "name|current|available|pinned" lines.
func parseChocoOutdated(output string) []Package {
	var pkgs []Package
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		parts := strings.Split(strings.TrimSpace(scanner.Text()), "|")
		if len(parts) < 3 || parts[0] == "" {
			continue
		}
		if len(parts) >= 4 && strings.EqualFold(parts[3], "true") {
			continue
		}
		pkgs = append(pkgs, Package{
			ID:               parts[0],
			Title:            parts[0],
			InstalledVersion: parts[1],
			Version:          parts[2],
			Category:         "application",
		})
	}
	return pkgs
}
