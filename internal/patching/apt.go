package patching

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	aptScanTimeout    = 120 * time.Second
	aptInstallTimeout = 30 * time.Minute
)

var validAptPkg = regexp.MustCompile(`^[a-z0-9][a-z0-9+.\-]+(:[a-z0-9]+)?$`)

// AptProvider integrates with APT on Debian/Ubuntu systems.
type AptProvider struct {
	run Runner
}

// NewAptProvider creates an AptProvider. A nil runner uses ExecRunner.
func NewAptProvider(r Runner) *AptProvider {
	return &AptProvider{run: runnerOrDefault(r)}
}

func (a *AptProvider) ID() string { return "apt" }

func (a *AptProvider) Name() string { return "APT" }

// Scan returns available upgrades using apt.
func (a *AptProvider) Scan(ctx context.Context) ([]Package, error) {
	stdout, stderr, code, err := run(ctx, a.run, aptScanTimeout, "apt", "list", "--upgradable")
	if err != nil {
		return nil, fmt.Errorf("apt list failed: %w", err)
	}
	if code != 0 {
		return nil, commandError(a.ID(), "list", code, stdout, stderr)
	}
	return parseAptUpgradable(stdout), nil
}

// Install upgrades a package using apt-get.
func (a *AptProvider) Install(ctx context.Context, packageID string) (InstallResult, error) {
	if !validAptPkg.MatchString(packageID) {
		return InstallResult{}, fmt.Errorf("invalid apt package name: %q", packageID)
	}
	stdout, stderr, code, err := run(ctx, a.run, aptInstallTimeout,
		"apt-get", "-y", "-o", "Dpkg::Options::=--force-confold", "install", "--only-upgrade", packageID)
	if err != nil {
		return InstallResult{}, fmt.Errorf("apt-get install failed: %w", err)
	}
	if code != 0 {
		return InstallResult{}, commandError(a.ID(), "install", code, stdout, stderr)
	}
	return InstallResult{
		PackageID:      packageID,
		Message:        strings.TrimSpace(stdout),
		RebootRequired: mentionsReboot(stdout),
	}, nil
}

// parseAptUpgradable parses lines such as
//
//	curl/jammy-updates 7.81.0-1ubuntu1.16 amd64 [upgradable from: 7.81.0-1ubuntu1.15]
func parseAptUpgradable(output string) []Package {
	var pkgs []Package
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Listing") || strings.HasPrefix(line, "WARNING") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, _, ok := strings.Cut(fields[0], "/")
		if !ok || name == "" {
			continue
		}
		pkg := Package{ID: name, Title: name, Version: fields[1]}
		if _, from, ok := strings.Cut(line, "[upgradable from: "); ok {
			pkg.InstalledVersion = strings.TrimSuffix(strings.TrimSpace(from), "]")
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs
}

// restartNotice matches "restart required", "restart is required" and
// "restart will be required" style notices.
var restartNotice = regexp.MustCompile(`(?i)\brestart\s+(is\s+|will\s+be\s+)?required`)

func mentionsReboot(output string) bool {
	return strings.Contains(strings.ToLower(output), "reboot") || restartNotice.MatchString(output)
}
