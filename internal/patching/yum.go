package patching

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	yumScanTimeout    = 180 * time.Second
	yumInstallTimeout = 30 * time.Minute
)

// YumProvider integrates with dnf/yum package managers.
type YumProvider struct {
	run Runner
	mgr string
}

// NewYumProvider creates a YumProvider using dnf when present, yum
// otherwise. A nil runner uses ExecRunner.
func NewYumProvider(r Runner) *YumProvider {
	mgr := "yum"
	if _, err := exec.LookPath("dnf"); err == nil {
		mgr = "dnf"
	}
	return &YumProvider{run: runnerOrDefault(r), mgr: mgr}
}

func (y *YumProvider) ID() string { return "yum" }

func (y *YumProvider) Name() string { return "YUM/DNF" }

func (y *YumProvider) Scan(ctx context.Context) ([]Package, error) {
	stdout, stderr, code, err := run(ctx, y.run, yumScanTimeout, y.mgr, "check-update", "-q")
	if err != nil {
		return nil, fmt.Errorf("%s check-update failed: %w", y.mgr, err)
	}
	// dnf/yum return exit code 100 when updates are available.
	if code != 0 && code != 100 {
		return nil, commandError(y.ID(), "check-update", code, stdout, stderr)
	}
	return parseYumCheckUpdate(stdout), nil
}

func (y *YumProvider) Install(ctx context.Context, packageID string) (InstallResult, error) {
	if strings.ContainsAny(packageID, " \t;&|") || strings.HasPrefix(packageID, "-") {
		return InstallResult{}, fmt.Errorf("invalid package name: %q", packageID)
	}
	stdout, stderr, code, err := run(ctx, y.run, yumInstallTimeout, y.mgr, "-y", "update", packageID)
	if err != nil {
		return InstallResult{}, fmt.Errorf("%s update failed: %w", y.mgr, err)
	}
	if code != 0 {
		return InstallResult{}, commandError(y.ID(), "update", code, stdout, stderr)
	}
	return InstallResult{
		PackageID:      packageID,
		RebootRequired: mentionsReboot(stdout),
		Message:        strings.TrimSpace(stdout),
	}, nil
}

func parseYumCheckUpdate(output string) []Package {
	var pkgs []Package
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Last metadata") {
			continue
		}
		if strings.HasPrefix(line, "Obsoleting") || strings.HasPrefix(line, "Security:") {
			break
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name := fields[0]
		if idx := strings.LastIndex(name, "."); idx > 0 {
			name = name[:idx]
		}
		pkgs = append(pkgs, Package{
			ID:          name,
			Title:       name,
			Version:     fields[1],
			Description: "repository: " + fields[2],
		})
	}
	return pkgs
}
