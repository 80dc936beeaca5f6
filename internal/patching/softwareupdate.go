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
	softwareUpdateScanTimeout    = 5 * time.Minute
	softwareUpdateInstallTimeout = 2 * time.Hour
)

var (
	suLabelPattern   = regexp.MustCompile(`^\s*\*\s+Label:\s+(.+)$`)
	suTitlePattern   = regexp.MustCompile(`Title:\s*([^,]+)`)
	suVersionPattern = regexp.MustCompile(`Version:\s*([^,]+)`)
	suSizePattern    = regexp.MustCompile(`Size:\s*(\d+)\s*([KMG]i?B)?`)
	suRestartPattern = regexp.MustCompile(`Action:\s*restart`)
)

// SoftwareUpdateProvider integrates with macOS softwareupdate.
type SoftwareUpdateProvider struct {
	run Runner
}

// NewSoftwareUpdateProvider creates a SoftwareUpdateProvider. A nil runner
// uses ExecRunner.
func NewSoftwareUpdateProvider(r Runner) *SoftwareUpdateProvider {
	return &SoftwareUpdateProvider{run: runnerOrDefault(r)}
}

func (p *SoftwareUpdateProvider) ID() string { return "apple-softwareupdate" }

func (p *SoftwareUpdateProvider) Name() string { return "Apple Software Update" }

func (p *SoftwareUpdateProvider) Scan(ctx context.Context) ([]Package, error) {
	stdout, stderr, code, err := run(ctx, p.run, softwareUpdateScanTimeout, "softwareupdate", "-l")
	if err != nil {
		return nil, fmt.Errorf("softwareupdate list failed: %w", err)
	}
	combined := stdout + "\n" + stderr
	if strings.Contains(strings.ToLower(combined), "no new software") {
		return nil, nil
	}
	if code != 0 {
		return nil, commandError(p.ID(), "list", code, stdout, stderr)
	}
	return parseSoftwareUpdateList(combined), nil
}

func (p *SoftwareUpdateProvider) Install(ctx context.Context, packageID string) (InstallResult, error) {
	if packageID == "" || strings.HasPrefix(packageID, "-") {
		return InstallResult{}, fmt.Errorf("invalid update label: %q", packageID)
	}
	stdout, stderr, code, err := run(ctx, p.run, softwareUpdateInstallTimeout, "softwareupdate", "-i", packageID)
	if err != nil {
		return InstallResult{}, fmt.Errorf("softwareupdate install failed: %w", err)
	}
	if code != 0 {
		return InstallResult{}, commandError(p.ID(), "install", code, stdout, stderr)
	}
	combined := strings.TrimSpace(stdout + "\n" + stderr)
	lower := strings.ToLower(combined)
	return InstallResult{
		PackageID:      packageID,
		RebootRequired: strings.Contains(lower, "restart") || strings.Contains(lower, "reboot"),
		Message:        combined,
	}, nil
}

// parseSoftwareUpdateList parses `softwareupdate -l` output: a "* Label:" line
// per update followed by a "Title: ..., Version: ..., Size: ..." detail line.
func parseSoftwareUpdateList(output string) []Package {
	var pkgs []Package
	var current *Package

	flush := func() {
		if current != nil && current.ID != "" {
			pkgs = append(pkgs, *current)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if m := suLabelPattern.FindStringSubmatch(line); len(m) > 1 {
			flush()
			label := strings.TrimSpace(m[1])
			current = &Package{ID: label, Title: label, Category: "system"}
			continue
		}
		if current == nil {
			continue
		}
		if m := suTitlePattern.FindStringSubmatch(line); len(m) > 1 {
			current.Title = strings.TrimSpace(m[1])
		}
		if m := suVersionPattern.FindStringSubmatch(line); len(m) > 1 {
			current.Version = strings.TrimSpace(m[1])
		}
		if m := suSizePattern.FindStringSubmatch(line); len(m) > 1 {
			current.Size = parseSize(m[1], m[2])
		}
		if suRestartPattern.MatchString(line) {
			current.RebootRequired = true
		}
	}
	flush()
	return pkgs
}

func parseSize(n, unit string) int64 {
	var v int64
	fmt.Sscanf(n, "%d", &v)
	switch strings.TrimSuffix(strings.ToUpper(unit), "IB") {
	case "K":
		return v << 10
	case "M":
		return v << 20
	case "G":
		return v << 30
	}
	switch strings.ToUpper(unit) {
	case "KB":
		return v * 1000
	case "MB":
		return v * 1000 * 1000
	case "GB":
		return v * 1000 * 1000 * 1000
	}
	return v
}
