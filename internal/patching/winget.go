package patching

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	wingetScanTimeout    = 2 * time.Minute
	wingetInstallTimeout = 5 * time.Minute
)

// wingetID matches winget package identifiers such as "Mozilla.Firefox".
// Anything else is refused before it reaches the command line.
var wingetID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{0,255}$`)

// WingetProvider drives the Windows Package Manager. winget is installed per
// user, so the runner normally executes in the interactive session.
type WingetProvider struct {
	run Runner
}

// NewWingetProvider returns a provider backed by r, or ExecRunner when r is nil.
func NewWingetProvider(r Runner) *WingetProvider {
	return &WingetProvider{run: runnerOrDefault(r)}
}

func (w *WingetProvider) ID() string { return "winget" }

func (w *WingetProvider) Name() string { return "winget (Windows Package Manager)" }

func (w *WingetProvider) Scan(ctx context.Context) ([]Package, error) {
	stdout, stderr, code, err := run(ctx, w.run, wingetScanTimeout, "winget", "upgrade",
		"--include-unknown", "--accept-source-agreements", "--disable-interactivity")
	if err != nil {
		return nil, fmt.Errorf("winget upgrade failed: %w", err)
	}
	// Some winget builds exit non-zero while still listing upgrades.
	if code != 0 && stdout == "" {
		return nil, commandError(w.ID(), "upgrade", code, stdout, stderr)
	}
	return parseWingetUpgrades(stdout), nil
}

func (w *WingetProvider) Install(ctx context.Context, packageID string) (InstallResult, error) {
	if !wingetID.MatchString(packageID) {
		return InstallResult{}, fmt.Errorf("invalid winget package ID: %q", packageID)
	}

	stdout, stderr, code, err := run(ctx, w.run, wingetInstallTimeout, "winget", "upgrade",
		"--exact", "--id", packageID, "--silent",
		"--accept-package-agreements", "--accept-source-agreements", "--disable-interactivity")
	if err != nil {
		return InstallResult{}, fmt.Errorf("winget upgrade failed: %w", err)
	}
	if code != 0 {
		return InstallResult{}, commandError(w.ID(), "upgrade", code, stdout, stderr)
	}

	out := strings.TrimSpace(stdout + "\n" + stderr)
	return InstallResult{
		PackageID:      packageID,
		Message:        out,
		RebootRequired: mentionsReboot(out),
	}, nil
}

// wingetColumn is a header cell and the rune offset it starts at.
type wingetColumn struct {
	name  string
	start int
}

// wingetTable is the fixed-width layout announced by a header row such as
//
//	Name            Id                Version   Available  Source
//
// Offsets are in runes because winget pads by character and package names
// are frequently non-ASCII.
type wingetTable []wingetColumn

func parseWingetHeader(line string) wingetTable {
	var t wingetTable
	inWord := false
	for i, r := range []rune(line) {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case !inWord:
			inWord = true
			t = append(t, wingetColumn{start: i})
			fallthrough
		default:
			t[len(t)-1].name += string(r)
		}
	}
	if t.index("Name") != 0 || t.index("Id") < 0 || t.index("Version") < 0 {
		return nil
	}
	return t
}

func (t wingetTable) index(name string) int {
	for i, c := range t {
		if c.name == name {
			return i
		}
	}
	return -1
}

// cell returns the trimmed text of the named column in row, or "".
func (t wingetTable) cell(row []rune, name string) string {
	i := t.index(name)
	if i < 0 || t[i].start >= len(row) {
		return ""
	}
	end := len(row)
	if i+1 < len(t) && t[i+1].start < end {
		end = t[i+1].start
	}
	return strings.TrimSpace(string(row[t[i].start:end]))
}

// aligned reports whether row has a column break where the named column
// starts. Free-text lines such as "No installed package found" fail it.
func (t wingetTable) aligned(row []rune, name string) bool {
	i := t.index(name)
	if i <= 0 || t[i].start > len(row) {
		return false
	}
	return unicode.IsSpace(row[t[i].start-1])
}

// parseWingetUpgrades reads the first table of `winget upgrade` output. Rows
// end at the first blank line, which drops the summary and the separate
// table of pinned packages.
func parseWingetUpgrades(output string) []Package {
	var (
		table  wingetTable
		inRows bool
		pkgs   []Package
	)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		// Progress spinners are redrawn with carriage returns.
		if i := strings.LastIndexByte(line, '\r'); i >= 0 {
			line = line[i+1:]
		}
		switch {
		case table == nil:
			table = parseWingetHeader(line)
		case !inRows:
			inRows = isRuleLine(line)
		case strings.TrimSpace(line) == "":
			return pkgs
		default:
			row := []rune(line)
			id := table.cell(row, "Id")
			if !table.aligned(row, "Id") || !wingetID.MatchString(id) {
				continue
			}
			pkgs = append(pkgs, Package{
				ID:               id,
				Title:            table.cell(row, "Name"),
				InstalledVersion: table.cell(row, "Version"),
				Version:          table.cell(row, "Available"),
				Category:         "application",
			})
		}
	}
	return pkgs
}

// isRuleLine reports whether line is the dashed rule under a table header.
func isRuleLine(line string) bool {
	s := strings.TrimSpace(line)
	return len(s) >= 10 && strings.Trim(s, "- ") == ""
}
