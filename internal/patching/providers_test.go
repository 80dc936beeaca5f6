package patching

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/breeze-rmm/autoupdate/internal/privilege"
)

// fakeRun answers every command with the same output.
func fakeRun(stdout, stderr string, exitCode int, err error) Runner {
	return func(context.Context, string, ...string) (string, string, int, error) {
		return stdout, stderr, exitCode, err
	}
}

func TestParseAptUpgradable(t *testing.T) {
	output := `Listing... Done
curl/jammy-updates 7.81.0-1ubuntu1.16 amd64 [upgradable from: 7.81.0-1ubuntu1.15]
libssl3/jammy-security 3.0.2-0ubuntu1.15 amd64 [upgradable from: 3.0.2-0ubuntu1.14]
WARNING: apt does not have a stable CLI interface.
`
	pkgs := parseAptUpgradable(output)
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].ID != "curl" || pkgs[0].Version != "7.81.0-1ubuntu1.16" || pkgs[0].InstalledVersion != "7.81.0-1ubuntu1.15" {
		t.Errorf("unexpected first package: %+v", pkgs[0])
	}
	if pkgs[1].ID != "libssl3" {
		t.Errorf("unexpected second package: %+v", pkgs[1])
	}
}

func TestAptInstallLockedDatabase(t *testing.T) {
	stderr := "E: Could not get lock /var/lib/dpkg/lock-frontend. It is held by process 1234 (unattended-upgr)\n"
	provider := NewAptProvider(fakeRun("", stderr, 100, nil))

	_, err := provider.Install(context.Background(), "curl")
	if !errors.Is(err, ErrDatabaseLocked) {
		t.Fatalf("expected ErrDatabaseLocked, got %v", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) || locked.Provider != "apt" {
		t.Fatalf("expected LockedError from apt, got %#v", err)
	}
	if !strings.Contains(locked.Detail, "Could not get lock") {
		t.Errorf("Detail = %q", locked.Detail)
	}
}

func TestAptInstallRejectsInvalidName(t *testing.T) {
	called := false
	provider := NewAptProvider(func(context.Context, string, ...string) (string, string, int, error) {
		called = true
		return "", "", 0, nil
	})
	if _, err := provider.Install(context.Background(), "curl; rm -rf /"); err == nil {
		t.Fatal("expected error")
	}
	if called {
		t.Error("runner must not be invoked for an invalid name")
	}
}

func TestAptInstallFailureIsNotLock(t *testing.T) {
	provider := NewAptProvider(fakeRun("", "E: Unable to locate package nope", 100, nil))
	_, err := provider.Install(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrDatabaseLocked) {
		t.Fatalf("unexpected lock error: %v", err)
	}
}

func TestParseYumCheckUpdate(t *testing.T) {
	output := `Last metadata expiration check: 0:12:03 ago on Mon 01 Jan 2024.

kernel.x86_64                 5.14.0-362.18.1.el9_3     baseos
openssl.x86_64                1:3.0.7-25.el9_3          baseos
Obsoleting Packages
grub2-tools.x86_64            1:2.06-70.el9             baseos
`
	pkgs := parseYumCheckUpdate(output)
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].ID != "kernel" || pkgs[0].Version != "5.14.0-362.18.1.el9_3" {
		t.Errorf("unexpected first package: %+v", pkgs[0])
	}
	if pkgs[1].Description != "repository: baseos" {
		t.Errorf("Description = %q", pkgs[1].Description)
	}
}

func TestYumScanExitCode100IsUpdatesAvailable(t *testing.T) {
	provider := NewYumProvider(fakeRun("curl.x86_64  7.76.1-29.el9  appstream\n", "", 100, nil))
	pkgs, err := provider.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].ID != "curl" {
		t.Fatalf("unexpected packages: %+v", pkgs)
	}
}

func TestYumScanLocked(t *testing.T) {
	provider := NewYumProvider(fakeRun("", "Another app is currently holding the yum lock; waiting for it to exit...", 1, nil))
	_, err := provider.Scan(context.Background())
	if !errors.Is(err, ErrDatabaseLocked) {
		t.Fatalf("expected ErrDatabaseLocked, got %v", err)
	}
}

func TestParseChocoOutdatedSkipsPinned(t *testing.T) {
	output := "googlechrome|120.0|121.0|false\nnotepadplusplus|8.5|8.6|true\n\ngit|2.42.0|2.43.0\n"
	pkgs := parseChocoOutdated(output)
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].ID != "googlechrome" || pkgs[0].InstalledVersion != "120.0" || pkgs[0].Version != "121.0" {
		t.Errorf("unexpected first package: %+v", pkgs[0])
	}
	if pkgs[1].ID != "git" {
		t.Errorf("unexpected second package: %+v", pkgs[1])
	}
}

func TestChocoInstallRebootExitCodes(t *testing.T) {
	for _, code := range []int{1641, 3010} {
		provider := NewChocolateyProvider(fakeRun("upgraded 1/1", "", code, nil))
		result, err := provider.Install(context.Background(), "git")
		if err != nil {
			t.Fatalf("exit %d: %v", code, err)
		}
		if !result.RebootRequired {
			t.Errorf("exit %d: expected RebootRequired", code)
		}
	}
}

func TestParseBrewOutdated(t *testing.T) {
	output := `{
  "formulae": [
    {"name": "wget", "installed_versions": ["1.21.3", "1.21.4"], "current_version": "1.24.5", "pinned": false},
    {"name": "postgresql@14", "installed_versions": ["14.9"], "current_version": "14.11", "pinned": true}
  ],
  "casks": [
    {"name": "firefox", "installed_versions": ["121.0"], "current_version": "122.0"}
  ]
}`
	pkgs, err := parseBrewOutdated([]byte(output))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].ID != "wget" || pkgs[0].InstalledVersion != "1.21.4" {
		t.Errorf("unexpected formula: %+v", pkgs[0])
	}
	if pkgs[1].ID != "cask:firefox" || pkgs[1].Title != "firefox" {
		t.Errorf("unexpected cask: %+v", pkgs[1])
	}
}

func TestBrewInstallCaskUsesCaskFlag(t *testing.T) {
	var args []string
	provider := NewHomebrewProvider(func(_ context.Context, _ string, a ...string) (string, string, int, error) {
		args = a
		return "", "", 0, nil
	})
	if _, err := provider.Install(context.Background(), "cask:firefox"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if strings.Join(args, " ") != "upgrade --cask firefox" {
		t.Errorf("args = %v", args)
	}
}

func TestParseBrewOutdatedInvalidJSON(t *testing.T) {
	if _, err := parseBrewOutdated([]byte("Error: not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseSoftwareUpdateList(t *testing.T) {
	output := `Software Update Tool

Finding available software
Software Update found the following new or updated software:
* Label: macOS Sonoma 14.4-23E214
	Title: macOS Sonoma 14.4, Version: 14.4, Size: 1234567KiB, Recommended: YES, Action: restart,
* Label: Safari17.4MontereyAuto-17.4
	Title: Safari, Version: 17.4, Size: 150MB, Recommended: YES,
`
	pkgs := parseSoftwareUpdateList(output)
	if len(pkgs) != 2 {
		t.Fatalf("expected 2 packages, got %d: %+v", len(pkgs), pkgs)
	}
	if pkgs[0].ID != "macOS Sonoma 14.4-23E214" || pkgs[0].Version != "14.4" || !pkgs[0].RebootRequired {
		t.Errorf("unexpected first package: %+v", pkgs[0])
	}
	if pkgs[0].Size != 1234567<<10 {
		t.Errorf("Size = %d", pkgs[0].Size)
	}
	if pkgs[1].Title != "Safari" || pkgs[1].RebootRequired || pkgs[1].Size != 150*1000*1000 {
		t.Errorf("unexpected second package: %+v", pkgs[1])
	}
}

func TestSoftwareUpdateScanNoNewSoftware(t *testing.T) {
	provider := NewSoftwareUpdateProvider(fakeRun("", "No new software available.", 0, nil))
	pkgs, err := provider.Scan(context.Background())
	if err != nil || len(pkgs) != 0 {
		t.Fatalf("pkgs=%v err=%v", pkgs, err)
	}
}

func TestHResultOperationInProgressIsLock(t *testing.T) {
	err := error(&HResultError{Op: "Install", HResult: 0x8024000E})
	if !errors.Is(err, ErrDatabaseLocked) {
		t.Fatal("operation in progress should match ErrDatabaseLocked")
	}
	if errors.Is(&HResultError{Op: "Install", HResult: 0x80070005}, ErrDatabaseLocked) {
		t.Fatal("access denied is not a lock")
	}
	if !strings.Contains(err.Error(), "WU_E_OPERATIONINPROGRESS") {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(&HResultError{Op: "Install", HResult: 0x80070005}, privilege.ErrNotElevated) {
		t.Error("access denied should match privilege.ErrNotElevated")
	}
	if !isNetworkFailure(&HResultError{HResult: 0x80072EFE}) {
		t.Error("cannot-connect should be a network failure")
	}
}

func TestMentionsReboot(t *testing.T) {
	for out, want := range map[string]bool{
		"Successfully installed. A system restart is required.": true,
		"*** System restart required ***":                       true,
		"A restart will be required to complete setup":          true,
		"Pending reboot detected":                               true,
		"Restarting services... done":                           false,
		"Successfully installed":                                false,
	} {
		if got := mentionsReboot(out); got != want {
			t.Errorf("mentionsReboot(%q) = %v, want %v", out, got, want)
		}
	}
}
