package patching

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDatabaseLocked means the package database is held by another process.
// Every install on the same provider would fail the same way.
var ErrDatabaseLocked = errors.New("package database locked")

// LockedError reports which provider found its database locked.
type LockedError struct {
	Provider string
	Detail   string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: package database locked: %s", e.Provider, e.Detail)
}

func (e *LockedError) Is(target error) bool { return target == ErrDatabaseLocked }

var lockMarkers = []string{
	"could not get lock",
	"unable to acquire the dpkg frontend lock",
	"unable to lock directory",
	"another app is currently holding the yum lock",
	"waiting for process with pid",
	"is locked by another process",
	"another chocolatey process",
	"another installation is already in progress",
	"already locked",
}

// detectLock returns a LockedError when output carries a known lock message.
func detectLock(provider, output string) error {
	lower := strings.ToLower(output)
	for _, m := range lockMarkers {
		if strings.Contains(lower, m) {
			return &LockedError{Provider: provider, Detail: firstLine(output, m)}
		}
	}
	return nil
}

func firstLine(output, marker string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(strings.ToLower(line), marker) {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(output)
}

// commandError builds the error for a failed command, preferring LockedError.
func commandError(provider, op string, exitCode int, stdout, stderr string) error {
	combined := strings.TrimSpace(stdout + "\n" + stderr)
	if err := detectLock(provider, combined); err != nil {
		return err
	}
	return fmt.Errorf("%s %s failed (exit %d): %s", provider, op, exitCode, combined)
}
