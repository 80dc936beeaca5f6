//go:build windows

package privilege

import "golang.org/x/sys/windows"

// IsElevated reports whether the process token is elevated (administrator
// or SYSTEM).
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
