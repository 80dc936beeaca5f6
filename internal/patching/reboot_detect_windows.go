//go:build windows

package patching

import "golang.org/x/sys/windows/registry"

const sessionManagerKey = `SYSTEM\CurrentControlSet\Control\Session Manager`

// rebootMarkers are registry keys whose presence means servicing is waiting
// for a restart.
var rebootMarkers = []struct {
	path   string
	reason string
}{
	{`SOFTWARE\Microsoft\Windows\CurrentVersion\WindowsUpdate\Auto Update\RebootRequired`, "Windows Update requires reboot"},
	{`SOFTWARE\Microsoft\Windows\CurrentVersion\Component Based Servicing\RebootPending`, "component servicing reboot pending"},
	{sessionManagerKey + `\PendingFileRenameOperations2`, "pending file rename operations (v2)"},
}

// DetectPendingReboot reports whether Windows is waiting for a restart to
// finish installing updates, with the reasons found.
func DetectPendingReboot() (bool, []string) {
	var reasons []string
	for _, m := range rebootMarkers {
		if keyExists(m.path) {
			reasons = append(reasons, m.reason)
		}
	}
	if hasPendingFileRenames() {
		reasons = append(reasons, "pending file rename operations")
	}
	return len(reasons) > 0, reasons
}

func keyExists(path string) bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	k.Close()
	return true
}

func hasPendingFileRenames() bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, sessionManagerKey, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer k.Close()

	val, _, err := k.GetStringsValue("PendingFileRenameOperations")
	return err == nil && len(val) > 0
}
