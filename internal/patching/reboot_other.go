//go:build !windows

package patching

import (
	"bufio"
	"os"
	"strings"
)

// Debian-family hosts drop these after an upgrade that needs a restart.
var (
	rebootRequiredFile = "/var/run/reboot-required"
	rebootPackagesFile = "/var/run/reboot-required.pkgs"
)

// DetectPendingReboot reports whether the system has flagged a required
// restart. Reasons name the packages responsible when the host lists them.
func DetectPendingReboot() (bool, []string) {
	if _, err := os.Stat(rebootRequiredFile); err != nil {
		return false, nil
	}
	reasons := []string{"system restart required"}

	f, err := os.Open(rebootPackagesFile)
	if err != nil {
		return true, reasons
	}
	defer f.Close()

	seen := map[string]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		pkg := strings.TrimSpace(sc.Text())
		if pkg != "" && !seen[pkg] {
			seen[pkg] = true
			reasons = append(reasons, "restart requested by "+pkg)
		}
	}
	return true, reasons
}
