//go:build windows

package patching

import "os/exec"

// NewDefaultManager registers Windows Update plus the package managers found
// on this host.
func NewDefaultManager(r Runner, wu WindowsUpdateOptions) *Manager {
	providers := []Provider{NewWindowsUpdateProvider(wu)}

	if _, err := exec.LookPath("winget"); err == nil {
		providers = append(providers, NewWingetProvider(r))
	}
	if _, err := exec.LookPath("choco"); err == nil {
		providers = append(providers, NewChocolateyProvider(r))
	}

	return NewManager(providers...)
}
