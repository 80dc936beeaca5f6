//go:build darwin

package patching

import "os/exec"

// NewDefaultManager registers the package managers found on this host.
func NewDefaultManager(r Runner, _ WindowsUpdateOptions) *Manager {
	var providers []Provider

	if _, err := exec.LookPath("softwareupdate"); err == nil {
		providers = append(providers, NewSoftwareUpdateProvider(r))
	}
	if _, err := exec.LookPath("brew"); err == nil {
		providers = append(providers, NewHomebrewProvider(r))
	}

	return NewManager(providers...)
}
