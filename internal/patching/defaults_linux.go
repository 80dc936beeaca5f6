//go:build linux

package patching

import "os/exec"

// NewDefaultManager registers the package managers found on this host.
func NewDefaultManager(r Runner, _ WindowsUpdateOptions) *Manager {
	var providers []Provider

	if _, err := exec.LookPath("apt"); err == nil {
		providers = append(providers, NewAptProvider(r))
	}
	if _, err := exec.LookPath("dnf"); err == nil {
		providers = append(providers, NewYumProvider(r))
	} else if _, err := exec.LookPath("yum"); err == nil {
		providers = append(providers, NewYumProvider(r))
	}

	return NewManager(providers...)
}
