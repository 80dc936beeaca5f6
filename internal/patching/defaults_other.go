//go:build !linux && !darwin && !windows

package patching

// NewDefaultManager returns a Manager with no providers.
func NewDefaultManager(Runner, WindowsUpdateOptions) *Manager {
	return NewManager()
}
