package updater

import "sync"

// Registry holds the process-wide active backend. It is set once at startup
// and never swapped afterwards.
type Registry struct {
	mu      sync.RWMutex
	backend Backend
}

// Set installs b as the active backend. Only the first call succeeds.
func (r *Registry) Set(b Backend) error {
	if b == nil {
		return Errorf(KindInvalidInput, "registry", "backend is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend != nil {
		return Errorf(KindInvalidState, "registry", "backend %q already registered", r.backend.ID())
	}
	r.backend = b
	log.Info("backend registered", "backend", b.ID(), "features", b.Features().String())
	return nil
}

// Active returns the registered backend.
func (r *Registry) Active() (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.backend == nil {
		return nil, Errorf(KindInvalidState, "registry", "no backend registered")
	}
	return r.backend, nil
}

var defaultRegistry Registry

// SetBackend registers the process-wide backend.
func SetBackend(b Backend) error { return defaultRegistry.Set(b) }

// ActiveBackend returns the process-wide backend.
func ActiveBackend() (Backend, error) { return defaultRegistry.Active() }
