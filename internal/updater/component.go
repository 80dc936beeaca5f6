package updater

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Component is one independently updatable unit reported by a backend.
type Component struct {
	ID               string
	Name             string
	InstalledVersion string // empty when not installed
	AvailableVersion string
	Size             int64 // bytes, 0 when unknown

	// Payload is backend-defined data needed to install the component
	// (download URL, digest, provider handle). Treat as read-only.
	Payload any
}

// DisplayName returns Name, falling back to ID.
func (c Component) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// IsUpgrade reports whether an older version of the component is installed.
func (c Component) IsUpgrade() bool {
	return c.InstalledVersion != ""
}

func (c Component) String() string {
	if c.InstalledVersion == "" {
		return fmt.Sprintf("%s %s (new)", c.DisplayName(), c.AvailableVersion)
	}
	return fmt.Sprintf("%s %s -> %s", c.DisplayName(), c.InstalledVersion, c.AvailableVersion)
}

// ComponentSet is the ordered, immutable result of a successful check.
type ComponentSet struct {
	backend    string
	checkedAt  time.Time
	components []Component
	index      map[string]int
}

// NewComponentSet builds a set from a backend's check result. Empty or
// duplicate IDs are a backend fault.
func NewComponentSet(backendID string, components []Component) (*ComponentSet, error) {
	for i, c := range components {
		if strings.TrimSpace(c.ID) == "" {
			return nil, Errorf(KindBackendFault, "check", "component %d (%s) has no id", i, c.Name)
		}
	}
	ids := lo.Map(components, func(c Component, _ int) string { return c.ID })
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return nil, Errorf(KindBackendFault, "check", "duplicate component ids: %s", strings.Join(dups, ", "))
	}

	s := &ComponentSet{
		backend:    backendID,
		checkedAt:  time.Now(),
		components: make([]Component, len(components)),
		index:      make(map[string]int, len(components)),
	}
	copy(s.components, components)
	for i, c := range s.components {
		s.index[c.ID] = i
	}
	return s, nil
}

// Backend returns the ID of the backend that produced the set.
func (s *ComponentSet) Backend() string { return s.backend }

// CheckedAt returns when the set was built.
func (s *ComponentSet) CheckedAt() time.Time { return s.checkedAt }

// Len returns the number of components. A nil set has none.
func (s *ComponentSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.components)
}

// Empty reports whether no updates are available.
func (s *ComponentSet) Empty() bool { return s.Len() == 0 }

// Components returns a copy of the components in check order.
func (s *ComponentSet) Components() []Component {
	if s == nil {
		return nil
	}
	out := make([]Component, len(s.components))
	copy(out, s.components)
	return out
}

// IDs returns the component IDs in check order.
func (s *ComponentSet) IDs() []string {
	if s == nil {
		return nil
	}
	return lo.Map(s.components, func(c Component, _ int) string { return c.ID })
}

// Get returns the component with the given ID.
func (s *ComponentSet) Get(id string) (Component, bool) {
	if s == nil {
		return Component{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return Component{}, false
	}
	return s.components[i], true
}

// Contains reports whether id is part of the set.
func (s *ComponentSet) Contains(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Select returns copies of the named components, ordered as in the set.
// Empty selections, duplicates and unknown IDs are rejected.
func (s *ComponentSet) Select(ids []string) ([]Component, error) {
	if len(ids) == 0 {
		return nil, Errorf(KindInvalidInput, "select", "at least one component must be selected")
	}
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return nil, Errorf(KindInvalidInput, "select", "component selected more than once: %s", strings.Join(dups, ", "))
	}
	if s == nil {
		return nil, Errorf(KindInvalidInput, "select", "no update information available, check for updates first")
	}
	if unknown := lo.Reject(ids, func(id string, _ int) bool { return s.Contains(id) }); len(unknown) > 0 {
		return nil, Errorf(KindInvalidInput, "select", "unknown component: %s", strings.Join(unknown, ", "))
	}

	wanted := lo.Associate(ids, func(id string) (string, struct{}) { return id, struct{}{} })
	return lo.Filter(s.components, func(c Component, _ int) bool {
		_, ok := wanted[c.ID]
		return ok
	}), nil
}
