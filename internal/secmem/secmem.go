// Package secmem holds credentials so they do not leak through formatting,
// logging or serialization, and can be wiped on shutdown.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const redacted = "[REDACTED]"

// Secret is a credential such as a bearer token. Every formatting and
// encoding path prints [REDACTED]; Reveal returns the value. Zeroing is
// best effort: the GC may have copied the bytes.
type Secret struct {
	mu     sync.Mutex
	data   []byte
	zeroed bool
}

func New(s string) *Secret {
	b := make([]byte, len(s))
	copy(b, s)
	return &Secret{data: b}
}

// Reveal returns the value, or "" for a nil or zeroed secret.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

// Empty reports whether there is no value to reveal.
func (s *Secret) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

// Zero overwrites the value.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed = true
}

func (s *Secret) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed
}

func (s *Secret) String() string { return redacted }

func (s *Secret) GoString() string { return redacted }

func (s *Secret) Format(f fmt.State, _ rune) { fmt.Fprint(f, redacted) }

func (s *Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

func (s *Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

func (s *Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

func (s *Secret) UnmarshalJSON(data []byte) error { return errUnmarshal }

func (s *Secret) UnmarshalText(data []byte) error { return errUnmarshal }

var errUnmarshal = errors.New("secmem: cannot deserialize into Secret")
