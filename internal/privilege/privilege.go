// Package privilege checks whether the updater can perform system-wide
// installs.
package privilege

import (
	"errors"
	"fmt"
)

// ErrNotElevated is matched by errors caused by missing root or
// administrator rights.
var ErrNotElevated = errors.New("root or administrator privileges required")

// Require returns an error naming op when the process is not elevated.
func Require(op string) error {
	if IsElevated() {
		return nil
	}
	return fmt.Errorf("%s: %w", op, ErrNotElevated)
}
