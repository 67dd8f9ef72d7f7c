// Package uid generates prefixed identifiers.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// Generate returns prefix followed by a random (v4) UUID without dashes,
// e.g. "JOB-3f2a9c0e5b8d4c1f9a7e6d5c4b3a2910".
func Generate(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id is prefix followed by a well-formed UUID.
func Valid(prefix, id string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimPrefix(id, prefix))
	return err == nil
}
