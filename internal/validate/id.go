// id.go implements document id validation and normalisation.
//
// Separated because ids are the one input every operation shares. The id
// grammar is small but load-bearing: content-addressed ids start with "%",
// system ids start with ".", and the "@V{n}" / "@P{n}" suffixes address
// versions and parts. Address parsing itself lives in the keeper; this file
// only decides whether a bare id is storable.
//
// Design: ids are opaque strings apart from the reserved lead characters and
// the address separator "@". Rejecting "@" in stored ids means the suffix
// grammar can be parsed unambiguously at the boundary.

package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxID is the longest id accepted for storage. URIs are ids here, so the
// bound is generous.
const MaxID = 2048

// ID validates a bare document id (no version or part suffix).
//
// Validation rules:
//   - Must be non-empty valid UTF-8
//   - No null bytes, newlines, or the address separator "@"
//   - Length bounded by maxLen (0 means MaxID)
func ID(id string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = MaxID
	}
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidID)
	}
	if strings.ContainsAny(id, "\x00\n\r") {
		return fmt.Errorf("%w: control characters in %q", ErrInvalidID, id)
	}
	if strings.Contains(id, "@") {
		return fmt.Errorf("%w: %q contains reserved character '@'", ErrInvalidID, id)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrIDTooLong, len(id), maxLen)
	}
	return nil
}

// IsSystem reports whether an id names a system document (".tag/act",
// ".meta/todo", ".prompt/agent/reflect", ...).
func IsSystem(id string) bool {
	return strings.HasPrefix(id, ".")
}

// IsContentAddressed reports whether an id was derived from a content hash.
func IsContentAddressed(id string) bool {
	return strings.HasPrefix(id, "%")
}
