// tag.go implements tag key and value validation.
//
// Separated because tags have their own namespace rules: keys beginning
// with "_" are system-managed and may not be written by callers, and the
// empty value is the deletion marker rather than a stored value.
//
// Design: tag keys are short identifiers; values are free-form strings
// (they may be document ids, dates, or prose). Only keys are constrained.

package validate

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTagKey bounds tag key length. Keys are identifiers, not prose.
const MaxTagKey = 128

// MaxTagValue bounds tag value length. Values may be ids or short text.
const MaxTagValue = 4096

// TagKey validates a tag key for storage. System keys (leading "_") are
// valid keys; whether a caller may set one is decided by the merge logic,
// not here.
func TagKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidTag)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key is not valid UTF-8", ErrInvalidTag)
	}
	if strings.ContainsAny(key, "\x00\n\r=") {
		return fmt.Errorf("%w: key %q contains reserved characters", ErrInvalidTag, key)
	}
	if len(key) > MaxTagKey {
		return fmt.Errorf("%w: key %d bytes (max %d)", ErrInvalidTag, len(key), MaxTagKey)
	}
	return nil
}

// TagValue validates a tag value. The empty string is accepted: it is the
// "delete this key" marker in write requests.
func TagValue(value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: value is not valid UTF-8", ErrInvalidTag)
	}
	if strings.ContainsAny(value, "\x00") {
		return fmt.Errorf("%w: value contains null byte", ErrInvalidTag)
	}
	if len(value) > MaxTagValue {
		return fmt.Errorf("%w: value %d bytes (max %d)", ErrInvalidTag, len(value), MaxTagValue)
	}
	return nil
}

// IsSystemKey reports whether a tag key is system-managed.
func IsSystemKey(key string) bool {
	return strings.HasPrefix(key, "_")
}

// Tags validates a whole tag map.
func Tags(tags map[string]string) error {
	for k, v := range tags {
		if err := TagKey(k); err != nil {
			return err
		}
		if err := TagValue(v); err != nil {
			return fmt.Errorf("tag %q: %w", k, err)
		}
	}
	return nil
}
