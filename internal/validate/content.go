// content.go implements document content validation.
//
// Separated because content validation is intentionally minimal - we only
// check size, not format. keep is format-agnostic: content may be prose,
// markdown, code, or extracted text from a fetched URI.
//
// Design: Only size is validated to prevent store bloat from accidentally
// ingesting huge payloads. The content itself is never persisted by the
// document store (only the summary is), but it travels through hashing,
// summarisation, and queue payloads, so the bound still matters.

package validate

// Content validates document content size.
//
// Validation rules:
//   - Max length enforced if maxLen > 0 (0 means no limit)
func Content(content string, maxLen int64) error {
	if maxLen > 0 && int64(len(content)) > maxLen {
		return ErrContentTooLarge
	}
	return nil
}
