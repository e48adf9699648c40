// read.go implements document retrieval operations for the SQLite store.
//
// Separated from the main store file to isolate read-only query logic. These
// operations never modify data, enabling clearer reasoning about side effects.
//
// Design: version offsets resolve against MAX(ordinal) in a single indexed
// lookup (offset N is ordinal max-N+1), so walking back through history does
// not scan the version tail.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const docColumns = `id, summary, tags, content_hash, created_at, updated_at, accessed_at, part_count`

// Get returns the current state of a document.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	return s.scanDocument(row)
}

// Exists checks document presence without loading the row.
func (s *SQLiteStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return true, nil
}

// GetVersion retrieves an archived state by offset. Offset 1 is the newest
// archived state. Returns nil (no error) when the offset is past the oldest
// version, and ErrNotFound when the document itself does not exist.
func (s *SQLiteStore) GetVersion(ctx context.Context, id string, offset int) (*Version, error) {
	if offset < 1 {
		return nil, fmt.Errorf("version offset must be >= 1, got %d", offset)
	}
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	// ordinal = max - offset + 1, resolved in one query against the
	// (doc_id, ordinal) primary key.
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, ordinal, summary, tags, content_hash, created_at
		FROM versions
		WHERE doc_id = ?
		  AND ordinal = (SELECT MAX(ordinal) FROM versions WHERE doc_id = ?) - ? + 1`,
		id, id, offset)

	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return &v, nil
}

// ListVersions returns archived states newest-first.
func (s *SQLiteStore) ListVersions(ctx context.Context, id string) ([]Version, error) {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, ordinal, summary, tags, content_hash, created_at
		FROM versions WHERE doc_id = ? ORDER BY ordinal DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", id, err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// VersionCount returns the number of archived states.
func (s *SQLiteStore) VersionCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM versions WHERE doc_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("version count %s: %w", id, err)
	}
	return n, nil
}

// List returns current documents, newest-updated first. System documents are
// excluded unless includeSystem is set.
func (s *SQLiteStore) List(ctx context.Context, includeSystem bool, limit int) ([]Document, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + docColumns + ` FROM documents`)
	if !includeSystem {
		b.WriteString(` WHERE id NOT LIKE '.%'`)
	}
	b.WriteString(` ORDER BY updated_at DESC`)

	var args []any
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	return s.scanDocuments(rows)
}

// ListIDs returns current document ids for bulk maintenance passes
// (reindexing, export).
func (s *SQLiteStore) ListIDs(ctx context.Context, includeSystem bool) ([]string, error) {
	query := `SELECT id FROM documents`
	if !includeSystem {
		query += ` WHERE id NOT LIKE '.%'`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// ListByPrefix returns ids starting with prefix, in lexical order.
func (s *SQLiteStore) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE id LIKE ? ESCAPE '\' ORDER BY id`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list by prefix %s: %w", prefix, err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// FindByHash returns ids of documents whose content_hash equals hash,
// excluding excludeID. The write path uses this as its dedup probe before
// paying for an embedding call.
func (s *SQLiteStore) FindByHash(ctx context.Context, hash, excludeID string) ([]string, error) {
	if hash == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE content_hash = ? AND id != ? ORDER BY updated_at DESC`,
		hash, excludeID)
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// DocsWithTagKey returns ids of documents carrying the tag key.
func (s *SQLiteStore) DocsWithTagKey(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id FROM doc_tags WHERE key = ? ORDER BY doc_id`, key)
	if err != nil {
		return nil, fmt.Errorf("docs with tag key %s: %w", key, err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// DocsWithTag returns ids of documents with tags[key] == value.
func (s *SQLiteStore) DocsWithTag(ctx context.Context, key, value string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id FROM doc_tags WHERE key = ? AND value = ? ORDER BY doc_id`, key, value)
	if err != nil {
		return nil, fmt.Errorf("docs with tag %s=%s: %w", key, value, err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// Stats returns aggregate statistics for operational visibility.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var oldest, newest sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN id LIKE '.%' THEN 1 ELSE 0 END), 0),
		       MIN(created_at), MAX(updated_at)
		FROM documents`).Scan(&st.Documents, &st.SystemDocs, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if oldest.Valid {
		if st.OldestDoc, err = parseStoredTime(oldest.String); err != nil {
			return nil, err
		}
	}
	if newest.Valid {
		if st.NewestDoc, err = parseStoredTime(newest.String); err != nil {
			return nil, err
		}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions`).Scan(&st.Versions); err != nil {
		return nil, fmt.Errorf("stats versions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM parts`).Scan(&st.Parts); err != nil {
		return nil, fmt.Errorf("stats parts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&st.Edges); err != nil {
		return nil, fmt.Errorf("stats edges: %w", err)
	}
	return &st, nil
}

// scanStrings collects a single-column string result set.
func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SearchSummaries returns current documents whose summary contains the query
// substring, case-insensitively, newest-updated first. The time window
// filters on updated_at; zero times disable a bound.
func (s *SQLiteStore) SearchSummaries(ctx context.Context, query string, since, until time.Time, limit int, includeSystem bool) ([]Document, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + docColumns + ` FROM documents WHERE summary LIKE ? ESCAPE '\'`)
	args := []any{"%" + escapeLike(query) + "%"}

	if !includeSystem {
		b.WriteString(` AND id NOT LIKE '.%'`)
	}
	if !since.IsZero() {
		b.WriteString(` AND updated_at >= ?`)
		args = append(args, formatTime(since))
	}
	if !until.IsZero() {
		b.WriteString(` AND updated_at <= ?`)
		args = append(args, formatTime(until))
	}
	b.WriteString(` ORDER BY updated_at DESC`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	defer rows.Close()

	return s.scanDocuments(rows)
}

// escapeLike escapes LIKE wildcards so a query substring matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
