// sqlite_ops.go provides SQLite connection management and low-level helpers.
//
// Separated to isolate SQLite-specific concerns (pragmas, scanning, the Tx
// helper) from business logic. This is the only file that imports the SQLite
// driver, making it easier to swap implementations if needed.
//
// Design: WAL mode with busy timeout balances concurrency and durability.
// WAL allows concurrent readers during writes; the busy timeout covers
// cross-process contention on the single-writer lock without spinning.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Register sqlite driver
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested document, version, or part does
	// not exist. Callers should check for this to distinguish missing data
	// from storage failures.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists prevents Create from silently replacing a document.
	ErrAlreadyExists = errors.New("document already exists")
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// SQLiteStore implements Store using SQLite with WAL mode for concurrent
// access. It persists documents, versions, parts, tags, and edges; the
// pending queue and audit log share the same database file via DB().
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time interface compliance check. If a method is missing or has the
// wrong signature, the build fails immediately with a clear error rather than
// failing at runtime when the method is called.
var _ Store = (*SQLiteStore)(nil)

// Open opens the SQLite database file at `path` and returns a configured
// SQLiteStore. The caller should call Close on the returned store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// WAL mode: allows concurrent readers while writing. Without this,
	// readers block writers and vice versa.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Busy timeout: how long to wait when another connection holds the
	// write lock. Most operations complete in milliseconds.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Synchronous NORMAL: safe against corruption under WAL, ~10x faster
	// than FULL. The only exposure is losing the last transaction on OS
	// crash, which the write protocol is designed to recover from.
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Init creates tables and indexes if they don't exist. Safe to call multiple
// times; uses IF NOT EXISTS to avoid errors on existing databases.
func (s *SQLiteStore) Init() error {
	return execSchema(s.db)
}

// Close releases the database connection. Call before program exit to ensure
// all pending writes are flushed.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for sibling subsystems that keep
// their own tables in the same file (pending queue, embedding cache).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Tx executes fn within a database transaction, handling Begin/Commit/
// Rollback automatically. Rollback is deferred to handle panics and early
// returns; it is a no-op after a successful commit.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// storedTimeLayout is RFC3339 with a fixed nine-digit fraction. Unlike
// time.RFC3339Nano it keeps trailing zeros, so every stored timestamp has
// the same width.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp in the canonical storage form: UTC
// RFC3339 with nanoseconds. String ordering of this form matches time
// ordering, which the updated_at index relies on.
func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// parseStoredTime parses a canonical stored timestamp.
func parseStoredTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// marshalTags encodes a tag map as the JSON stored in the tags column.
func marshalTags(t Tags) (string, error) {
	if t == nil {
		t = Tags{}
	}
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(b), nil
}

// unmarshalTags decodes the tags column.
func unmarshalTags(s string) (Tags, error) {
	t := Tags{}
	if s == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	return t, nil
}

// scanner abstracts sql.Row and sql.Rows, enabling a single scan function
// to handle both single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanDoc extracts a Document from a database row, handling nullable fields.
func scanDoc(sc scanner) (Document, error) {
	var d Document
	var tags string
	var hash sql.NullString
	var created, updated, accessed string

	err := sc.Scan(&d.ID, &d.Summary, &tags, &hash, &created, &updated, &accessed, &d.PartCount)
	if err != nil {
		return d, err
	}

	if hash.Valid {
		d.ContentHash = hash.String
	}
	if d.Tags, err = unmarshalTags(tags); err != nil {
		return d, err
	}
	if d.CreatedAt, err = parseStoredTime(created); err != nil {
		return d, fmt.Errorf("created_at: %w", err)
	}
	if d.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return d, fmt.Errorf("updated_at: %w", err)
	}
	if d.AccessedAt, err = parseStoredTime(accessed); err != nil {
		return d, fmt.Errorf("accessed_at: %w", err)
	}
	return d, nil
}

// scanDocument converts sql.ErrNoRows to ErrNotFound for consistent error
// handling.
func (s *SQLiteStore) scanDocument(row *sql.Row) (*Document, error) {
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &d, nil
}

// scanDocuments iterates over query results, collecting documents into a slice.
func (s *SQLiteStore) scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// scanVersion extracts a Version from a database row.
func scanVersion(sc scanner) (Version, error) {
	var v Version
	var tags string
	var hash sql.NullString
	var created string

	err := sc.Scan(&v.DocID, &v.Ordinal, &v.Summary, &tags, &hash, &created)
	if err != nil {
		return v, err
	}
	if hash.Valid {
		v.ContentHash = hash.String
	}
	if v.Tags, err = unmarshalTags(tags); err != nil {
		return v, err
	}
	if v.CreatedAt, err = parseStoredTime(created); err != nil {
		return v, fmt.Errorf("created_at: %w", err)
	}
	return v, nil
}

// scanPart extracts a Part from a database row.
func scanPart(sc scanner) (Part, error) {
	var p Part
	var tags string
	var created string

	err := sc.Scan(&p.DocID, &p.PartNum, &p.Summary, &tags, &p.Content, &created)
	if err != nil {
		return p, err
	}
	if p.Tags, err = unmarshalTags(tags); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseStoredTime(created); err != nil {
		return p, fmt.Errorf("created_at: %w", err)
	}
	return p, nil
}

// nullable converts "" to a SQL NULL for the content_hash column, so the
// hash index stays free of empty-string entries.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
