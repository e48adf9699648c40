// write.go implements document creation and mutation operations.
//
// Separated from the main store file to isolate mutating operations. All
// paths maintain three things in one transaction: the document row, the
// doc_tags side table, and the edges derived from edge-key tags. A write
// that archives copies the current row into versions at MAX(ordinal)+1
// before replacing it, so a crash mid-call leaves either the old state or
// the complete new state, never a half-archived one.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hughpyle/keep/internal/validate"
)

// Create inserts a new document with its tag index and edges.
func (s *SQLiteStore) Create(ctx context.Context, doc *Document, edgeKeys map[string]string) (*WriteResult, error) {
	if err := validate.ID(doc.ID, 0); err != nil {
		return nil, err
	}
	res := &WriteResult{Doc: doc}

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		tags, err := marshalTags(doc.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, summary, tags, content_hash, created_at, updated_at, accessed_at, part_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.Summary, tags, nullable(doc.ContentHash),
			formatTime(doc.CreatedAt), formatTime(doc.UpdatedAt), formatTime(doc.AccessedAt), doc.PartCount)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert document: %w", err)
		}

		if err := syncTagIndex(ctx, tx, doc.ID, doc.Tags); err != nil {
			return err
		}
		vivified, err := syncEdges(ctx, tx, doc.ID, nil, doc.Tags, edgeKeys, doc.UpdatedAt)
		if err != nil {
			return err
		}
		res.Vivified = vivified
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ArchiveAndUpdate copies the current state into versions at the next
// ordinal, then replaces the current row with doc. Archive-then-update is a
// single transaction.
func (s *SQLiteStore) ArchiveAndUpdate(ctx context.Context, doc *Document, edgeKeys map[string]string) (*WriteResult, error) {
	res := &WriteResult{Doc: doc}

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		prev, err := getDocTx(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		res.Prev = prev

		var maxOrd int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(ordinal), 0) FROM versions WHERE doc_id = ?`, doc.ID).Scan(&maxOrd); err != nil {
			return fmt.Errorf("get max ordinal: %w", err)
		}
		res.Ordinal = maxOrd + 1

		prevTags, err := marshalTags(prev.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO versions (doc_id, ordinal, summary, tags, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			doc.ID, res.Ordinal, prev.Summary, prevTags, nullable(prev.ContentHash), formatTime(prev.UpdatedAt))
		if err != nil {
			return fmt.Errorf("archive version: %w", err)
		}

		tags, err := marshalTags(doc.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET summary = ?, tags = ?, content_hash = ?, updated_at = ?, accessed_at = ?, part_count = ?
			WHERE id = ?`,
			doc.Summary, tags, nullable(doc.ContentHash),
			formatTime(doc.UpdatedAt), formatTime(doc.AccessedAt), doc.PartCount, doc.ID)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		doc.CreatedAt = prev.CreatedAt

		if err := syncTagIndex(ctx, tx, doc.ID, doc.Tags); err != nil {
			return err
		}
		vivified, err := syncEdges(ctx, tx, doc.ID, prev.Tags, doc.Tags, edgeKeys, doc.UpdatedAt)
		if err != nil {
			return err
		}
		res.Vivified = vivified
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateTags replaces a document's tags without archival. The summary, hash,
// and created_at stay as they are; updated_at moves.
func (s *SQLiteStore) UpdateTags(ctx context.Context, id string, tags Tags, updatedAt time.Time, edgeKeys map[string]string) (*WriteResult, error) {
	res := &WriteResult{}

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		prev, err := getDocTx(ctx, tx, id)
		if err != nil {
			return err
		}

		encoded, err := marshalTags(tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE documents SET tags = ?, updated_at = ?, accessed_at = ? WHERE id = ?`,
			encoded, formatTime(updatedAt), formatTime(updatedAt), id)
		if err != nil {
			return fmt.Errorf("update tags: %w", err)
		}

		doc := *prev
		doc.Tags = tags
		doc.UpdatedAt = updatedAt
		doc.AccessedAt = updatedAt
		res.Doc = &doc

		if err := syncTagIndex(ctx, tx, id, tags); err != nil {
			return err
		}
		vivified, err := syncEdges(ctx, tx, id, prev.Tags, tags, edgeKeys, updatedAt)
		if err != nil {
			return err
		}
		res.Vivified = vivified
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateSummary replaces a document's summary without archival and without
// bumping updated_at. A non-empty hash also replaces content_hash (the ocr
// path, where the placeholder hash gives way to the extracted text's).
func (s *SQLiteStore) UpdateSummary(ctx context.Context, id, summary, hash string) error {
	var result sql.Result
	var err error
	if hash == "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE documents SET summary = ? WHERE id = ?`, summary, id)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE documents SET summary = ?, content_hash = ? WHERE id = ?`, summary, hash, id)
	}
	if err != nil {
		return fmt.Errorf("update summary %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSystemTag sets or clears one system tag without archival and without
// bumping updated_at. Background workers use this for _embed_pending and
// _error bookkeeping, which must not look like user edits.
func (s *SQLiteStore) SetSystemTag(ctx context.Context, id, key, value string) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		doc, err := getDocTx(ctx, tx, id)
		if err != nil {
			return err
		}
		tags := doc.Tags.Clone()
		if value == "" {
			delete(tags, key)
		} else {
			tags[key] = value
		}
		encoded, err := marshalTags(tags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET tags = ? WHERE id = ?`, encoded, id); err != nil {
			return fmt.Errorf("set system tag: %w", err)
		}
		return syncTagIndex(ctx, tx, id, tags)
	})
}

// Touch updates accessed_at only, independent of the version chain.
func (s *SQLiteStore) Touch(ctx context.Context, id string, accessedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET accessed_at = ? WHERE id = ?`, formatTime(accessedAt), id)
	if err != nil {
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// Delete removes a document, its parts, its tag index rows, and its edges.
// Archived versions go too when deleteVersions is set. Reports whether a
// document existed.
func (s *SQLiteStore) Delete(ctx context.Context, id string, deleteVersions bool) (bool, error) {
	var existed bool
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		existed = n > 0
		if !existed {
			return nil
		}

		if deleteVersions {
			if _, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE doc_id = ?`, id); err != nil {
				return fmt.Errorf("delete versions: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE doc_id = ?`, id); err != nil {
			return fmt.Errorf("delete parts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM doc_tags WHERE doc_id = ?`, id); err != nil {
			return fmt.Errorf("delete tag index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE src_id = ?`, id); err != nil {
			return fmt.Errorf("delete edges: %w", err)
		}
		return nil
	})
	return existed, err
}

// RestoreVersion inserts an archived state verbatim, preserving its ordinal.
func (s *SQLiteStore) RestoreVersion(ctx context.Context, v *Version) error {
	tags, err := marshalTags(v.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO versions (doc_id, ordinal, summary, tags, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.DocID, v.Ordinal, v.Summary, tags, nullable(v.ContentHash), formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("restore version %s@%d: %w", v.DocID, v.Ordinal, err)
	}
	return nil
}

// Revert promotes the newest archived version back to current and drops it
// from the versions table. Returns a nil result (no error) when there is
// nothing to revert to.
func (s *SQLiteStore) Revert(ctx context.Context, id string, edgeKeys map[string]string) (*WriteResult, error) {
	var res *WriteResult
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		cur, err := getDocTx(ctx, tx, id)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT doc_id, ordinal, summary, tags, content_hash, created_at
			FROM versions WHERE doc_id = ? ORDER BY ordinal DESC LIMIT 1`, id)
		v, err := scanVersion(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // nothing archived
		}
		if err != nil {
			return fmt.Errorf("scan version: %w", err)
		}

		tags, err := marshalTags(v.Tags)
		if err != nil {
			return err
		}
		now := timeNow().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET summary = ?, tags = ?, content_hash = ?, updated_at = ?, accessed_at = ?
			WHERE id = ?`,
			v.Summary, tags, nullable(v.ContentHash), formatTime(now), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("promote version: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM versions WHERE doc_id = ? AND ordinal = ?`, id, v.Ordinal); err != nil {
			return fmt.Errorf("drop promoted version: %w", err)
		}

		doc := Document{
			ID:          id,
			Summary:     v.Summary,
			Tags:        v.Tags,
			ContentHash: v.ContentHash,
			CreatedAt:   cur.CreatedAt,
			UpdatedAt:   now,
			AccessedAt:  now,
		}
		res = &WriteResult{Doc: &doc, Prev: cur, Ordinal: v.Ordinal}

		if err := syncTagIndex(ctx, tx, id, v.Tags); err != nil {
			return err
		}
		vivified, err := syncEdges(ctx, tx, id, cur.Tags, v.Tags, edgeKeys, now)
		if err != nil {
			return err
		}
		res.Vivified = vivified
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// getDocTx loads a document inside a transaction, mapping no-rows to
// ErrNotFound.
func getDocTx(ctx context.Context, tx *sql.Tx, id string) (*Document, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDoc(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &d, nil
}

// syncTagIndex rebuilds the doc_tags rows for one document inside the
// caller's transaction. The tag map is small, so delete-and-insert is
// simpler and no slower than diffing.
func syncTagIndex(ctx context.Context, tx *sql.Tx, id string, tags Tags) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_tags WHERE doc_id = ?`, id); err != nil {
		return fmt.Errorf("clear tag index: %w", err)
	}
	for k, v := range tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO doc_tags (doc_id, key, value) VALUES (?, ?, ?)`, id, k, v); err != nil {
			return fmt.Errorf("index tag %s: %w", k, err)
		}
	}
	return nil
}

// isUniqueViolation reports whether an error is SQLite's unique-constraint
// failure. modernc.org/sqlite doesn't export a typed error for this, so the
// match is on the stable message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
