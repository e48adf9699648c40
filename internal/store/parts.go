// parts.go implements part storage: the structural decomposition of a
// document's content produced by analysis.
//
// Separated from write.go because parts have a different lifecycle: they are
// replaced as a set on re-analysis and are not individually versioned.
// Unlike documents, parts retain their text.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceParts swaps the full part set of a document atomically and updates
// part_count on the owning row.
func (s *SQLiteStore) ReplaceParts(ctx context.Context, id string, parts []Part) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		exists := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id)
		var one int
		if err := exists.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("check document: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE doc_id = ?`, id); err != nil {
			return fmt.Errorf("clear parts: %w", err)
		}
		for _, p := range parts {
			tags, err := marshalTags(p.Tags)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO parts (doc_id, part_num, summary, tags, content, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				id, p.PartNum, p.Summary, tags, p.Content, formatTime(p.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert part %d: %w", p.PartNum, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET part_count = ? WHERE id = ?`, len(parts), id); err != nil {
			return fmt.Errorf("update part count: %w", err)
		}
		return nil
	})
}

// Parts returns a document's parts ordered by part number.
func (s *SQLiteStore) Parts(ctx context.Context, id string) ([]Part, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, part_num, summary, tags, content, created_at
		FROM parts WHERE doc_id = ? ORDER BY part_num`, id)
	if err != nil {
		return nil, fmt.Errorf("parts of %s: %w", id, err)
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, fmt.Errorf("scan part: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// Part returns one part by number.
func (s *SQLiteStore) Part(ctx context.Context, id string, num int) (*Part, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, part_num, summary, tags, content, created_at
		FROM parts WHERE doc_id = ? AND part_num = ?`, id, num)

	p, err := scanPart(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan part: %w", err)
	}
	return &p, nil
}

// UpdatePartTags replaces one part's tags.
func (s *SQLiteStore) UpdatePartTags(ctx context.Context, id string, num int, tags Tags) (*Part, error) {
	encoded, err := marshalTags(tags)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE parts SET tags = ? WHERE doc_id = ? AND part_num = ?`, encoded, id, num)
	if err != nil {
		return nil, fmt.Errorf("update part tags: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update part tags: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Part(ctx, id, num)
}
