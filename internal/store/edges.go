// edges.go implements the materialized edge relation derived from tags.
//
// An edge (src, key, target) exists iff src has tags[key] == target and key
// is declared as an edge key (.tag/key carries _inverse). Edge rows change
// in the same transaction as the tag write that caused them, so the inverse
// view can never observe a tag without its edge or an edge without its tag.
//
// Design: system documents neither emit nor receive edges. A removed tag
// deletes its edge; an added tag inserts one, auto-vivifying the target
// document when it does not exist yet.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hughpyle/keep/internal/validate"
)

// syncEdges reconciles the edge rows of one document against its old and new
// tags inside the caller's transaction. edgeKeys maps edge key -> inverse
// verb (the verb is unused here but the map is what the resolver hands out).
// Returns the ids of auto-vivified targets so the caller can index them.
func syncEdges(ctx context.Context, tx *sql.Tx, srcID string, oldTags, newTags Tags, edgeKeys map[string]string, now time.Time) ([]string, error) {
	if len(edgeKeys) == 0 || validate.IsSystem(srcID) {
		return nil, nil
	}

	var vivified []string
	for key := range edgeKeys {
		oldTarget := oldTags[key]
		newTarget := newTags[key]
		if oldTarget == newTarget {
			continue
		}

		if oldTarget != "" {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM edges WHERE src_id = ? AND key = ?`, srcID, key); err != nil {
				return nil, fmt.Errorf("delete edge %s[%s]: %w", srcID, key, err)
			}
		}
		if newTarget == "" || validate.IsSystem(newTarget) {
			continue
		}

		v, err := ensureTarget(ctx, tx, newTarget, now)
		if err != nil {
			return nil, err
		}
		if v {
			vivified = append(vivified, newTarget)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO edges (src_id, key, target_id) VALUES (?, ?, ?)`,
			srcID, key, newTarget); err != nil {
			return nil, fmt.Errorf("insert edge %s[%s]=%s: %w", srcID, key, newTarget, err)
		}
	}
	return vivified, nil
}

// ensureTarget auto-vivifies an edge target: a content-free document whose
// summary is its own id, marked _source=auto-vivify. Reports whether a row
// was created.
func ensureTarget(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, id).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("check edge target %s: %w", id, err)
	}

	tags := Tags{TagSource: SourceAutoVivify}
	encoded, err := marshalTags(tags)
	if err != nil {
		return false, err
	}
	ts := formatTime(now)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, summary, tags, content_hash, created_at, updated_at, accessed_at, part_count)
		VALUES (?, ?, ?, NULL, ?, ?, ?, 0)`,
		id, id, encoded, ts, ts, ts)
	if err != nil {
		return false, fmt.Errorf("auto-vivify %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO doc_tags (doc_id, key, value) VALUES (?, ?, ?)`,
		id, TagSource, SourceAutoVivify); err != nil {
		return false, fmt.Errorf("index auto-vivified %s: %w", id, err)
	}
	return true, nil
}

// EdgesFrom returns the outbound edges of a document.
func (s *SQLiteStore) EdgesFrom(ctx context.Context, srcID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src_id, key, target_id FROM edges WHERE src_id = ? ORDER BY key`, srcID)
	if err != nil {
		return nil, fmt.Errorf("edges from %s: %w", srcID, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.SrcID, &e.Key, &e.TargetID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// EdgesTo returns ids of documents pointing at target via key, the
// inverse-block query. Uses the (target_id, key) index.
func (s *SQLiteStore) EdgesTo(ctx context.Context, targetID, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src_id FROM edges WHERE target_id = ? AND key = ? ORDER BY src_id`, targetID, key)
	if err != nil {
		return nil, fmt.Errorf("edges to %s via %s: %w", targetID, key, err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// RebuildEdgesForKey re-materializes all edges for one key from the tag
// table. The backfill-edges task runs this when a key is newly declared as
// an edge key; existing tags with that key gain their edges here.
func (s *SQLiteStore) RebuildEdgesForKey(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE key = ?`, key); err != nil {
			return fmt.Errorf("clear edges for %s: %w", key, err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT doc_id, value FROM doc_tags
			WHERE key = ? AND doc_id NOT LIKE '.%' AND value != '' AND value NOT LIKE '.%'`, key)
		if err != nil {
			return fmt.Errorf("scan tags for %s: %w", key, err)
		}
		type pair struct{ src, target string }
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.src, &p.target); err != nil {
				rows.Close()
				return fmt.Errorf("scan tag: %w", err)
			}
			pairs = append(pairs, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		now := timeNow().UTC()
		for _, p := range pairs {
			if _, err := ensureTarget(ctx, tx, p.target, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO edges (src_id, key, target_id) VALUES (?, ?, ?)`,
				p.src, key, p.target); err != nil {
				return fmt.Errorf("insert edge: %w", err)
			}
			count++
		}
		return nil
	})
	return count, err
}
