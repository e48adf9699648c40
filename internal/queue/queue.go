// Package queue implements the durable FIFO of deferred work items that
// decouples slow provider operations (summarize, analyze, embed, ocr) from
// synchronous writes.
//
// Claim-and-ack semantics: a worker claims the next eligible task, runs it,
// then acks (delete) or nacks (release, with backoff). Claims expire by
// timestamp, so a crashed worker's tasks become claimable again without any
// cleanup pass. At most one task per doc_id is in flight at a time - a
// summarize task can never overwrite a newer synchronous summary because it
// cannot even be claimed while another task for the doc runs, and queued
// tasks are consumed in enqueue order.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hughpyle/keep/internal/store"
)

//go:embed sql/*.sql
var schemas embed.FS

// Kind names a deferred task type.
type Kind string

// Task kinds.
const (
	KindEmbed         Kind = "embed"
	KindSummarize     Kind = "summarize"
	KindAnalyze       Kind = "analyze"
	KindReembed       Kind = "reembed"
	KindOCR           Kind = "ocr"
	KindBackfillEdges Kind = "backfill-edges"
	KindTagClassify   Kind = "tag-classify"
)

// Task is one deferred work item.
type Task struct {
	ID         int64
	DocID      string
	Kind       Kind
	Payload    []byte
	Attempts   int
	EnqueuedAt time.Time
	LastError  string

	claimToken string
}

// Queue is the durable pending-work store. It shares the document store's
// SQLite file and keeps its own table.
type Queue struct {
	db           *sql.DB
	claimTimeout time.Duration
	maxAttempts  int

	// inflight guards against double-claim within this process; the DB
	// claim token guards across processes.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// Options configures a queue.
type Options struct {
	ClaimTimeout time.Duration // default 2 minutes
	MaxAttempts  int           // default 5
}

// New creates the queue over an open database handle, creating its table
// if needed.
func New(db *sql.DB, opts Options) (*Queue, error) {
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if err := store.ExecEmbedded(db, schemas, "sql"); err != nil {
		return nil, fmt.Errorf("queue schema: %w", err)
	}
	return &Queue{
		db:           db,
		claimTimeout: opts.ClaimTimeout,
		maxAttempts:  opts.MaxAttempts,
		inflight:     make(map[string]struct{}),
	}, nil
}

// MaxAttempts returns the retry cap before dead-lettering.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue appends a task with no claim and zero attempts.
func (q *Queue) Enqueue(ctx context.Context, docID string, kind Kind, payload []byte) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_tasks (doc_id, kind, payload, attempts, enqueued_at)
		VALUES (?, ?, ?, 0, ?)`,
		docID, string(kind), payload, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s for %s: %w", kind, docID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s for %s: %w", kind, docID, err)
	}
	return id, nil
}

// Claim returns the next eligible task, or nil when none is ready. A task
// is eligible when its own claim has expired (or backoff delay passed) and
// no live claim exists for its doc_id. Claiming increments attempts and
// stamps a fresh claim token and expiry.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	nowStr := formatTime(now)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Exclude doc_ids already held by this process so one busy doc does not
	// starve the rest of the queue.
	query := `
		SELECT id, doc_id, kind, payload, attempts, enqueued_at, COALESCE(last_error, '')
		FROM pending_tasks t
		WHERE (t.claim_expires_at IS NULL OR t.claim_expires_at < ?)
		  AND NOT EXISTS (
			SELECT 1 FROM pending_tasks other
			WHERE other.doc_id = t.doc_id
			  AND other.claim_token IS NOT NULL
			  AND other.claim_expires_at >= ?
		  )`
	args := []any{nowStr, nowStr}
	for docID := range q.inflight {
		query += ` AND t.doc_id != ?`
		args = append(args, docID)
	}
	query += ` ORDER BY t.id LIMIT 1`
	row := tx.QueryRowContext(ctx, query, args...)

	var t Task
	var kind, enqueued string
	err = row.Scan(&t.ID, &t.DocID, &kind, &t.Payload, &t.Attempts, &enqueued, &t.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan claim: %w", err)
	}
	t.Kind = Kind(kind)
	if t.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueued); err != nil {
		return nil, fmt.Errorf("enqueued_at: %w", err)
	}

	t.claimToken = uuid.NewString()
	t.Attempts++
	expiry := formatTime(now.Add(q.claimTimeout))
	_, err = tx.ExecContext(ctx, `
		UPDATE pending_tasks
		SET attempts = ?, claim_token = ?, claim_expires_at = ?
		WHERE id = ?`, t.Attempts, t.claimToken, expiry, t.ID)
	if err != nil {
		return nil, fmt.Errorf("mark claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	q.inflight[t.DocID] = struct{}{}
	return &t, nil
}

// Ack deletes a completed task and releases the in-process doc hold.
func (q *Queue) Ack(ctx context.Context, t *Task) error {
	defer q.release(t.DocID)
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM pending_tasks WHERE id = ? AND claim_token = ?`, t.ID, t.claimToken)
	if err != nil {
		return fmt.Errorf("ack task %d: %w", t.ID, err)
	}
	return nil
}

// Nack releases a failed task. If the attempt cap is not yet reached the
// task becomes claimable again after the backoff delay; otherwise it is
// removed and reported as dead. The claim_expires_at column doubles as the
// not-before time, so expiry and backoff share one eligibility check.
func (q *Queue) Nack(ctx context.Context, t *Task, taskErr error, delay time.Duration) (dead bool, err error) {
	defer q.release(t.DocID)

	msg := ""
	if taskErr != nil {
		msg = truncate(taskErr.Error(), 500)
	}

	if t.Attempts >= q.maxAttempts {
		_, err := q.db.ExecContext(ctx,
			`DELETE FROM pending_tasks WHERE id = ? AND claim_token = ?`, t.ID, t.claimToken)
		if err != nil {
			return false, fmt.Errorf("dead-letter task %d: %w", t.ID, err)
		}
		return true, nil
	}

	notBefore := formatTime(time.Now().Add(delay))
	_, err = q.db.ExecContext(ctx, `
		UPDATE pending_tasks
		SET claim_token = NULL, claim_expires_at = ?, last_error = ?
		WHERE id = ? AND claim_token = ?`, notBefore, msg, t.ID, t.claimToken)
	if err != nil {
		return false, fmt.Errorf("nack task %d: %w", t.ID, err)
	}
	return false, nil
}

func (q *Queue) release(docID string) {
	q.mu.Lock()
	delete(q.inflight, docID)
	q.mu.Unlock()
}

// Len returns the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

// Stats returns pending counts by kind.
func (q *Queue) Stats(ctx context.Context) (map[Kind]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM pending_tasks GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	out := make(map[Kind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		out[Kind(kind)] = n
	}
	return out, rows.Err()
}

// PendingFor returns the number of queued tasks for one document.
func (q *Queue) PendingFor(ctx context.Context, docID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_tasks WHERE doc_id = ?`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending for %s: %w", docID, err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
