// storage.go implements SQLite-based persistent audit logging.
//
// Separated from audit.go to isolate database concerns: audit.go provides
// the fluent API for building entries, this file handles persistence.
//
// Design: Errors during logging are best-effort. A document write should
// succeed even if we can't record it in the audit table.

package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
)

// Logger writes audit entries to a SQLite database.
type Logger struct {
	db *sql.DB
}

func (l *Logger) log(e Entry) {
	var detail *string
	if len(e.Detail) > 0 {
		if b, err := json.Marshal(e.Detail); err == nil {
			s := string(b)
			detail = &s
		}
	}

	success := 0
	if e.Success {
		success = 1
	}

	_, err := l.db.Exec(`
		INSERT INTO audit_log (start, end, source, action, doc_id, success, error, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Start, e.End, e.Source, e.Action, nilIfEmpty(e.DocID),
		success, nilIfEmpty(e.Error), detail,
	)
	if err != nil {
		// Best-effort logging: don't break the main operation, but report
		_, _ = fmt.Fprintf(os.Stderr, "keep: audit log write failed: %v\n", err)
	}
}

// migrate creates the audit table if it doesn't exist. Safe for concurrent
// access.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			start   INTEGER NOT NULL,
			end     INTEGER NOT NULL,
			source  TEXT NOT NULL,
			action  TEXT NOT NULL,
			doc_id  TEXT,
			success INTEGER NOT NULL,
			error   TEXT,
			detail  TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_start ON audit_log(start);
		CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_log(source);
	`)
	return err
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
