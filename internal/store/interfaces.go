// interfaces.go defines the storage abstraction for document persistence.
//
// Separated from the SQLite implementation to enable testing and potential
// alternative backends. The interfaces are intentionally granular (Reader,
// Writer, Parter, etc.) to support interface segregation - consumers only
// depend on the capabilities they need.
//
// Design: mutating operations return a WriteResult describing what actually
// happened (archived ordinal, auto-vivified edge targets) because the caller
// must mirror the change into the vector store and the pending queue. The
// store itself never touches vectors.

package store

import (
	"context"
	"database/sql"
	"time"
)

// Reader defines read-only operations for documents and their history.
type Reader interface {
	// Get retrieves the current state of a document. Returns ErrNotFound
	// if no document exists at the id.
	Get(ctx context.Context, id string) (*Document, error)

	// Exists checks document presence without loading the row.
	Exists(ctx context.Context, id string) (bool, error)

	// GetVersion retrieves an archived state by offset (1 = newest archived).
	// Offset 0 is the current state and is served by Get; passing 0 here is
	// an error. Returns nil with no error when the offset is past the tail.
	GetVersion(ctx context.Context, id string, offset int) (*Version, error)

	// ListVersions returns archived states newest-first (ordinal descending).
	ListVersions(ctx context.Context, id string) ([]Version, error)

	// VersionCount returns the number of archived states without loading them.
	VersionCount(ctx context.Context, id string) (int, error)

	// List returns current documents. System docs (id starting ".") are
	// excluded unless includeSystem is set. Limit 0 means no limit.
	List(ctx context.Context, includeSystem bool, limit int) ([]Document, error)

	// ListIDs returns current document ids, for bulk maintenance passes.
	ListIDs(ctx context.Context, includeSystem bool) ([]string, error)

	// ListByPrefix returns ids starting with prefix, in lexical order.
	// Used to enumerate system document families (".tag/", ".meta/").
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	// FindByHash returns ids of documents (excluding excludeID) whose
	// content_hash equals hash. Used by the write path's dedup probe.
	FindByHash(ctx context.Context, hash, excludeID string) ([]string, error)

	// DocsWithTagKey returns ids of documents carrying the tag key.
	DocsWithTagKey(ctx context.Context, key string) ([]string, error)

	// DocsWithTag returns ids of documents with tags[key] == value.
	DocsWithTag(ctx context.Context, key, value string) ([]string, error)

	// Stats returns aggregate statistics for operational visibility.
	Stats(ctx context.Context) (*Stats, error)
}

// Writer defines operations that modify documents. Every method maintains
// the doc_tags side table and the edges table in the same transaction,
// using edgeKeys as the set of tag keys that materialize edges.
type Writer interface {
	// Create inserts a new document. Returns ErrAlreadyExists if the id is
	// taken.
	Create(ctx context.Context, doc *Document, edgeKeys map[string]string) (*WriteResult, error)

	// ArchiveAndUpdate copies the current state into versions at the next
	// ordinal, then replaces the current row with doc, in one transaction.
	ArchiveAndUpdate(ctx context.Context, doc *Document, edgeKeys map[string]string) (*WriteResult, error)

	// UpdateTags replaces a document's tags without archival (tag-only
	// revision). Summary, hash, and created_at are untouched.
	UpdateTags(ctx context.Context, id string, tags Tags, updatedAt time.Time, edgeKeys map[string]string) (*WriteResult, error)

	// UpdateSummary replaces a document's summary (and optionally its
	// content hash) without archival and without bumping updated_at. Used
	// by background summarize/ocr tasks, whose output must not read as a
	// user edit. Pass hash "" to leave content_hash unchanged.
	UpdateSummary(ctx context.Context, id, summary, hash string) error

	// SetSystemTag sets (or with value "" clears) a single system tag
	// without archival and without bumping updated_at. Used by background
	// workers for _embed_pending and _error bookkeeping.
	SetSystemTag(ctx context.Context, id, key, value string) error

	// Touch updates accessed_at only.
	Touch(ctx context.Context, id string, accessedAt time.Time) error

	// Delete removes a document, its parts, its edges, and - when
	// deleteVersions is set - its archived versions. Reports whether a
	// document existed.
	Delete(ctx context.Context, id string, deleteVersions bool) (bool, error)

	// RestoreVersion inserts an archived state verbatim, preserving its
	// ordinal. Import uses this to rebuild history; normal writes archive
	// through ArchiveAndUpdate instead.
	RestoreVersion(ctx context.Context, v *Version) error

	// Revert promotes the newest archived version back to current and drops
	// it from the versions table. Returns nil when there is nothing to
	// revert to.
	Revert(ctx context.Context, id string, edgeKeys map[string]string) (*WriteResult, error)
}

// Parter defines operations on document parts.
type Parter interface {
	// ReplaceParts swaps the full part set of a document atomically and
	// updates part_count.
	ReplaceParts(ctx context.Context, id string, parts []Part) error

	// Parts returns a document's parts ordered by part number.
	Parts(ctx context.Context, id string) ([]Part, error)

	// Part returns one part. Returns ErrNotFound if absent.
	Part(ctx context.Context, id string, num int) (*Part, error)

	// UpdatePartTags replaces one part's tags.
	UpdatePartTags(ctx context.Context, id string, num int, tags Tags) (*Part, error)
}

// EdgeReader defines lookups over materialized edges.
type EdgeReader interface {
	// EdgesFrom returns the outbound edges of a document.
	EdgesFrom(ctx context.Context, srcID string) ([]Edge, error)

	// EdgesTo returns ids of documents pointing at target via key; this is
	// the inverse-block query.
	EdgesTo(ctx context.Context, targetID, key string) ([]string, error)

	// RebuildEdgesForKey re-materializes edges for one key from the tag
	// table. Used by the backfill-edges task when a key becomes an edge key.
	RebuildEdgesForKey(ctx context.Context, key string) (int64, error)
}

// Searcher defines the lexical search path.
type Searcher interface {
	// SearchSummaries returns current documents whose summary contains the
	// query substring (case-insensitive), newest-updated first. Zero times
	// disable the window bounds.
	SearchSummaries(ctx context.Context, query string, since, until time.Time, limit int, includeSystem bool) ([]Document, error)
}

// InfoStore holds store-level key/value state (provider identity, index
// state). Values are small strings read at open.
type InfoStore interface {
	GetInfo(ctx context.Context, key string) (string, error)
	SetInfo(ctx context.Context, key, value string) error
}

// Maintainer defines operations for store lifecycle.
type Maintainer interface {
	// Close releases the database connection.
	Close() error

	// DB exposes the underlying connection for sibling subsystems (queue,
	// audit, cache) that share the database file.
	DB() *sql.DB

	// Tx runs fn within a transaction, committing on nil and rolling back
	// on error.
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Store defines the persistence contract for the document half of the
// engine. The vector half lives behind vector.Store.
type Store interface {
	Reader
	Writer
	Parter
	EdgeReader
	Searcher
	InfoStore
	Maintainer
}
