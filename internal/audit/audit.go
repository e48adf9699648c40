// Package audit provides centralised audit logging for keep operations.
// Entries are stored in an audit table inside the store's SQLite file and
// track the keeper's read, write and search operations and the background
// tasks. Listing, version lookup, diffing and statistics are not logged.
//
// # Fluent API
//
// Use the fluent builder API to construct and write log entries:
//
//	audit.Event("keeper:put", "write").
//		Doc(doc.ID).
//		Detail("versioned", true).
//		Write(err)
//
//	audit.Event("keeper:find", "search").
//		Detail("query", query).
//		Detail("count", len(results)).
//		Write(err)
//
// The source parameter follows the format "keeper:{op}" for API calls or
// "worker:{kind}" for background tasks.
package audit

import (
	"database/sql"
	"sync"
	"time"
)

var (
	global *Logger
	mu     sync.Mutex
)

// Entry represents a single audit entry.
type Entry struct {
	Source string // e.g., "keeper:put", "worker:embed"
	Action string // verb: read, write, delete, search, ...
	DocID  string // document the operation targeted, if any

	// Timing
	Start int64 // unix timestamp when Event() called
	End   int64 // unix timestamp when Write() called

	Success bool
	Error   string         // error message if failed
	Detail  map[string]any // operation-specific data
}

// Builder constructs an audit entry using a fluent API. Create with
// [Event], chain methods to set fields, then call [Builder.Write].
type Builder struct {
	entry Entry
}

// Event creates a new audit entry builder for an operation.
func Event(source, action string) *Builder {
	return &Builder{
		entry: Entry{
			Source: source,
			Action: action,
			Start:  time.Now().Unix(),
		},
	}
}

// Doc sets the document id this operation affects.
func (b *Builder) Doc(id string) *Builder {
	b.entry.DocID = id
	return b
}

// Detail adds a key-value pair to the entry's detail map. Can be called
// multiple times.
func (b *Builder) Detail(key string, value any) *Builder {
	if b.entry.Detail == nil {
		b.entry.Detail = make(map[string]any)
	}
	b.entry.Detail[key] = value
	return b
}

// Write writes the entry, deriving success/failure from err.
//
// If err is nil, the entry is logged as successful; otherwise as failed
// with the error message. This is the standard way to complete an entry:
//
//	doc, err := k.Get(ctx, id)
//	audit.Event("keeper:get", "read").Doc(id).Write(err)
func (b *Builder) Write(err error) {
	b.entry.End = time.Now().Unix()
	b.entry.Success = err == nil
	if err != nil {
		b.entry.Error = err.Error()
	}
	Log(b.entry)
}

// Open initialises the global logger over an existing database handle
// (normally the store's). Safe to call multiple times; later calls replace
// the handle.
func Open(db *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()

	if err := migrate(db); err != nil {
		return err
	}
	global = &Logger{db: db}
	return nil
}

// Log writes an entry. Safe to call if the logger is not initialised (no-op).
func Log(e Entry) {
	mu.Lock()
	l := global
	mu.Unlock()

	if l == nil {
		return
	}
	l.log(e)
}

// Close detaches the global logger. The database handle belongs to the
// store and is not closed here.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	global = nil
}
