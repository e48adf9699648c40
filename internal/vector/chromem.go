// chromem.go implements Store using chromem-go, an embedded pure-Go vector
// database with gob-file persistence. No external service, no CGO.
//
// Tag metadata is stored under a "t_" prefix so it cannot collide with the
// reserved updated_at / content_hash metadata fields. Tag equality filters
// are pushed down to chromem's where-filter; key-presence and time-window
// filters are applied here after the scan, over an enlarged candidate set.

package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"
)

// metadata field names reserved alongside the t_-prefixed tags.
const (
	metaUpdatedAt   = "updated_at"
	metaContentHash = "content_hash"
	tagPrefix       = "t_"
)

// ChromemConfig holds configuration for the embedded vector database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Collection is the collection name. Default: "keep".
	Collection string

	// Dimension is the pinned embedding dimension. Required.
	Dimension int

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "keep"
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store using chromem-go.
type ChromemStore struct {
	db     *chromem.DB
	col    *chromem.Collection
	config ChromemConfig
	log    zerolog.Logger
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens (or creates) the persistent collection.
func NewChromemStore(config ChromemConfig, log zerolog.Logger) (*ChromemStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
	}

	db, err := chromem.NewPersistentDB(config.Path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	col, err := db.GetOrCreateCollection(config.Collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", config.Collection, err)
	}

	s := &ChromemStore{db: db, col: col, config: config, log: log}
	log.Debug().
		Str("path", config.Path).
		Str("collection", config.Collection).
		Int("dimension", config.Dimension).
		Msg("vector store opened")
	return s, nil
}

// noEmbedding is installed as the collection's embedding function. The
// engine always supplies vectors explicitly (the provider router owns
// embedding), so a call here means a record reached chromem without one.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("vector store does not embed; supply an embedding")
}

// Upsert writes a record, replacing any existing record at the key.
func (s *ChromemStore) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Vector) != s.config.Dimension {
		return fmt.Errorf("%w: got %d, collection pinned to %d",
			ErrDimensionMismatch, len(rec.Vector), s.config.Dimension)
	}

	meta := make(map[string]string, len(rec.Tags)+2)
	for k, v := range rec.Tags {
		meta[tagPrefix+k] = v
	}
	meta[metaUpdatedAt] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if rec.ContentHash != "" {
		meta[metaContentHash] = rec.ContentHash
	}

	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        rec.Key,
		Metadata:  meta,
		Embedding: rec.Vector,
		Content:   rec.Summary,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Key, err)
	}
	return nil
}

// Delete removes the record at key. Absent keys are a no-op.
func (s *ChromemStore) Delete(ctx context.Context, key string) error {
	if err := s.col.Delete(ctx, nil, nil, key); err != nil {
		// chromem reports unknown ids; deletion of an absent key is fine here.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Get returns the record at key.
func (s *ChromemStore) Get(ctx context.Context, key string) (*Record, error) {
	doc, err := s.col.GetByID(ctx, key)
	if err != nil {
		return nil, ErrNotFound
	}
	return docToRecord(doc), nil
}

// Query runs a pre-filtered cosine scan.
func (s *ChromemStore) Query(ctx context.Context, q Query) ([]Result, error) {
	return s.query(ctx, q, "")
}

// QueryByKey runs Query using the stored vector at key, excluding the key
// itself.
func (s *ChromemStore) QueryByKey(ctx context.Context, key string, q Query) ([]Result, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	q.Vector = rec.Vector
	return s.query(ctx, q, key)
}

func (s *ChromemStore) query(ctx context.Context, q Query, excludeKey string) ([]Result, error) {
	if len(q.Vector) != s.config.Dimension {
		return nil, fmt.Errorf("%w: query vector %d, collection pinned to %d",
			ErrDimensionMismatch, len(q.Vector), s.config.Dimension)
	}
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}

	// Equality filters push down to chromem; presence and time-window
	// filters run here afterwards, so over-fetch to keep Limit honest.
	where := make(map[string]string, len(q.TagEquals))
	for k, v := range q.TagEquals {
		where[tagPrefix+k] = v
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	n := limit * 4
	if excludeKey != "" {
		n++
	}
	if len(q.TagExists) > 0 || !q.Since.IsZero() || !q.Until.IsZero() {
		n *= 4
	}
	if n > count {
		n = count
	}

	matches, err := s.col.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.ID == excludeKey {
			continue
		}
		tags, updated := splitMeta(m.Metadata)
		if !matchesPost(tags, updated, q) {
			continue
		}
		results = append(results, Result{
			Key:        m.ID,
			Similarity: m.Similarity,
			Summary:    m.Content,
			Tags:       tags,
			UpdatedAt:  updated,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// matchesPost applies the filters chromem cannot: key presence and the
// updated_at window.
func matchesPost(tags map[string]string, updated time.Time, q Query) bool {
	for _, k := range q.TagExists {
		if _, ok := tags[k]; !ok {
			return false
		}
	}
	if !q.Since.IsZero() && updated.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && updated.After(q.Until) {
		return false
	}
	return true
}

// Dimension returns the pinned vector dimension.
func (s *ChromemStore) Dimension() int {
	return s.config.Dimension
}

// Count returns the number of stored records.
func (s *ChromemStore) Count() int {
	return s.col.Count()
}

// Reset drops all records and re-pins the collection to a new dimension.
func (s *ChromemStore) Reset(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if err := s.db.DeleteCollection(s.config.Collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	col, err := s.db.GetOrCreateCollection(s.config.Collection, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	s.col = col
	s.config.Dimension = dimension
	s.log.Info().Int("dimension", dimension).Msg("vector collection reset")
	return nil
}

// Close persists any buffered state. chromem persists on write, so this is
// currently a no-op kept for the Store contract.
func (s *ChromemStore) Close() error {
	return nil
}

func docToRecord(doc chromem.Document) *Record {
	tags, updated := splitMeta(doc.Metadata)
	return &Record{
		Key:         doc.ID,
		Vector:      doc.Embedding,
		Summary:     doc.Content,
		Tags:        tags,
		ContentHash: doc.Metadata[metaContentHash],
		UpdatedAt:   updated,
	}
}

// splitMeta separates t_-prefixed tags from the reserved metadata fields.
func splitMeta(meta map[string]string) (map[string]string, time.Time) {
	tags := make(map[string]string)
	var updated time.Time
	for k, v := range meta {
		if strings.HasPrefix(k, tagPrefix) {
			tags[strings.TrimPrefix(k, tagPrefix)] = v
			continue
		}
		if k == metaUpdatedAt {
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				updated = t
			}
		}
	}
	return tags, updated
}
