// cache.go implements the two-level embedding cache: a bounded in-memory
// LRU in front of a persistent key/value table in the store's SQLite file.
//
// The cache key is (provider identity, text hash), so vectors indexed under
// one provider are invisible to another. Eviction is size-based in memory;
// the disk layer is unbounded and shared across processes.

package provider

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbedCache caches embeddings by (identity, text hash).
type EmbedCache struct {
	mem *lru.Cache[string, []float32]
	db  *sql.DB
}

// NewEmbedCache creates the cache. The db handle may share the document
// store's file; the cache keeps its own table. Pass a nil db for a
// memory-only cache.
func NewEmbedCache(db *sql.DB, entries int) (*EmbedCache, error) {
	if entries <= 0 {
		entries = 1024
	}
	mem, err := lru.New[string, []float32](entries)
	if err != nil {
		return nil, fmt.Errorf("creating lru: %w", err)
	}
	c := &EmbedCache{mem: mem, db: db}
	if db != nil {
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS embed_cache (
				cache_key TEXT PRIMARY KEY,
				vector    BLOB NOT NULL
			)`)
		if err != nil {
			return nil, fmt.Errorf("creating embed_cache table: %w", err)
		}
	}
	return c, nil
}

// Get returns a cached vector, consulting memory first, then disk.
func (c *EmbedCache) Get(ctx context.Context, id Identity, text string) ([]float32, bool) {
	key := cacheKey(id, text)
	if vec, ok := c.mem.Get(key); ok {
		return vec, true
	}
	if c.db == nil {
		return nil, false
	}

	var blob []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT vector FROM embed_cache WHERE cache_key = ?`, key).Scan(&blob)
	if err != nil {
		return nil, false // miss, sql.ErrNoRows or otherwise
	}
	vec, err := decodeVector(blob)
	if err != nil || len(vec) != id.Dimension {
		return nil, false
	}
	c.mem.Add(key, vec)
	return vec, true
}

// Put stores a vector in both layers.
func (c *EmbedCache) Put(ctx context.Context, id Identity, text string, vec []float32) error {
	key := cacheKey(id, text)
	c.mem.Add(key, vec)
	if c.db == nil {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embed_cache (cache_key, vector) VALUES (?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET vector = excluded.vector`,
		key, encodeVector(vec))
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// cacheKey derives the composite key. The identity is part of the key, not
// a namespace, so one table serves every provider generation.
func cacheKey(id Identity, text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s/%s/%d/%s", id.Name, id.Model, id.Dimension, hex.EncodeToString(h[:]))
}

// encodeVector packs float32s little-endian. Simple, portable, and dense.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
