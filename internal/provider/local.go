// local.go implements the local providers: a deterministic small-vector
// embedder cheap enough for the foreground write path, and the advisory
// file lock that keeps multiple processes from saturating one local model.

package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// HashEmbedder is a deterministic local embedder: the vector is derived
// from overlapping token features hashed into a fixed number of buckets,
// then L2-normalized. It has no semantic understanding, but identical text
// always embeds identically and near-identical text lands nearby, which is
// what content-addressed dedup and the test suite need. It serves as the
// default provider until a real model is configured.
type HashEmbedder struct {
	Dim int
}

var _ Embedder = (*HashEmbedder)(nil)

// Embed returns the unit-norm feature-hash vector for text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = 384
	}
	vec := make([]float32, dim)

	for _, tok := range tokenize(text) {
		h := sha256.Sum256([]byte(tok))
		bucket := int(binary.LittleEndian.Uint32(h[:4])) % dim
		if bucket < 0 {
			bucket += dim
		}
		// Second hash bit decides sign, the usual hashing-trick trick to
		// keep buckets from only accumulating.
		sign := float32(1)
		if h[4]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, f := range vec {
		norm += float64(f) * float64(f)
	}
	if norm == 0 {
		vec[0] = 1 // empty text still gets a valid unit vector
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

// Dimension returns the vector size.
func (e *HashEmbedder) Dimension() int {
	if e.Dim <= 0 {
		return 384
	}
	return e.Dim
}

// Cheap reports true: hashing runs in microseconds.
func (e *HashEmbedder) Cheap() bool { return true }

// tokenize lowercases and splits on non-alphanumerics, emitting unigrams
// and bigrams so word order contributes to the vector.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	toks := make([]string, 0, len(words)*2)
	toks = append(toks, words...)
	for i := 0; i+1 < len(words); i++ {
		toks = append(toks, words[i]+" "+words[i+1])
	}
	return toks
}

// LockedEmbedder wraps a local model embedder with an advisory file lock so
// multiple processes do not saturate the same GPU or model. The lock is
// held only for the duration of one call, never across calls.
type LockedEmbedder struct {
	Inner    Embedder
	LockPath string
}

var _ Embedder = (*LockedEmbedder)(nil)

// Embed acquires the advisory lock, runs the inner embedder, and releases.
func (e *LockedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	fl := flock.New(e.LockPath)
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring model lock: %v", ErrTransient, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: model lock busy", ErrTransient)
	}
	defer fl.Unlock()

	return e.Inner.Embed(ctx, text)
}

// Dimension returns the inner embedder's dimension.
func (e *LockedEmbedder) Dimension() int { return e.Inner.Dimension() }

// Cheap defers to the inner embedder.
func (e *LockedEmbedder) Cheap() bool { return e.Inner.Cheap() }

// HTTPFetcher resolves http://, https://, and file:// URIs. It is the
// default Fetcher wiring; richer document providers replace it from outside
// the core.
type HTTPFetcher struct {
	Client  *http.Client
	MaxSize int64
}

var _ Fetcher = (*HTTPFetcher)(nil)

// Fetch retrieves the URI's bytes and content type.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	maxSize := f.MaxSize
	if maxSize <= 0 {
		maxSize = 32 * 1024 * 1024
	}

	if strings.HasPrefix(uri, "file://") {
		path := strings.TrimPrefix(uri, "file://")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("%w: read %s: %v", ErrTransient, path, err)
		}
		return data, "text/plain", nil
	}

	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil, "", fmt.Errorf("%w: unsupported uri scheme in %q", ErrFatal, uri)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFatal, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("%w: %s returned %d", ErrTransient, uri, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("%w: %s returned %d", ErrFatal, uri, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %v", ErrTransient, err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/octet-stream"
	}
	return data, ct, nil
}
