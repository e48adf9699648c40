package provider_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughpyle/keep/internal/provider"
	"github.com/hughpyle/keep/internal/store"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := &provider.HashEmbedder{Dim: 64}
	ctx := context.Background()

	a, err := e.Embed(ctx, "rate limit is 100 req/min")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "rate limit is 100 req/min")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashEmbedder_UnitNorm(t *testing.T) {
	e := &provider.HashEmbedder{Dim: 64}

	for _, text := range []string{"hello world", "", "one", "a much longer text with many words in it"} {
		vec, err := e.Embed(context.Background(), text)
		require.NoError(t, err)

		var norm float64
		for _, f := range vec {
			norm += float64(f) * float64(f)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5, "text %q", text)
	}
}

func TestHashEmbedder_DistinctTexts(t *testing.T) {
	e := &provider.HashEmbedder{Dim: 64}
	ctx := context.Background()

	a, err := e.Embed(ctx, "completely different subject")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "rate limit is 100 req/min")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRouter_UnregisteredCapability(t *testing.T) {
	r := provider.NewRouter(provider.Identity{Name: "local", Dimension: 4}, zerolog.Nop())

	_, err := r.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, provider.ErrUnavailable)

	_, err = r.Summarize(context.Background(), "x", "")
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.False(t, r.EmbedCheap())
}

func TestRouter_LazyLoadFailureRetries(t *testing.T) {
	calls := 0
	r := provider.NewRouter(provider.Identity{Name: "local", Model: "m", Dimension: 8}, zerolog.Nop()).
		WithEmbedder(func() (provider.Embedder, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("model missing")
			}
			return &provider.HashEmbedder{Dim: 8}, nil
		})

	_, err := r.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, provider.ErrUnavailable)

	// A failed load is not cached forever.
	vec, err := r.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 2, calls)
}

func TestRouter_DimensionGuard(t *testing.T) {
	// An embedder whose output contradicts the identity is a fatal
	// misconfiguration, not a retryable blip.
	r := provider.NewRouter(provider.Identity{Name: "local", Model: "m", Dimension: 16}, zerolog.Nop()).
		WithEmbedder(func() (provider.Embedder, error) {
			return &provider.HashEmbedder{Dim: 8}, nil
		})

	_, err := r.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, provider.ErrFatal)
}

// countingEmbedder counts provider calls through the cache.
type countingEmbedder struct {
	provider.HashEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.HashEmbedder.Embed(ctx, text)
}

func TestEmbedCache_MemoryAndDisk(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	cache, err := provider.NewEmbedCache(s.DB(), 16)
	require.NoError(t, err)

	emb := &countingEmbedder{HashEmbedder: provider.HashEmbedder{Dim: 8}}
	id := provider.Identity{Name: "local", Model: "m", Dimension: 8}
	r := provider.NewRouter(id, zerolog.Nop()).
		WithEmbedder(func() (provider.Embedder, error) { return emb, nil }).
		WithCache(cache)

	ctx := context.Background()
	a, err := r.Embed(ctx, "hello")
	require.NoError(t, err)
	b, err := r.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, emb.calls, "second call should hit the cache")

	// A fresh cache over the same database hits the disk layer.
	cache2, err := provider.NewEmbedCache(s.DB(), 16)
	require.NoError(t, err)
	vec, ok := cache2.Get(ctx, id, "hello")
	assert.True(t, ok)
	assert.Equal(t, a, vec)

	// A different identity misses: cached vectors never cross providers.
	other := provider.Identity{Name: "local", Model: "m2", Dimension: 8}
	_, ok = cache2.Get(ctx, other, "hello")
	assert.False(t, ok)
}

func TestLockedEmbedder_PassesThrough(t *testing.T) {
	inner := &provider.HashEmbedder{Dim: 8}
	locked := &provider.LockedEmbedder{
		Inner:    inner,
		LockPath: filepath.Join(t.TempDir(), "model.lock"),
	}

	vec, err := locked.Embed(context.Background(), "hello")
	require.NoError(t, err)

	want, err := inner.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, want, vec)
	assert.Equal(t, 8, locked.Dimension())
	assert.True(t, locked.Cheap())
}

func TestIdentity_Equal(t *testing.T) {
	a := provider.Identity{Name: "local", Model: "m", Dimension: 384}
	assert.True(t, a.Equal(provider.Identity{Name: "local", Model: "m", Dimension: 384}))
	assert.False(t, a.Equal(provider.Identity{Name: "local", Model: "m", Dimension: 1536}))
	assert.Contains(t, a.String(), "dim=384")
}
