package vector_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughpyle/keep/internal/vector"
)

func setupStore(t *testing.T, dim int) *vector.ChromemStore {
	t.Helper()

	s, err := vector.NewChromemStore(vector.ChromemConfig{
		Path:      t.TempDir(),
		Dimension: dim,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// unit returns a unit vector along the given axis.
func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func rec(key string, vec []float32, tags map[string]string) vector.Record {
	return vector.Record{
		Key:       key,
		Vector:    vec,
		Summary:   "summary of " + key,
		Tags:      tags,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestChromem_UpsertGetDelete(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("a", unit(4, 0), map[string]string{"topic": "api"})))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Key)
	assert.Equal(t, "api", got.Tags["topic"])
	assert.Equal(t, unit(4, 0), got.Vector)

	// Upsert replaces.
	require.NoError(t, s.Upsert(ctx, rec("a", unit(4, 1), nil)))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, unit(4, 1), got.Vector)
	assert.Equal(t, 1, s.Count())

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, vector.ErrNotFound)

	// Deleting an absent key is a no-op.
	require.NoError(t, s.Delete(ctx, "a"))
}

func TestChromem_DimensionPinned(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	err := s.Upsert(ctx, rec("a", unit(8, 0), nil))
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)

	_, err = s.Query(ctx, vector.Query{Vector: unit(8, 0), Limit: 1})
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
}

func TestChromem_QueryOrdersByCosine(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("exact", []float32{1, 0, 0, 0}, nil)))
	require.NoError(t, s.Upsert(ctx, rec("close", []float32{0.9, 0.1, 0, 0}, nil)))
	require.NoError(t, s.Upsert(ctx, rec("far", []float32{0, 0, 1, 0}, nil)))

	results, err := s.Query(ctx, vector.Query{Vector: unit(4, 0), Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "exact", results[0].Key)
	assert.Equal(t, "close", results[1].Key)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-5)
}

func TestChromem_PreFilterSoundness(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	// The off-tenant doc is the best cosine match; the filter must still
	// exclude it.
	require.NoError(t, s.Upsert(ctx, rec("theirs", unit(4, 0), map[string]string{"owner": "bob"})))
	require.NoError(t, s.Upsert(ctx, rec("mine", []float32{0.5, 0.5, 0, 0}, map[string]string{"owner": "alice"})))

	results, err := s.Query(ctx, vector.Query{
		Vector:    unit(4, 0),
		TagEquals: map[string]string{"owner": "alice"},
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].Key)
}

func TestChromem_TagExistsAndTimeWindow(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	old := rec("old", unit(4, 0), map[string]string{"topic": "x"})
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.Upsert(ctx, old))
	require.NoError(t, s.Upsert(ctx, rec("fresh", unit(4, 0), map[string]string{"topic": "y"})))
	require.NoError(t, s.Upsert(ctx, rec("untagged", unit(4, 0), nil)))

	results, err := s.Query(ctx, vector.Query{
		Vector:    unit(4, 0),
		TagExists: []string{"topic"},
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = s.Query(ctx, vector.Query{
		Vector: unit(4, 0),
		Since:  time.Now().UTC().Add(-time.Hour),
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "old", r.Key)
	}
}

func TestChromem_QueryByKeyExcludesSelf(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("a", unit(4, 0), nil)))
	require.NoError(t, s.Upsert(ctx, rec("b", []float32{0.9, 0.1, 0, 0}, nil)))

	results, err := s.QueryByKey(ctx, "a", vector.Query{Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].Key)
}

func TestChromem_EmptyStoreQueries(t *testing.T) {
	s := setupStore(t, 4)

	results, err := s.Query(context.Background(), vector.Query{Vector: unit(4, 0), Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromem_Reset(t *testing.T) {
	s := setupStore(t, 4)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("a", unit(4, 0), nil)))
	require.NoError(t, s.Reset(ctx, 8))

	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 8, s.Dimension())

	// Old dimension now refused, new accepted.
	assert.ErrorIs(t, s.Upsert(ctx, rec("a", unit(4, 0), nil)), vector.ErrDimensionMismatch)
	require.NoError(t, s.Upsert(ctx, rec("a", unit(8, 0), nil)))
}

func TestChromem_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := vector.NewChromemStore(vector.ChromemConfig{Path: dir, Dimension: 4}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, rec("a", unit(4, 0), map[string]string{"k": "v"})))
	require.NoError(t, s.Close())

	s2, err := vector.NewChromemStore(vector.ChromemConfig{Path: dir, Dimension: 4}, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Tags["k"])
	assert.Equal(t, unit(4, 0), got.Vector)
}
