package keeper_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughpyle/keep/internal/keeper"
	"github.com/hughpyle/keep/internal/provider"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/vector"
)

const testDim = 64

// engine bundles an assembled keeper with its collaborators for assertions.
type engine struct {
	k       *keeper.Keeper
	docs    *store.SQLiteStore
	vecs    *vector.ChromemStore
	pending *queue.Queue
	pool    *queue.Pool
}

// stubSummarizer is a deterministic summarization provider.
type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, text, _ string) (string, error) {
	words := strings.Fields(text)
	if len(words) > 8 {
		words = words[:8]
	}
	return "summary: " + strings.Join(words, " "), nil
}

// stubAnalyzer splits text into one part per line.
type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, text string, _ []string, _ string) ([]provider.PartSpec, error) {
	var specs []provider.PartSpec
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		specs = append(specs, provider.PartSpec{Summary: line, Content: line})
	}
	return specs, nil
}

// newEngine assembles a full engine on temp storage with the deterministic
// local embedder.
func newEngine(t *testing.T, opts keeper.Options) *engine {
	t.Helper()
	return newEngineAt(t, t.TempDir(), provider.Identity{Name: "local", Model: "feature-hash", Dimension: testDim}, opts)
}

// newEngineAt opens an engine over an existing directory, so tests can
// reopen the same store under a different provider identity.
func newEngineAt(t *testing.T, dir string, identity provider.Identity, opts keeper.Options) *engine {
	t.Helper()

	docs, err := store.Open(filepath.Join(dir, "keep.db"))
	require.NoError(t, err)
	require.NoError(t, docs.Init())
	t.Cleanup(func() { docs.Close() })

	vecs, err := vector.NewChromemStore(vector.ChromemConfig{
		Path:      filepath.Join(dir, "vectors"),
		Dimension: identity.Dimension,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { vecs.Close() })

	pending, err := queue.New(docs.DB(), queue.Options{})
	require.NoError(t, err)

	router := provider.NewRouter(identity, zerolog.Nop()).
		WithEmbedder(func() (provider.Embedder, error) {
			return &provider.HashEmbedder{Dim: identity.Dimension}, nil
		}).
		WithSummarizer(func() (provider.Summarizer, error) { return stubSummarizer{}, nil }).
		WithAnalyzer(func() (provider.Analyzer, error) { return stubAnalyzer{}, nil })

	k := keeper.New(docs, vecs, pending, router, zerolog.Nop(), opts)
	require.NoError(t, k.ReconcileIdentity(context.Background()))

	pool := queue.NewPool(pending, docs, zerolog.Nop(), queue.PoolOptions{})
	k.RegisterHandlers(pool)

	return &engine{k: k, docs: docs, vecs: vecs, pending: pending, pool: pool}
}

func (e *engine) drain(t *testing.T) {
	t.Helper()
	_, err := e.pool.Drain(context.Background())
	require.NoError(t, err)
}

// --- S1: inline put ---

func TestPut_InlineContent(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{
		Content: "rate limit is 100 req/min",
		Tags:    map[string]string{"topic": "api"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(doc.ID, "%"))
	assert.Len(t, doc.ID, 13) // "%" + 12 hex
	assert.Equal(t, "rate limit is 100 req/min", doc.Summary)
	assert.Equal(t, store.SourceInline, doc.Tags.Source())
	assert.Equal(t, "api", doc.Tags["topic"])
	_, hasCT := doc.Tags[store.TagContentType]
	assert.False(t, hasCT)
	assert.NotEmpty(t, doc.ContentHash)

	// The vector landed synchronously (cheap local provider).
	rec, err := e.vecs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Vector, testDim)
	assert.False(t, doc.Tags.EmbedPending())
}

// --- Property 1 / S2: content addressing, dedup, tag revision ---

func TestPut_ContentAddressingAndDedup(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	first, err := e.k.Put(ctx, keeper.PutRequest{
		Content: "rate limit is 100 req/min",
		Tags:    map[string]string{"topic": "api"},
	})
	require.NoError(t, err)

	// Identical put is a no-op.
	again, err := e.k.Put(ctx, keeper.PutRequest{
		Content: "rate limit is 100 req/min",
		Tags:    map[string]string{"topic": "api"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	n, err := e.docs.VersionCount(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	vecBefore, err := e.vecs.Get(ctx, first.ID)
	require.NoError(t, err)

	// Same content, new tags: same id, one archived version, vector
	// unchanged.
	second, err := e.k.Put(ctx, keeper.PutRequest{
		Content: "rate limit is 100 req/min",
		Tags:    map[string]string{"topic": "quota"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "quota", second.Tags["topic"])

	versions, err := e.docs.ListVersions(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "api", versions[0].Tags["topic"])

	vecAfter, err := e.vecs.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, vecBefore.Vector, vecAfter.Vector)

	// The archived state has its own vector record.
	_, err = e.vecs.Get(ctx, keeper.VersionKey(first.ID, 1))
	require.NoError(t, err)
}

// --- Property 2: tag protection ---

func TestPut_TagProtection(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{
		Content: "some text",
		Tags:    map[string]string{"_created": "1999-01-01", "_source": "forged", "topic": "ok"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ok", doc.Tags["topic"])
	assert.NotEqual(t, "1999-01-01", doc.Tags[store.TagCreated])
	assert.Equal(t, store.SourceInline, doc.Tags.Source())
}

// --- Properties 3 and 4: version density and offset round-trip ---

func TestVersions_DensityAndOffsets(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	contents := []string{"state one", "state two", "state three", "state four"}
	for _, c := range contents {
		_, err := e.k.Put(ctx, keeper.PutRequest{ID: "doc", Content: c})
		require.NoError(t, err)
	}

	versions, err := e.k.ListVersions(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, 3-i, v.Ordinal)
	}

	// Offset k equals the state after k rollbacks.
	for offset, want := range map[int]string{0: "state four", 1: "state three", 2: "state two", 3: "state one"} {
		v, err := e.k.GetVersion(ctx, "doc", offset)
		require.NoError(t, err)
		require.NotNil(t, v, "offset %d", offset)
		assert.Equal(t, want, v.Summary, "offset %d", offset)
	}

	// Revert then re-check: offset 0 is the rolled-back state.
	doc, err := e.k.Revert(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "state three", doc.Summary)
	v, err := e.k.GetVersion(ctx, "doc", 1)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "state two", v.Summary)
}

// --- S4 / Property 5: edges and inverse blocks ---

func TestEdges_AutoVivifyAndInverse(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{
		ID:      ".tag/speaker",
		Summary: "who said it",
		Tags:    map[string]string{"_inverse": "said"},
	})
	require.NoError(t, err)

	turnA, err := e.k.Put(ctx, keeper.PutRequest{Content: "turn A", Tags: map[string]string{"speaker": "Kate"}})
	require.NoError(t, err)
	turnB, err := e.k.Put(ctx, keeper.PutRequest{Content: "turn B", Tags: map[string]string{"speaker": "Kate"}})
	require.NoError(t, err)

	kate, err := e.docs.Get(ctx, "Kate")
	require.NoError(t, err)
	assert.Equal(t, store.SourceAutoVivify, kate.Tags.Source())

	view, err := e.k.Get(ctx, "Kate", nil)
	require.NoError(t, err)
	require.Len(t, view.Inverse, 1)
	assert.Equal(t, "said", view.Inverse[0].Verb)
	assert.ElementsMatch(t, []string{turnA.ID, turnB.ID}, view.Inverse[0].IDs)

	// Removing the tag removes the edge.
	_, err = e.k.Tag(ctx, turnA.ID, map[string]string{"speaker": ""})
	require.NoError(t, err)
	view, err = e.k.Get(ctx, "Kate", nil)
	require.NoError(t, err)
	require.Len(t, view.Inverse, 1)
	assert.Equal(t, []string{turnB.ID}, view.Inverse[0].IDs)
}

func TestEdges_BackfillOnDeclaration(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	// Tags exist before the key is declared as an edge key.
	_, err := e.k.Put(ctx, keeper.PutRequest{Content: "turn A", Tags: map[string]string{"speaker": "Kate"}})
	require.NoError(t, err)

	_, err = e.k.Put(ctx, keeper.PutRequest{
		ID:      ".tag/speaker",
		Summary: "who said it",
		Tags:    map[string]string{"_inverse": "said"},
	})
	require.NoError(t, err)
	e.drain(t) // backfill-edges task

	ids, err := e.docs.EdgesTo(ctx, "Kate", "speaker")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

// --- S5 / Property 6: constrained tags ---

func TestPut_ConstrainedTag(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{
		ID:      ".tag/act",
		Summary: "speech act",
		Tags:    map[string]string{"_constrained": "true"},
	})
	require.NoError(t, err)
	for _, v := range []string{"commitment", "request", "offer", "assertion", "assessment", "declaration"} {
		_, err := e.k.Put(ctx, keeper.PutRequest{ID: ".tag/act/" + v, Summary: v})
		require.NoError(t, err)
	}

	_, err = e.k.Put(ctx, keeper.PutRequest{Content: "I'll fix it", Tags: map[string]string{"act": "commitment"}})
	require.NoError(t, err)

	_, err = e.k.Put(ctx, keeper.PutRequest{Content: "I'll fix it again", Tags: map[string]string{"act": "blurb"}})
	require.ErrorIs(t, err, keeper.ErrTagConstraint)
	assert.Contains(t, err.Error(), "commitment")
}

// --- S6: nowdoc and move ---

func TestNow_TrailAndMove(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	for _, intent := range []string{"working on auth", "decided OAuth2", "tests green"} {
		_, err := e.k.SetNow(ctx, "", intent, nil)
		require.NoError(t, err)
	}

	moved, err := e.k.Move(ctx, "auth-log", "", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 3, moved)

	log, err := e.docs.Get(ctx, "auth-log")
	require.NoError(t, err)
	assert.Equal(t, "tests green", log.Summary)
	assert.Equal(t, "now", log.Tags[store.TagSavedFrom])

	versions, err := e.k.ListVersions(ctx, "auth-log")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "decided OAuth2", versions[0].Summary)
	assert.Equal(t, "working on auth", versions[1].Summary)

	// The nowdoc reset to its default.
	now, err := e.k.GetNow(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, "tests green", now.Summary)
	n, err := e.docs.VersionCount(ctx, "now")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNow_Scoped(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.SetNow(ctx, "auth", "auth work", nil)
	require.NoError(t, err)
	doc, err := e.k.GetNow(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, "now:auth", doc.ID)
	assert.Equal(t, "auth work", doc.Summary)

	// The unscoped nowdoc is untouched.
	plain, err := e.k.GetNow(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, "auth work", plain.Summary)
}

// --- Property 8: pre-filter soundness ---

func TestFind_PreFilterSoundness(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	// The off-filter doc is the exact content match.
	_, err := e.k.Put(ctx, keeper.PutRequest{Content: "kubernetes deployment checklist", Tags: map[string]string{"owner": "bob"}})
	require.NoError(t, err)
	mine, err := e.k.Put(ctx, keeper.PutRequest{Content: "notes about gardening", Tags: map[string]string{"owner": "alice"}})
	require.NoError(t, err)

	items, err := e.k.Find(ctx, keeper.FindRequest{
		Query: "kubernetes deployment checklist",
		Tags:  map[string]string{"owner": "alice"},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, mine.ID, items[0].ID)

	// Key-presence wildcard.
	items, err = e.k.Find(ctx, keeper.FindRequest{
		Query: "anything at all",
		Tags:  map[string]string{"owner": "*"},
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFind_SemanticMatch(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	target, err := e.k.Put(ctx, keeper.PutRequest{Content: "rate limit is 100 req/min"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{Content: "gardening notes for spring"})
	require.NoError(t, err)

	items, err := e.k.Find(ctx, keeper.FindRequest{Query: "rate limit is 100 req/min"})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, target.ID, items[0].ID)
	assert.InDelta(t, 1.0, items[0].Score, 1e-5)
}

func TestFind_SimilarTo(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	a, err := e.k.Put(ctx, keeper.PutRequest{Content: "alpha text about databases"})
	require.NoError(t, err)
	b, err := e.k.Put(ctx, keeper.PutRequest{Content: "alpha text about databases and indexes"})
	require.NoError(t, err)

	items, err := e.k.Find(ctx, keeper.FindRequest{SimilarTo: a.ID})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, b.ID, items[0].ID)
	for _, item := range items {
		assert.NotEqual(t, a.ID, item.ID)
	}
}

func TestFind_Fulltext(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{Content: "the deploy failed on tuesday"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{Content: "unrelated gardening notes"})
	require.NoError(t, err)

	items, err := e.k.Find(ctx, keeper.FindRequest{Query: "deploy failed", Fulltext: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, doc.ID, items[0].ID)
}

func TestFind_RejectsConflictingInputs(t *testing.T) {
	e := newEngine(t, keeper.Options{})

	_, err := e.k.Find(context.Background(), keeper.FindRequest{Query: "x", SimilarTo: "y"})
	assert.ErrorIs(t, err, keeper.ErrInvalidInput)

	_, err = e.k.Find(context.Background(), keeper.FindRequest{Query: "x", Since: "bogus"})
	assert.ErrorIs(t, err, keeper.ErrInvalidInput)
}

// --- Get views ---

func TestGet_TagFilterMismatch(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{Content: "x", Tags: map[string]string{"topic": "api"}})
	require.NoError(t, err)

	_, err = e.k.Get(ctx, doc.ID, map[string]string{"topic": "other"})
	assert.ErrorIs(t, err, keeper.ErrTagMismatch)

	view, err := e.k.Get(ctx, doc.ID, map[string]string{"topic": "api"})
	require.NoError(t, err)
	assert.Equal(t, doc.ID, view.Doc.ID)
}

func TestGet_SimilarBlock(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	a, err := e.k.Put(ctx, keeper.PutRequest{Content: "postgres connection pooling guide"})
	require.NoError(t, err)
	b, err := e.k.Put(ctx, keeper.PutRequest{Content: "postgres connection pooling guide part two"})
	require.NoError(t, err)

	view, err := e.k.Get(ctx, a.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, view.Similar)
	assert.Equal(t, b.ID, view.Similar[0].ID)
	for _, item := range view.Similar {
		assert.NotEqual(t, a.ID, item.ID)
	}
}

func TestGet_VersionAddress(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := e.k.Put(ctx, keeper.PutRequest{ID: "doc", Content: c})
		require.NoError(t, err)
	}

	view, err := e.k.Get(ctx, "doc@V1", nil)
	require.NoError(t, err)
	require.NotNil(t, view.Version)
	assert.Equal(t, "two", view.Version.Summary)
	// Version views navigate both directions.
	require.Len(t, view.PrevVersions, 1)
	assert.Equal(t, "one", view.PrevVersions[0].Summary)

	_, err = e.k.Get(ctx, "doc@V9", nil)
	assert.ErrorIs(t, err, keeper.ErrNotFound)

	// Current doc view lists previous versions.
	view, err = e.k.Get(ctx, "doc", nil)
	require.NoError(t, err)
	require.Len(t, view.PrevVersions, 2)
	assert.Equal(t, "two", view.PrevVersions[0].Summary)
}

func TestGet_TouchesAccessedAt(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{Content: "x"})
	require.NoError(t, err)

	_, err = e.k.Get(ctx, doc.ID, nil)
	require.NoError(t, err)

	after, err := e.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, after.AccessedAt.Before(doc.AccessedAt))
	// No version was created by the read.
	n, err := e.docs.VersionCount(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGet_MetaBlock(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{ID: ".meta/same-topic", Summary: "topic="})
	require.NoError(t, err)

	a, err := e.k.Put(ctx, keeper.PutRequest{Content: "auth design doc", Tags: map[string]string{"topic": "auth"}})
	require.NoError(t, err)
	b, err := e.k.Put(ctx, keeper.PutRequest{Content: "auth test plan", Tags: map[string]string{"topic": "auth"}})
	require.NoError(t, err)

	view, err := e.k.Get(ctx, a.ID, nil)
	require.NoError(t, err)
	require.Len(t, view.Meta, 1)
	assert.Equal(t, "same-topic", view.Meta[0].Label)
	require.Len(t, view.Meta[0].Items, 1)
	assert.Equal(t, b.ID, view.Meta[0].Items[0].ID)
}

// --- Deferred summarize ---

func TestPut_OversizedContentDefersSummary(t *testing.T) {
	e := newEngine(t, keeper.Options{MaxSummaryLength: 32})
	ctx := context.Background()

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 20)
	doc, err := e.k.Put(ctx, keeper.PutRequest{Content: long})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(doc.Summary), 32)

	e.drain(t)

	after, err := e.docs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(after.Summary, "summary:"))
	// Summarize updates in place: no new version.
	n, err := e.docs.VersionCount(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	// The vector follows the new summary.
	rec, err := e.vecs.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, after.Summary, rec.Summary)
}

// --- Analyze ---

func TestAnalyze_BuildsParts(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{ID: "notes", Content: "first line\nsecond line"})
	require.NoError(t, err)

	require.NoError(t, e.k.Analyze(ctx, doc.ID, nil))
	e.drain(t)

	parts, err := e.docs.Parts(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "first line", parts[0].Summary)

	// Parts are addressable and carry vectors.
	view, err := e.k.Get(ctx, "notes@P2", nil)
	require.NoError(t, err)
	require.NotNil(t, view.Part)
	assert.Equal(t, "second line", view.Part.Content)
	_, err = e.vecs.Get(ctx, keeper.PartKey(doc.ID, 2))
	require.NoError(t, err)

	// The parts manifest shows on the doc view.
	view, err = e.k.Get(ctx, "notes", nil)
	require.NoError(t, err)
	assert.Len(t, view.Parts, 2)
}

// --- Delete ---

func TestDelete_RemovesVectors(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{ID: "doc", Content: "one"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{ID: "doc", Content: "two"})
	require.NoError(t, err)

	existed, err := e.k.Delete(ctx, "doc", true)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = e.vecs.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, vector.ErrNotFound)
	_, err = e.vecs.Get(ctx, keeper.VersionKey(doc.ID, 1))
	assert.ErrorIs(t, err, vector.ErrNotFound)

	existed, err = e.k.Delete(ctx, "doc", true)
	require.NoError(t, err)
	assert.False(t, existed)
}

// --- Property 7: export / import ---

func TestExportImport_MergeIsNoop(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{ID: "a", Content: "one"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{ID: "a", Content: "two"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{ID: "b", Content: "other", Tags: map[string]string{"k": "v"}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, e.k.Export(ctx, &buf, false))

	stats, err := e.k.Import(ctx, bytes.NewReader(buf.Bytes()), keeper.ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Imported)
	assert.Equal(t, 2, stats.Skipped)
}

func TestExportImport_ReplaceRoundTrip(t *testing.T) {
	src := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := src.k.Put(ctx, keeper.PutRequest{ID: "a", Content: "one", Tags: map[string]string{"topic": "x"}})
	require.NoError(t, err)
	_, err = src.k.Put(ctx, keeper.PutRequest{ID: "a", Content: "part alpha\npart beta"})
	require.NoError(t, err)
	require.NoError(t, src.k.Analyze(ctx, "a", nil))
	src.drain(t)

	var buf bytes.Buffer
	require.NoError(t, src.k.Export(ctx, &buf, false))

	dst := newEngine(t, keeper.Options{})
	stats, err := dst.k.Import(ctx, bytes.NewReader(buf.Bytes()), keeper.ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)

	// Equivalent store: same document, tags, versions, parts.
	a, err := dst.docs.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "part alpha\npart beta", a.Summary)
	versions, err := dst.docs.ListVersions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "one", versions[0].Summary)
	assert.Equal(t, "x", versions[0].Tags["topic"])
	parts, err := dst.docs.Parts(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	// Embeddings were queued for regeneration, then served after a drain.
	dst.drain(t)
	items, err := dst.k.Find(ctx, keeper.FindRequest{Query: "part alpha part beta"})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "a", items[0].ID)
}

func TestImport_BadFormat(t *testing.T) {
	e := newEngine(t, keeper.Options{})

	_, err := e.k.Import(context.Background(), strings.NewReader(`{"format":"other","version":9}`), keeper.ImportMerge)
	assert.ErrorIs(t, err, keeper.ErrFormat)
}

// --- S3: provider change and reindex ---

func TestReindex_OnProviderChange(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	small := provider.Identity{Name: "local", Model: "small", Dimension: 32}
	e1 := newEngineAt(t, dir, small, keeper.Options{})
	doc, err := e1.k.Put(ctx, keeper.PutRequest{Content: "X marks the spot"})
	require.NoError(t, err)

	reindexing, err := e1.k.Reindexing(ctx)
	require.NoError(t, err)
	assert.False(t, reindexing)
	e1.docs.Close() // release for the second open (same file)

	big := provider.Identity{Name: "local", Model: "big", Dimension: 128}
	e2 := newEngineAt(t, dir, big, keeper.Options{})

	reindexing, err = e2.k.Reindexing(ctx)
	require.NoError(t, err)
	assert.True(t, reindexing)

	// Before the queue drains, the doc is not findable (collection was
	// reset).
	items, err := e2.k.Find(ctx, keeper.FindRequest{Query: "X marks the spot"})
	require.NoError(t, err)
	assert.Empty(t, items)

	e2.drain(t)

	reindexing, err = e2.k.Reindexing(ctx)
	require.NoError(t, err)
	assert.False(t, reindexing)

	items, err = e2.k.Find(ctx, keeper.FindRequest{Query: "X marks the spot"})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, doc.ID, items[0].ID)
	assert.InDelta(t, 1.0, items[0].Score, 1e-5)
}

// --- Required tags ---

func TestPut_RequiredTags(t *testing.T) {
	e := newEngine(t, keeper.Options{RequiredTags: []string{"project"}})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{Content: "x"})
	assert.ErrorIs(t, err, keeper.ErrInvalidInput)

	_, err = e.k.Put(ctx, keeper.PutRequest{Content: "x", Tags: map[string]string{"project": "keep"}})
	require.NoError(t, err)

	// System docs are exempt.
	_, err = e.k.Put(ctx, keeper.PutRequest{ID: ".tag/act", Summary: "acts"})
	require.NoError(t, err)
}

// --- Default and environment tags ---

func TestPut_TagMergePriority(t *testing.T) {
	e := newEngine(t, keeper.Options{
		DefaultTags: map[string]string{"env": "default", "keep": "default"},
		EnvTags:     map[string]string{"env": "fromenv"},
	})
	ctx := context.Background()

	doc, err := e.k.Put(ctx, keeper.PutRequest{Content: "x", Tags: map[string]string{"keep": "caller"}})
	require.NoError(t, err)

	// later wins: defaults < env < caller
	assert.Equal(t, "fromenv", doc.Tags["env"])
	assert.Equal(t, "caller", doc.Tags["keep"])
}

// --- Deep find ---

func TestDeepFind_WalksEdges(t *testing.T) {
	e := newEngine(t, keeper.Options{DeepTokenBudget: 500})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{
		ID:      ".tag/about",
		Summary: "subject link",
		Tags:    map[string]string{"_inverse": "referenced-by"},
	})
	require.NoError(t, err)

	_, err = e.k.Put(ctx, keeper.PutRequest{ID: "hub", Content: "the central document"})
	require.NoError(t, err)
	spoke, err := e.k.Put(ctx, keeper.PutRequest{Content: "spoke doc", Tags: map[string]string{"about": "hub"}})
	require.NoError(t, err)

	items, err := e.k.DeepFind(ctx, keeper.FindRequest{Query: "spoke doc", Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, spoke.ID, items[0].ID)

	var sawHub bool
	for _, item := range items {
		if item.ID == "hub" {
			sawHub = true
			assert.Equal(t, "edge:about", item.Via)
			assert.Equal(t, 1, item.Depth)
		}
	}
	assert.True(t, sawHub, "edge target should appear in the expansion")
}

func TestStats(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{Content: "x"})
	require.NoError(t, err)

	stats, err := e.k.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Store.Documents)
	assert.Equal(t, 1, stats.Vectors)
	assert.Equal(t, testDim, stats.Dimension)
	assert.Equal(t, store.IndexReady, stats.IndexState)
}

func TestList_ExcludesSystem(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{Content: "plain"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{ID: ".meta/x", Summary: "topic=x"})
	require.NoError(t, err)

	docs, err := e.k.List(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.False(t, strings.HasPrefix(docs[0].ID, "."))
}

func TestDiffVersions(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	_, err := e.k.Put(ctx, keeper.PutRequest{ID: "doc", Content: "hello old world"})
	require.NoError(t, err)
	_, err = e.k.Put(ctx, keeper.PutRequest{ID: "doc", Content: "hello new world"})
	require.NoError(t, err)

	diff, err := e.k.DiffVersions(ctx, "doc", 1, 0)
	require.NoError(t, err)
	assert.Contains(t, diff, "new")
}

func TestPut_RejectsConflictingInputs(t *testing.T) {
	e := newEngine(t, keeper.Options{})

	_, err := e.k.Put(context.Background(), keeper.PutRequest{Content: "x", URI: "https://example.com"})
	assert.ErrorIs(t, err, keeper.ErrInvalidInput)

	_, err = e.k.Put(context.Background(), keeper.PutRequest{})
	assert.ErrorIs(t, err, keeper.ErrInvalidInput)
}

func TestConcurrentPuts_SameContent(t *testing.T) {
	e := newEngine(t, keeper.Options{})
	ctx := context.Background()

	const writers = 8
	ids := make(chan string, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			doc, err := e.k.Put(ctx, keeper.PutRequest{Content: "contended content"})
			if err != nil {
				errs <- err
				return
			}
			ids <- doc.ID
		}()
	}

	var first string
	for i := 0; i < writers; i++ {
		select {
		case err := <-errs:
			t.Fatalf("concurrent put failed: %v", err)
		case id := <-ids:
			if first == "" {
				first = id
			}
			assert.Equal(t, first, id)
		}
	}

	// Exactly one document exists; identical re-puts were no-ops.
	n, err := e.docs.VersionCount(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
