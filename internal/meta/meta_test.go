package meta_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hughpyle/keep/internal/meta"
	"github.com/hughpyle/keep/internal/store"
)

func setup(t *testing.T) (*store.SQLiteStore, *meta.Resolver) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(func() { s.Close() })

	return s, meta.New(s)
}

func put(t *testing.T, s *store.SQLiteStore, id, summary string, tags store.Tags) {
	t.Helper()
	now := time.Now().UTC()
	if tags == nil {
		tags = store.Tags{}
	}
	_, err := s.Create(context.Background(), &store.Document{
		ID: id, Summary: summary, Tags: tags,
		CreatedAt: now, UpdatedAt: now, AccessedAt: now,
	}, nil)
	require.NoError(t, err)
}

func TestParseRules(t *testing.T) {
	rules := meta.ParseRules("Show related items.\n\nproject=keep\nspeaker=\nact=*\nnot a rule line\n# comment\n")
	require.Len(t, rules, 3)

	assert.Equal(t, meta.Rule{Key: "project", Value: "keep", Kind: meta.RuleEq}, rules[0])
	assert.Equal(t, meta.Rule{Key: "speaker", Kind: meta.RuleFill}, rules[1])
	assert.Equal(t, meta.Rule{Key: "act", Kind: meta.RulePrereq}, rules[2])
}

func TestEdgeKeys(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	put(t, s, ".tag/speaker", "who said it", store.Tags{store.TagInverse: "said"})
	put(t, s, ".tag/topic", "subject", nil)
	put(t, s, ".tag/act/commitment", "a value doc, not a key", store.Tags{store.TagInverse: "bogus"})

	keys, err := r.EdgeKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"speaker": "said"}, keys)
}

func TestConstrainedValues(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	put(t, s, ".tag/act", "speech act", store.Tags{store.TagConstrained: "true"})
	for _, v := range []string{"commitment", "request", "offer"} {
		put(t, s, ".tag/act/"+v, v, nil)
	}
	put(t, s, ".tag/topic", "unconstrained", nil)

	values, constrained, err := r.ConstrainedValues(ctx, "act")
	require.NoError(t, err)
	assert.True(t, constrained)
	assert.Equal(t, []string{"commitment", "offer", "request"}, values)

	_, constrained, err = r.ConstrainedValues(ctx, "topic")
	require.NoError(t, err)
	assert.False(t, constrained)

	_, constrained, err = r.ConstrainedValues(ctx, "undeclared")
	require.NoError(t, err)
	assert.False(t, constrained)
}

func TestValidateTags(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	put(t, s, ".tag/act", "speech act", store.Tags{store.TagConstrained: "true"})
	put(t, s, ".tag/act/commitment", "commitment", nil)

	assert.NoError(t, r.ValidateTags(ctx, "doc1", store.Tags{"act": "commitment"}))

	err := r.ValidateTags(ctx, "doc1", store.Tags{"act": "blurb"})
	require.ErrorIs(t, err, meta.ErrTagConstraint)
	assert.Contains(t, err.Error(), "commitment")

	// Unconstrained keys pass; system docs are exempt.
	assert.NoError(t, r.ValidateTags(ctx, "doc1", store.Tags{"topic": "anything"}))
	assert.NoError(t, r.ValidateTags(ctx, ".tag/act/assertion", store.Tags{"act": "blurb"}))
}

// stubRanker ranks candidates in the order given.
type stubRanker struct{}

func (stubRanker) Rank(_ context.Context, _ string, candidates []string, limit int) ([]meta.Item, error) {
	items := make([]meta.Item, 0, len(candidates))
	for i, id := range candidates {
		items = append(items, meta.Item{ID: id, Score: 1 - float64(i)*0.1})
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func TestBlocks(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	// Meta doc: surface items on the same topic, gated on the doc having a
	// project tag.
	put(t, s, ".meta/related", "project=*\ntopic=", nil)
	put(t, s, "a", "doc a", store.Tags{"project": "keep", "topic": "auth"})
	put(t, s, "b", "doc b", store.Tags{"topic": "auth"})
	put(t, s, "c", "doc c", store.Tags{"topic": "other"})

	doc, err := s.Get(ctx, "a")
	require.NoError(t, err)

	blocks, err := r.Blocks(ctx, doc, stubRanker{})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "related", blocks[0].Label)
	require.Len(t, blocks[0].Items, 1)
	assert.Equal(t, "b", blocks[0].Items[0].ID) // self excluded

	// Prerequisite gate: a doc without the project tag gets no block.
	docB, err := s.Get(ctx, "b")
	require.NoError(t, err)
	blocks, err = r.Blocks(ctx, docB, stubRanker{})
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestBlocks_ORSemantics(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	put(t, s, ".meta/todo", "status=open\nstatus=urgent", nil)
	put(t, s, "subject", "the doc being viewed", nil)
	put(t, s, "t1", "open item", store.Tags{"status": "open"})
	put(t, s, "t2", "urgent item", store.Tags{"status": "urgent"})
	put(t, s, "t3", "done item", store.Tags{"status": "done"})

	doc, err := s.Get(ctx, "subject")
	require.NoError(t, err)

	blocks, err := r.Blocks(ctx, doc, stubRanker{})
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	ids := make([]string, 0, len(blocks[0].Items))
	for _, item := range blocks[0].Items {
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)
}

func TestSelectPrompt(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	put(t, s, ".prompt/summarize/default", "## Prompt\nSummarize briefly.", nil)
	put(t, s, ".prompt/summarize/meetings", "kind=meeting\n## Prompt\nSummarize the meeting with decisions and actions.", nil)
	put(t, s, ".prompt/summarize/standup", "kind=meeting\nteam=platform\n## Prompt\nStandup notes format.", nil)

	get := func(tags store.Tags) *store.Document {
		return &store.Document{ID: "x", Tags: tags}
	}

	// No matching rules beyond the universal default.
	prompt, ok, err := r.SelectPrompt(ctx, meta.FamilySummarize, get(store.Tags{}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Summarize briefly.", prompt)

	// One rule satisfied beats zero.
	prompt, ok, err = r.SelectPrompt(ctx, meta.FamilySummarize, get(store.Tags{"kind": "meeting"}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, prompt, "decisions and actions")

	// Most satisfied rules wins.
	prompt, ok, err = r.SelectPrompt(ctx, meta.FamilySummarize, get(store.Tags{"kind": "meeting", "team": "platform"}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Standup notes format.", prompt)

	// Unknown family: nothing.
	_, ok, err = r.SelectPrompt(ctx, meta.FamilyAgent, get(store.Tags{}))
	require.NoError(t, err)
	assert.False(t, ok)
}
