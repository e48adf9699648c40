// get.go implements the read protocol: address dispatch, the tag-filter
// gate, and the frontmatter view built from the vector index (similar
// items), the meta resolver (contextual blocks), the edge tables (inverse
// blocks), and the version chain.

package keeper

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/meta"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/vector"
)

// Item is one scored neighbor in a similar-items or find result.
type Item struct {
	ID      string
	Summary string
	Score   float64 // raw cosine
	Rank    float64 // cosine attenuated by recency decay
}

// InverseBlock lists the documents pointing at the viewed one via an edge
// key, labeled by the key's inverse verb ("tags/said:").
type InverseBlock struct {
	Key  string
	Verb string
	IDs  []string
}

// VersionRef is one line of the version navigation.
type VersionRef struct {
	Offset  int
	Ordinal int
	Summary string
}

// PartRef is one line of the parts manifest.
type PartRef struct {
	PartNum int
	Summary string
}

// View is a document with its frontmatter: the derived context the engine
// attaches on read. Version and Part views carry the minimal frontmatter:
// a version view holds the archived state plus version navigation, a part
// view holds the part alone.
type View struct {
	Doc     *store.Document
	Version *store.Version // set when a @V address was read
	Part    *store.Part    // set when a @P address was read

	Similar      []Item
	Meta         []meta.Block
	Inverse      []InverseBlock
	PrevVersions []VersionRef
	NextVersions []VersionRef
	Parts        []PartRef
}

// maxNavItems caps each frontmatter block.
const maxNavItems = 3

// maxSimilarItems caps the similar-items block.
const maxSimilarItems = 5

// Get retrieves a document, version, or part by address and builds its
// view. A tag filter that does not match the document returns
// ErrTagMismatch.
func (k *Keeper) Get(ctx context.Context, address string, tagFilter map[string]string) (view *View, err error) {
	defer func() { audit.Event("keeper:get", "read").Doc(address).Write(err) }()

	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	switch {
	case addr.Part > 0:
		return k.getPart(ctx, addr)
	case addr.Version > 0:
		return k.getVersion(ctx, addr)
	}

	doc, err := k.docs.Get(ctx, addr.ID)
	if err != nil {
		return nil, err
	}
	for key, want := range tagFilter {
		if got, ok := doc.Tags[key]; !ok || (want != "*" && got != want) {
			return nil, ErrTagMismatch
		}
	}

	view = &View{Doc: doc}
	if err := k.buildSimilar(ctx, view); err != nil {
		return nil, err
	}
	if view.Meta, err = k.resolver.Blocks(ctx, doc, k); err != nil {
		return nil, err
	}
	if err := k.buildInverse(ctx, view); err != nil {
		return nil, err
	}
	if err := k.buildVersionNav(ctx, view, 0); err != nil {
		return nil, err
	}
	if err := k.buildParts(ctx, view); err != nil {
		return nil, err
	}

	// accessed_at moves on read, independent of the version chain.
	if err := k.docs.Touch(ctx, doc.ID, k.now()); err != nil {
		return nil, err
	}
	return view, nil
}

// getVersion serves a @V address with minimal frontmatter: the archived
// state plus navigation to neighboring versions.
func (k *Keeper) getVersion(ctx context.Context, addr Address) (*View, error) {
	v, err := k.docs.GetVersion(ctx, addr.ID, addr.Version)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	view := &View{Version: v}
	if err := k.buildVersionNav(ctx, view, addr.Version); err != nil {
		return nil, err
	}
	return view, nil
}

// getPart serves a @P address with minimal frontmatter.
func (k *Keeper) getPart(ctx context.Context, addr Address) (*View, error) {
	p, err := k.docs.Part(ctx, addr.ID, addr.Part)
	if err != nil {
		return nil, err
	}
	return &View{Part: p}, nil
}

// buildSimilar queries the vector index around the document's own
// embedding, excluding the document itself and placeholders, then orders by
// decayed score.
func (k *Keeper) buildSimilar(ctx context.Context, view *View) error {
	results, err := k.vecs.QueryByKey(ctx, view.Doc.ID, vector.Query{
		Limit: maxSimilarItems * 2,
	})
	if errors.Is(err, vector.ErrNotFound) {
		return nil // no vector yet (pending embed); no similar block
	}
	if err != nil {
		return err
	}
	// The document's own archived versions and parts would crowd the block
	// with near-duplicates; keep only other entities.
	selfPrefix := view.Doc.ID + "@"
	filtered := results[:0]
	for _, r := range results {
		if !strings.HasPrefix(r.Key, selfPrefix) {
			filtered = append(filtered, r)
		}
	}
	view.Similar = k.scoreResults(filtered, maxSimilarItems)
	return nil
}

// scoreResults drops placeholders (_embed_pending records), applies decay,
// and returns the best limit items. Version and part keys are kept.
func (k *Keeper) scoreResults(results []vector.Result, limit int) []Item {
	items := make([]Item, 0, len(results))
	for _, r := range results {
		if r.Tags[store.TagEmbedPending] == "1" {
			continue
		}
		cos := float64(r.Similarity)
		items = append(items, Item{
			ID:      r.Key,
			Summary: r.Summary,
			Score:   cos,
			Rank:    cos * k.decay(r.UpdatedAt),
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Rank > items[j].Rank })
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// buildInverse lists, for every declared edge key, the documents whose tag
// points at this one.
func (k *Keeper) buildInverse(ctx context.Context, view *View) error {
	edgeKeys, err := k.resolver.EdgeKeys(ctx)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(edgeKeys))
	for key := range edgeKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		ids, err := k.docs.EdgesTo(ctx, view.Doc.ID, key)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		view.Inverse = append(view.Inverse, InverseBlock{
			Key:  key,
			Verb: edgeKeys[key],
			IDs:  ids,
		})
	}
	return nil
}

// buildVersionNav attaches up to maxNavItems previous versions and - when a
// version is being viewed - the subsequent ones leading back to current.
func (k *Keeper) buildVersionNav(ctx context.Context, view *View, atOffset int) error {
	id := ""
	if view.Doc != nil {
		id = view.Doc.ID
	} else {
		id = view.Version.DocID
	}

	count, err := k.docs.VersionCount(ctx, id)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	for offset := atOffset + 1; offset <= count && len(view.PrevVersions) < maxNavItems; offset++ {
		v, err := k.docs.GetVersion(ctx, id, offset)
		if err != nil {
			return err
		}
		if v == nil {
			break
		}
		view.PrevVersions = append(view.PrevVersions, VersionRef{
			Offset: offset, Ordinal: v.Ordinal, Summary: v.Summary,
		})
	}

	for offset := atOffset - 1; offset >= 1 && len(view.NextVersions) < maxNavItems; offset-- {
		v, err := k.docs.GetVersion(ctx, id, offset)
		if err != nil {
			return err
		}
		if v == nil {
			continue
		}
		view.NextVersions = append(view.NextVersions, VersionRef{
			Offset: offset, Ordinal: v.Ordinal, Summary: v.Summary,
		})
	}
	return nil
}

// buildParts attaches the parts manifest.
func (k *Keeper) buildParts(ctx context.Context, view *View) error {
	if view.Doc.PartCount == 0 {
		return nil
	}
	parts, err := k.docs.Parts(ctx, view.Doc.ID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		view.Parts = append(view.Parts, PartRef{PartNum: p.PartNum, Summary: p.Summary})
	}
	return nil
}

// Rank implements meta.Ranker: candidates are ordered by cosine similarity
// to the reference document's vector, attenuated by recency decay.
func (k *Keeper) Rank(ctx context.Context, refID string, candidates []string, limit int) ([]meta.Item, error) {
	ref, err := k.vecs.Get(ctx, refID)
	if errors.Is(err, vector.ErrNotFound) {
		// No reference vector: fall back to recency alone.
		return k.rankByRecency(ctx, candidates, limit)
	}
	if err != nil {
		return nil, err
	}

	items := make([]meta.Item, 0, len(candidates))
	for _, id := range candidates {
		rec, err := k.vecs.Get(ctx, id)
		if err != nil {
			continue
		}
		if rec.Tags[store.TagEmbedPending] == "1" {
			continue
		}
		score := cosine(ref.Vector, rec.Vector) * k.decay(rec.UpdatedAt)
		items = append(items, meta.Item{ID: id, Summary: rec.Summary, Score: score})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// rankByRecency orders candidates by decayed recency when no reference
// vector exists.
func (k *Keeper) rankByRecency(ctx context.Context, candidates []string, limit int) ([]meta.Item, error) {
	items := make([]meta.Item, 0, len(candidates))
	for _, id := range candidates {
		doc, err := k.docs.Get(ctx, id)
		if err != nil {
			continue
		}
		items = append(items, meta.Item{ID: id, Summary: doc.Summary, Score: k.decay(doc.UpdatedAt)})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// cosine computes the similarity of two equal-dimension vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
