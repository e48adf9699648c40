// find.go implements the retrieval pipeline: embedding or stored-vector
// query, tag/time pre-filter pushed into the vector store, recency decay,
// and the deep expansion that walks edges and similar-items relations under
// a token budget.

package keeper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/duration"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/vector"
)

// FindRequest carries one search. Query and SimilarTo are mutually
// exclusive; tag values of "*" assert key presence.
type FindRequest struct {
	Query     string
	SimilarTo string
	Tags      map[string]string
	Since     string // date or ISO 8601 duration token
	Until     string
	Limit     int
	Fulltext  bool
	System    bool // include system documents
}

// candidateCap bounds the pre-truncation candidate pool.
const candidateCap = 200

// Find answers a semantic, lexical, or tag-filtered query, best first.
func (k *Keeper) Find(ctx context.Context, req FindRequest) (items []Item, err error) {
	defer func() {
		audit.Event("keeper:find", "search").
			Detail("query", req.Query).
			Detail("count", len(items)).
			Write(err)
	}()

	if req.Query != "" && req.SimilarTo != "" {
		return nil, fmt.Errorf("%w: both query and similar_to given", ErrInvalidInput)
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	since, until, err := k.parseWindow(req.Since, req.Until)
	if err != nil {
		return nil, err
	}

	if req.Fulltext {
		return k.findFulltext(ctx, req, since, until)
	}

	qvec, err := k.queryVector(ctx, req)
	if err != nil {
		return nil, err
	}

	// The tag filter is applied by the vector store before scoring: a doc
	// outside the filter never appears regardless of cosine.
	equals, exists := splitTagFilter(req.Tags)

	kPrime := req.Limit * 4
	if kPrime > candidateCap {
		kPrime = candidateCap
	}
	results, err := k.vecs.Query(ctx, vector.Query{
		Vector:    qvec,
		TagEquals: equals,
		TagExists: exists,
		Since:     since,
		Until:     until,
		Limit:     kPrime,
	})
	if err != nil {
		return nil, err
	}

	filtered := results[:0]
	for _, r := range results {
		if !req.System && strings.HasPrefix(r.Key, ".") {
			continue
		}
		if req.SimilarTo != "" && r.Key == req.SimilarTo {
			continue
		}
		filtered = append(filtered, r)
	}
	return k.scoreResults(filtered, req.Limit), nil
}

// parseWindow resolves the since/until inputs.
func (k *Keeper) parseWindow(sinceStr, untilStr string) (since, until time.Time, err error) {
	now := k.now()
	if sinceStr != "" {
		since, err = duration.ParseInstant(sinceStr, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: since: %v", ErrInvalidInput, err)
		}
	}
	if untilStr != "" {
		until, err = duration.ParseInstant(untilStr, now)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: until: %v", ErrInvalidInput, err)
		}
	}
	return since, until, nil
}

// queryVector obtains the query embedding: embed the text, or look up the
// reference document's stored vector.
func (k *Keeper) queryVector(ctx context.Context, req FindRequest) ([]float32, error) {
	if req.SimilarTo != "" {
		rec, err := k.vecs.Get(ctx, req.SimilarTo)
		if err != nil {
			return nil, ErrNotFound
		}
		return rec.Vector, nil
	}
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query or similar_to is required", ErrInvalidInput)
	}
	return k.router.Embed(ctx, req.Query)
}

// splitTagFilter separates exact equalities from "*" presence assertions.
func splitTagFilter(tags map[string]string) (map[string]string, []string) {
	if len(tags) == 0 {
		return nil, nil
	}
	equals := make(map[string]string)
	var exists []string
	for key, value := range tags {
		if value == "*" {
			exists = append(exists, key)
			continue
		}
		equals[key] = value
	}
	sort.Strings(exists)
	return equals, exists
}

// findFulltext serves the lexical path: substring match over summaries,
// ranked by recency decay.
func (k *Keeper) findFulltext(ctx context.Context, req FindRequest, since, until time.Time) ([]Item, error) {
	docs, err := k.docs.SearchSummaries(ctx, req.Query, since, until, candidateCap, req.System)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(docs))
	for _, doc := range docs {
		if !matchesTags(doc.Tags, req.Tags) {
			continue
		}
		items = append(items, Item{
			ID:      doc.ID,
			Summary: doc.Summary,
			Rank:    k.decay(doc.UpdatedAt),
		})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Rank > items[j].Rank })
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}
	return items, nil
}

// matchesTags applies the AND-set filter to a tag map.
func matchesTags(tags store.Tags, filter map[string]string) bool {
	for key, want := range filter {
		got, ok := tags[key]
		if !ok || (want != "*" && got != want) {
			return false
		}
	}
	return true
}

// DeepItem is one entry of a deep-find expansion: an item plus how it was
// reached.
type DeepItem struct {
	Item
	Depth int
	Via   string // "find", "edge:<key>", "similar"
}

// DeepFind runs Find and then expands one hop at a time along outbound
// edges and similar-items relations, breadth-first with a visited set,
// stopping at the token budget (characters / 4) or depth 2.
func (k *Keeper) DeepFind(ctx context.Context, req FindRequest) ([]DeepItem, error) {
	seeds, err := k.Find(ctx, req)
	if err != nil {
		return nil, err
	}

	budget := k.opts.DeepTokenBudget * 4 // budget is tokens; spend characters
	visited := make(map[string]struct{})
	var out []DeepItem

	type queued struct {
		item  Item
		depth int
		via   string
	}
	var frontier []queued
	for _, s := range seeds {
		frontier = append(frontier, queued{item: s, depth: 0, via: "find"})
	}

	for len(frontier) > 0 && budget > 0 {
		next := frontier[0]
		frontier = frontier[1:]

		baseID := strings.SplitN(next.item.ID, "@", 2)[0]
		if _, seen := visited[baseID]; seen {
			continue
		}
		visited[baseID] = struct{}{}

		cost := len(next.item.Summary)
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, DeepItem{Item: next.item, Depth: next.depth, Via: next.via})

		if next.depth >= 2 {
			continue
		}

		// One hop out: edges first (explicit relations), then nearest
		// neighbors.
		edges, err := k.docs.EdgesFrom(ctx, baseID)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if _, seen := visited[e.TargetID]; seen {
				continue
			}
			doc, err := k.docs.Get(ctx, e.TargetID)
			if err != nil {
				continue
			}
			frontier = append(frontier, queued{
				item:  Item{ID: doc.ID, Summary: doc.Summary, Rank: k.decay(doc.UpdatedAt)},
				depth: next.depth + 1,
				via:   "edge:" + e.Key,
			})
		}

		similar, err := k.vecs.QueryByKey(ctx, baseID, vector.Query{Limit: maxNavItems})
		if err != nil {
			continue // no vector for this node; edges alone expand it
		}
		for _, item := range k.scoreResults(similar, maxNavItems) {
			frontier = append(frontier, queued{item: item, depth: next.depth + 1, via: "similar"})
		}
	}
	return out, nil
}
