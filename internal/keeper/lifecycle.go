// lifecycle.go implements deletion, reversion, version retrieval, and
// version diffing.

package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
)

// List returns current documents newest-updated first. System documents
// are excluded unless includeSystem is set.
func (k *Keeper) List(ctx context.Context, includeSystem bool, limit int) ([]store.Document, error) {
	return k.docs.List(ctx, includeSystem, limit)
}

// Delete removes a document and its embeddings. With deleteVersions the
// archived states go too; otherwise they remain addressable as history of a
// re-created document. Reports whether a document existed.
func (k *Keeper) Delete(ctx context.Context, id string, deleteVersions bool) (existed bool, err error) {
	defer func() { audit.Event("keeper:delete", "delete").Doc(id).Write(err) }()

	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()

	doc, err := k.docs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	versionCount, err := k.docs.VersionCount(ctx, id)
	if err != nil {
		return false, err
	}

	existed, err = k.docs.Delete(ctx, id, deleteVersions)
	if err != nil {
		return false, err
	}

	// Embeddings follow their entity's lifecycle exactly.
	if err := k.vecs.Delete(ctx, id); err != nil {
		return existed, err
	}
	for num := 1; num <= doc.PartCount; num++ {
		if err := k.vecs.Delete(ctx, PartKey(id, num)); err != nil {
			return existed, err
		}
	}
	if deleteVersions {
		for ord := 1; ord <= versionCount; ord++ {
			if err := k.vecs.Delete(ctx, VersionKey(id, ord)); err != nil {
				return existed, err
			}
		}
	}
	return existed, nil
}

// Revert promotes the newest archived version back to current and drops it
// from the tail. Returns nil when there is nothing to revert to.
func (k *Keeper) Revert(ctx context.Context, id string) (doc *store.Document, err error) {
	defer func() { audit.Event("keeper:revert", "write").Doc(id).Write(err) }()

	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()

	edgeKeys, err := k.resolver.EdgeKeys(ctx)
	if err != nil {
		return nil, err
	}

	res, err := k.docs.Revert(ctx, id, edgeKeys)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	doc = res.Doc

	// The promoted state's vector is the archived one; move it back to the
	// current key and drop the version key.
	versionKey := VersionKey(id, res.Ordinal)
	if rec, vecErr := k.vecs.Get(ctx, versionKey); vecErr == nil {
		rec.Key = id
		rec.Tags = doc.Tags
		rec.UpdatedAt = doc.UpdatedAt
		if err := k.vecs.Upsert(ctx, *rec); err != nil {
			return nil, err
		}
	} else {
		// The archived vector is missing (crash window or pre-reindex
		// state); recompute from the promoted summary.
		k.enqueue(ctx, id, queue.KindEmbed, nil)
	}
	if err := k.vecs.Delete(ctx, versionKey); err != nil {
		return nil, err
	}
	k.vivify(ctx, res.Vivified)
	return doc, nil
}

// GetVersion retrieves a state by offset: 0 is current, 1 the newest
// archived. Returns nil past the tail.
func (k *Keeper) GetVersion(ctx context.Context, id string, offset int) (*store.Version, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must be >= 0", ErrInvalidInput)
	}
	if offset == 0 {
		doc, err := k.docs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		count, err := k.docs.VersionCount(ctx, id)
		if err != nil {
			return nil, err
		}
		return &store.Version{
			DocID:       doc.ID,
			Ordinal:     count + 1, // where this state would archive
			Summary:     doc.Summary,
			Tags:        doc.Tags,
			ContentHash: doc.ContentHash,
			CreatedAt:   doc.UpdatedAt,
		}, nil
	}
	return k.docs.GetVersion(ctx, id, offset)
}

// ListVersions returns archived states newest-first.
func (k *Keeper) ListVersions(ctx context.Context, id string) ([]store.Version, error) {
	return k.docs.ListVersions(ctx, id)
}

// DiffVersions renders an inline text diff between two offsets of a
// document's summary (0 = current): one merged text with insertions and
// deletions marked by ANSI terminal colours.
func (k *Keeper) DiffVersions(ctx context.Context, id string, offsetA, offsetB int) (string, error) {
	a, err := k.GetVersion(ctx, id, offsetA)
	if err != nil {
		return "", err
	}
	b, err := k.GetVersion(ctx, id, offsetB)
	if err != nil {
		return "", err
	}
	if a == nil || b == nil {
		return "", ErrNotFound
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a.Summary, b.Summary, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs), nil
}

// Stats aggregates document-store counts with queue depth and index state
// for operational visibility.
type Stats struct {
	Store      *store.Stats
	Queue      map[string]int64
	Vectors    int
	Dimension  int
	IndexState string
}

// Stats returns the engine's operational counters.
func (k *Keeper) Stats(ctx context.Context) (*Stats, error) {
	st, err := k.docs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	qs, err := k.pending.Stats(ctx)
	if err != nil {
		return nil, err
	}
	state, err := k.docs.GetInfo(ctx, store.InfoIndexState)
	if err != nil {
		return nil, err
	}

	queueStats := make(map[string]int64, len(qs))
	for kind, n := range qs {
		queueStats[string(kind)] = n
	}
	return &Stats{
		Store:      st,
		Queue:      queueStats,
		Vectors:    k.vecs.Count(),
		Dimension:  k.vecs.Dimension(),
		IndexState: state,
	}, nil
}
