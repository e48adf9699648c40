// tags.go implements the tag-only mutations: retagging a document (a
// revision without archival) and retagging a part.

package keeper

import (
	"context"
	"fmt"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/validate"
)

// Tag merges a tag map onto a document without touching its content or
// version chain. An empty value deletes the key; system keys are stripped
// per the tag-protection invariant.
func (k *Keeper) Tag(ctx context.Context, id string, tags map[string]string) (doc *store.Document, err error) {
	defer func() { audit.Event("keeper:tag", "write").Doc(id).Write(err) }()

	if err := validate.Tags(tags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()

	existing, err := k.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := existing.Tags.Clone()
	for key, value := range tags {
		if validate.IsSystemKey(key) && !declarableSystemKey(id, key) {
			continue
		}
		if value == "" {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	if merged.Equal(existing.Tags) {
		return existing, nil
	}

	if err := k.resolver.ValidateTags(ctx, id, merged); err != nil {
		return nil, err
	}
	edgeKeys, err := k.resolver.EdgeKeys(ctx)
	if err != nil {
		return nil, err
	}
	return k.putTagOnly(ctx, existing, merged, edgeKeys)
}

// TagPart merges a tag map onto one part.
func (k *Keeper) TagPart(ctx context.Context, id string, partNum int, tags map[string]string) (part *store.Part, err error) {
	defer func() { audit.Event("keeper:tag_part", "write").Doc(id).Write(err) }()

	if err := validate.Tags(tags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	mu := k.lock(id)
	mu.Lock()
	defer mu.Unlock()

	existing, err := k.docs.Part(ctx, id, partNum)
	if err != nil {
		return nil, err
	}

	merged := existing.Tags.Clone()
	for key, value := range tags {
		if validate.IsSystemKey(key) {
			continue
		}
		if value == "" {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}

	part, err = k.docs.UpdatePartTags(ctx, id, partNum, merged)
	if err != nil {
		return nil, err
	}

	// Mirror the tags into the part's vector record so pre-filters see them.
	if rec, vecErr := k.vecs.Get(ctx, PartKey(id, partNum)); vecErr == nil {
		rec.Tags = merged
		if err := k.vecs.Upsert(ctx, *rec); err != nil {
			return nil, err
		}
	}
	return part, nil
}
