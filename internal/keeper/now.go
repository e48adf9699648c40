// now.go implements the singleton "current intentions" document and the
// move operation that carries an intentions trail (or any document's
// history) into a named document.

package keeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/validate"
)

// NowID is the singleton intentions document, optionally scoped.
const NowID = "now"

// nowID resolves a scope to the nowdoc id.
func nowID(scope string) string {
	if scope == "" {
		return NowID
	}
	return NowID + ":" + scope
}

// defaultNowSummary seeds a fresh nowdoc.
const defaultNowSummary = "(nothing current)"

// GetNow returns the intentions document for a scope, auto-creating it on
// first read.
func (k *Keeper) GetNow(ctx context.Context, scope string) (doc *store.Document, err error) {
	id := nowID(scope)
	defer func() { audit.Event("keeper:get_now", "read").Doc(id).Write(err) }()

	doc, err = k.docs.Get(ctx, id)
	if err == nil {
		return doc, nil
	}
	return k.Put(ctx, PutRequest{ID: id, Content: defaultNowSummary})
}

// SetNow records a new current intention: the previous one archives as a
// version, building the intentions trail.
func (k *Keeper) SetNow(ctx context.Context, scope, content string, tags map[string]string) (doc *store.Document, err error) {
	id := nowID(scope)
	defer func() { audit.Event("keeper:set_now", "write").Doc(id).Write(err) }()

	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	// Ensure the nowdoc exists so the first SetNow archives the default
	// rather than silently creating version zero semantics.
	if _, err := k.GetNow(ctx, scope); err != nil {
		return nil, err
	}
	return k.Put(ctx, PutRequest{ID: id, Content: content, Tags: tags})
}

// Move relocates a document's states - current plus archived, newest kept
// current - onto a target document, then removes the source. The tag filter
// selects which states move; onlyCurrent drops the history. Returns the
// number of states moved.
//
// Moving from the default source ("now") is the save-the-trail operation:
// the nowdoc resets to its default on the next read.
func (k *Keeper) Move(ctx context.Context, target, source string, tagFilter map[string]string, onlyCurrent bool) (moved int, err error) {
	defer func() {
		audit.Event("keeper:move", "write").Doc(target).
			Detail("source", source).
			Detail("moved", moved).
			Write(err)
	}()

	if source == "" {
		source = NowID
	}
	if target == "" || target == source {
		return 0, fmt.Errorf("%w: target must differ from source", ErrInvalidInput)
	}
	if err := validate.ID(target, 0); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	srcDoc, err := k.docs.Get(ctx, source)
	if err != nil {
		return 0, err
	}

	// Collect states oldest-first so replaying them onto the target leaves
	// the newest as current.
	type state struct {
		summary string
		tags    store.Tags
		created time.Time
	}
	var states []state

	// The auto-created nowdoc placeholder is scaffolding, not an intention;
	// it never moves.
	fromNow := source == NowID || strings.HasPrefix(source, NowID+":")
	skip := func(summary string) bool {
		return fromNow && summary == defaultNowSummary
	}

	if !onlyCurrent {
		versions, err := k.docs.ListVersions(ctx, source)
		if err != nil {
			return 0, err
		}
		for i := len(versions) - 1; i >= 0; i-- {
			v := versions[i]
			if skip(v.Summary) || !matchesTags(v.Tags, tagFilter) {
				continue
			}
			states = append(states, state{summary: v.Summary, tags: v.Tags, created: v.CreatedAt})
		}
	}
	if !skip(srcDoc.Summary) && matchesTags(srcDoc.Tags, tagFilter) {
		states = append(states, state{summary: srcDoc.Summary, tags: srcDoc.Tags, created: srcDoc.UpdatedAt})
	}
	if len(states) == 0 {
		return 0, nil
	}

	savedAt := k.now().Format(time.RFC3339Nano)
	for _, st := range states {
		tags := userTags(st.tags)
		created := st.created
		if _, err := k.Put(ctx, PutRequest{
			ID:        target,
			Content:   st.summary,
			Tags:      tags,
			CreatedAt: &created,
		}); err != nil {
			return moved, err
		}
		// Provenance is system-maintained, outside the caller merge.
		if err := k.docs.SetSystemTag(ctx, target, store.TagSavedFrom, source); err != nil {
			return moved, err
		}
		if err := k.docs.SetSystemTag(ctx, target, store.TagSavedAt, savedAt); err != nil {
			return moved, err
		}
		moved++
	}

	// The source is consumed by the move. A nowdoc source regenerates with
	// its default on next read.
	if _, err := k.Delete(ctx, source, true); err != nil {
		return moved, err
	}
	return moved, nil
}

// userTags strips system keys so a replayed state re-derives them.
func userTags(tags store.Tags) map[string]string {
	out := make(map[string]string, len(tags))
	for key, value := range tags {
		if !validate.IsSystemKey(key) {
			out[key] = value
		}
	}
	return out
}
