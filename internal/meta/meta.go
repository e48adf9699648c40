// Package meta evaluates the user-editable system document families that
// shape reads and writes:
//
//   - .tag/K       tag descriptions: _inverse declares an edge key, and
//     _constrained restricts values to the .tag/K/* children.
//   - .meta/NAME   contextual queries whose bodies are a small tag-query
//     DSL, surfaced as grouped blocks on get.
//   - .prompt/{summarize,analyze,agent}/NAME  prompt overrides selected by
//     the same DSL.
//
// These are ordinary documents - editable through put and tag like anything
// else - so the resolver reads them fresh from the store on each use rather
// than holding a parsed registry.
package meta

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hughpyle/keep/internal/store"
)

// ErrTagConstraint is returned when a write violates a constrained tag's
// value vocabulary. The message lists the valid values.
var ErrTagConstraint = errors.New("tag constraint violation")

// System document id prefixes.
const (
	TagDocPrefix    = ".tag/"
	MetaDocPrefix   = ".meta/"
	PromptDocPrefix = ".prompt/"
)

// Reader is the slice of the document store the resolver needs.
type Reader interface {
	Get(ctx context.Context, id string) (*store.Document, error)
	Exists(ctx context.Context, id string) (bool, error)
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
	DocsWithTag(ctx context.Context, key, value string) ([]string, error)
}

// Resolver evaluates the system document families against a store.
type Resolver struct {
	docs Reader
}

// New creates a resolver over a document reader.
func New(docs Reader) *Resolver {
	return &Resolver{docs: docs}
}

// EdgeKeys returns the map of edge key -> inverse verb: every direct
// .tag/K child carrying an _inverse tag.
func (r *Resolver) EdgeKeys(ctx context.Context) (map[string]string, error) {
	ids, err := r.docs.ListByPrefix(ctx, TagDocPrefix)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string)
	for _, id := range ids {
		key := strings.TrimPrefix(id, TagDocPrefix)
		if strings.Contains(key, "/") {
			continue // .tag/K/v vocabulary children, not key declarations
		}
		doc, err := r.docs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if verb := doc.Tags[store.TagInverse]; verb != "" {
			keys[key] = verb
		}
	}
	return keys, nil
}

// ConstrainedValues returns the value vocabulary of a constrained tag key,
// or (nil, false) when the key is unconstrained.
func (r *Resolver) ConstrainedValues(ctx context.Context, key string) ([]string, bool, error) {
	doc, err := r.docs.Get(ctx, TagDocPrefix+key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if doc.Tags[store.TagConstrained] != "true" {
		return nil, false, nil
	}

	childPrefix := TagDocPrefix + key + "/"
	ids, err := r.docs.ListByPrefix(ctx, childPrefix)
	if err != nil {
		return nil, false, err
	}
	values := make([]string, 0, len(ids))
	for _, id := range ids {
		v := strings.TrimPrefix(id, childPrefix)
		if v != "" && !strings.Contains(v, "/") {
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values, true, nil
}

// ValidateTags enforces constrained-tag vocabularies over a merged tag map.
// System keys are never constrained; system documents are exempt entirely
// (they define the vocabularies).
func (r *Resolver) ValidateTags(ctx context.Context, docID string, tags store.Tags) error {
	if strings.HasPrefix(docID, ".") {
		return nil
	}
	for key, value := range tags {
		if strings.HasPrefix(key, "_") || value == "" {
			continue
		}
		values, constrained, err := r.ConstrainedValues(ctx, key)
		if err != nil {
			return err
		}
		if !constrained {
			continue
		}
		ok, err := r.docs.Exists(ctx, TagDocPrefix+key+"/"+value)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s=%q (valid: %s)",
				ErrTagConstraint, key, value, strings.Join(values, ", "))
		}
	}
	return nil
}
