// export.go implements the streaming export format and its import
// counterpart.
//
// The stream is line-delimited JSON: a header record first, then one
// self-contained record per document with versions and parts inlined.
// Embeddings are never exported - import enqueues reembed tasks and the
// background pool regenerates them.

package keeper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/meta"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
)

// ExportFormat and ExportVersion identify the stream format.
const (
	ExportFormat  = "keep-export"
	ExportVersion = 1
)

// ExportHeader is the first record of an export stream.
type ExportHeader struct {
	Format     string `json:"format"`
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	StoreInfo  struct {
		Documents int64  `json:"documents"`
		Provider  string `json:"provider,omitempty"`
	} `json:"store_info"`
}

// ImportMode selects merge or replace semantics.
type ImportMode string

// Import modes.
const (
	ImportMerge   ImportMode = "merge"
	ImportReplace ImportMode = "replace"
)

// ImportStats reports what an import did.
type ImportStats struct {
	Imported int
	Skipped  int
	Replaced int
}

// ErrFormat reports an unreadable import stream.
var ErrFormat = errors.New("bad export format")

// Export streams the store as keep-export v1. System documents are
// included only when includeSystem is set.
func (k *Keeper) Export(ctx context.Context, w io.Writer, includeSystem bool) (err error) {
	defer func() { audit.Event("keeper:export", "read").Write(err) }()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	st, err := k.docs.Stats(ctx)
	if err != nil {
		return err
	}
	header := ExportHeader{
		Format:     ExportFormat,
		Version:    ExportVersion,
		ExportedAt: k.now().Format(time.RFC3339Nano),
	}
	header.StoreInfo.Documents = st.Documents
	header.StoreInfo.Provider = k.router.Identity().String()
	if err := enc.Encode(header); err != nil {
		return err
	}

	ids, err := k.docs.ListIDs(ctx, includeSystem)
	if err != nil {
		return err
	}
	for _, id := range ids {
		doc, err := k.docs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue // deleted mid-export
			}
			return err
		}
		versions, err := k.docs.ListVersions(ctx, id)
		if err != nil {
			return err
		}
		parts, err := k.docs.Parts(ctx, id)
		if err != nil {
			return err
		}
		if err := enc.Encode(doc.ToJSON(versions, parts)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Import reads a keep-export stream. Merge skips records whose id already
// exists; replace overwrites them. Either way the imported documents get
// reembed tasks - vectors are derived state and regenerate.
func (k *Keeper) Import(ctx context.Context, r io.Reader, mode ImportMode) (stats ImportStats, err error) {
	defer func() {
		audit.Event("keeper:import", "write").
			Detail("mode", string(mode)).
			Detail("imported", stats.Imported).
			Write(err)
	}()

	if mode != ImportMerge && mode != ImportReplace {
		return stats, fmt.Errorf("%w: mode must be merge or replace", ErrInvalidInput)
	}

	dec := json.NewDecoder(bufio.NewReader(r))

	var header ExportHeader
	if err := dec.Decode(&header); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if header.Format != ExportFormat || header.Version != ExportVersion {
		return stats, fmt.Errorf("%w: %s v%d", ErrFormat, header.Format, header.Version)
	}

	for {
		var rec store.DocJSON
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return stats, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		replaced, skipped, err := k.importRecord(ctx, &rec, mode)
		if err != nil {
			return stats, err
		}
		switch {
		case skipped:
			stats.Skipped++
		case replaced:
			stats.Replaced++
		default:
			stats.Imported++
		}
	}

	// Edges are derived state, like vectors: rebuild them for every
	// declared edge key once the documents are in place.
	if stats.Imported > 0 || stats.Replaced > 0 {
		edgeKeys, err := k.resolver.EdgeKeys(ctx)
		if err != nil {
			return stats, err
		}
		for key := range edgeKeys {
			payload, _ := json.Marshal(backfillPayload{Key: key})
			k.enqueue(ctx, meta.TagDocPrefix+key, queue.KindBackfillEdges, payload)
		}
	}
	return stats, nil
}

// importRecord lands one export record.
func (k *Keeper) importRecord(ctx context.Context, rec *store.DocJSON, mode ImportMode) (replaced, skipped bool, err error) {
	mu := k.lock(rec.ID)
	mu.Lock()
	defer mu.Unlock()

	exists, err := k.docs.Exists(ctx, rec.ID)
	if err != nil {
		return false, false, err
	}
	if exists {
		if mode == ImportMerge {
			return false, true, nil
		}
		if _, err := k.docs.Delete(ctx, rec.ID, true); err != nil {
			return false, false, err
		}
		replaced = true
	}

	doc, versions, parts, err := recordToEntities(rec)
	if err != nil {
		return false, false, err
	}
	if doc.Tags[store.TagSource] == "" {
		doc.Tags[store.TagSource] = store.SourceImport
	}
	doc.PartCount = len(parts)

	// Import bypasses the put protocol: the record is already a complete
	// document state, history included.
	if _, err := k.docs.Create(ctx, doc, nil); err != nil {
		return false, false, err
	}
	for _, v := range versions {
		if err := k.docs.RestoreVersion(ctx, &v); err != nil {
			return false, false, err
		}
	}
	if len(parts) > 0 {
		if err := k.docs.ReplaceParts(ctx, doc.ID, parts); err != nil {
			return false, false, err
		}
	}

	k.enqueue(ctx, doc.ID, queue.KindReembed, nil)
	return replaced, false, nil
}

// recordToEntities decodes an export record into store entities.
func recordToEntities(rec *store.DocJSON) (*store.Document, []store.Version, []store.Part, error) {
	parse := func(s string) (time.Time, error) {
		if s == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}

	created, err := parse(rec.CreatedAt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: created_at: %v", ErrFormat, err)
	}
	updated, err := parse(rec.UpdatedAt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: updated_at: %v", ErrFormat, err)
	}
	accessed, err := parse(rec.AccessedAt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: accessed_at: %v", ErrFormat, err)
	}

	tags := rec.Tags
	if tags == nil {
		tags = store.Tags{}
	}
	doc := &store.Document{
		ID:          rec.ID,
		Summary:     rec.Summary,
		Tags:        tags,
		ContentHash: rec.ContentHash,
		CreatedAt:   created,
		UpdatedAt:   updated,
		AccessedAt:  accessed,
	}

	var versions []store.Version
	for _, v := range rec.Versions {
		vCreated, err := parse(v.CreatedAt)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: version created_at: %v", ErrFormat, err)
		}
		vTags := v.Tags
		if vTags == nil {
			vTags = store.Tags{}
		}
		versions = append(versions, store.Version{
			DocID:       rec.ID,
			Ordinal:     v.Ordinal,
			Summary:     v.Summary,
			Tags:        vTags,
			ContentHash: v.ContentHash,
			CreatedAt:   vCreated,
		})
	}

	var parts []store.Part
	for _, p := range rec.Parts {
		pCreated, err := parse(p.CreatedAt)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: part created_at: %v", ErrFormat, err)
		}
		pTags := p.Tags
		if pTags == nil {
			pTags = store.Tags{}
		}
		parts = append(parts, store.Part{
			DocID:     rec.ID,
			PartNum:   p.PartNum,
			Summary:   p.Summary,
			Tags:      pTags,
			Content:   p.Content,
			CreatedAt: pCreated,
		})
	}
	return doc, versions, parts, nil
}
