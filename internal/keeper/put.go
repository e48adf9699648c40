// put.go implements the dual-store write protocol.
//
// One call proceeds in strict phases: normalize input, detect the change
// class (create / tag-only / versioned / no-op), acquire an embedding
// (dedup probe first, provider second, deferred task last), write the
// document store, mirror into the vector store, then maintain derived
// state (edges, backfill tasks). The document store writes before the
// vector store; a crash between the two leaves a document whose vector is
// one state behind, which the next write or reembed repairs - never a
// vector without its document.

package keeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/meta"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/validate"
	"github.com/hughpyle/keep/internal/vector"
)

// PutRequest carries one write. Exactly one of Content or URI must be set,
// except for pure metadata documents created with an explicit ID and
// Summary.
type PutRequest struct {
	ID        string
	Content   string
	URI       string
	Summary   string
	Tags      map[string]string
	CreatedAt *time.Time // override for import and testing
}

// Put creates or updates a document. See the file comment for the phase
// protocol.
func (k *Keeper) Put(ctx context.Context, req PutRequest) (doc *store.Document, err error) {
	defer func() {
		b := audit.Event("keeper:put", "write")
		if doc != nil {
			b.Doc(doc.ID)
		}
		b.Write(err)
	}()

	// Phase A: normalize input.
	norm, err := k.normalize(ctx, req)
	if err != nil {
		return nil, err
	}

	mu := k.lock(norm.id)
	mu.Lock()
	defer mu.Unlock()

	// Phase B: change detection.
	existing, err := k.docs.Get(ctx, norm.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	merged, err := k.mergeTags(existing, req.Tags, norm)
	if err != nil {
		return nil, err
	}
	if err := k.resolver.ValidateTags(ctx, norm.id, merged); err != nil {
		return nil, err
	}
	if err := k.checkRequired(norm.id, merged); err != nil {
		return nil, err
	}

	edgeKeys, err := k.resolver.EdgeKeys(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case existing == nil:
		return k.putCreate(ctx, norm, merged, edgeKeys, req.CreatedAt)
	case norm.hash == existing.ContentHash:
		if merged.Equal(existing.Tags) {
			return existing, nil // no-op
		}
		// Re-supplying the same content with different tags is a revision:
		// the previous state archives, but the content is unchanged so the
		// vector carries over untouched (a dedup hit against itself).
		return k.putRetag(ctx, existing, merged, edgeKeys)
	default:
		return k.putVersioned(ctx, existing, norm, merged, edgeKeys)
	}
}

// normalized is the Phase A result: resolved text, hash, id, and the system
// tags the input implies.
type normalized struct {
	id          string
	text        string
	hash        string
	source      string // _source tag value
	contentType string // _content_type tag value, uri only
	summary     string // caller-supplied summary, may be ""
	deferOCR    bool   // media content pending extraction
}

// normalize resolves the input to text, hashes it, and derives the id.
func (k *Keeper) normalize(ctx context.Context, req PutRequest) (*normalized, error) {
	if req.Content != "" && req.URI != "" {
		return nil, fmt.Errorf("%w: both content and uri given", ErrInvalidInput)
	}

	n := &normalized{summary: req.Summary, source: store.SourceInline}

	switch {
	case req.URI != "":
		n.source = store.SourceURI
		data, contentType, err := k.router.Fetch(ctx, req.URI)
		if err != nil {
			return nil, err
		}
		n.contentType = contentType
		if isTextual(contentType) {
			n.text = normalizeText(string(data))
		} else {
			// Media content: store a placeholder now, extract in the
			// background. The bytes are refetched by the ocr task rather
			// than persisted in the queue.
			n.text = "(pending extraction: " + req.URI + ")"
			n.deferOCR = true
		}
		n.id = req.URI
	case req.Content != "":
		n.text = normalizeText(req.Content)
	default:
		if req.ID == "" || req.Summary == "" {
			return nil, fmt.Errorf("%w: one of content or uri is required", ErrInvalidInput)
		}
		// Metadata-only put (system docs, vocabulary entries): the summary
		// is the body.
		n.text = normalizeText(req.Summary)
	}

	if n.text != "" {
		n.hash = hashHex(n.text)
	}

	if req.ID != "" {
		n.id = req.ID
	}
	if n.id == "" {
		// Content-addressed: same content, same id.
		n.id = "%" + n.hash[:12]
	}
	if err := validate.ID(n.id, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := validate.Content(n.text, 0); err != nil {
		return nil, err
	}
	return n, nil
}

// normalizeText canonicalizes line endings and trailing space so hashing is
// stable across platforms.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(s, " \t\n")
}

// hashHex is the engine's content digest: hex sha256 over normalized text.
// Content-addressed ids take the first 12 characters of this.
func hashHex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// isTextual reports whether a content type regularizes to text directly.
func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml":
		return true
	}
	return false
}

// mergeTags applies the fixed priority order, later wins: existing doc tags,
// configured defaults, environment-derived tags, caller tags, then
// system-computed tags (which callers cannot override). Caller keys with an
// empty value delete; caller system keys are stripped before merge.
func (k *Keeper) mergeTags(existing *store.Document, callerTags map[string]string, n *normalized) (store.Tags, error) {
	if err := validate.Tags(callerTags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	merged := store.Tags{}
	if existing != nil {
		merged = existing.Tags.Clone()
	}
	for key, value := range k.opts.DefaultTags {
		if !validate.IsSystemKey(key) {
			merged[key] = value
		}
	}
	for key, value := range k.opts.EnvTags {
		if !validate.IsSystemKey(key) {
			merged[key] = value
		}
	}
	for key, value := range callerTags {
		if validate.IsSystemKey(key) && !declarableSystemKey(n.id, key) {
			continue // tag protection: system keys are not callers' to set
		}
		if value == "" {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}

	merged[store.TagSource] = n.source
	if n.contentType != "" {
		merged[store.TagContentType] = n.contentType
	}
	return merged, nil
}

// declarableSystemKey carves the one exception to tag protection: the
// _constrained and _inverse declarations live on .tag/K documents and are
// set by the user editing those documents. Everywhere else system keys stay
// engine-owned.
func declarableSystemKey(id, key string) bool {
	if !strings.HasPrefix(id, meta.TagDocPrefix) {
		return false
	}
	return key == store.TagConstrained || key == store.TagInverse
}

// checkRequired enforces the configured required tag keys. System docs are
// exempt.
func (k *Keeper) checkRequired(id string, tags store.Tags) error {
	if validate.IsSystem(id) {
		return nil
	}
	for _, key := range k.opts.RequiredTags {
		if _, ok := tags[key]; !ok {
			return fmt.Errorf("%w: required tag %q absent", ErrInvalidInput, key)
		}
	}
	return nil
}

// stampTimes projects the timestamp system tags onto a tag map.
func stampTimes(tags store.Tags, created, updated time.Time) {
	tags[store.TagCreated] = created.Format(time.RFC3339Nano)
	tags[store.TagUpdated] = updated.Format(time.RFC3339Nano)
	tags[store.TagUpdatedDate] = updated.Format("2006-01-02")
	tags[store.TagAccessed] = updated.Format(time.RFC3339Nano)
	tags[store.TagAccessedDate] = updated.Format("2006-01-02")
}

// embedding is the Phase C result: the vector (possibly a placeholder) and
// the deferred work the caller must enqueue after the store writes land.
type embedding struct {
	vec       []float32
	pending   bool // placeholder vector, embed task required
	summarize bool // summary truncated, summarize task required
	summary   string
}

// acquireEmbedding resolves the summary and the vector for a create or
// versioned update. Dedup probe first: a document with the same content
// hash and a live vector of the active dimension donates its vector and
// skips the provider entirely.
func (k *Keeper) acquireEmbedding(ctx context.Context, n *normalized) (*embedding, error) {
	e := &embedding{summary: n.summary}
	if e.summary == "" {
		if len(n.text) <= k.opts.MaxSummaryLength {
			e.summary = n.text
		} else {
			e.summary = truncateSummary(n.text, k.opts.MaxSummaryLength)
			e.summarize = true
		}
	}

	// Dedup probe.
	if n.hash != "" {
		ids, err := k.docs.FindByHash(ctx, n.hash, n.id)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			rec, err := k.vecs.Get(ctx, id)
			if err != nil {
				continue
			}
			if len(rec.Vector) == k.vecs.Dimension() && rec.Tags[store.TagEmbedPending] != "1" {
				e.vec = rec.Vector
				return e, nil
			}
		}
	}

	// Cheap providers embed synchronously; anything else defers behind a
	// zero-vector placeholder excluded from search by _embed_pending.
	if k.router.EmbedCheap() {
		vec, err := k.router.Embed(ctx, e.summary)
		if err == nil {
			e.vec = vec
			return e, nil
		}
		k.log.Warn().Err(err).Str("doc", n.id).Msg("foreground embed failed, deferring")
	}
	e.vec = make([]float32, k.vecs.Dimension())
	e.pending = true
	return e, nil
}

// truncateSummary clips text at a rune boundary with an ellipsis marker.
func truncateSummary(text string, max int) string {
	if max > 3 {
		max -= 3
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

// putCreate handles Phase D-G for a new document.
func (k *Keeper) putCreate(ctx context.Context, n *normalized, tags store.Tags, edgeKeys map[string]string, createdAt *time.Time) (*store.Document, error) {
	emb, err := k.acquireEmbedding(ctx, n)
	if err != nil {
		return nil, err
	}

	now := k.now()
	created := now
	if createdAt != nil {
		created = createdAt.UTC()
	}
	stampTimes(tags, created, now)
	if emb.pending {
		tags[store.TagEmbedPending] = "1"
	} else {
		delete(tags, store.TagEmbedPending)
	}

	doc := &store.Document{
		ID:          n.id,
		Summary:     emb.summary,
		Tags:        tags,
		ContentHash: n.hash,
		CreatedAt:   created,
		UpdatedAt:   now,
		AccessedAt:  now,
	}

	res, err := k.docs.Create(ctx, doc, edgeKeys)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a race with a concurrent creator of the same id (writers
			// in this process serialize on the id lock, so the other writer
			// is another process). The other writer's state stands; this
			// call writes nothing and returns ErrConcurrentModification.
			return nil, ErrConcurrentModification
		}
		return nil, err
	}

	if err := k.upsertCurrentVector(ctx, doc, emb.vec); err != nil {
		return nil, err
	}
	k.afterWrite(ctx, doc, n, emb, res)
	return doc, nil
}

// putRetag archives the current state and promotes one with new tags and
// the same content. No provider call: the existing vector is reused for
// both the archived and the current record.
func (k *Keeper) putRetag(ctx context.Context, existing *store.Document, tags store.Tags, edgeKeys map[string]string) (*store.Document, error) {
	now := k.now()
	stampTimes(tags, existing.CreatedAt, now)

	doc := &store.Document{
		ID:          existing.ID,
		Summary:     existing.Summary,
		Tags:        tags,
		ContentHash: existing.ContentHash,
		CreatedAt:   existing.CreatedAt,
		UpdatedAt:   now,
		AccessedAt:  now,
		PartCount:   existing.PartCount,
	}

	prevVec, prevErr := k.vecs.Get(ctx, existing.ID)

	res, err := k.docs.ArchiveAndUpdate(ctx, doc, edgeKeys)
	if err != nil {
		return nil, err
	}

	if prevErr == nil {
		archived := vector.Record{
			Key:         VersionKey(doc.ID, res.Ordinal),
			Vector:      prevVec.Vector,
			Summary:     existing.Summary,
			Tags:        existing.Tags,
			ContentHash: existing.ContentHash,
			UpdatedAt:   existing.UpdatedAt,
		}
		if err := k.vecs.Upsert(ctx, archived); err != nil {
			return nil, err
		}
		if err := k.upsertCurrentVector(ctx, doc, prevVec.Vector); err != nil {
			return nil, err
		}
	} else {
		k.enqueue(ctx, doc.ID, queue.KindEmbed, nil)
	}
	k.vivify(ctx, res.Vivified)
	k.maybeBackfill(ctx, doc, existing.Tags)
	return doc, nil
}

// putTagOnly handles a revision that changes tags but not content: the
// document row updates without archival, and the vector record's metadata
// refreshes without touching the vector.
func (k *Keeper) putTagOnly(ctx context.Context, existing *store.Document, tags store.Tags, edgeKeys map[string]string) (*store.Document, error) {
	now := k.now()
	stampTimes(tags, existing.CreatedAt, now)

	res, err := k.docs.UpdateTags(ctx, existing.ID, tags, now, edgeKeys)
	if err != nil {
		return nil, err
	}
	doc := res.Doc

	if rec, err := k.vecs.Get(ctx, doc.ID); err == nil {
		rec.Tags = doc.Tags
		rec.UpdatedAt = doc.UpdatedAt
		rec.Summary = doc.Summary
		if err := k.vecs.Upsert(ctx, *rec); err != nil {
			return nil, err
		}
	}
	k.vivify(ctx, res.Vivified)
	k.maybeBackfill(ctx, doc, existing.Tags)
	return doc, nil
}

// putVersioned handles a content change: archive the current state, promote
// the new one, then mirror both into the vector store - the archived vector
// first (at its @v key, reusing the previous embedding), the new current
// second.
func (k *Keeper) putVersioned(ctx context.Context, existing *store.Document, n *normalized, tags store.Tags, edgeKeys map[string]string) (*store.Document, error) {
	emb, err := k.acquireEmbedding(ctx, n)
	if err != nil {
		return nil, err
	}

	now := k.now()
	stampTimes(tags, existing.CreatedAt, now)
	if emb.pending {
		tags[store.TagEmbedPending] = "1"
	} else {
		delete(tags, store.TagEmbedPending)
	}

	doc := &store.Document{
		ID:          existing.ID,
		Summary:     emb.summary,
		Tags:        tags,
		ContentHash: n.hash,
		CreatedAt:   existing.CreatedAt,
		UpdatedAt:   now,
		AccessedAt:  now,
		PartCount:   existing.PartCount,
	}

	// Capture the previous embedding before the store write so the archived
	// vector can be placed even if this call dies between the phases: the
	// document archive commits first, the vector copy follows.
	prevVec, prevErr := k.vecs.Get(ctx, existing.ID)

	res, err := k.docs.ArchiveAndUpdate(ctx, doc, edgeKeys)
	if err != nil {
		return nil, err
	}

	if prevErr == nil {
		archived := vector.Record{
			Key:         VersionKey(doc.ID, res.Ordinal),
			Vector:      prevVec.Vector,
			Summary:     existing.Summary,
			Tags:        existing.Tags,
			ContentHash: existing.ContentHash,
			UpdatedAt:   existing.UpdatedAt,
		}
		if err := k.vecs.Upsert(ctx, archived); err != nil {
			return nil, err
		}
	}
	if err := k.upsertCurrentVector(ctx, doc, emb.vec); err != nil {
		return nil, err
	}
	k.afterWrite(ctx, doc, n, emb, res)
	return doc, nil
}

// upsertCurrentVector writes the current-state vector record.
func (k *Keeper) upsertCurrentVector(ctx context.Context, doc *store.Document, vec []float32) error {
	return k.vecs.Upsert(ctx, vector.Record{
		Key:         doc.ID,
		Vector:      vec,
		Summary:     doc.Summary,
		Tags:        doc.Tags,
		ContentHash: doc.ContentHash,
		UpdatedAt:   doc.UpdatedAt,
	})
}

// afterWrite performs Phase F-G derived maintenance: deferred tasks for
// this doc, vectors for auto-vivified edge targets, and edge backfill for
// newly-declared edge keys.
func (k *Keeper) afterWrite(ctx context.Context, doc *store.Document, n *normalized, emb *embedding, res *store.WriteResult) {
	if emb.pending {
		k.enqueue(ctx, doc.ID, queue.KindEmbed, nil)
	}
	if emb.summarize {
		// The original text is not persisted on the document; it travels
		// in the task payload until consumed.
		payload, _ := json.Marshal(summarizePayload{Text: n.text})
		k.enqueue(ctx, doc.ID, queue.KindSummarize, payload)
	}
	if n.deferOCR {
		payload, _ := json.Marshal(ocrPayload{URI: doc.ID, ContentType: n.contentType})
		k.enqueue(ctx, doc.ID, queue.KindOCR, payload)
	}
	k.vivify(ctx, res.Vivified)
	var prevTags store.Tags
	if res.Prev != nil {
		prevTags = res.Prev.Tags
	}
	k.maybeBackfill(ctx, doc, prevTags)
}

// vivify gives auto-created edge targets a vector so they are findable.
func (k *Keeper) vivify(ctx context.Context, ids []string) {
	for _, id := range ids {
		doc, err := k.docs.Get(ctx, id)
		if err != nil {
			continue
		}
		if k.router.EmbedCheap() {
			if vec, err := k.router.Embed(ctx, doc.Summary); err == nil {
				if err := k.upsertCurrentVector(ctx, doc, vec); err == nil {
					continue
				}
			}
		}
		k.enqueue(ctx, id, queue.KindEmbed, nil)
	}
}

// maybeBackfill enqueues a backfill-edges task when a .tag/K document newly
// declares an inverse, so pre-existing tags with that key gain their edges.
func (k *Keeper) maybeBackfill(ctx context.Context, doc *store.Document, prevTags store.Tags) {
	key, ok := strings.CutPrefix(doc.ID, meta.TagDocPrefix)
	if !ok || strings.Contains(key, "/") {
		return
	}
	if doc.Tags[store.TagInverse] == "" {
		return
	}
	if prevTags != nil && prevTags[store.TagInverse] == doc.Tags[store.TagInverse] {
		return
	}
	payload, _ := json.Marshal(backfillPayload{Key: key})
	k.enqueue(ctx, doc.ID, queue.KindBackfillEdges, payload)
}

// enqueue defers work, logging rather than failing: the foreground write
// has already committed, and a lost task is recoverable by re-running the
// operation.
func (k *Keeper) enqueue(ctx context.Context, docID string, kind queue.Kind, payload []byte) {
	if _, err := k.pending.Enqueue(ctx, docID, kind, payload); err != nil {
		k.log.Error().Err(err).Str("doc", docID).Str("kind", string(kind)).Msg("enqueue failed")
	}
}
