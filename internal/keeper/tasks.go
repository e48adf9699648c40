// tasks.go implements the background halves of the deferred operations:
// the payload shapes that travel through the pending queue and the handler
// for each task kind.
//
// Handlers are idempotent: re-running one produces the same content hash
// and the same vector (dedup included), so a task left behind by a
// cancelled foreground call or an expired claim is safe to run again.

package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/meta"
	"github.com/hughpyle/keep/internal/provider"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/vector"
)

// summarizePayload carries the original text of an oversized write. The
// text is not persisted on the document; the queue row is its only home
// until the task consumes it.
type summarizePayload struct {
	Text string `json:"text"`
}

// analyzePayload carries the text to decompose and the guide tag keys.
type analyzePayload struct {
	Text  string   `json:"text,omitempty"`
	Guide []string `json:"guide,omitempty"`
}

// ocrPayload names the media to refetch and extract.
type ocrPayload struct {
	URI         string `json:"uri"`
	ContentType string `json:"content_type,omitempty"`
}

// backfillPayload names the tag key whose edges need materializing.
type backfillPayload struct {
	Key string `json:"key"`
}

// classifyPayload lists the constrained tag keys to classify parts against.
type classifyPayload struct {
	Keys []string `json:"keys,omitempty"`
}

// Analyze requests a structural decomposition of a document into parts,
// guided by the given tag keys. The work runs in the background; the parts
// appear on the document once the task drains.
func (k *Keeper) Analyze(ctx context.Context, id string, guide []string) (err error) {
	defer func() { audit.Event("keeper:analyze", "write").Doc(id).Write(err) }()

	if _, err := k.docs.Get(ctx, id); err != nil {
		return err
	}
	payload, err := json.Marshal(analyzePayload{Guide: guide})
	if err != nil {
		return err
	}
	_, err = k.pending.Enqueue(ctx, id, queue.KindAnalyze, payload)
	return err
}

// RegisterHandlers wires every task kind into a worker pool.
func (k *Keeper) RegisterHandlers(pool *queue.Pool) {
	pool.Handle(queue.KindEmbed, k.taskEmbed)
	pool.Handle(queue.KindReembed, k.taskReembed)
	pool.Handle(queue.KindSummarize, k.taskSummarize)
	pool.Handle(queue.KindAnalyze, k.taskAnalyze)
	pool.Handle(queue.KindOCR, k.taskOCR)
	pool.Handle(queue.KindBackfillEdges, k.taskBackfill)
	pool.Handle(queue.KindTagClassify, k.taskClassify)
}

// taskEmbed computes and upserts the vector for a document whose write
// deferred embedding, then clears the pending marker.
func (k *Keeper) taskEmbed(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:embed", "embed").Doc(t.DocID).Write(err) }()

	doc, err := k.docs.Get(ctx, t.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // deleted since enqueue; nothing to do
	}
	if err != nil {
		return err
	}

	vec, err := k.router.Embed(ctx, doc.Summary)
	if err != nil {
		return err
	}

	if err := k.docs.SetSystemTag(ctx, doc.ID, store.TagEmbedPending, ""); err != nil {
		return err
	}
	doc.Tags = doc.Tags.Clone()
	delete(doc.Tags, store.TagEmbedPending)
	return k.upsertCurrentVector(ctx, doc, vec)
}

// taskReembed recomputes a document's embedding after a provider change and
// flips the store back to ready once the reembed backlog drains.
func (k *Keeper) taskReembed(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:reembed", "embed").Doc(t.DocID).Write(err) }()

	if err := k.taskEmbed(ctx, t); err != nil {
		return err
	}

	stats, err := k.pending.Stats(ctx)
	if err != nil {
		return nil // best effort; next reembed checks again
	}
	// This task still counts until it is acked.
	if stats[queue.KindReembed] <= 1 {
		if err := k.docs.SetInfo(ctx, store.InfoIndexState, store.IndexReady); err == nil {
			k.log.Info().Msg("reindex complete")
		}
	}
	return nil
}

// taskSummarize produces the deferred summary for an oversized write. The
// document row updates in place - no new version - and the vector follows
// the new summary.
func (k *Keeper) taskSummarize(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:summarize", "write").Doc(t.DocID).Write(err) }()

	var payload summarizePayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("%w: bad summarize payload: %v", provider.ErrFatal, err)
	}

	doc, err := k.docs.Get(ctx, t.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	prompt, _, err := k.resolver.SelectPrompt(ctx, meta.FamilySummarize, doc)
	if err != nil {
		return err
	}
	summary, err := k.router.Summarize(ctx, payload.Text, prompt)
	if err != nil {
		return err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" || summary == doc.Summary {
		return nil
	}

	if err := k.docs.UpdateSummary(ctx, doc.ID, summary, ""); err != nil {
		return err
	}
	doc.Summary = summary

	// The summary changed, so the vector is stale; recompute rather than
	// measuring how far it drifted.
	vec, err := k.router.Embed(ctx, summary)
	if err != nil {
		return err
	}
	return k.upsertCurrentVector(ctx, doc, vec)
}

// taskAnalyze decomposes content into parts and replaces the part set
// atomically, with one vector per part.
func (k *Keeper) taskAnalyze(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:analyze", "write").Doc(t.DocID).Write(err) }()

	var payload analyzePayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad analyze payload: %v", provider.ErrFatal, err)
		}
	}

	doc, err := k.docs.Get(ctx, t.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	text := payload.Text
	if text == "" {
		text, err = k.recoverText(ctx, doc)
		if err != nil {
			return err
		}
	}

	prompt, _, err := k.resolver.SelectPrompt(ctx, meta.FamilyAnalyze, doc)
	if err != nil {
		return err
	}
	specs, err := k.router.Analyze(ctx, text, payload.Guide, prompt)
	if err != nil {
		return err
	}

	oldCount := doc.PartCount
	now := k.now()
	parts := make([]store.Part, 0, len(specs))
	for i, spec := range specs {
		parts = append(parts, store.Part{
			DocID:     doc.ID,
			PartNum:   i + 1,
			Summary:   spec.Summary,
			Tags:      spec.Tags,
			Content:   spec.Content,
			CreatedAt: now,
		})
	}
	if err := k.docs.ReplaceParts(ctx, doc.ID, parts); err != nil {
		return err
	}

	for _, p := range parts {
		vec, err := k.router.Embed(ctx, p.Summary)
		if err != nil {
			return err
		}
		rec := vector.Record{
			Key:       PartKey(doc.ID, p.PartNum),
			Vector:    vec,
			Summary:   p.Summary,
			Tags:      p.Tags,
			UpdatedAt: now,
		}
		if err := k.vecs.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	// Drop vectors for parts that no longer exist.
	for num := len(parts) + 1; num <= oldCount; num++ {
		if err := k.vecs.Delete(ctx, PartKey(doc.ID, num)); err != nil {
			return err
		}
	}

	if len(payload.Guide) > 0 {
		classify, _ := json.Marshal(classifyPayload{Keys: payload.Guide})
		k.enqueue(ctx, doc.ID, queue.KindTagClassify, classify)
	}
	return nil
}

// recoverText re-derives analyzable text for a document whose content did
// not travel in the payload. Only URI documents can be refetched; inline
// content is gone once the summary replaced it.
func (k *Keeper) recoverText(ctx context.Context, doc *store.Document) (string, error) {
	if doc.Tags.Source() != store.SourceURI {
		return doc.Summary, nil
	}
	data, contentType, err := k.router.Fetch(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if isTextual(contentType) {
		return normalizeText(string(data)), nil
	}
	return k.router.Describe(ctx, data, contentType)
}

// taskOCR refetches media content, extracts its text, and replaces the
// pending placeholder in place.
func (k *Keeper) taskOCR(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:ocr", "write").Doc(t.DocID).Write(err) }()

	var payload ocrPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("%w: bad ocr payload: %v", provider.ErrFatal, err)
	}

	doc, err := k.docs.Get(ctx, t.DocID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	data, contentType, err := k.router.Fetch(ctx, payload.URI)
	if err != nil {
		return err
	}
	text, err := k.router.Describe(ctx, data, contentType)
	if err != nil {
		return err
	}
	text = normalizeText(text)
	if text == "" {
		return nil
	}

	summary := text
	if len(text) > k.opts.MaxSummaryLength {
		summary = truncateSummary(text, k.opts.MaxSummaryLength)
		deferred, _ := json.Marshal(summarizePayload{Text: text})
		k.enqueue(ctx, doc.ID, queue.KindSummarize, deferred)
	}

	hash := hashHex(text)
	if err := k.docs.UpdateSummary(ctx, doc.ID, summary, hash); err != nil {
		return err
	}
	doc.Summary = summary
	doc.ContentHash = hash

	vec, err := k.router.Embed(ctx, summary)
	if err != nil {
		return err
	}
	return k.upsertCurrentVector(ctx, doc, vec)
}

// taskBackfill materializes edges for a newly-declared edge key.
func (k *Keeper) taskBackfill(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:backfill-edges", "write").Doc(t.DocID).Write(err) }()

	var payload backfillPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("%w: bad backfill payload: %v", provider.ErrFatal, err)
	}
	n, err := k.docs.RebuildEdgesForKey(ctx, payload.Key)
	if err != nil {
		return err
	}
	k.log.Debug().Str("key", payload.Key).Int64("edges", n).Msg("edges backfilled")
	return nil
}

// taskClassify runs the classifier over a document's parts against the
// constrained .tag/K vocabularies named in the payload.
func (k *Keeper) taskClassify(ctx context.Context, t *queue.Task) (err error) {
	defer func() { audit.Event("worker:tag-classify", "write").Doc(t.DocID).Write(err) }()

	var payload classifyPayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &payload); err != nil {
			return fmt.Errorf("%w: bad classify payload: %v", provider.ErrFatal, err)
		}
	}

	parts, err := k.docs.Parts(ctx, t.DocID)
	if err != nil {
		return err
	}

	for _, key := range payload.Keys {
		values, constrained, err := k.resolver.ConstrainedValues(ctx, key)
		if err != nil {
			return err
		}
		if !constrained || len(values) == 0 {
			continue
		}
		valid := make(map[string]struct{}, len(values))
		for _, v := range values {
			valid[v] = struct{}{}
		}
		prompt := fmt.Sprintf(
			"Classify the text with exactly one value for %q. Answer with only the value, one of: %s",
			key, strings.Join(values, ", "))

		for _, p := range parts {
			if _, tagged := p.Tags[key]; tagged {
				continue
			}
			answer, err := k.router.Summarize(ctx, p.Content, prompt)
			if err != nil {
				return err
			}
			answer = strings.TrimSpace(strings.ToLower(answer))
			if _, ok := valid[answer]; !ok {
				continue // classifier declined or hallucinated; leave untagged
			}
			tags := p.Tags.Clone()
			tags[key] = answer
			if _, err := k.docs.UpdatePartTags(ctx, p.DocID, p.PartNum, tags); err != nil {
				return err
			}
		}
	}
	return nil
}
