// Package provider defines the capability interfaces the engine calls out
// to - embedding, summarization, structural analysis, media description,
// and URI fetching - and the router that dispatches to them.
//
// Provider calls are the only places the engine may block on network.
// Everything else in the core is CPU-bound between storage waits.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors forming the provider half of the engine's error taxonomy.
// Background tasks retry ErrTimeout/ErrTransient with backoff and
// dead-letter ErrFatal; foreground calls surface all of them as-is.
var (
	// ErrUnavailable means no provider is registered for a capability, or
	// a lazy load failed.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTimeout means the provider call exceeded its deadline. Retryable.
	ErrTimeout = errors.New("provider timeout")

	// ErrTransient is a retryable provider failure (rate limit, connection
	// reset).
	ErrTransient = errors.New("provider transient failure")

	// ErrFatal is a non-retryable provider failure (bad API key, schema
	// mismatch). Tasks carrying it are dead-lettered.
	ErrFatal = errors.New("provider fatal failure")
)

// Retryable reports whether an error should be retried by background tasks.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the output vector size.
	Dimension() int

	// Cheap reports whether Embed is fast enough to call on the foreground
	// write path. Local small-vector models are; network models are not.
	Cheap() bool
}

// Summarizer produces a summary of content, optionally steered by a system
// prompt selected from the .prompt/summarize family.
type Summarizer interface {
	Summarize(ctx context.Context, text, systemPrompt string) (string, error)
}

// PartSpec is one element of a structural analysis result.
type PartSpec struct {
	Summary string
	Content string
	Tags    map[string]string
}

// Analyzer decomposes content into parts, optionally steered by guide tag
// keys and a system prompt from the .prompt/analyze family.
type Analyzer interface {
	Analyze(ctx context.Context, text string, guide []string, systemPrompt string) ([]PartSpec, error)
}

// Describer renders media bytes (PDF pages, images, audio) to text.
type Describer interface {
	Describe(ctx context.Context, data []byte, contentType string) (string, error)
}

// Fetcher resolves a URI to bytes and a content type.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, string, error)
}

// Identity names an embedding provider: the triple that decides whether
// existing vectors are still valid. A store indexed under one identity must
// be reindexed before serving another.
type Identity struct {
	Name      string
	Model     string
	Dimension int
}

// String renders the identity for logs and the store_info record.
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s dim=%d", id.Name, id.Model, id.Dimension)
}

// Equal reports whether two identities index compatibly.
func (id Identity) Equal(other Identity) bool {
	return id.Name == other.Name && id.Model == other.Model && id.Dimension == other.Dimension
}
