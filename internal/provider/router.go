// router.go implements the per-capability dispatch table.
//
// Providers are expensive to construct (model load, connection setup), so
// the router holds lazy constructors and builds each handle on first use.
// A constructor failure surfaces as ErrUnavailable on the call, never as a
// crash at engine construction.

package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Router dispatches capability calls to lazily-loaded providers.
type Router struct {
	identity Identity
	log      zerolog.Logger

	mu         sync.Mutex
	embedder   *lazy[Embedder]
	summarizer *lazy[Summarizer]
	analyzer   *lazy[Analyzer]
	describer  *lazy[Describer]
	fetcher    *lazy[Fetcher]
	cache      *EmbedCache
}

// lazy wraps a provider constructor and memoizes a successful result. A
// failed load is not cached: the next call runs the constructor again.
type lazy[T any] struct {
	build func() (T, error)
	value T
	ok    bool
}

func (l *lazy[T]) get() (T, error) {
	var zero T
	if l == nil || l.build == nil {
		return zero, ErrUnavailable
	}
	if l.ok {
		return l.value, nil
	}
	v, err := l.build()
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.value = v
	l.ok = true
	return v, nil
}

// NewRouter creates a router for the given embedding identity. Capability
// constructors are registered with the With* methods.
func NewRouter(identity Identity, log zerolog.Logger) *Router {
	return &Router{identity: identity, log: log}
}

// Identity returns the embedding identity this router serves.
func (r *Router) Identity() Identity {
	return r.identity
}

// WithEmbedder registers the embedding constructor.
func (r *Router) WithEmbedder(build func() (Embedder, error)) *Router {
	r.embedder = &lazy[Embedder]{build: build}
	return r
}

// WithSummarizer registers the summarization constructor.
func (r *Router) WithSummarizer(build func() (Summarizer, error)) *Router {
	r.summarizer = &lazy[Summarizer]{build: build}
	return r
}

// WithAnalyzer registers the analysis constructor.
func (r *Router) WithAnalyzer(build func() (Analyzer, error)) *Router {
	r.analyzer = &lazy[Analyzer]{build: build}
	return r
}

// WithDescriber registers the media description constructor.
func (r *Router) WithDescriber(build func() (Describer, error)) *Router {
	r.describer = &lazy[Describer]{build: build}
	return r
}

// WithFetcher registers the URI fetch constructor.
func (r *Router) WithFetcher(build func() (Fetcher, error)) *Router {
	r.fetcher = &lazy[Fetcher]{build: build}
	return r
}

// WithCache attaches an embedding cache consulted before the embedder.
func (r *Router) WithCache(cache *EmbedCache) *Router {
	r.cache = cache
	return r
}

// Embed returns the vector for text, consulting the cache first. The cache
// is keyed by (identity, text hash), so a provider change never serves
// stale-dimension vectors.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	r.mu.Lock()
	cache := r.cache
	emb, err := r.embedder.get()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if cache != nil {
		if vec, ok := cache.Get(ctx, r.identity, text); ok {
			return vec, nil
		}
	}

	vec, err := emb.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != r.identity.Dimension {
		return nil, fmt.Errorf("%w: embedder returned dim %d, identity says %d",
			ErrFatal, len(vec), r.identity.Dimension)
	}

	if cache != nil {
		if err := cache.Put(ctx, r.identity, text, vec); err != nil {
			r.log.Warn().Err(err).Msg("embed cache write failed")
		}
	}
	return vec, nil
}

// EmbedCheap reports whether the embedder can run on the foreground write
// path. Unavailable embedders are not cheap: the caller should defer.
func (r *Router) EmbedCheap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	emb, err := r.embedder.get()
	if err != nil {
		return false
	}
	return emb.Cheap()
}

// Summarize produces a summary for text.
func (r *Router) Summarize(ctx context.Context, text, systemPrompt string) (string, error) {
	r.mu.Lock()
	s, err := r.summarizer.get()
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.Summarize(ctx, text, systemPrompt)
}

// Analyze decomposes text into parts.
func (r *Router) Analyze(ctx context.Context, text string, guide []string, systemPrompt string) ([]PartSpec, error) {
	r.mu.Lock()
	a, err := r.analyzer.get()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return a.Analyze(ctx, text, guide, systemPrompt)
}

// Describe renders media bytes to text.
func (r *Router) Describe(ctx context.Context, data []byte, contentType string) (string, error) {
	r.mu.Lock()
	d, err := r.describer.get()
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return d.Describe(ctx, data, contentType)
}

// Fetch resolves a URI to bytes and a content type.
func (r *Router) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	r.mu.Lock()
	f, err := r.fetcher.get()
	r.mu.Unlock()
	if err != nil {
		return nil, "", err
	}
	return f.Fetch(ctx, uri)
}
