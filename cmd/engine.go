// engine.go assembles the engine from configuration: document store,
// vector store, pending queue, provider router, and the keeper facade over
// them. Commands call engine() lazily so bootstrap commands work without a
// store existing.

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hughpyle/keep/internal/audit"
	"github.com/hughpyle/keep/internal/config"
	"github.com/hughpyle/keep/internal/keeper"
	"github.com/hughpyle/keep/internal/provider"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/vector"
)

// envTagPrefix marks environment variables that become tags on every write:
// KEEP_TAG_project=keep puts project=keep on everything.
const envTagPrefix = "KEEP_TAG_"

var (
	engineOnce sync.Once
	engineErr  error
	eng        *engineState
)

type engineState struct {
	cfg     *config.Config
	docs    *store.SQLiteStore
	vecs    *vector.ChromemStore
	pending *queue.Queue
	keeper  *keeper.Keeper
	pool    *queue.Pool
}

// engine opens (once) the configured store and returns the assembled keeper.
func engine() (*engineState, error) {
	engineOnce.Do(func() {
		eng, engineErr = openEngine()
	})
	return eng, engineErr
}

func closeEngine() {
	if eng == nil {
		return
	}
	_ = eng.vecs.Close()
	_ = eng.docs.Close()
}

func openEngine() (*engineState, error) {
	log := logger()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	base := cfg.StorePath
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine store path: %w", err)
		}
		base = filepath.Join(home, ".keep")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	docs, err := store.Open(filepath.Join(base, "keep.db"))
	if err != nil {
		return nil, err
	}
	if err := docs.Init(); err != nil {
		docs.Close()
		return nil, err
	}
	if err := audit.Open(docs.DB()); err != nil {
		log.Warn().Err(err).Msg("audit log unavailable")
	}

	identity := provider.Identity{
		Name:      cfg.Provider.Name,
		Model:     cfg.Provider.Model,
		Dimension: cfg.Provider.Dimension,
	}
	if identity.Name == "" {
		identity.Name = "local"
		identity.Model = "feature-hash"
	}
	if identity.Dimension == 0 {
		identity.Dimension = 384
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "keep"
	}
	vecs, err := vector.NewChromemStore(vector.ChromemConfig{
		Path:       filepath.Join(base, "vectors"),
		Collection: collection,
		Dimension:  identity.Dimension,
	}, log)
	if err != nil {
		docs.Close()
		return nil, err
	}

	pending, err := queue.New(docs.DB(), queue.Options{
		ClaimTimeout: timeSeconds(cfg.ClaimTimeoutSeconds()),
		MaxAttempts:  cfg.MaxAttempts(),
	})
	if err != nil {
		docs.Close()
		return nil, err
	}

	cache, err := provider.NewEmbedCache(docs.DB(), cfg.CacheEntries())
	if err != nil {
		docs.Close()
		return nil, err
	}
	router := provider.NewRouter(identity, log).
		WithEmbedder(func() (provider.Embedder, error) {
			return &provider.LockedEmbedder{
				Inner:    &provider.HashEmbedder{Dim: identity.Dimension},
				LockPath: filepath.Join(base, "model.lock"),
			}, nil
		}).
		WithFetcher(func() (provider.Fetcher, error) {
			return &provider.HTTPFetcher{}, nil
		}).
		WithCache(cache)

	k := keeper.New(docs, vecs, pending, router, log, keeper.Options{
		HalfLifeDays:     cfg.HalfLife(),
		MaxSummaryLength: cfg.MaxSummaryLength(),
		DefaultTags:      cfg.DefaultTags,
		EnvTags:          envTags(),
		RequiredTags:     cfg.RequiredTags,
	})
	if err := k.ReconcileIdentity(context.Background()); err != nil {
		docs.Close()
		return nil, err
	}

	pool := queue.NewPool(pending, docs, log, queue.PoolOptions{Workers: cfg.Workers()})
	k.RegisterHandlers(pool)

	return &engineState{
		cfg:     cfg,
		docs:    docs,
		vecs:    vecs,
		pending: pending,
		keeper:  k,
		pool:    pool,
	}, nil
}

// envTags collects KEEP_TAG_* variables as write-time tags.
func envTags() map[string]string {
	tags := make(map[string]string)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envTagPrefix) {
			continue
		}
		rest := strings.TrimPrefix(kv, envTagPrefix)
		eq := strings.Index(rest, "=")
		if eq <= 0 {
			continue
		}
		key := strings.ToLower(rest[:eq])
		tags[key] = rest[eq+1:]
	}
	return tags
}

func timeSeconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
