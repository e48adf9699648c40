// Package keeper is the API facade of the memory engine. It orchestrates
// the dual-store write protocol across the document store and the vector
// index, serves reads with their derived views (similar items, meta blocks,
// inverse edges, version navigation), and feeds the pending queue with the
// slow provider work that must not block writes.
package keeper

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hughpyle/keep/internal/meta"
	"github.com/hughpyle/keep/internal/provider"
	"github.com/hughpyle/keep/internal/queue"
	"github.com/hughpyle/keep/internal/store"
	"github.com/hughpyle/keep/internal/vector"
)

// Sentinel errors forming the keeper's half of the error taxonomy. Provider
// and storage errors pass through from their packages.
var (
	// ErrInvalidInput covers malformed ids, conflicting arguments, and bad
	// duration tokens.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound re-exports the store sentinel so callers need only one
	// import.
	ErrNotFound = store.ErrNotFound

	// ErrTagMismatch is returned by get when a tag filter does not match
	// the document.
	ErrTagMismatch = errors.New("tag filter mismatch")

	// ErrTagConstraint re-exports the constrained-tag violation.
	ErrTagConstraint = meta.ErrTagConstraint

	// ErrConcurrentModification reports a failed optimistic check; the
	// caller should retry.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Options configures a Keeper.
type Options struct {
	// HalfLifeDays controls recency decay; 0 disables it.
	HalfLifeDays float64

	// MaxSummaryLength is the verbatim-summary threshold: content at or
	// below this length becomes its own summary.
	MaxSummaryLength int

	// DefaultTags are merged beneath caller tags on every write.
	DefaultTags map[string]string

	// EnvTags are environment-derived tags, merged above defaults and
	// below caller tags.
	EnvTags map[string]string

	// RequiredTags lists keys every non-system document must carry.
	RequiredTags []string

	// DeepTokenBudget bounds deep-find expansion (characters / 4).
	DeepTokenBudget int
}

// Keeper orchestrates the engine. All public methods are safe for
// concurrent use; writes to the same document id serialize on a striped
// lock, writes to different ids only contend inside the stores.
type Keeper struct {
	docs     store.Store
	vecs     vector.Store
	pending  *queue.Queue
	router   *provider.Router
	resolver *meta.Resolver
	opts     Options
	log      zerolog.Logger

	locks [64]sync.Mutex

	timeNow func() time.Time
}

// New wires a Keeper over its five collaborators. The provider identity is
// reconciled against the store separately by ReconcileIdentity, which the
// caller runs once after New.
func New(docs store.Store, vecs vector.Store, pending *queue.Queue, router *provider.Router, log zerolog.Logger, opts Options) *Keeper {
	if opts.MaxSummaryLength <= 0 {
		opts.MaxSummaryLength = 1024
	}
	if opts.DeepTokenBudget <= 0 {
		opts.DeepTokenBudget = 2000
	}
	return &Keeper{
		docs:     docs,
		vecs:     vecs,
		pending:  pending,
		router:   router,
		resolver: meta.New(docs),
		opts:     opts,
		log:      log,
		timeNow:  time.Now,
	}
}

// Resolver exposes the meta resolver for adapters that render tag
// vocabularies or prompt listings.
func (k *Keeper) Resolver() *meta.Resolver {
	return k.resolver
}

// lock returns the stripe guarding one document id.
func (k *Keeper) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &k.locks[h.Sum32()%uint32(len(k.locks))]
}

// now returns the current UTC instant at microsecond precision, the
// canonical timestamp granularity of the store.
func (k *Keeper) now() time.Time {
	return k.timeNow().UTC().Truncate(time.Microsecond)
}

// Address is a parsed identifier: a bare id plus an optional version offset
// or part number. The suffix grammar ("@V{n}", "@P{n}", and the storage-key
// forms "@v{n}", "@p{n}") is decoded once here and flows inward as a typed
// value.
type Address struct {
	ID      string
	Version int // offset, -1 when not addressed
	Part    int // 1-indexed, 0 when not addressed
}

// ParseAddress splits an identifier into its id and suffix.
func ParseAddress(s string) (Address, error) {
	addr := Address{ID: s, Version: -1}
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return addr, nil
	}
	suffix := s[at+1:]
	if len(suffix) < 2 {
		return Address{}, fmt.Errorf("%w: bad address suffix in %q", ErrInvalidInput, s)
	}
	n, err := strconv.Atoi(suffix[1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad address suffix in %q", ErrInvalidInput, s)
	}
	addr.ID = s[:at]
	switch suffix[0] {
	case 'V', 'v':
		if n < 0 {
			return Address{}, fmt.Errorf("%w: version offset must be >= 0", ErrInvalidInput)
		}
		addr.Version = n
	case 'P', 'p':
		if n < 1 {
			return Address{}, fmt.Errorf("%w: part number must be >= 1", ErrInvalidInput)
		}
		addr.Part = n
	default:
		return Address{}, fmt.Errorf("%w: bad address suffix in %q", ErrInvalidInput, s)
	}
	return addr, nil
}

// VersionKey returns the vector-store key for an archived state.
func VersionKey(id string, ordinal int) string {
	return fmt.Sprintf("%s@v%d", id, ordinal)
}

// PartKey returns the vector-store key for a part.
func PartKey(id string, num int) string {
	return fmt.Sprintf("%s@p%d", id, num)
}

// decay returns the recency attenuation for an update time: 0.5 raised to
// age/half-life. Half-life 0 disables decay (factor exactly 1).
func (k *Keeper) decay(updated time.Time) float64 {
	if k.opts.HalfLifeDays <= 0 {
		return 1
	}
	age := k.now().Sub(updated)
	if age <= 0 {
		return 1
	}
	halfLife := time.Duration(k.opts.HalfLifeDays * 24 * float64(time.Hour))
	return math.Exp2(-float64(age) / float64(halfLife))
}
