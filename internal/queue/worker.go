// worker.go implements the background worker pool: a claim loop and a work
// function per task kind. There is no structured-concurrency machinery here;
// foreground calls stay synchronous and the pool is just N goroutines
// draining the queue until the context ends.

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hughpyle/keep/internal/provider"
	"github.com/hughpyle/keep/internal/store"
)

// Handler runs one claimed task. A nil return acks; a retryable error
// requeues with backoff; a fatal error (or exhausted attempts) dead-letters.
type Handler func(ctx context.Context, t *Task) error

// Marker is the slice of the document store the pool needs for dead-letter
// bookkeeping: setting and clearing the _error tag on the owning document.
type Marker interface {
	SetSystemTag(ctx context.Context, id, key, value string) error
}

// Pool drains the queue with a fixed set of workers.
type Pool struct {
	queue       *Queue
	marker      Marker
	handlers    map[Kind]Handler
	workers     int
	taskTimeout time.Duration
	log         zerolog.Logger
}

// PoolOptions configures a worker pool.
type PoolOptions struct {
	Workers     int           // default 2
	TaskTimeout time.Duration // per-task deadline, default 5 minutes
}

// NewPool creates a pool. Handlers are registered per kind with Handle.
func NewPool(q *Queue, marker Marker, log zerolog.Logger, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	return &Pool{
		queue:       q,
		marker:      marker,
		handlers:    make(map[Kind]Handler),
		workers:     opts.Workers,
		taskTimeout: opts.TaskTimeout,
		log:         log,
	}
}

// Handle registers the handler for a task kind.
func (p *Pool) Handle(kind Kind, h Handler) {
	p.handlers[kind] = h
}

// Run blocks, draining the queue until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			p.worker(ctx, n)
		}(i)
	}
	for i := 0; i < p.workers; i++ {
		<-done
	}
}

// Drain claims and runs tasks until the queue yields none, returning the
// number settled. Useful after bulk operations (import) and in tests; the
// long-running path is Run.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		t, err := p.queue.Claim(ctx)
		if err != nil {
			return n, err
		}
		if t == nil {
			return n, nil
		}
		p.run(ctx, t)
		n++
	}
}

// worker is one claim loop. Idle polling backs off exponentially and resets
// as soon as a task arrives.
func (p *Pool) worker(ctx context.Context, n int) {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = 5 * time.Second
	idle.MaxElapsedTime = 0 // poll forever

	for {
		if ctx.Err() != nil {
			return
		}

		t, err := p.queue.Claim(ctx)
		if err != nil {
			p.log.Error().Err(err).Int("worker", n).Msg("claim failed")
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle.NextBackOff()):
			}
			continue
		}
		idle.Reset()

		p.run(ctx, t)
	}
}

// run executes one task and settles it: ack, requeue, or dead-letter.
// All errors are caught here; workers never take the process down.
func (p *Pool) run(ctx context.Context, t *Task) {
	h, ok := p.handlers[t.Kind]
	if !ok {
		// No handler registered: dead-letter rather than spin forever.
		p.settle(ctx, t, fmt.Errorf("%w: no handler for kind %q", provider.ErrFatal, t.Kind))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	err := h(taskCtx, t)
	cancel()

	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && err != nil {
		err = fmt.Errorf("%w: %v", provider.ErrTimeout, err)
	}
	p.settle(ctx, t, err)
}

// settle acks a success or nacks a failure, dead-lettering when the error
// is fatal or attempts are exhausted. Dead letters surface as an _error tag
// on the owning document; a later success clears it.
func (p *Pool) settle(ctx context.Context, t *Task, err error) {
	if err == nil {
		if ackErr := p.queue.Ack(ctx, t); ackErr != nil {
			p.log.Error().Err(ackErr).Int64("task", t.ID).Msg("ack failed")
			return
		}
		if t.LastError != "" || t.Attempts > 1 {
			// The doc may have been deleted since; that is fine.
			if clearErr := p.marker.SetSystemTag(ctx, t.DocID, store.TagError, ""); clearErr != nil {
				p.log.Debug().Err(clearErr).Str("doc", t.DocID).Msg("clear _error failed")
			}
		}
		return
	}

	// Only provably-fatal errors skip the retry budget; anything else
	// (including unclassified storage hiccups) retries with backoff until
	// the attempt cap dead-letters it.
	if errors.Is(err, provider.ErrFatal) {
		t.Attempts = p.queue.MaxAttempts() // force dead-letter
	}

	dead, nackErr := p.queue.Nack(ctx, t, err, requeueDelay(t.Attempts))
	if nackErr != nil {
		p.log.Error().Err(nackErr).Int64("task", t.ID).Msg("nack failed")
		return
	}
	if dead {
		msg := fmt.Sprintf("%s: %s", t.Kind, truncate(err.Error(), 200))
		if markErr := p.marker.SetSystemTag(ctx, t.DocID, store.TagError, msg); markErr != nil {
			p.log.Debug().Err(markErr).Str("doc", t.DocID).Msg("mark _error failed")
		}
		p.log.Warn().Int64("task", t.ID).Str("doc", t.DocID).
			Str("kind", string(t.Kind)).Err(err).Msg("task dead-lettered")
		return
	}
	p.log.Debug().Int64("task", t.ID).Str("kind", string(t.Kind)).
		Int("attempts", t.Attempts).Err(err).Msg("task requeued")
}

// requeueDelay derives the backoff delay for the next attempt by stepping
// an exponential schedule to the current attempt count.
func requeueDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
