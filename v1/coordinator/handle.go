package coordinator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/progress"
)

// Handle is what Acquire returns to owners and waiters alike. Progress and
// Wait share one cursor over the records, so a record yielded by Progress
// is not seen again by Wait.
type Handle[T any] struct {
	key    string
	owner  bool
	stream *progress.Stream[T]
	run    *run[T]

	mu       sync.Mutex
	timer    *time.Timer
	stopCtx  func() bool
	stopFeed context.CancelFunc
	resolved bool
	result   T
	err      error
}

func newHandle[T any](ctx context.Context, key string, s *progress.Stream[T], r *run[T], maxWait time.Duration, stopFeed context.CancelFunc) *Handle[T] {
	h := &Handle[T]{key: key, owner: r != nil, stream: s, run: r, stopFeed: stopFeed}
	// callbacks firing early block in cleanup until the fields are set
	h.mu.Lock()
	defer h.mu.Unlock()
	if maxWait > 0 {
		h.timer = time.AfterFunc(maxWait, func() {
			if h.stream.Terminated() {
				return
			}
			metrics.WaitTimeoutCounter.Inc()
			h.abort(claimerr.ErrWaitTimeout)
		})
	}
	if r == nil {
		// owners are canceled through their run
		h.stopCtx = context.AfterFunc(ctx, func() { h.abort(context.Cause(ctx)) })
	}
	return h
}

// Key returns the key the handle observes.
func (h *Handle[T]) Key() string { return h.key }

// WasOwner reports whether this caller ran the work. It is meant for
// diagnostics only.
func (h *Handle[T]) WasOwner() bool { return h.owner }

// Progress yields records in emission order and ends after the terminal
// one. It also ends early on timeout, cancellation or when the key can no
// longer be observed; Err then reports why.
func (h *Handle[T]) Progress(ctx context.Context) iter.Seq[progress.Record[T]] {
	return func(yield func(progress.Record[T]) bool) {
		for {
			rec, err := h.next(ctx)
			if err != nil || !yield(rec) || rec.Terminal {
				return
			}
		}
	}
}

// Wait blocks until the handle resolves and returns the shared result or
// error. A ctx that ends first only abandons this call.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	for {
		if res, err, ok := h.outcome(); ok {
			return res, err
		}
		if _, err := h.next(ctx); err != nil {
			if res, ferr, ok := h.outcome(); ok {
				return res, ferr
			}
			var zero T
			return zero, err
		}
	}
}

// Err returns the error the handle resolved with, or nil while it is
// unresolved or after success.
func (h *Handle[T]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel abandons the handle. For the owner this cancels the work for every
// consumer; waiters only unsubscribe.
func (h *Handle[T]) Cancel() {
	if h.run != nil {
		h.run.abort(claimerr.ErrCanceled)
		return
	}
	h.abort(context.Canceled)
}

func (h *Handle[T]) next(ctx context.Context) (progress.Record[T], error) {
	rec, err := h.stream.Next(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, progress.ErrDone) {
			h.resolve(rec, err)
		}
		return rec, err
	}
	if rec.Terminal {
		h.resolve(rec, rec.Err)
	}
	return rec, nil
}

func (h *Handle[T]) resolve(rec progress.Record[T], err error) {
	h.mu.Lock()
	if !h.resolved {
		h.resolved = true
		h.err = err
		if rec.Terminal && err == nil {
			h.result = rec.Result
		}
	}
	h.mu.Unlock()
	h.cleanup()
}

func (h *Handle[T]) outcome() (T, error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err, h.resolved
}

func (h *Handle[T]) abort(err error) {
	h.stream.CloseWithError(err)
	h.cleanup()
}

func (h *Handle[T]) cleanup() {
	h.mu.Lock()
	timer, stopCtx, stopFeed := h.timer, h.stopCtx, h.stopFeed
	h.timer, h.stopCtx, h.stopFeed = nil, nil, nil
	h.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if stopCtx != nil {
		stopCtx()
	}
	if stopFeed != nil {
		stopFeed()
	}
}
