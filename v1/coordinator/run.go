package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/lease"
	"github.com/mirkobrombin/go-claim/v1/lock"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/progress"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
)

// run is one owner execution of the work for a key.
type run[T any] struct {
	c      *Coordinator[T]
	key    string
	lease  *lock.Lease
	keeper *lease.Keeper
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	cause    error
	relayed  bool
	finished bool

	once sync.Once
	done chan struct{}
}

// start turns a fresh lease into a running execution. c.mu is held.
func (c *Coordinator[T]) start(ctx context.Context, l *lock.Lease, w Work[T], maxWait time.Duration) (*Handle[T], error) {
	key := l.Key
	if err := c.hub.Open(key, l.Token); err != nil {
		c.release(l)
		return nil, err
	}
	// set before the keeper may mark the lease lost
	l.Status = lock.StatusRunning
	keeper, err := lease.Keep(c.store, l, c.heartbeat, c.logger)
	if err != nil {
		c.release(l)
		return nil, err
	}
	s, err := c.hub.Subscribe(key)
	if err != nil {
		keeper.Stop()
		c.release(l)
		return nil, err
	}

	wctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &run[T]{c: c, key: key, lease: l, keeper: keeper, cancel: cancel, done: make(chan struct{})}
	c.runs[key] = r
	metrics.OwnerCounter.Inc()
	metrics.ActiveLeaseGauge.Inc()
	c.logger.Debug("claim: owner", "key", key, "owner", c.owner, "token", l.Token)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			r.abort(claimerr.ErrCanceled)
		case <-keeper.Lost():
			r.abort(keeper.Err())
		case <-r.done:
		}
	}()

	go func() {
		wctx, span := tracer.Start(wctx, "claim.Work")
		span.SetAttributes(attribute.String("claim.key", key))
		res, err := runWork(wctx, w, &emitter[T]{ctx: wctx, r: r})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.finish(progress.Failed[T](err), nil)
		} else {
			r.finish(progress.Completed(res), nil)
		}
		span.End()
	}()

	return newHandle(ctx, key, s, r, maxWait, nil), nil
}

func (r *run[T]) emit(percent float64, message string) error {
	rec, err := r.c.hub.Publish(r.key, progress.Running[T](percent, message))
	if err != nil {
		if cause := r.stopped(); cause != nil {
			return cause
		}
		return err
	}
	r.relay(rec)
	return nil
}

func (r *run[T]) stopped() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cause != nil {
		return r.cause
	}
	if r.finished {
		return progress.ErrTerminal
	}
	return nil
}

// relay mirrors rec to other processes. Records racing the terminal one are
// dropped so the relay never ends on an intermediate record.
func (r *run[T]) relay(rec progress.Record[T]) {
	if r.c.relay == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relayed {
		return
	}
	if rec.Terminal {
		r.relayed = true
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.c.heartbeat)
	defer cancel()
	if err := r.c.relay.Publish(ctx, rec); err != nil {
		r.c.logger.Warn("claim: relay publish failed", "key", r.key, "error", err)
	}
}

// abort ends the execution on behalf of the caller or after lease loss. The
// work is not waited for; its result is discarded.
func (r *run[T]) abort(cause error) {
	r.finish(progress.Failed[T](cause), cause)
}

// finish publishes the terminal record, releases the lease and forgets the
// run. Only the first call has an effect.
func (r *run[T]) finish(rec progress.Record[T], cause error) {
	r.once.Do(func() {
		c := r.c
		r.mu.Lock()
		r.cause = cause
		r.finished = true
		r.mu.Unlock()

		r.keeper.Stop()
		lost := errors.Is(cause, claimerr.ErrLeaseLost)
		outcome := "completed"
		switch {
		case lost:
			r.lease.Status = lock.StatusExpired
			outcome = "lease_lost"
		case errors.Is(cause, claimerr.ErrCanceled):
			r.lease.Status = lock.StatusFailed
			outcome = "canceled"
		case rec.State == progress.StateFailed:
			r.lease.Status = lock.StatusFailed
			outcome = "failed"
		default:
			r.lease.Status = lock.StatusCompleted
		}

		stamped, err := c.hub.Publish(r.key, rec)
		if err != nil {
			c.logger.Warn("claim: terminal publish failed", "key", r.key, "error", err)
		} else {
			r.relay(stamped)
		}
		r.cancel(cause)
		c.release(r.lease)

		c.mu.Lock()
		if c.runs[r.key] == r {
			delete(c.runs, r.key)
		}
		c.mu.Unlock()

		if c.bus != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeat)
			if err := c.bus.Publish(ctx, syncbus.ReleasedTopic(r.key)); err != nil {
				c.logger.Warn("claim: release notification failed", "key", r.key, "error", err)
			}
			cancel()
		}

		metrics.ActiveLeaseGauge.Dec()
		metrics.WorkCounter.WithLabelValues(outcome).Inc()
		c.logger.Info("claim: work finished", "key", r.key, "owner", c.owner, "outcome", outcome)
		close(r.done)
	})
}

func (c *Coordinator[T]) release(l *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), c.heartbeat)
	defer cancel()
	if err := c.store.Release(ctx, l); err != nil {
		c.logger.Warn("claim: release failed", "key", l.Key, "owner", l.Owner, "error", err)
	}
}
