package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/lock"
	"github.com/mirkobrombin/go-claim/v1/metrics"
	"github.com/mirkobrombin/go-claim/v1/progress"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-claim/v1/coordinator")

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("claim: coordinator closed")
	// ErrInvalidHeartbeat is returned by New when the heartbeat interval is
	// not positive or leaves less than half the TTL as margin.
	ErrInvalidHeartbeat = errors.New("claim: heartbeat interval must be positive and at most half the ttl")

	errNotClaimed = errors.New("claim: not claimed")
)

// Coordinator decides per key which caller runs the work and lets every
// other caller observe it. Each Coordinator owns its progress hub; several
// coordinators may share one lock store.
type Coordinator[T any] struct {
	store     lock.Store
	hub       *progress.Hub[T]
	relay     progress.Relay[T]
	bus       syncbus.Bus
	logger    *slog.Logger
	owner     string
	ttl       time.Duration
	heartbeat time.Duration
	maxWait   time.Duration
	poll      time.Duration
	limit     int
	retry     lock.Retry

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run[T]
	claims map[string]chan struct{}
	closed bool
}

// New returns a Coordinator claiming keys in store.
func New[T any](store lock.Store, opts ...Option[T]) (*Coordinator[T], error) {
	o := options[T]{ttl: DefaultTTL, maxWait: DefaultMaxWait, queueLimit: progress.DefaultQueueLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ttl <= 0 {
		return nil, claimerr.ErrInvalidTTL
	}
	if o.heartbeat == 0 {
		o.heartbeat = o.ttl / 3
	}
	if o.heartbeat <= 0 || o.ttl < 2*o.heartbeat {
		return nil, ErrInvalidHeartbeat
	}
	if o.poll <= 0 {
		o.poll = o.heartbeat
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.owner == "" {
		id, err := defaultOwner()
		if err != nil {
			return nil, err
		}
		o.owner = id
	}
	base, stop := context.WithCancel(context.Background())
	return &Coordinator[T]{
		store:     store,
		hub:       progress.NewHub[T](o.retention, progress.WithQueueLimit(o.queueLimit)),
		relay:     o.relay,
		bus:       o.bus,
		logger:    o.logger,
		owner:     o.owner,
		ttl:       o.ttl,
		heartbeat: o.heartbeat,
		maxWait:   o.maxWait,
		poll:      o.poll,
		limit:     o.queueLimit,
		retry:     o.retry,
		base:      base,
		stop:      stop,
		runs:      make(map[string]*run[T]),
		claims:    make(map[string]chan struct{}),
	}, nil
}

func defaultOwner() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("claim: owner id: %w", err)
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), id), nil
}

// Owner returns the identity written into lock artifacts.
func (c *Coordinator[T]) Owner() string { return c.owner }

// Acquire makes the caller the owner of key, running w, or a waiter on the
// current owner. Canceling ctx cancels the work when the caller is the
// owner and only unsubscribes otherwise.
func (c *Coordinator[T]) Acquire(ctx context.Context, key string, w Work[T], opts ...AcquireOption) (*Handle[T], error) {
	return c.acquire(ctx, key, w, false, c.waitFor(opts))
}

// Do acquires key and waits for the result.
func (c *Coordinator[T]) Do(ctx context.Context, key string, w Work[T], opts ...AcquireOption) (T, error) {
	h, err := c.Acquire(ctx, key, w, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return h.Wait(ctx)
}

// TryRun runs w only if key can be claimed, retrying busy keys as
// configured by WithRetry. When the key stays held it returns ok false
// without waiting for the other owner.
func (c *Coordinator[T]) TryRun(ctx context.Context, key string, w Work[T]) (res T, ok bool, err error) {
	h, err := c.acquire(ctx, key, w, true, 0)
	if errors.Is(err, errNotClaimed) {
		return res, false, nil
	}
	if err != nil {
		return res, false, err
	}
	res, err = h.Wait(ctx)
	return res, true, err
}

func (c *Coordinator[T]) waitFor(opts []AcquireOption) time.Duration {
	var ao acquireOptions
	for _, opt := range opts {
		opt(&ao)
	}
	if ao.set {
		return ao.maxWait
	}
	return c.maxWait
}

func (c *Coordinator[T]) acquire(ctx context.Context, key string, w Work[T], try bool, maxWait time.Duration) (*Handle[T], error) {
	ctx, span := tracer.Start(ctx, "claim.Acquire", trace.WithAttributes(attribute.String("claim.key", key)))
	defer span.End()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if c.runs[key] != nil || c.joinable(key) {
			if try {
				c.mu.Unlock()
				return nil, errNotClaimed
			}
			s, err := c.hub.Subscribe(key)
			c.mu.Unlock()
			if errors.Is(err, claimerr.ErrSubscriptionExpired) {
				continue
			}
			if err != nil {
				return nil, err
			}
			span.SetAttributes(attribute.String("claim.role", "waiter"))
			metrics.WaiterCounter.Inc()
			return newHandle(ctx, key, s, nil, maxWait, nil), nil
		}
		if wait, ok := c.claims[key]; ok {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wait := make(chan struct{})
		c.claims[key] = wait
		c.mu.Unlock()

		var (
			l   *lock.Lease
			err error
			rec progress.Record[T]
			hit bool
		)
		if !try {
			rec, hit = c.remoteResult(ctx, key, true)
		}
		if !hit {
			l, err = c.claim(ctx, key, try)
		}

		c.mu.Lock()
		delete(c.claims, key)
		close(wait)
		if err == nil && l != nil {
			if c.closed {
				c.mu.Unlock()
				c.release(l)
				return nil, ErrClosed
			}
			h, err := c.start(ctx, l, w, maxWait)
			c.mu.Unlock()
			if err == nil {
				span.SetAttributes(attribute.String("claim.role", "owner"))
			}
			return h, err
		}
		c.mu.Unlock()

		if hit {
			span.SetAttributes(attribute.String("claim.role", "waiter"))
			metrics.WaiterCounter.Inc()
			return c.settled(ctx, key, rec, maxWait), nil
		}

		var busy *lock.BusyError
		switch {
		case errors.As(err, &busy):
			if try {
				return nil, errNotClaimed
			}
			if busy.Token == "" {
				// released while the store looked it up
				continue
			}
			span.SetAttributes(attribute.String("claim.role", "waiter"))
			c.logger.Debug("claim: waiting on remote owner", "key", key, "owner", busy.Owner)
			return c.follow(ctx, key, busy.Token, maxWait)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			metrics.ClaimFailureCounter.Inc()
			span.RecordError(err)
			return nil, fmt.Errorf("%w: %q: %w", claimerr.ErrClaimFailure, key, err)
		}
	}
}

// joinable reports whether the hub retains a successful result for key.
// c.mu is held.
func (c *Coordinator[T]) joinable(key string) bool {
	rec, ok := c.hub.Latest(key)
	return ok && rec.Terminal && rec.State == progress.StateCompleted
}

// claim tries to create the artifact for key. Transient failures are
// retried; busy keys are retried only for TryRun.
func (c *Coordinator[T]) claim(ctx context.Context, key string, try bool) (*lock.Lease, error) {
	if try {
		return lock.Claim(ctx, c.store, key, c.owner, c.ttl, c.retry)
	}
	attempts := max(c.retry.Attempts, 1)
	var err error
	for i := 0; i < attempts; i++ {
		var l *lock.Lease
		l, err = c.store.TryClaim(ctx, key, c.owner, c.ttl)
		if err == nil {
			return l, nil
		}
		if lock.IsBusy(err) || i == attempts-1 {
			break
		}
		c.logger.Warn("claim: claim failed, retrying", "key", key, "attempt", i+1, "error", err)
		t := time.NewTimer(c.retry.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, err
}

// Subscribe observes key without ever running work. Keys nobody works on,
// and whose terminal record is no longer retained, yield
// ErrSubscriptionExpired.
func (c *Coordinator[T]) Subscribe(ctx context.Context, key string, opts ...AcquireOption) (*Handle[T], error) {
	maxWait := c.waitFor(opts)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	s, err := c.hub.Subscribe(key)
	c.mu.Unlock()
	if err == nil {
		metrics.WaiterCounter.Inc()
		return newHandle(ctx, key, s, nil, maxWait, nil), nil
	}
	if !errors.Is(err, claimerr.ErrSubscriptionExpired) {
		return nil, err
	}

	cur, ok, err := c.store.Inspect(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claim: inspect %q: %w", key, err)
	}
	if ok && !cur.Expired(time.Now()) {
		return c.follow(ctx, key, cur.Token, maxWait)
	}
	if rec, ok := c.remoteResult(ctx, key, false); ok {
		metrics.WaiterCounter.Inc()
		return c.settled(ctx, key, rec, maxWait), nil
	}
	return nil, claimerr.ErrSubscriptionExpired
}

// remoteResult returns a terminal record retained by the relay.
func (c *Coordinator[T]) remoteResult(ctx context.Context, key string, successOnly bool) (progress.Record[T], bool) {
	if c.relay == nil {
		return progress.Record[T]{}, false
	}
	rec, ok, err := c.relay.Latest(ctx, key)
	if err != nil {
		c.logger.Warn("claim: relay lookup failed", "key", key, "error", err)
		return rec, false
	}
	if !ok || !rec.Terminal || (successOnly && rec.State != progress.StateCompleted) {
		return rec, false
	}
	return rec, true
}

func (c *Coordinator[T]) settled(ctx context.Context, key string, rec progress.Record[T], maxWait time.Duration) *Handle[T] {
	s := progress.NewStream[T](key, c.limit)
	s.Push(rec)
	return newHandle(ctx, key, s, nil, maxWait, nil)
}

// follow returns a waiter handle for a lifecycle owned by another process.
func (c *Coordinator[T]) follow(ctx context.Context, key, token string, maxWait time.Duration) (*Handle[T], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	s := progress.NewStream[T](key, c.limit)
	fctx, cancel := context.WithCancel(c.base)
	go c.watchRemote(fctx, key, token, s)
	metrics.WaiterCounter.Inc()
	return newHandle(ctx, key, s, nil, maxWait, cancel), nil
}

// watchRemote feeds s with the records of the remote lifecycle token until
// its terminal record arrives or the lease disappears.
func (c *Coordinator[T]) watchRemote(ctx context.Context, key, token string, s *progress.Stream[T]) {
	defer c.wg.Done()

	var records <-chan progress.Record[T]
	if c.relay != nil {
		ch, err := c.relay.Watch(ctx, key)
		if err != nil {
			c.logger.Warn("claim: relay watch failed", "key", key, "error", err)
		} else {
			records = ch
		}
	}
	var released chan struct{}
	if c.bus != nil {
		ch, err := c.bus.Subscribe(ctx, syncbus.ReleasedTopic(key))
		if err != nil {
			c.logger.Warn("claim: release subscription failed", "key", key, "error", err)
		} else {
			released = ch
		}
	}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	push := func(rec progress.Record[T]) bool {
		if rec.Lifecycle != token {
			return true
		}
		return s.Push(rec) && !rec.Terminal
	}
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			if !push(rec) {
				return
			}
			continue
		case _, ok := <-released:
			if !ok {
				released = nil
				continue
			}
		case <-ticker.C:
		}
		if !c.ended(ctx, key, token) {
			continue
		}
		// records already delivered by the relay come first
		for records != nil {
			select {
			case rec, ok := <-records:
				if !ok {
					records = nil
				} else if !push(rec) {
					return
				}
				continue
			default:
			}
			break
		}
		if rec, ok := c.remoteResult(ctx, key, false); ok && rec.Lifecycle == token {
			s.Push(rec)
			return
		}
		s.CloseWithError(claimerr.ErrSubscriptionExpired)
		return
	}
}

// ended reports whether the remote lifecycle token no longer holds key.
func (c *Coordinator[T]) ended(ctx context.Context, key, token string) bool {
	cur, ok, err := c.store.Inspect(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("claim: inspect failed", "key", key, "error", err)
		}
		return false
	}
	return !ok || cur.Token != token || cur.Expired(time.Now())
}

// Close cancels the work this coordinator owns, stops observing remote
// owners and closes the hub. Work that ignores cancellation keeps running
// but can no longer publish.
func (c *Coordinator[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	runs := make([]*run[T], 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		r.abort(claimerr.ErrCanceled)
	}
	c.stop()
	c.wg.Wait()
	c.hub.Close()
	return nil
}
