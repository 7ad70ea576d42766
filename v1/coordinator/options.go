package coordinator

import (
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-claim/v1/lock"
	"github.com/mirkobrombin/go-claim/v1/progress"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
)

const (
	// DefaultTTL is the lease duration used when none is configured.
	DefaultTTL = 30 * time.Second
	// DefaultMaxWait bounds how long a handle waits for a terminal record.
	DefaultMaxWait = 5 * time.Minute
)

type options[T any] struct {
	ttl        time.Duration
	heartbeat  time.Duration
	maxWait    time.Duration
	retention  time.Duration
	poll       time.Duration
	queueLimit int
	retry      lock.Retry
	relay      progress.Relay[T]
	bus        syncbus.Bus
	logger     *slog.Logger
	owner      string
}

// Option configures a Coordinator.
type Option[T any] func(*options[T])

// WithTTL sets the lease duration.
func WithTTL[T any](d time.Duration) Option[T] {
	return func(o *options[T]) { o.ttl = d }
}

// WithHeartbeat sets the renew interval. It defaults to a third of the TTL.
func WithHeartbeat[T any](d time.Duration) Option[T] {
	return func(o *options[T]) { o.heartbeat = d }
}

// WithDefaultMaxWait sets the wait bound applied when Acquire is called
// without WithMaxWait. Zero means unbounded.
func WithDefaultMaxWait[T any](d time.Duration) Option[T] {
	return func(o *options[T]) { o.maxWait = d }
}

// WithRetention sets how long terminal records stay available.
func WithRetention[T any](d time.Duration) Option[T] {
	return func(o *options[T]) { o.retention = d }
}

// WithPollInterval sets how often waiters on another process check the
// lock store. It defaults to the heartbeat interval.
func WithPollInterval[T any](d time.Duration) Option[T] {
	return func(o *options[T]) { o.poll = d }
}

// WithQueueLimit bounds the records buffered per subscriber.
func WithQueueLimit[T any](n int) Option[T] {
	return func(o *options[T]) { o.queueLimit = n }
}

// WithRetry sets how often a transient claim failure is retried. TryRun
// also retries busy keys.
func WithRetry[T any](r lock.Retry) Option[T] {
	return func(o *options[T]) { o.retry = r }
}

// WithRelay mirrors progress to other processes sharing the lock store.
func WithRelay[T any](r progress.Relay[T]) Option[T] {
	return func(o *options[T]) { o.relay = r }
}

// WithBus announces releases so waiters in other processes wake up early.
func WithBus[T any](b syncbus.Bus) Option[T] {
	return func(o *options[T]) { o.bus = b }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(o *options[T]) { o.logger = l }
}

// WithOwner sets the owner identity written into lock artifacts.
func WithOwner[T any](id string) Option[T] {
	return func(o *options[T]) { o.owner = id }
}

type acquireOptions struct {
	maxWait time.Duration
	set     bool
}

// AcquireOption configures a single Acquire or Subscribe call.
type AcquireOption func(*acquireOptions)

// WithMaxWait bounds the wait of this call. Zero means unbounded.
func WithMaxWait(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.maxWait = d
		o.set = true
	}
}
