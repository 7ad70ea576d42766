package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-claim/v1/lock"
)

type natsLatest struct {
	data  []byte
	sub   *nats.Subscription
	timer *time.Timer
}

// NATSRelay mirrors records over NATS subjects. Records are published on
// <prefix>.progress.<name>; the publishing process answers requests on
// <prefix>.latest.<name> with its latest record until the retention window
// of the terminal record lapses. name is lock.Name(key).
type NATSRelay[T any] struct {
	conn      *nats.Conn
	prefix    string
	retention time.Duration
	opts      relayOptions

	mu     sync.Mutex
	latest map[string]*natsLatest
}

// NewNATSRelay creates a NATSRelay keeping terminal records for retention.
func NewNATSRelay[T any](conn *nats.Conn, prefix string, retention time.Duration, opts ...RelayOption) *NATSRelay[T] {
	o := defaultRelayOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &NATSRelay[T]{
		conn:      conn,
		prefix:    prefix,
		retention: retention,
		opts:      o,
		latest:    make(map[string]*natsLatest),
	}
}

func (r *NATSRelay[T]) progressSubject(key string) string {
	return r.prefix + ".progress." + lock.Name(key)
}

func (r *NATSRelay[T]) latestSubject(key string) string {
	return r.prefix + ".latest." + lock.Name(key)
}

// Publish implements Relay.Publish.
func (r *NATSRelay[T]) Publish(ctx context.Context, rec Record[T]) error {
	data, err := encodeRecord(r.opts.codec, rec)
	if err != nil {
		return err
	}
	if err := r.remember(rec, data); err != nil {
		return err
	}
	if err := r.conn.Publish(r.progressSubject(rec.Key), data); err != nil {
		return fmt.Errorf("progress: nats publish %q: %w", rec.Key, err)
	}
	return nil
}

func (r *NATSRelay[T]) remember(rec Record[T], data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rec.Key
	st := r.latest[key]
	if st == nil {
		st = &natsLatest{}
		sub, err := r.conn.Subscribe(r.latestSubject(key), func(m *nats.Msg) {
			r.mu.Lock()
			var reply []byte
			if cur := r.latest[key]; cur != nil {
				reply = cur.data
			}
			r.mu.Unlock()
			if reply != nil {
				_ = m.Respond(reply)
			}
		})
		if err != nil {
			return fmt.Errorf("progress: nats serve latest %q: %w", key, err)
		}
		if err := r.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return fmt.Errorf("progress: nats serve latest %q: %w", key, err)
		}
		st.sub = sub
		r.latest[key] = st
	}
	st.data = data
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if rec.Terminal {
		st.timer = time.AfterFunc(r.retention, func() { r.forget(key, st) })
	}
	return nil
}

func (r *NATSRelay[T]) forget(key string, st *natsLatest) {
	r.mu.Lock()
	if r.latest[key] != st {
		r.mu.Unlock()
		return
	}
	delete(r.latest, key)
	r.mu.Unlock()
	_ = st.sub.Unsubscribe()
}

// Latest implements Relay.Latest.
func (r *NATSRelay[T]) Latest(ctx context.Context, key string) (Record[T], bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.requestTimeout)
	defer cancel()
	msg, err := r.conn.RequestWithContext(ctx, r.latestSubject(key), nil)
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
		return Record[T]{}, false, nil
	}
	if err != nil {
		return Record[T]{}, false, fmt.Errorf("progress: nats latest %q: %w", key, err)
	}
	rec, err := decodeRecord[T](r.opts.codec, msg.Data)
	if err != nil {
		return Record[T]{}, false, err
	}
	return rec, true, nil
}

// Watch implements Relay.Watch.
func (r *NATSRelay[T]) Watch(ctx context.Context, key string) (<-chan Record[T], error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := r.conn.ChanSubscribe(r.progressSubject(key), msgs)
	if err != nil {
		return nil, fmt.Errorf("progress: nats watch %q: %w", key, err)
	}
	if err := r.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("progress: nats watch %q: %w", key, err)
	}
	out := make(chan Record[T], 16)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		var seen dedup
		send := func(rec Record[T]) bool {
			if !seen.fresh(rec.Lifecycle, rec.Seq) {
				return true
			}
			select {
			case out <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if rec, ok, err := r.Latest(ctx, key); err != nil {
			slog.Warn("claim: relay latest failed", "key", key, "error", err)
		} else if ok && !send(rec) {
			return
		}
		for {
			select {
			case msg := <-msgs:
				rec, err := decodeRecord[T](r.opts.codec, msg.Data)
				if err != nil {
					slog.Warn("claim: relay dropped record", "key", key, "error", err)
					continue
				}
				if !send(rec) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops answering latest-record requests. The connection is owned by
// the caller.
func (r *NATSRelay[T]) Close() error {
	r.mu.Lock()
	latest := r.latest
	r.latest = make(map[string]*natsLatest)
	r.mu.Unlock()
	var errs []error
	for _, st := range latest {
		if st.timer != nil {
			st.timer.Stop()
		}
		if err := st.sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
