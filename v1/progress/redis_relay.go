package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRelay mirrors records through Redis. The latest record of a key is
// stored under <prefix>progress:<key> and every record is also published on
// a channel of the same name.
type RedisRelay[T any] struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	opts      relayOptions
}

// NewRedisRelay creates a RedisRelay keeping terminal records for retention.
func NewRedisRelay[T any](client *redis.Client, prefix string, retention time.Duration, opts ...RelayOption) *RedisRelay[T] {
	o := defaultRelayOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisRelay[T]{client: client, prefix: prefix, retention: retention, opts: o}
}

func (r *RedisRelay[T]) name(key string) string { return r.prefix + "progress:" + key }

// Publish implements Relay.Publish.
func (r *RedisRelay[T]) Publish(ctx context.Context, rec Record[T]) error {
	data, err := encodeRecord(r.opts.codec, rec)
	if err != nil {
		return err
	}
	ttl := r.opts.ttl
	if rec.Terminal {
		ttl = r.retention
	}
	name := r.name(rec.Key)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, name, data, ttl)
	pipe.Publish(ctx, name, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress: redis publish %q: %w", rec.Key, err)
	}
	return nil
}

// Latest implements Relay.Latest.
func (r *RedisRelay[T]) Latest(ctx context.Context, key string) (Record[T], bool, error) {
	data, err := r.client.Get(ctx, r.name(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record[T]{}, false, nil
	}
	if err != nil {
		return Record[T]{}, false, fmt.Errorf("progress: redis latest %q: %w", key, err)
	}
	rec, err := decodeRecord[T](r.opts.codec, data)
	if err != nil {
		return Record[T]{}, false, err
	}
	return rec, true, nil
}

// Watch implements Relay.Watch. The channel subscription is confirmed before
// the latest record is read, so no record published in between is missed.
func (r *RedisRelay[T]) Watch(ctx context.Context, key string) (<-chan Record[T], error) {
	ps := r.client.Subscribe(ctx, r.name(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("progress: redis watch %q: %w", key, err)
	}
	out := make(chan Record[T], 16)
	go func() {
		defer close(out)
		defer ps.Close()
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
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				rec, err := decodeRecord[T](r.opts.codec, []byte(msg.Payload))
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

// Close implements Relay.Close. The client is owned by the caller.
func (r *RedisRelay[T]) Close() error { return nil }
