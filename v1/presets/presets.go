// Package presets assembles a ready-to-use Coordinator from a config.Config,
// connecting the lock store, progress relay and release bus it names.
package presets

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-claim/v1/config"
	"github.com/mirkobrombin/go-claim/v1/coordinator"
	"github.com/mirkobrombin/go-claim/v1/lock"
	"github.com/mirkobrombin/go-claim/v1/progress"
	"github.com/mirkobrombin/go-claim/v1/syncbus"
)

// Bundle is a Coordinator together with the connections it depends on.
type Bundle[T any] struct {
	Coordinator *coordinator.Coordinator[T]
	Store       lock.Store

	closers []func() error
}

// Close closes the coordinator and then its connections.
func (b *Bundle[T]) Close() error {
	var errs []error
	if b.Coordinator != nil {
		errs = append(errs, b.Coordinator.Close())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// New builds a Coordinator for cfg. Extra options are applied after the ones
// derived from cfg.
func New[T any](cfg config.Config, logger *slog.Logger, opts ...coordinator.Option[T]) (*Bundle[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bundle[T]{}
	fail := func(err error) (*Bundle[T], error) {
		_ = b.Close()
		return nil, err
	}

	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			b.closers = append(b.closers, rdb.Close)
		}
		return rdb
	}

	switch cfg.Store {
	case config.StoreFile:
		s, err := lock.NewFileStore(cfg.LockDir)
		if err != nil {
			return fail(err)
		}
		b.Store = s
	case config.StoreRedis:
		b.Store = lock.NewRedis(redisClient(), cfg.Prefix)
	case config.StoreMemory:
		b.Store = lock.NewInMemory()
	}

	base := []coordinator.Option[T]{
		coordinator.WithTTL[T](cfg.TTL),
		coordinator.WithHeartbeat[T](cfg.HeartbeatInterval),
		coordinator.WithDefaultMaxWait[T](cfg.MaxWait),
		coordinator.WithRetention[T](cfg.ProgressRetention),
		coordinator.WithPollInterval[T](cfg.PollInterval),
		coordinator.WithQueueLimit[T](cfg.QueueLimit),
		coordinator.WithRetry[T](lock.Retry{Attempts: cfg.ClaimAttempts, Delay: cfg.ClaimDelay}),
		coordinator.WithLogger[T](logger),
	}

	relayOpts := []progress.RelayOption{
		progress.WithCodec(codec(cfg.Codec)),
		progress.WithRecordTTL(cfg.TTL),
		progress.WithRequestTimeout(cfg.HeartbeatInterval),
	}
	switch cfg.ResolvedRelay() {
	case config.RelayFile:
		relay, err := progress.NewFileRelay[T](cfg.LockDir, cfg.ProgressRetention, relayOpts...)
		if err != nil {
			return fail(err)
		}
		base = append(base, coordinator.WithRelay[T](relay))
	case config.RelayRedis:
		base = append(base, coordinator.WithRelay[T](progress.NewRedisRelay[T](redisClient(), cfg.Prefix, cfg.ProgressRetention, relayOpts...)))
	case config.RelayNATS:
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("claim"), nats.MaxReconnects(-1))
		if err != nil {
			return fail(fmt.Errorf("presets: nats connect %s: %w", cfg.NATSURL, err))
		}
		b.closers = append(b.closers, func() error { conn.Close(); return nil })
		relay := progress.NewNATSRelay[T](conn, natsPrefix(cfg.Prefix), cfg.ProgressRetention, relayOpts...)
		b.closers = append(b.closers, relay.Close)
		bus := syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), 5, 10*time.Second, logger)
		base = append(base, coordinator.WithRelay[T](relay), coordinator.WithBus[T](bus))
	}

	c, err := coordinator.New[T](b.Store, append(base, opts...)...)
	if err != nil {
		return fail(err)
	}
	b.Coordinator = c
	return b, nil
}

// NewInMemoryStandalone returns a Coordinator that deduplicates within the
// current process only. Every caller meets in the coordinator's hub, so no
// relay or release bus is configured.
func NewInMemoryStandalone[T any](opts ...coordinator.Option[T]) (*coordinator.Coordinator[T], error) {
	return coordinator.New[T](lock.NewInMemory(), opts...)
}

func codec(name string) progress.Codec {
	if name == config.CodecGob {
		return progress.GobCodec{}
	}
	return progress.JSONCodec{}
}

func natsPrefix(p string) string {
	p = strings.Trim(p, ":.")
	if p == "" {
		return "claim"
	}
	return p
}
