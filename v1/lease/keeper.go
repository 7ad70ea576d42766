// Package lease keeps an acquired lock.Lease alive by renewing it on a
// ticker while the owner works.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/lock"
	"github.com/mirkobrombin/go-claim/v1/metrics"
)

// ErrInvalidInterval is returned when a non-positive heartbeat interval is provided.
var ErrInvalidInterval = errors.New("claim: heartbeat interval must be positive")

// Keeper renews a lease periodically until stopped or lost.
type Keeper struct {
	store    lock.Store
	lease    *lock.Lease
	interval time.Duration
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
	lost chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// Keep starts renewing l every interval. The caller must call Stop once the
// work is finished; after Stop returns the Keeper no longer touches l.
func Keep(store lock.Store, l *lock.Lease, interval time.Duration, logger *slog.Logger) (*Keeper, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{
		store:    store,
		lease:    l,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
	}
	go k.run()
	return k, nil
}

func (k *Keeper) run() {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if k.renew() {
				return
			}
		case <-k.stop:
			return
		}
	}
}

// renew reports whether the lease is gone.
func (k *Keeper) renew() bool {
	ctx, cancel := context.WithTimeout(context.Background(), k.interval)
	err := k.store.Renew(ctx, k.lease)
	cancel()
	switch {
	case err == nil:
		metrics.RenewCounter.Inc()
		return false
	case errors.Is(err, claimerr.ErrLeaseLost):
		k.markLost(err)
		return true
	}
	if !time.Now().Before(k.lease.Deadline) {
		k.markLost(fmt.Errorf("%w: no renewal before deadline: %v", claimerr.ErrLeaseLost, err))
		return true
	}
	k.logger.Warn("claim: lease renew failed", "key", k.lease.Key, "owner", k.lease.Owner, "error", err)
	return false
}

func (k *Keeper) markLost(err error) {
	k.mu.Lock()
	k.err = err
	k.lease.Status = lock.StatusExpired
	k.mu.Unlock()
	metrics.LeaseLostCounter.Inc()
	k.logger.Warn("claim: lease lost", "key", k.lease.Key, "owner", k.lease.Owner, "error", err)
	close(k.lost)
}

// Lost is closed when the lease was lost.
func (k *Keeper) Lost() <-chan struct{} { return k.lost }

// Err returns the reason the lease was lost, or nil.
func (k *Keeper) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Stop ends the heartbeat and waits for it to exit. It is safe to call more
// than once.
func (k *Keeper) Stop() {
	k.once.Do(func() { close(k.stop) })
	<-k.done
}
