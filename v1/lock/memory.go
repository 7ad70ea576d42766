package lock

import (
	"context"
	"sync"
	"time"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
)

// InMemory implements Store using local memory. It only excludes callers
// sharing the same instance, which makes it suitable for tests and
// single-process deployments.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]Record
	now   func() time.Time
}

// NewInMemory returns a new in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]Record), now: time.Now}
}

// TryClaim implements Store.TryClaim.
func (m *InMemory) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, claimerr.ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.locks[key]; ok && !cur.Expired(now) {
		return nil, busy(cur)
	}
	l := newLease(key, owner, ttl, now)
	m.locks[key] = l.record()
	return l, nil
}

// Renew implements Store.Renew.
func (m *InMemory) Renew(ctx context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[l.Key]
	if !ok || cur.Token != l.Token {
		return claimerr.ErrLeaseLost
	}
	l.Deadline = m.now().Add(l.TTL)
	cur.Deadline = l.Deadline
	m.locks[l.Key] = cur
	return nil
}

// Release implements Store.Release.
func (m *InMemory) Release(ctx context.Context, l *Lease) error {
	m.mu.Lock()
	if cur, ok := m.locks[l.Key]; ok && cur.Token == l.Token {
		delete(m.locks, l.Key)
	}
	m.mu.Unlock()
	return nil
}

// Inspect implements Store.Inspect.
func (m *InMemory) Inspect(ctx context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.locks[key]
	return cur, ok, nil
}
