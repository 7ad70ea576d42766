package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
)

// Status is the lifecycle state of a Lease.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Lease is exclusive ownership of a key for one work execution. A Lease is
// not safe for concurrent mutation; while a heartbeat runs it owns Deadline.
type Lease struct {
	Key        string
	Owner      string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
	Deadline   time.Time
	Status     Status
}

// Record is the durable lock artifact as stored by a Store.
type Record struct {
	Key        string    `json:"key"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	Deadline   time.Time `json:"deadline"`
}

// Expired reports whether the record deadline has passed at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.Deadline)
}

// Store is the durable claim primitive.
type Store interface {
	// TryClaim creates the artifact for key if none exists or the existing one
	// expired. It returns a *BusyError when an unexpired artifact exists.
	TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error)
	// Renew extends the lease deadline by its TTL. It returns ErrLeaseLost if
	// the artifact was removed or reclaimed by someone else.
	Renew(ctx context.Context, l *Lease) error
	// Release removes the artifact if it still belongs to l. It is idempotent.
	Release(ctx context.Context, l *Lease) error
	// Inspect returns the current artifact for key, if any.
	Inspect(ctx context.Context, key string) (Record, bool, error)
}

// BusyError is returned by TryClaim when the key is held by another owner.
type BusyError struct {
	Key      string
	Owner    string
	Token    string
	Deadline time.Time
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("lock: key %q held by %s until %s", e.Key, e.Owner, e.Deadline.Format(time.RFC3339Nano))
}

// Is makes errors.Is(err, ErrBusy) match.
func (e *BusyError) Is(target error) bool { return target == claimerr.ErrBusy }

// IsBusy reports whether err signals a held key.
func IsBusy(err error) bool { return errors.Is(err, claimerr.ErrBusy) }

// Name derives a durable, medium-safe name from an opaque key.
func Name(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newLease(key, owner string, ttl time.Duration, now time.Time) *Lease {
	return &Lease{
		Key:        key,
		Owner:      owner,
		Token:      uuid.NewString(),
		TTL:        ttl,
		AcquiredAt: now,
		Deadline:   now.Add(ttl),
		Status:     StatusPending,
	}
}

func (l *Lease) record() Record {
	return Record{Key: l.Key, Owner: l.Owner, Token: l.Token, AcquiredAt: l.AcquiredAt, Deadline: l.Deadline}
}

func busy(rec Record) *BusyError {
	return &BusyError{Key: rec.Key, Owner: rec.Owner, Token: rec.Token, Deadline: rec.Deadline}
}

// Retry bounds the attempts made by Claim.
type Retry struct {
	// Attempts is the total number of TryClaim calls; values below 1 mean 1.
	Attempts int
	// Delay is the pause between attempts.
	Delay time.Duration
}

// Claim calls TryClaim until it succeeds, the attempts are exhausted or ctx
// is done. Busy keys and transient failures are both retried; the last error
// is returned.
func Claim(ctx context.Context, s Store, key, owner string, ttl time.Duration, r Retry) (*Lease, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		var l *Lease
		l, err = s.TryClaim(ctx, key, owner, ttl)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, claimerr.ErrInvalidTTL) || i == attempts-1 {
			break
		}
		t := time.NewTimer(r.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, err
}
