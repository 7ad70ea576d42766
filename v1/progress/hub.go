package progress

import (
	"errors"
	"sync"
	"time"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/metrics"
)

var (
	// ErrActive is returned by Open when the key already has a live lifecycle.
	ErrActive = errors.New("progress: key already active")
	// ErrTerminal is returned by Publish once the lifecycle has ended.
	ErrTerminal = errors.New("progress: record is terminal")
	// ErrNotOpen is returned by Publish for keys without a lifecycle.
	ErrNotOpen = errors.New("progress: key not open")
	// ErrHubClosed is returned by every operation after Close.
	ErrHubClosed = errors.New("progress: hub closed")
)

// DefaultRetention is the grace window for terminal records.
const DefaultRetention = 5 * time.Second

type entry[T any] struct {
	mu        sync.Mutex
	lifecycle string
	seq       uint64
	latest    Record[T]
	hasLatest bool
	terminal  bool
	gone      bool
	subs      map[*Stream[T]]struct{}
	purge     *time.Timer
}

// Hub is the per-key registry of lifecycles and their subscribers. Each
// Coordinator owns its own Hub.
type Hub[T any] struct {
	retention time.Duration
	limit     int

	mu      sync.Mutex
	entries map[string]*entry[T]
	closed  bool
}

// HubOption configures a Hub.
type HubOption func(*hubOptions)

type hubOptions struct {
	queueLimit int
}

// WithQueueLimit bounds the records buffered per subscriber.
func WithQueueLimit(n int) HubOption {
	return func(o *hubOptions) { o.queueLimit = n }
}

// NewHub returns a Hub retaining terminal records for retention.
// retention <= 0 selects DefaultRetention.
func NewHub[T any](retention time.Duration, opts ...HubOption) *Hub[T] {
	o := hubOptions{queueLimit: DefaultQueueLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Hub[T]{retention: retention, limit: o.queueLimit, entries: make(map[string]*entry[T])}
}

// Retention returns the grace window for terminal records.
func (h *Hub[T]) Retention() time.Duration { return h.retention }

// Open starts a lifecycle for key. A retained terminal lifecycle is replaced.
func (h *Hub[T]) Open(key, lifecycle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if old, ok := h.entries[key]; ok {
		old.mu.Lock()
		if !old.terminal {
			old.mu.Unlock()
			return ErrActive
		}
		old.gone = true
		if old.purge != nil {
			old.purge.Stop()
		}
		old.mu.Unlock()
	}
	h.entries[key] = &entry[T]{lifecycle: lifecycle, subs: make(map[*Stream[T]]struct{})}
	return nil
}

func (h *Hub[T]) get(key string) (*entry[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	return h.entries[key], nil
}

// Publish stamps rec with the key, lifecycle and sequence, stores it as the
// latest record and hands it to every subscriber. It returns the stamped
// record.
func (h *Hub[T]) Publish(key string, rec Record[T]) (Record[T], error) {
	e, err := h.get(key)
	if err != nil {
		return rec, err
	}
	if e == nil {
		return rec, ErrNotOpen
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return rec, ErrNotOpen
	}
	if e.terminal {
		return rec, ErrTerminal
	}
	e.seq++
	rec.Key = key
	rec.Lifecycle = e.lifecycle
	rec.Seq = e.seq
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	e.latest = rec
	e.hasLatest = true
	for s := range e.subs {
		s.Push(rec)
	}
	if rec.Terminal {
		e.terminal = true
		metrics.SubscriberGauge.Sub(float64(len(e.subs)))
		clear(e.subs)
		e.purge = time.AfterFunc(h.retention, func() { h.purge(key, e) })
	}
	return rec, nil
}

func (h *Hub[T]) purge(key string, e *entry[T]) {
	h.mu.Lock()
	if h.entries[key] == e {
		delete(h.entries, key)
	}
	h.mu.Unlock()
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
}

// Subscribe attaches a new stream to key. The stream starts with the latest
// record, if any; after termination it holds only the terminal record. Keys
// without a lifecycle, or whose retention lapsed, yield
// ErrSubscriptionExpired.
func (h *Hub[T]) Subscribe(key string) (*Stream[T], error) {
	e, err := h.get(key)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, claimerr.ErrSubscriptionExpired
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, claimerr.ErrSubscriptionExpired
	}
	s := NewStream[T](key, h.limit)
	if e.hasLatest {
		s.Push(e.latest)
	}
	if !e.terminal {
		e.subs[s] = struct{}{}
		s.onClose = func(s *Stream[T]) { h.unsubscribe(e, s) }
		metrics.SubscriberGauge.Inc()
	}
	return s, nil
}

func (h *Hub[T]) unsubscribe(e *entry[T], s *Stream[T]) {
	e.mu.Lock()
	if _, ok := e.subs[s]; ok {
		delete(e.subs, s)
		metrics.SubscriberGauge.Dec()
	}
	e.mu.Unlock()
}

// Latest returns the latest record for key.
func (h *Hub[T]) Latest(key string) (Record[T], bool) {
	e, _ := h.get(key)
	if e == nil {
		return Record[T]{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || !e.hasLatest {
		return Record[T]{}, false
	}
	return e.latest, true
}

// Active reports whether key has a lifecycle that has not terminated.
func (h *Hub[T]) Active(key string) bool {
	e, _ := h.get(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.gone && !e.terminal
}

// Close stops retention timers and closes every attached stream with
// ErrHubClosed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	entries := h.entries
	h.entries = make(map[string]*entry[T])
	h.mu.Unlock()

	var streams []*Stream[T]
	for _, e := range entries {
		e.mu.Lock()
		e.gone = true
		if e.purge != nil {
			e.purge.Stop()
		}
		for s := range e.subs {
			streams = append(streams, s)
		}
		metrics.SubscriberGauge.Sub(float64(len(e.subs)))
		clear(e.subs)
		e.mu.Unlock()
	}
	for _, s := range streams {
		s.CloseWithError(ErrHubClosed)
	}
}
