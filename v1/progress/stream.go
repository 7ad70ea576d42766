package progress

import (
	"context"
	"errors"
	"iter"
	"sync"
)

var (
	// ErrDone is returned by Next after the terminal record was consumed.
	ErrDone = errors.New("progress: stream finished")
	// ErrClosed is returned by Next once the stream was closed before its
	// terminal record.
	ErrClosed = errors.New("progress: stream closed")
)

// DefaultQueueLimit bounds the records buffered per subscriber.
const DefaultQueueLimit = 256

// Stream is one subscriber's ordered queue of records. Pushing never blocks:
// when the queue is full the oldest intermediate record is dropped, while
// terminal records are always kept.
type Stream[T any] struct {
	key   string
	limit int

	mu       sync.Mutex
	queue    []Record[T]
	notify   chan struct{}
	terminal bool
	finished bool
	closed   bool
	err      error

	onClose func(*Stream[T])
	once    sync.Once
}

// NewStream returns a detached stream for key. limit <= 0 selects
// DefaultQueueLimit.
func NewStream[T any](key string, limit int) *Stream[T] {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Stream[T]{key: key, limit: limit, notify: make(chan struct{}, 1)}
}

// Key returns the key the stream observes.
func (s *Stream[T]) Key() string { return s.key }

// Push queues rec. It reports false if the stream no longer accepts records.
func (s *Stream[T]) Push(rec Record[T]) bool {
	s.mu.Lock()
	if s.closed || s.terminal {
		s.mu.Unlock()
		return false
	}
	if !rec.Terminal && len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, rec)
	if rec.Terminal {
		s.terminal = true
	}
	s.mu.Unlock()
	s.wake()
	return true
}

// Terminated reports whether the terminal record has been queued.
func (s *Stream[T]) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *Stream[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the next record, waiting until one is available. After the
// terminal record it returns ErrDone; after Close it returns the close error.
func (s *Stream[T]) Next(ctx context.Context) (Record[T], error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			rec := s.queue[0]
			s.queue = s.queue[1:]
			if rec.Terminal {
				s.finished = true
			}
			s.mu.Unlock()
			return rec, nil
		}
		if s.finished {
			s.mu.Unlock()
			return Record[T]{}, ErrDone
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			return Record[T]{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			var zero Record[T]
			return zero, ctx.Err()
		}
	}
}

// Records yields records until the terminal one, the stream closes or ctx
// is done.
func (s *Stream[T]) Records(ctx context.Context) iter.Seq[Record[T]] {
	return func(yield func(Record[T]) bool) {
		for {
			rec, err := s.Next(ctx)
			if err != nil || !yield(rec) || rec.Terminal {
				return
			}
		}
	}
}

// Close detaches the stream. Records already queued are still returned.
func (s *Stream[T]) Close() { s.CloseWithError(ErrClosed) }

// CloseWithError detaches the stream; once drained Next returns err.
func (s *Stream[T]) CloseWithError(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		onClose := s.onClose
		s.mu.Unlock()
		if onClose != nil {
			onClose(s)
		}
		s.wake()
	})
}
