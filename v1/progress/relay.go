package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
)

// Relay mirrors records to processes that share the lock store but not the
// Hub.
type Relay[T any] interface {
	// Publish makes rec visible to remote watchers.
	Publish(ctx context.Context, rec Record[T]) error
	// Watch streams records for key, starting with the latest known one,
	// until ctx is done. Duplicates within a lifecycle are skipped.
	Watch(ctx context.Context, key string) (<-chan Record[T], error)
	// Latest returns the most recent record for key, if still retained.
	Latest(ctx context.Context, key string) (Record[T], bool, error)
	// Close releases the relay's resources.
	Close() error
}

// RemoteError carries the message of a work error raised in another process.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

const (
	kindLeaseLost = "lease_lost"
	kindCanceled  = "canceled"
	kindWork      = "work"
)

type envelope struct {
	Key       string    `json:"key"`
	Lifecycle string    `json:"lifecycle"`
	Seq       uint64    `json:"seq"`
	State     State     `json:"state"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Terminal  bool      `json:"terminal"`
	Result    []byte    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	At        time.Time `json:"at"`
}

func encodeRecord[T any](codec Codec, rec Record[T]) ([]byte, error) {
	env := envelope{
		Key:       rec.Key,
		Lifecycle: rec.Lifecycle,
		Seq:       rec.Seq,
		State:     rec.State,
		Percent:   rec.Percent,
		Message:   rec.Message,
		Terminal:  rec.Terminal,
		At:        rec.At,
	}
	if rec.Terminal && rec.State == StateCompleted {
		data, err := codec.Marshal(rec.Result)
		if err != nil {
			return nil, fmt.Errorf("progress: encode result for %q: %w", rec.Key, err)
		}
		env.Result = data
	}
	if rec.Err != nil {
		env.Error = rec.Err.Error()
		switch {
		case errors.Is(rec.Err, claimerr.ErrLeaseLost):
			env.Kind = kindLeaseLost
		case errors.Is(rec.Err, claimerr.ErrCanceled):
			env.Kind = kindCanceled
		default:
			env.Kind = kindWork
		}
	}
	return json.Marshal(env)
}

func decodeRecord[T any](codec Codec, data []byte) (Record[T], error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record[T]{}, fmt.Errorf("progress: decode record: %w", err)
	}
	rec := Record[T]{
		Key:       env.Key,
		Lifecycle: env.Lifecycle,
		Seq:       env.Seq,
		State:     env.State,
		Percent:   env.Percent,
		Message:   env.Message,
		Terminal:  env.Terminal,
		At:        env.At,
	}
	if len(env.Result) > 0 {
		if err := codec.Unmarshal(env.Result, &rec.Result); err != nil {
			return Record[T]{}, fmt.Errorf("progress: decode result for %q: %w", env.Key, err)
		}
	}
	switch env.Kind {
	case "":
	case kindLeaseLost:
		rec.Err = claimerr.ErrLeaseLost
	case kindCanceled:
		rec.Err = claimerr.ErrCanceled
	default:
		rec.Err = &RemoteError{Message: env.Error}
	}
	return rec, nil
}

// dedup drops records already delivered within the same lifecycle.
type dedup struct {
	lifecycle string
	seq       uint64
}

func (d *dedup) fresh(lifecycle string, seq uint64) bool {
	if lifecycle == d.lifecycle && seq <= d.seq {
		return false
	}
	d.lifecycle, d.seq = lifecycle, seq
	return true
}

type relayOptions struct {
	codec          Codec
	ttl            time.Duration
	requestTimeout time.Duration
	watchInterval  time.Duration
}

func defaultRelayOptions() relayOptions {
	return relayOptions{codec: JSONCodec{}, ttl: time.Minute, requestTimeout: 500 * time.Millisecond, watchInterval: DefaultWatchInterval}
}

// RelayOption configures a relay.
type RelayOption func(*relayOptions)

// WithCodec sets the codec used for results. JSONCodec is the default.
func WithCodec(c Codec) RelayOption {
	return func(o *relayOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithRecordTTL sets how long intermediate records stay readable through
// Latest. Terminal records use the retention window instead.
func WithRecordTTL(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithRequestTimeout bounds request/reply lookups of the latest record.
func WithRequestTimeout(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithWatchInterval sets how often a FileRelay watcher rereads the record
// file between filesystem events.
func WithWatchInterval(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.watchInterval = d
		}
	}
}
