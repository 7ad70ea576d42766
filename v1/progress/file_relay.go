package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mirkobrombin/go-claim/v1/lock"
)

// DefaultWatchInterval is how often a FileRelay watcher rereads the record
// file when no filesystem event arrives.
const DefaultWatchInterval = 100 * time.Millisecond

// fileEntry is the on-disk form of the latest record of a key.
type fileEntry struct {
	Expires time.Time       `json:"expires"`
	Record  json.RawMessage `json:"record"`
}

// FileRelay mirrors records through a directory shared by every process,
// usually the lock directory of a lock.FileStore. The latest record of a key
// is kept in <dir>/<Name(key)>.progress and replaced atomically on every
// publish. Intermediate records are readable for the record TTL, terminal
// ones for the retention window.
type FileRelay[T any] struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	opts      relayOptions
}

// NewFileRelay creates a FileRelay rooted at dir, creating it if needed.
func NewFileRelay[T any](dir string, retention time.Duration, opts ...RelayOption) (*FileRelay[T], error) {
	if dir == "" {
		return nil, errors.New("progress: file relay directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("progress: prepare relay dir %q: %w", dir, err)
	}
	o := defaultRelayOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	interval := o.watchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &FileRelay[T]{dir: dir, retention: retention, interval: interval, opts: o}, nil
}

func (r *FileRelay[T]) path(key string) string {
	return filepath.Join(r.dir, lock.Name(key)+".progress")
}

// Publish implements Relay.Publish.
func (r *FileRelay[T]) Publish(ctx context.Context, rec Record[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeRecord(r.opts.codec, rec)
	if err != nil {
		return err
	}
	ttl := r.opts.ttl
	if rec.Terminal {
		ttl = r.retention
	}
	payload, err := json.Marshal(fileEntry{Expires: time.Now().Add(ttl), Record: data})
	if err != nil {
		return fmt.Errorf("progress: encode entry for %q: %w", rec.Key, err)
	}
	tmp, err := os.CreateTemp(r.dir, ".progress-*")
	if err != nil {
		return fmt.Errorf("progress: file publish %q: %w", rec.Key, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("progress: file publish %q: %w", rec.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("progress: file publish %q: %w", rec.Key, err)
	}
	if err := os.Rename(tmp.Name(), r.path(rec.Key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("progress: file publish %q: %w", rec.Key, err)
	}
	return nil
}

// Latest implements Relay.Latest. Expired entries count as absent.
func (r *FileRelay[T]) Latest(ctx context.Context, key string) (Record[T], bool, error) {
	if err := ctx.Err(); err != nil {
		return Record[T]{}, false, err
	}
	data, err := os.ReadFile(r.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Record[T]{}, false, nil
	}
	if err != nil {
		return Record[T]{}, false, fmt.Errorf("progress: file latest %q: %w", key, err)
	}
	var entry fileEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Record[T]{}, false, fmt.Errorf("progress: decode entry for %q: %w", key, err)
	}
	if time.Now().After(entry.Expires) {
		return Record[T]{}, false, nil
	}
	rec, err := decodeRecord[T](r.opts.codec, entry.Record)
	if err != nil {
		return Record[T]{}, false, err
	}
	return rec, true, nil
}

// Watch implements Relay.Watch. The record file is reread on every
// filesystem event naming it and on every tick of the watch interval, so
// intermediate records replaced between two reads are coalesced.
func (r *FileRelay[T]) Watch(ctx context.Context, key string) (<-chan Record[T], error) {
	path := r.path(key)
	var events chan fsnotify.Event
	w, err := fsnotify.NewWatcher()
	if err == nil {
		if err = w.Add(r.dir); err != nil {
			w.Close()
		} else {
			events = w.Events
		}
	}
	if err != nil {
		slog.Warn("claim: relay falls back to polling", "key", key, "error", err)
		w = nil
	}

	out := make(chan Record[T], 16)
	go func() {
		defer close(out)
		if w != nil {
			defer w.Close()
		}
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		var seen dedup
		read := func() bool {
			rec, ok, err := r.Latest(ctx, key)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("claim: relay dropped record", "key", key, "error", err)
				}
				return ctx.Err() == nil
			}
			if !ok || !seen.fresh(rec.Lifecycle, rec.Seq) {
				return true
			}
			select {
			case out <- rec:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !read() {
			return
		}
		var errs chan error
		if w != nil {
			errs = w.Errors
		}
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				slog.Warn("claim: relay watch error", "key", key, "error", err)
				continue
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
			if !read() {
				return
			}
		}
	}()
	return out, nil
}

// Close implements Relay.Close. Record files stay on disk and are replaced
// by the next lifecycle of their key.
func (r *FileRelay[T]) Close() error { return nil }
