package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
)

// FileStore implements Store with lock files in a directory shared by every
// participating process.
//
// A new artifact is written to a temporary file and hard-linked to
// <dir>/<Name(key)>.lock; link fails when the target exists, so creation is
// atomic and readers never observe a partial record. Every change to an
// existing artifact (takeover, renew, release) happens while holding an
// exclusive flock on the sidecar <Name(key)>.guard file.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("lock: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: prepare lock dir %q: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

// Dir returns the directory holding the lock artifacts.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, Name(key)+".lock")
}

// TryClaim implements Store.TryClaim.
func (s *FileStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, claimerr.ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(key)
	l := newLease(key, owner, ttl, s.now())
	tmp, err := s.writeTemp(l.record())
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err == nil {
		return l, nil
	} else if !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("lock: create %q: %w", path, err)
	}

	unlock, err := s.guard(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := readRecord(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// released while we waited for the guard
		if err := os.Link(tmp, path); err != nil {
			if errors.Is(err, fs.ErrExist) {
				if cur, err := readRecord(path); err == nil {
					return nil, busy(cur)
				}
				return nil, busy(Record{Key: key})
			}
			return nil, fmt.Errorf("lock: create %q: %w", path, err)
		}
		return l, nil
	case err != nil:
		// unreadable artifacts are stale
	case !cur.Expired(s.now()):
		return nil, busy(cur)
	}

	// Refresh timestamps: waiting for the guard may have taken a while.
	now := s.now()
	l.AcquiredAt, l.Deadline = now, now.Add(ttl)
	fresh, err := s.writeTemp(l.record())
	if err != nil {
		return nil, err
	}
	if err := os.Rename(fresh, path); err != nil {
		os.Remove(fresh)
		return nil, fmt.Errorf("lock: take over %q: %w", path, err)
	}
	return l, nil
}

// Renew implements Store.Renew.
func (s *FileStore) Renew(ctx context.Context, l *Lease) error {
	unlock, err := s.guard(l.Key)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.path(l.Key)
	cur, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return claimerr.ErrLeaseLost
	}
	if err != nil {
		return err
	}
	if cur.Token != l.Token {
		return claimerr.ErrLeaseLost
	}
	cur.Deadline = s.now().Add(l.TTL)
	tmp, err := s.writeTemp(cur)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("lock: renew %q: %w", path, err)
	}
	l.Deadline = cur.Deadline
	return nil
}

// Release implements Store.Release.
func (s *FileStore) Release(ctx context.Context, l *Lease) error {
	unlock, err := s.guard(l.Key)
	if err != nil {
		return err
	}
	defer unlock()

	path := s.path(l.Key)
	cur, err := readRecord(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && cur.Token != l.Token {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: release %q: %w", path, err)
	}
	return nil
}

// Inspect implements Store.Inspect.
func (s *FileStore) Inspect(ctx context.Context, key string) (Record, bool, error) {
	rec, err := readRecord(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *FileStore) guard(key string) (func(), error) {
	path := filepath.Join(s.dir, Name(key)+".guard")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open guard %q: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock: acquire guard %q: %w", path, err)
	}
	return func() {
		_ = unlockFile(f)
		f.Close()
	}, nil
}

func (s *FileStore) writeTemp(rec Record) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("lock: encode artifact for %q: %w", rec.Key, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".claim-*")
	if err != nil {
		return "", fmt.Errorf("lock: create temp artifact for %q: %w", rec.Key, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("lock: write artifact for %q: %w", rec.Key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("lock: sync artifact for %q: %w", rec.Key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("lock: close artifact for %q: %w", rec.Key, err)
	}
	return tmp.Name(), nil
}

func readRecord(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("lock: decode %q: %w", path, err)
	}
	return rec, nil
}
