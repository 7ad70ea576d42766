package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	claimerr "github.com/mirkobrombin/go-claim/v1/errors"
	"github.com/mirkobrombin/go-claim/v1/lock"
	"github.com/mirkobrombin/go-claim/v1/progress"
)

func newCoordinator(t *testing.T, store lock.Store, opts ...Option[string]) *Coordinator[string] {
	t.Helper()
	base := []Option[string]{
		WithTTL[string](300 * time.Millisecond),
		WithHeartbeat[string](50 * time.Millisecond),
		WithRetention[string](200 * time.Millisecond),
		WithPollInterval[string](20 * time.Millisecond),
		WithDefaultMaxWait[string](5 * time.Second),
	}
	c, err := New[string](store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// stepWork emits the given percentages with a pause in front of each one
// and returns result.
func stepWork(calls *atomic.Int32, pause time.Duration, result string, steps ...float64) Work[string] {
	return WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		calls.Add(1)
		for _, p := range steps {
			select {
			case <-time.After(pause):
			case <-e.Done():
				return "", e.Err()
			}
			if err := e.Emit(p, fmt.Sprintf("%.0f%%", p)); err != nil {
				return "", err
			}
		}
		return result, nil
	})
}

func collect(t *testing.T, h *Handle[string]) []progress.Record[string] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var recs []progress.Record[string]
	for rec := range h.Progress(ctx) {
		recs = append(recs, rec)
	}
	return recs
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func percents(recs []progress.Record[string]) []float64 {
	var out []float64
	for _, r := range recs {
		if !r.Terminal {
			out = append(out, r.Percent)
		}
	}
	return out
}

func TestFile42Scenario(t *testing.T) {
	store, err := lock.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	c := newCoordinator(t, store)
	var calls atomic.Int32
	work := stepWork(&calls, 60*time.Millisecond, "checksum:abc123", 10, 50, 100)

	ctx := context.Background()
	handles := make([]*Handle[string], 3)
	for i := range handles {
		h, err := c.Acquire(ctx, "file-42", work)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		handles[i] = h
		time.Sleep(2 * time.Millisecond)
	}

	owners := 0
	for i, h := range handles {
		if h.WasOwner() {
			owners++
		}
		recs := collect(t, h)
		if len(recs) == 0 {
			t.Fatalf("caller %d observed nothing", i)
		}
		last := recs[len(recs)-1]
		if !last.Terminal || last.State != progress.StateCompleted || last.Result != "checksum:abc123" {
			t.Fatalf("caller %d: unexpected terminal record %+v", i, last)
		}
		if got := percents(recs); !slices.Equal(got, []float64{10, 50, 100}) {
			t.Fatalf("caller %d: expected progress 10,50,100 got %v", i, got)
		}
		terminals := 0
		for _, r := range recs {
			if r.Terminal {
				terminals++
			}
		}
		if terminals != 1 {
			t.Fatalf("caller %d: expected one terminal record got %d", i, terminals)
		}
		res, err := h.Wait(ctx)
		if err != nil || res != "checksum:abc123" {
			t.Fatalf("caller %d: wait returned %q, %v", i, res, err)
		}
	}
	if owners != 1 {
		t.Fatalf("expected exactly one owner got %d", owners)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one work execution got %d", n)
	}
}

func TestMutualExclusionAndFanOut(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	var calls atomic.Int32
	work := stepWork(&calls, 20*time.Millisecond, "shared", 25, 75)

	const n = 16
	results := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := c.Do(context.Background(), "key", work)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("do: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one execution got %d", got)
	}
	for i, r := range results {
		if r != "shared" {
			t.Fatalf("caller %d got %q", i, r)
		}
	}
}

func TestWorkErrorFanOut(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	boom := errors.New("download failed")
	var calls atomic.Int32
	work := WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "", boom
	})

	var g errgroup.Group
	errs := make([]error, 4)
	for i := range errs {
		g.Go(func() error {
			_, errs[i] = c.Do(context.Background(), "key", work)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: expected work error got %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one execution got %d", calls.Load())
	}
}

func TestProgressOrdering(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	start := make(chan struct{})
	steps := make([]float64, 50)
	for i := range steps {
		steps[i] = float64(i * 2)
	}
	work := WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		<-start
		for _, p := range steps {
			if err := e.Emit(p, ""); err != nil {
				return "", err
			}
		}
		return "done", nil
	})

	ctx := context.Background()
	owner, err := c.Acquire(ctx, "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter, err := c.Acquire(ctx, "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if waiter.WasOwner() || !owner.WasOwner() {
		t.Fatal("unexpected roles")
	}
	close(start)

	for _, h := range []*Handle[string]{owner, waiter} {
		recs := collect(t, h)
		if got := percents(recs); !slices.Equal(got, steps) {
			t.Fatalf("expected %v got %v", steps, got)
		}
		for i := 1; i < len(recs); i++ {
			if recs[i].Seq <= recs[i-1].Seq {
				t.Fatalf("records out of order: %d after %d", recs[i].Seq, recs[i-1].Seq)
			}
		}
		if last := recs[len(recs)-1]; !last.Terminal || last.Result != "done" {
			t.Fatalf("unexpected terminal record %+v", last)
		}
	}
}

func TestExpiryRecovery(t *testing.T) {
	store := lock.NewInMemory()
	c := newCoordinator(t, store)
	ctx := context.Background()

	// a crashed owner: claimed, never renewed, never released
	if _, err := store.TryClaim(ctx, "key", "crashed", 100*time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	var calls atomic.Int32
	work := stepWork(&calls, 0, "fresh")

	h, err := c.Acquire(ctx, "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.WasOwner() {
		t.Fatal("expected waiter while the crashed lease is live")
	}
	if _, err := h.Wait(ctx); !errors.Is(err, claimerr.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired got %v", err)
	}

	res, err := c.Do(ctx, "key", work)
	if err != nil || res != "fresh" {
		t.Fatalf("expected fresh result got %q, %v", res, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected work to run once got %d", calls.Load())
	}
}

func TestLateSubscription(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	ctx := context.Background()
	var calls atomic.Int32
	if _, err := c.Do(ctx, "key", stepWork(&calls, 0, "result", 50)); err != nil {
		t.Fatalf("do: %v", err)
	}

	h, err := c.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe within retention: %v", err)
	}
	recs := collect(t, h)
	if len(recs) != 1 || !recs[0].Terminal || recs[0].Result != "result" {
		t.Fatalf("expected only the terminal record got %+v", recs)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := c.Subscribe(ctx, "key"); !errors.Is(err, claimerr.ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired got %v", err)
	}
}

func TestLateJoinReusesRetainedSuccess(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	ctx := context.Background()
	var calls atomic.Int32
	work := stepWork(&calls, 0, "cached")
	if _, err := c.Do(ctx, "key", work); err != nil {
		t.Fatalf("do: %v", err)
	}
	h, err := c.Acquire(ctx, "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.WasOwner() {
		t.Fatal("retained success should be joined")
	}
	if res, err := h.Wait(ctx); err != nil || res != "cached" {
		t.Fatalf("unexpected result %q, %v", res, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one execution got %d", calls.Load())
	}
}

func TestRetainedFailureAllowsFreshClaim(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	ctx := context.Background()
	var calls atomic.Int32
	work := WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if _, err := c.Do(ctx, "key", work); err == nil {
		t.Fatal("expected first execution to fail")
	}
	res, err := c.Do(ctx, "key", work)
	if err != nil || res != "ok" {
		t.Fatalf("expected fresh execution got %q, %v", res, err)
	}
}

func TestTimeoutIsolation(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	ctx := context.Background()
	var calls atomic.Int32
	owner, err := c.Acquire(ctx, "key", stepWork(&calls, 100*time.Millisecond, "slow", 50, 100))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter, err := c.Acquire(ctx, "key", nil, WithMaxWait(30*time.Millisecond))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := waiter.Wait(ctx); !errors.Is(err, claimerr.ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout got %v", err)
	}
	if res, err := owner.Wait(ctx); err != nil || res != "slow" {
		t.Fatalf("owner should complete normally, got %q, %v", res, err)
	}
}

func TestDeadlinesFiringDuringHandleSetup(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	var calls atomic.Int32
	owner, err := c.Acquire(context.Background(), "key", stepWork(&calls, time.Second, "ok", 100))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		timedOut, err := c.Subscribe(context.Background(), "key", WithMaxWait(time.Nanosecond))
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if _, err := timedOut.Wait(context.Background()); !errors.Is(err, claimerr.ErrWaitTimeout) {
			t.Fatalf("expected ErrWaitTimeout got %v", err)
		}
		gone, err := c.Subscribe(done, "key")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if _, err := gone.Wait(context.Background()); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled got %v", err)
		}
	}
	if res, err := owner.Wait(context.Background()); err != nil || res != "ok" {
		t.Fatalf("owner: %q, %v", res, err)
	}
}

func TestOwnerCancellationPropagates(t *testing.T) {
	store := lock.NewInMemory()
	c := newCoordinator(t, store)
	ownerCtx, cancel := context.WithCancel(context.Background())
	emitErr := make(chan error, 1)
	work := WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		<-e.Done()
		emitErr <- e.Emit(1, "late")
		return "ignored", nil
	})
	owner, err := c.Acquire(ownerCtx, "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter, err := c.Acquire(context.Background(), "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cancel()

	if _, err := waiter.Wait(context.Background()); !errors.Is(err, claimerr.ErrCanceled) {
		t.Fatalf("waiter: expected ErrCanceled got %v", err)
	}
	if _, err := owner.Wait(context.Background()); !errors.Is(err, claimerr.ErrCanceled) {
		t.Fatalf("owner: expected ErrCanceled got %v", err)
	}
	if err := <-emitErr; !errors.Is(err, claimerr.ErrCanceled) {
		t.Fatalf("emit after cancel: expected ErrCanceled got %v", err)
	}
	eventually(t, func() bool {
		_, ok, _ := store.Inspect(context.Background(), "key")
		return !ok
	}, "artifact should be released on cancel")
}

func TestWaiterCancelDoesNotAffectOwner(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	var calls atomic.Int32
	owner, err := c.Acquire(context.Background(), "key", stepWork(&calls, 50*time.Millisecond, "ok", 50))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter, err := c.Acquire(context.Background(), "key", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter.Cancel()
	if _, err := waiter.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
	if res, err := owner.Wait(context.Background()); err != nil || res != "ok" {
		t.Fatalf("owner: %q, %v", res, err)
	}
}

// stealingStore loses every lease on renewal.
type stealingStore struct {
	*lock.InMemory
}

func (s stealingStore) Renew(ctx context.Context, l *lock.Lease) error {
	return claimerr.ErrLeaseLost
}

func TestLeaseLostPropagates(t *testing.T) {
	c := newCoordinator(t, stealingStore{lock.NewInMemory()})
	cause := make(chan error, 1)
	work := WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		<-ctx.Done()
		cause <- context.Cause(ctx)
		return "", ctx.Err()
	})
	owner, err := c.Acquire(context.Background(), "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	waiter, err := c.Acquire(context.Background(), "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for _, h := range []*Handle[string]{owner, waiter} {
		if _, err := h.Wait(context.Background()); !errors.Is(err, claimerr.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost got %v", err)
		}
	}
	select {
	case err := <-cause:
		if !errors.Is(err, claimerr.ErrLeaseLost) {
			t.Fatalf("work context cause: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("work was not canceled")
	}
}

func TestLeaseLostRightAfterStart(t *testing.T) {
	c := newCoordinator(t, stealingStore{lock.NewInMemory()}, WithHeartbeat[string](time.Millisecond))
	work := WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	owner, err := c.Acquire(context.Background(), "key", work)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := owner.Wait(context.Background()); !errors.Is(err, claimerr.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost got %v", err)
	}
	<-owner.run.done
	if got := owner.run.lease.Status; got != lock.StatusExpired {
		t.Fatalf("expected expired lease got %v", got)
	}
}

func TestReentrantAcquireTakesWaiterPath(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	inner := make(chan bool, 1)
	var work WorkFunc[string]
	work = func(ctx context.Context, e Emitter) (string, error) {
		h, err := c.Acquire(ctx, "key", work)
		if err != nil {
			return "", err
		}
		inner <- h.WasOwner()
		h.Cancel()
		return "outer", nil
	}
	res, err := c.Do(context.Background(), "key", work)
	if err != nil || res != "outer" {
		t.Fatalf("unexpected result %q, %v", res, err)
	}
	if <-inner {
		t.Fatal("nested acquire must not become owner")
	}
}

func TestTryRun(t *testing.T) {
	store := lock.NewInMemory()
	c := newCoordinator(t, store)
	ctx := context.Background()
	var calls atomic.Int32
	work := stepWork(&calls, 0, "ran")

	held, err := store.TryClaim(ctx, "key", "other", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := c.TryRun(ctx, "key", work); ok || err != nil {
		t.Fatalf("expected not claimed, got ok=%v err=%v", ok, err)
	}
	_ = store.Release(ctx, held)

	res, ok, err := c.TryRun(ctx, "key", work)
	if !ok || err != nil || res != "ran" {
		t.Fatalf("expected run, got %q ok=%v err=%v", res, ok, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one execution got %d", calls.Load())
	}
}

func TestTryRunRetriesBusyKey(t *testing.T) {
	store := lock.NewInMemory()
	c := newCoordinator(t, store, WithRetry[string](lock.Retry{Attempts: 20, Delay: 10 * time.Millisecond}))
	ctx := context.Background()
	held, err := store.TryClaim(ctx, "key", "other", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.AfterFunc(40*time.Millisecond, func() { _ = store.Release(context.Background(), held) })
	var calls atomic.Int32
	if _, ok, err := c.TryRun(ctx, "key", stepWork(&calls, 0, "ran")); !ok || err != nil {
		t.Fatalf("expected claim after release, got ok=%v err=%v", ok, err)
	}
}

// failingStore never creates artifacts.
type failingStore struct {
	*lock.InMemory
}

func (failingStore) TryClaim(ctx context.Context, key, owner string, ttl time.Duration) (*lock.Lease, error) {
	return nil, errors.New("disk full")
}

func TestClaimFailureIsNotBroadcast(t *testing.T) {
	c := newCoordinator(t, failingStore{lock.NewInMemory()})
	var calls atomic.Int32
	_, err := c.Acquire(context.Background(), "key", stepWork(&calls, 0, "x"))
	if !errors.Is(err, claimerr.ErrClaimFailure) {
		t.Fatalf("expected ErrClaimFailure got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("work must not start on claim failure")
	}
}

func TestRenewKeepsLongWorkOwned(t *testing.T) {
	store := lock.NewInMemory()
	c := newCoordinator(t, store)
	var calls atomic.Int32
	// runs for longer than the ttl
	res, err := c.Do(context.Background(), "key", stepWork(&calls, 150*time.Millisecond, "long", 25, 50, 75))
	if err != nil || res != "long" {
		t.Fatalf("unexpected result %q, %v", res, err)
	}
}

func TestWorkPanicBecomesError(t *testing.T) {
	c := newCoordinator(t, lock.NewInMemory())
	_, err := c.Do(context.Background(), "key", WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		panic("boom")
	}))
	if err == nil {
		t.Fatal("expected error from panicking work")
	}
}

func TestNewValidatesTimings(t *testing.T) {
	store := lock.NewInMemory()
	if _, err := New[string](store, WithTTL[string](0)); !errors.Is(err, claimerr.ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL got %v", err)
	}
	if _, err := New[string](store, WithTTL[string](time.Second), WithHeartbeat[string](800*time.Millisecond)); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("expected ErrInvalidHeartbeat got %v", err)
	}
	c, err := New[string](store)
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	defer c.Close()
	if c.heartbeat != DefaultTTL/3 || c.Owner() == "" {
		t.Fatalf("unexpected defaults: heartbeat %v owner %q", c.heartbeat, c.Owner())
	}
}

func TestCloseCancelsOwnedWork(t *testing.T) {
	store := lock.NewInMemory()
	c, err := New[string](store, WithTTL[string](time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h, err := c.Acquire(context.Background(), "key", WorkFunc[string](func(ctx context.Context, e Emitter) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.Wait(context.Background()); !errors.Is(err, claimerr.ErrCanceled) {
		t.Fatalf("expected ErrCanceled got %v", err)
	}
	if _, ok, _ := store.Inspect(context.Background(), "key"); ok {
		t.Fatal("artifact should be released on close")
	}
	if _, err := c.Acquire(context.Background(), "key", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed got %v", err)
	}
}
