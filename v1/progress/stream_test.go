package progress

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStreamDeliversInOrderAndEndsAtTerminal(t *testing.T) {
	s := NewStream[string]("k", 0)
	s.Push(Running[string](10, "a"))
	s.Push(Running[string](50, "b"))
	s.Push(Completed("done"))
	if s.Push(Running[string](99, "late")) {
		t.Fatal("push after terminal should be rejected")
	}

	var got []float64
	for rec := range s.Records(context.Background()) {
		got = append(got, rec.Percent)
	}
	want := []float64{10, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, ErrDone) {
		t.Fatalf("expected ErrDone, got %v", err)
	}
}

func TestStreamDropsOldestIntermediateWhenFull(t *testing.T) {
	s := NewStream[int]("k", 2)
	s.Push(Running[int](1, ""))
	s.Push(Running[int](2, ""))
	s.Push(Running[int](3, ""))
	s.Push(Completed(7))

	ctx := context.Background()
	first, _ := s.Next(ctx)
	if first.Percent != 2 {
		t.Fatalf("expected oldest record dropped, got %v", first.Percent)
	}
	second, _ := s.Next(ctx)
	if second.Percent != 3 {
		t.Fatalf("unexpected second record %v", second.Percent)
	}
	last, _ := s.Next(ctx)
	if !last.Terminal || last.Result != 7 {
		t.Fatalf("terminal record lost: %+v", last)
	}
}

func TestStreamNextWaitsForPush(t *testing.T) {
	s := NewStream[string]("k", 0)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Push(Running[string](5, ""))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := s.Next(ctx)
	if err != nil || rec.Percent != 5 {
		t.Fatalf("next: %+v %v", rec, err)
	}
}

func TestStreamNextHonoursContext(t *testing.T) {
	s := NewStream[string]("k", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStreamCloseWithError(t *testing.T) {
	s := NewStream[string]("k", 0)
	s.Push(Running[string](1, ""))
	boom := errors.New("boom")
	s.CloseWithError(boom)
	s.Close()
	if rec, err := s.Next(context.Background()); err != nil || rec.Percent != 1 {
		t.Fatalf("queued record should survive close: %+v %v", rec, err)
	}
	if _, err := s.Next(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected close error, got %v", err)
	}
}
