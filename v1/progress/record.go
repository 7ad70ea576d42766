package progress

import (
	"fmt"
	"time"
)

// State describes where a lifecycle is.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Record is the latest known state of the work for a key. Terminal records
// carry either Result (completed) or Err (failed) and are never modified.
type Record[T any] struct {
	Key string
	// Lifecycle identifies one lease lifecycle; it is the lease token.
	Lifecycle string
	// Seq increases with every record published in a lifecycle.
	Seq      uint64
	State    State
	Percent  float64
	Message  string
	Terminal bool
	Result   T
	Err      error
	At       time.Time
}

// Running returns an intermediate record.
func Running[T any](percent float64, message string) Record[T] {
	return Record[T]{State: StateRunning, Percent: percent, Message: message}
}

// Completed returns a terminal success record.
func Completed[T any](result T) Record[T] {
	return Record[T]{State: StateCompleted, Percent: 100, Terminal: true, Result: result}
}

// Failed returns a terminal failure record.
func Failed[T any](err error) Record[T] {
	return Record[T]{State: StateFailed, Terminal: true, Err: err}
}
