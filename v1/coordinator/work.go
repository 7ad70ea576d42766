package coordinator

import (
	"context"
	"fmt"
)

// Emitter is handed to the work by the owner. Emit publishes an
// informational progress record; Done and Err expose the cancellation
// signal of the execution.
type Emitter interface {
	// Emit publishes percent (clamped to 0..100) and message to every
	// subscriber. It returns the cancellation cause once the execution was
	// abandoned.
	Emit(percent float64, message string) error
	// Done is closed when the work must stop producing side effects.
	Done() <-chan struct{}
	// Err returns the reason Done was closed, or nil.
	Err() error
}

// Work is the operation deduplicated by key. Run is invoked for the owner
// only; its result is passed through to every consumer untouched. Any error
// returned is terminal.
type Work[T any] interface {
	Run(ctx context.Context, e Emitter) (T, error)
}

// WorkFunc adapts a function to Work.
type WorkFunc[T any] func(ctx context.Context, e Emitter) (T, error)

// Run implements Work.
func (f WorkFunc[T]) Run(ctx context.Context, e Emitter) (T, error) { return f(ctx, e) }

type emitter[T any] struct {
	ctx context.Context
	r   *run[T]
}

func (e *emitter[T]) Emit(percent float64, message string) error {
	if err := e.Err(); err != nil {
		return err
	}
	return e.r.emit(min(max(percent, 0), 100), message)
}

func (e *emitter[T]) Done() <-chan struct{} { return e.ctx.Done() }

func (e *emitter[T]) Err() error {
	if e.ctx.Err() == nil {
		return nil
	}
	return context.Cause(e.ctx)
}

func runWork[T any](ctx context.Context, w Work[T], e Emitter) (res T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("claim: work panicked: %v", p)
		}
	}()
	return w.Run(ctx, e)
}
