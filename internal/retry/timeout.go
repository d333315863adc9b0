package retry

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError is returned by WithTimeout/Deadline when the deadline elapses
// before the operation completes.
type TimeoutError struct {
	Operation string
	TimeoutMs int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %dms", e.Operation, e.TimeoutMs)
}

// WithTimeout runs fn and bounds it to timeoutMs, honoring ctx cancellation.
// If ctx is already cancelled on entry it rejects immediately without
// starting fn.
func WithTimeout[T any](ctx context.Context, timeoutMs int, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(cctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-cctx.Done():
		return zero, &TimeoutError{Operation: operation, TimeoutMs: timeoutMs}
	}
}

// Delay sleeps for d, returning early with context.Canceled/DeadlineExceeded
// if ctx finishes first.
func Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deadline returns a channel that receives a TimeoutError after ms
// milliseconds, labeled with label. Standalone rejecting timer, per §4.12.
func Deadline(ms int, label string) <-chan error {
	ch := make(chan error, 1)
	go func() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		ch <- &TimeoutError{Operation: label, TimeoutMs: ms}
	}()
	return ch
}
