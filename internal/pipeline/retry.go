package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// backoff doubles from base up to max
type backoff struct {
	base time.Duration
	max  time.Duration
}

// delay before attempt+1, given attempt (1-based) just failed
func (b backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

// sleep waits d or until ctx ends
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fitsDeadline reports whether waiting d still leaves the job time to run
func fitsDeadline(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return !ok || time.Now().Add(d).Before(deadline)
}

// callAsync runs fn on its own goroutine and returns as soon as either fn
// finishes or ctx ends, so a callee that ignores cancellation cannot hold
// the job past its deadline
func callAsync[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic in remote call: %v\n%s", r, debug.Stack())}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case res := <-ch:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
