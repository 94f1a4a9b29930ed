package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWorkerTimeout is returned by Gather when a run-once worker fails to
// report completion within the deadline.
var ErrWorkerTimeout = errors.New("worker did not complete in time")

// Gather runs fn once per partition, each in its own worker goroutine,
// and blocks until every worker has reported completion. The first
// worker error cancels the remaining workers and is returned. A timeout
// of zero disables the completion deadline.
func Gather(ctx context.Context, partitions int, timeout time.Duration, fn func(ctx context.Context, partition int) error) error {
	if partitions <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, partitions)
	for p := 0; p < partitions; p++ {
		go func(p int) {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("worker %d panicked: %v", p, r)
				}
			}()
			done <- fn(ctx, p)
		}(p)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	var firstErr error
	for remaining := partitions; remaining > 0; remaining-- {
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
				cancel()
			}
		case <-deadline:
			cancel()
			return ErrWorkerTimeout
		case <-ctx.Done():
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		}
	}
	return firstErr
}
