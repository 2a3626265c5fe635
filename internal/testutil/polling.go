// Package testutil provides polling helpers and plugin script fixtures for
// tests that drive sandboxes and evaluation passes asynchronously.
package testutil

import (
	"context"
	"fmt"
	"time"
)

// PollingInterval is the default interval between condition checks.
const PollingInterval = 10 * time.Millisecond

// PassTimeout bounds waits for an evaluation pass to be rendered. Sandboxes
// are built lazily on the first pass, so this is well above a single
// invocation limit.
const PassTimeout = 5 * time.Second

// Poll repeatedly checks a condition until it becomes true or timeout expires.
// Returns an error if timeout expires before condition becomes true.
func Poll(ctx context.Context, condition func() bool, timeout time.Duration, interval time.Duration) error {
	_, err := WaitForState(ctx, condition, func(ok bool) bool { return ok }, timeout, interval)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("timeout waiting for condition (threshold: %v)", timeout)
	}
	return err
}

// WaitForState waits until the state getter returns a value that satisfies
// the predicate function, or timeout expires. On failure the zero value is
// returned.
//
//	doc, err := WaitForState(ctx, latest.Document,
//		func(d *merge.Document) bool { return d != nil && d.Version == 2 },
//		PassTimeout, PollingInterval)
func WaitForState[T any](ctx context.Context, getter func() T, predicate func(T) bool, timeout time.Duration, interval time.Duration) (T, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state := getter()
		if predicate(state) {
			return state, nil
		}

		var zero T
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline.C:
			return zero, fmt.Errorf("timeout waiting for target state (type %T, threshold: %v)", zero, timeout)
		case <-ticker.C:
		}
	}
}
