// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pool runs a function over a fixed set of items with a bounded
// number of workers, retrying failed items per a RetryPolicy. Every item
// produces exactly one Result.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/paper-ingest/pkg/types"
)

// ErrNotStarted is the error of items never dispatched because the run was
// cancelled first.
var ErrNotStarted = errors.New("not started: run cancelled")

// RetryPolicy bounds per-item attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls per item, at least 1.
	MaxAttempts int

	// Backoff[k-1] is the wait after the k-th failed attempt. The last
	// entry repeats; an empty schedule retries immediately.
	Backoff []time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means types.IsRetryable.
	Retryable func(error) bool
}

// DefaultPolicy is three attempts separated by 1s and 5s.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 5 * time.Second, 5 * time.Minute},
		Retryable:   types.IsRetryable,
	}
}

// PolicyFrom builds a policy from configuration, falling back to the
// defaults for unset fields.
func PolicyFrom(cfg types.RetryConfig) RetryPolicy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if len(cfg.Backoff) > 0 {
		p.Backoff = cfg.Backoff
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	return p.Backoff[min(attempt-1, len(p.Backoff)-1)]
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return types.IsRetryable(err)
	}
	return p.Retryable(err)
}

// Result is the outcome for one item.
type Result[T, R any] struct {
	Item     T
	Value    R
	Attempts int
	Err      error

	// Interrupted is set when cancellation kept the item from reaching a
	// final outcome: it was never started, or it was waiting to retry.
	// Err then holds ErrNotStarted or the last attempt's error.
	Interrupted bool
}

// Run calls fn for every item using n workers and returns a channel that
// yields exactly len(items) results, in completion order, then closes.
//
// Cancelling ctx stops dispatch immediately. Calls already in flight run to
// completion with a context that is not cancelled, and their results are
// reported; a worker waiting out a backoff stops waiting and reports the
// item as interrupted. Items not yet dispatched are reported with
// ErrNotStarted. A panic in fn is reported as that item's error.
func Run[T, R any](ctx context.Context, items []T, n int, policy RetryPolicy, fn func(context.Context, T) (R, error)) <-chan Result[T, R] {
	out := make(chan Result[T, R], len(items))
	if len(items) == 0 {
		close(out)
		return out
	}
	n = min(max(n, 1), len(items))

	queue := make(chan T)
	go func() {
		defer close(out)

		var g errgroup.Group
		for range n {
			g.Go(func() error {
				for item := range queue {
					out <- runItem(ctx, item, policy, fn)
				}
				return nil
			})
		}

		fed := 0
	feed:
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			select {
			case queue <- item:
				fed++
			case <-ctx.Done():
				break feed
			}
		}
		close(queue)
		g.Wait()

		for _, item := range items[fed:] {
			out <- Result[T, R]{Item: item, Err: ErrNotStarted, Interrupted: true}
		}
	}()
	return out
}

func runItem[T, R any](ctx context.Context, item T, policy RetryPolicy, fn func(context.Context, T) (R, error)) Result[T, R] {
	res := Result[T, R]{Item: item}
	if ctx.Err() != nil {
		res.Err = ErrNotStarted
		res.Interrupted = true
		return res
	}

	callCtx := context.WithoutCancel(ctx)
	limit := policy.attempts()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		res.Value, res.Err = call(callCtx, item, fn)
		if res.Err == nil || attempt >= limit || !policy.retryable(res.Err) {
			return res
		}
		if !wait(ctx, policy.Delay(attempt)) {
			res.Interrupted = true
			return res
		}
	}
}

func call[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}

// wait sleeps for d and reports false if ctx was cancelled first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
