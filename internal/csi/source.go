package csi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// Source supplies timestamped CSI frames. The pipeline is polymorphic over
// this single capability: a live capture, a file replay and a synthetic
// generator are interchangeable.
type Source interface {
	// Next blocks until a frame is available, the source is exhausted
	// (ErrExhausted), the context is cancelled, or a read fails.
	Next(ctx context.Context) (Frame, error)

	// Close releases any resources held by the source.
	Close() error
}

// RetryingSource wraps a Source with bounded-backoff retry on read failure.
// Exhaustion (ErrExhausted) and context cancellation pass through untouched;
// any other error is retried up to MaxRetries times with exponential
// backoff, then surfaced with the underlying cause.
type RetryingSource struct {
	src        Source
	clock      timeutil.Clock
	maxRetries int
	backoff    time.Duration
}

// NewRetryingSource wraps src with the given retry budget. A nil clock uses
// the real clock.
func NewRetryingSource(src Source, maxRetries int, backoff time.Duration, clock timeutil.Clock) *RetryingSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &RetryingSource{
		src:        src,
		clock:      clock,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Next reads the next frame, retrying transient failures.
func (r *RetryingSource) Next(ctx context.Context) (Frame, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: base doubled per retry.
			d := r.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-r.clock.After(d):
			}
		}

		f, err := r.src.Next(ctx)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, ErrExhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Frame{}, err
		}
		lastErr = err
		monitoring.Logf("csi: acquisition failed (attempt %d/%d): %v", attempt+1, r.maxRetries+1, err)
	}
	return Frame{}, fmt.Errorf("csi: acquisition failed after %d retries: %w", r.maxRetries, lastErr)
}

// Close closes the wrapped source.
func (r *RetryingSource) Close() error { return r.src.Close() }
