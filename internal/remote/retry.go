package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryAdapter wraps an Adapter with in-call retry of transient errors on
// reads. Writes are passed straight through: a failed write goes back to the
// queue, whose retry scheduler owns write backoff.
type RetryAdapter struct {
	inner  Adapter
	config *RetryConfig
}

var _ Adapter = (*RetryAdapter)(nil)

// NewRetryAdapter creates a RetryAdapter that wraps the given Adapter.
func NewRetryAdapter(inner Adapter, cfg *RetryConfig) *RetryAdapter {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryAdapter{inner: inner, config: cfg}
}

// Unwrap returns the wrapped adapter.
func (ra *RetryAdapter) Unwrap() Adapter { return ra.inner }

// IsTransient returns true for errors that are worth retrying immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrVersionConflict) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (ra *RetryAdapter) backoff(attempt int) time.Duration {
	base := float64(ra.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(ra.config.MaxBackoff) {
		base = float64(ra.config.MaxBackoff)
	}
	jitter := base * ra.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
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

// retry executes fn with retry logic. Only retries transient errors.
func (ra *RetryAdapter) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= ra.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt < ra.config.MaxRetries {
			d := ra.backoff(attempt)
			if err := sleep(ctx, d); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, ra.config.MaxRetries)
}

// Create is not retried here; the queue retries it with the same idempotency key.
func (ra *RetryAdapter) Create(ctx context.Context, entityType, entityID string, payload models.Payload) (*CreateResult, error) {
	return ra.inner.Create(ctx, entityType, entityID, payload)
}

// Update is a compare-and-swap and is never retried blindly.
func (ra *RetryAdapter) Update(ctx context.Context, entityType, entityID string, payload models.Payload, expectedVersion string) (*UpdateResult, error) {
	return ra.inner.Update(ctx, entityType, entityID, payload, expectedVersion)
}

func (ra *RetryAdapter) Delete(ctx context.Context, entityType, entityID string) error {
	return ra.inner.Delete(ctx, entityType, entityID)
}

func (ra *RetryAdapter) Exists(ctx context.Context, entityType, entityID string) (ok bool, err error) {
	err = ra.retry(ctx, "exists", func() error {
		ok, err = ra.inner.Exists(ctx, entityType, entityID)
		return err
	})
	return
}

func (ra *RetryAdapter) Fetch(ctx context.Context, entityType, entityID string) (e *Entity, err error) {
	err = ra.retry(ctx, "fetch", func() error {
		e, err = ra.inner.Fetch(ctx, entityType, entityID)
		return err
	})
	return
}

// ApplyCustom forwards to the wrapped adapter when it supports custom operations.
func (ra *RetryAdapter) ApplyCustom(ctx context.Context, op *models.SyncOperation) error {
	ca, ok := ra.inner.(CustomApplier)
	if !ok {
		return fmt.Errorf("custom operation %q: adapter does not support custom operations", op.Action)
	}
	return ca.ApplyCustom(ctx, op)
}

// Ping forwards to the wrapped adapter when it can report reachability.
func (ra *RetryAdapter) Ping(ctx context.Context) error {
	p, ok := ra.inner.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}
