package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/isaacmuchunu/offsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient_NilError(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_ServerError(t *testing.T) {
	err := &RemoteError{Status: 500, Code: "internal_error", Message: "server error"}
	assert.True(t, IsTransient(err))
}

func TestIsTransient_TooManyRequests(t *testing.T) {
	err := &RemoteError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "too many"}
	assert.True(t, IsTransient(err))
}

func TestIsTransient_ClientError(t *testing.T) {
	err := &RemoteError{Status: 400, Code: "bad_request", Message: "bad"}
	assert.False(t, IsTransient(err))
}

func TestIsTransient_Sentinels(t *testing.T) {
	assert.False(t, IsTransient(fmt.Errorf("fetch: %w", ErrNotFound)))
	assert.False(t, IsTransient(&RemoteError{Status: http.StatusPreconditionFailed}))
	assert.False(t, IsTransient(context.DeadlineExceeded))
}

func TestIsTransient_NetworkError(t *testing.T) {
	err := &http.MaxBytesError{Limit: 100}
	assert.True(t, IsTransient(err))
}

func TestRetryAdapter_Backoff(t *testing.T) {
	ra := NewRetryAdapter(nil, &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0, // no jitter for deterministic test
	})

	assert.Equal(t, 100*time.Millisecond, ra.backoff(0))
	assert.Equal(t, 200*time.Millisecond, ra.backoff(1))
	assert.Equal(t, 400*time.Millisecond, ra.backoff(2))
}

func TestRetryAdapter_BackoffCapped(t *testing.T) {
	ra := NewRetryAdapter(nil, &RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.0,
	})

	assert.Equal(t, 5*time.Second, ra.backoff(10))
}

func fastRetry(inner Adapter, retries int) *RetryAdapter {
	return NewRetryAdapter(inner, &RetryConfig{
		MaxRetries:     retries,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		JitterFraction: 0.0,
	})
}

func TestRetryAdapter_FetchRetriesTransient(t *testing.T) {
	mem := NewMemoryAdapter()
	mem.Put("note", "n1", models.Payload{"a": models.Int(1)})
	attempts := 0
	mem.Fail = func(method, _, _ string) error {
		if method != "fetch" {
			return nil
		}
		attempts++
		if attempts < 3 {
			return &RemoteError{Status: 503, Code: "unavailable", Message: "busy"}
		}
		return nil
	}

	e, err := fastRetry(mem, 3).Fetch(context.Background(), "note", "n1")
	require.NoError(t, err)
	assert.Equal(t, "1", e.Version)
	assert.Equal(t, 3, attempts)
}

func TestRetryAdapter_RetryExhausted(t *testing.T) {
	mem := NewMemoryAdapter()
	mem.Fail = func(string, string, string) error {
		return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
	}

	_, err := fastRetry(mem, 2).Exists(context.Background(), "note", "n1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 3, mem.CallCount("exists")) // initial + 2 retries
}

func TestRetryAdapter_NoRetryOnNotFound(t *testing.T) {
	mem := NewMemoryAdapter()
	_, err := fastRetry(mem, 3).Fetch(context.Background(), "note", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, mem.CallCount("fetch"))
}

func TestRetryAdapter_WritesNotRetried(t *testing.T) {
	mem := NewMemoryAdapter()
	mem.Fail = func(string, string, string) error { return errors.New("connection reset") }
	ra := fastRetry(mem, 3)
	ctx := context.Background()

	_, err := ra.Create(ctx, "note", "n1", models.Payload{})
	assert.Error(t, err)
	_, err = ra.Update(ctx, "note", "n1", models.Payload{}, "1")
	assert.Error(t, err)
	assert.Error(t, ra.Delete(ctx, "note", "n1"))

	assert.Equal(t, 1, mem.CallCount("create"))
	assert.Equal(t, 1, mem.CallCount("update"))
	assert.Equal(t, 1, mem.CallCount("delete"))
}

func TestRetryAdapter_ContextCancellation(t *testing.T) {
	mem := NewMemoryAdapter()
	mem.Fail = func(string, string, string) error {
		return &RemoteError{Status: 500, Code: "internal", Message: "fail"}
	}
	ra := NewRetryAdapter(mem, &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ra.Fetch(ctx, "note", "n1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestRetryAdapter_ForwardsCustomAndPing(t *testing.T) {
	mem := NewMemoryAdapter()
	var got string
	mem.Custom = func(_ context.Context, op *models.SyncOperation) error {
		got = op.Action
		return nil
	}
	ra := fastRetry(mem, 1)

	require.NoError(t, ra.ApplyCustom(context.Background(), &models.SyncOperation{Action: "recalc"}))
	assert.Equal(t, "recalc", got)
	assert.NoError(t, ra.Ping(context.Background()))
}

func TestSleep_ContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleep(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_Normal(t *testing.T) {
	err := sleep(context.Background(), 1*time.Millisecond)
	assert.NoError(t, err)
}
