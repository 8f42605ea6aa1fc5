package retry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	fortify "github.com/felixgeelhaar/fortify/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) Transient() bool { return int(e) >= 500 }

var fast = Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := fortify.New[struct{}](p.Config()).Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func TestConfigFromPolicy(t *testing.T) {
	cfg := DefaultPolicy().Config()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.Equal(t, fortify.BackoffExponential, cfg.BackoffPolicy)
	require.NotNil(t, cfg.IsRetryable)
	assert.False(t, cfg.IsRetryable(Permanent(statusErr(503))))
	assert.True(t, cfg.IsRetryable(statusErr(503)))
}

func TestConfigNormalizesZeroPolicy(t *testing.T) {
	cfg := Policy{}.Config()
	assert.Equal(t, 1, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.MaxDelay)
}

func TestRetriesTransient(t *testing.T) {
	calls := 0
	err := run(context.Background(), fast, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return statusErr(503)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestStopsOnClientError(t *testing.T) {
	calls := 0
	err := run(context.Background(), fast, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("queue change: %w", statusErr(422))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	var se statusErr
	assert.True(t, errors.As(err, &se))
}

func TestExhaustsAttempts(t *testing.T) {
	calls := 0
	err := run(context.Background(), fast, func(ctx context.Context) error {
		calls++
		return &url.Error{Op: "Post", URL: "http://audit", Err: errors.New("connection refused")}
	})
	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
	assert.Equal(t, 3, calls)
}

func TestHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := run(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}, func(ctx context.Context) error {
		calls++
		cancel()
		return statusErr(500)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(errors.New("validation failed")))
	assert.False(t, IsTransient(Permanent(statusErr(503))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", statusErr(502))))
}
