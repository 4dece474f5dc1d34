package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	val, err := Retry(context.Background(), fastPolicy(3), "blip", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("503"), http.StatusServiceUnavailable)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(5), "blip", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastPolicy(2), "qwen", func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("429"), http.StatusTooManyRequests)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsTransient(err))
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{Attempts: 5, Backoff: time.Hour}, "clip", func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}.normalized()
	assert.Equal(t, 100*time.Millisecond, p.delay(0))
	assert.Equal(t, 200*time.Millisecond, p.delay(1))
	assert.Equal(t, 300*time.Millisecond, p.delay(2))
	assert.Equal(t, 300*time.Millisecond, p.delay(5))
}

func TestNewRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(4, 100)
	assert.Equal(t, 4, p.Attempts)
	assert.Equal(t, 100*time.Millisecond, p.Backoff)

	d := NewRetryPolicy(0, 0)
	assert.Equal(t, DefaultRetryPolicy().Attempts, d.Attempts)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("x"), 500), true},
		{"wrapped explicit", fmt.Errorf("judge: %w", NewTransientError(errors.New("x"), 502)), true},
		{"deadline", context.DeadlineExceeded, true},
		{"reset", errors.New("read tcp: connection reset by peer"), true},
		{"plain", errors.New("invalid json"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientStatus(code), code)
	}
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	b := NewBreaker("siglip2", BreakerConfig{Failures: 2, ResetTimeout: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	fail := func(context.Context) (int, error) { return 0, errors.New("boom") }
	ok := func(context.Context) (int, error) { return 1, nil }

	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Closed, b.State())
	_, _ = Call(context.Background(), b, fail)
	assert.Equal(t, Open, b.State())

	called := false
	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, HalfOpen, b.State())

	v, err := Call(context.Background(), b, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("qwen", BreakerConfig{Failures: 1, ResetTimeout: time.Second})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	_, _ = Call(context.Background(), b, func(context.Context) (int, error) { return 0, errors.New("x") })
	require.Equal(t, Open, b.State())

	now = now.Add(2 * time.Second)
	_, _ = Call(context.Background(), b, func(context.Context) (int, error) { return 0, errors.New("x") })
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	b := NewBreaker("blip", BreakerConfig{Failures: 1, ResetTimeout: time.Minute})
	_, _ = Call(context.Background(), b, func(context.Context) (int, error) { return 0, context.Canceled })
	assert.Equal(t, Closed, b.State())
}

func TestBreakers_Registry(t *testing.T) {
	r := NewBreakers(NewBreakerConfig(3, 10))
	a := r.Get("blip")
	assert.Same(t, a, r.Get("blip"))
	assert.NotSame(t, a, r.Get("clip"))

	states := r.States()
	assert.Len(t, states, 2)
	assert.Equal(t, Closed, states["blip"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
