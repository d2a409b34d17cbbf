package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastConfig() RetryConfig {
	cfg := DeliveryRetryConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	return cfg
}

func TestDeliveryRetryConfig_Schedule(t *testing.T) {
	cfg := DeliveryRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, Backoff(0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(1, cfg))
	assert.Equal(t, 4*time.Second, Backoff(2, cfg))
	assert.Equal(t, 8*time.Second, Backoff(3, cfg))
	assert.Equal(t, 8*time.Second, Backoff(10, cfg))
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls, retries int
	cfg := fastConfig()
	cfg.OnRetry = func(int, error) { retries++ }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("provider down")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestDo_ReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return errors.New("still down")
	})

	require.EqualError(t, err, "still down")
	assert.Equal(t, 3, calls)
}

func TestDoVal_StopsOnNonRetryable(t *testing.T) {
	var calls int
	cfg := fastConfig()
	cfg.ShouldRetry = nil

	_, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		return "", errors.New("bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_RetriesTransient(t *testing.T) {
	var calls int
	cfg := fastConfig()
	cfg.ShouldRetry = IsTransient

	got, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", StatusError("openai", 503, "overloaded")
		}
		return "hola", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hola", got)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DeliveryRetryConfig()
	cfg.OnRetry = func(int, error) { cancel() }

	start := time.Now()
	var calls int
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStatusError(t *testing.T) {
	assert.True(t, IsTransient(StatusError("waha", 502, "bad gateway")))
	assert.False(t, IsTransient(StatusError("waha", 401, "unauthorized")))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestStatusError_KeepsStack(t *testing.T) {
	err := StatusError("waha", 401, "  unauthorized\n")
	assert.Equal(t, "waha: unexpected status 401: unauthorized", err.Error())
	assert.NotEmpty(t, eris.Unpack(err).ErrRoot.Stack)

	var te *TransientError
	require.True(t, errors.As(StatusError("chatwoot", 503, "down"), &te))
	assert.Equal(t, 503, te.StatusCode)
	assert.NotEmpty(t, eris.Unpack(te.Err).ErrRoot.Stack)
}
