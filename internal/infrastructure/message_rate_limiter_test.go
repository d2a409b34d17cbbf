package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageRateLimiter_PerKeyBurst(t *testing.T) {
	rl := NewMessageRateLimiter(1, 2)
	defer rl.Stop()

	assert.True(t, rl.Allow("chat-a"))
	assert.True(t, rl.Allow("chat-a"))
	assert.False(t, rl.Allow("chat-a"))
	assert.True(t, rl.Allow("chat-b"))
	assert.Equal(t, 2, rl.Len())

	rl.Reset("chat-a")
	assert.True(t, rl.Allow("chat-a"))
}

func TestMessageRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewMessageRateLimiter(0.01, 1)
	defer rl.Stop()

	assert.NoError(t, rl.Wait(context.Background(), "chat"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "chat"))
}

func TestMessageRateLimiter_SweepDropsIdle(t *testing.T) {
	rl := NewMessageRateLimiter(1, 1)
	defer rl.Stop()

	rl.Allow("old")
	rl.sweep(time.Now().Add(11 * time.Minute))
	assert.Zero(t, rl.Len())
}
