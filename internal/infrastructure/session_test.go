package infrastructure

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenRecently(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sm := NewSessionManager(10 * time.Minute)
	sm.now = func() time.Time { return now }

	assert.False(t, sm.SeenRecently("chatwoot:1"))
	assert.True(t, sm.SeenRecently("chatwoot:1"))
	assert.False(t, sm.SeenRecently("chatwoot:2"))

	now = now.Add(11 * time.Minute)
	assert.False(t, sm.SeenRecently("chatwoot:1"))
}

func TestSweepDropsExpiredIDs(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sm := NewSessionManager(10 * time.Minute)
	t.Cleanup(sm.Stop)
	sm.now = func() time.Time { return now }

	sm.SeenRecently("waha:old")
	now = now.Add(6 * time.Minute)
	sm.SeenRecently("waha:new")
	require.Equal(t, 2, sm.Seen())

	sm.sweep(now.Add(5 * time.Minute))
	assert.Equal(t, 1, sm.Seen())
	assert.True(t, sm.SeenRecently("waha:new"))
}

func TestLock_SerializesPerKey(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("t1:42")
			defer unlock()

			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, sm.ActiveLocks())
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	sm := NewSessionManager(time.Minute)
	unlockA := sm.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := sm.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	assert.Equal(t, 1, sm.ActiveLocks())
	unlockA()
	assert.Zero(t, sm.ActiveLocks())
}
