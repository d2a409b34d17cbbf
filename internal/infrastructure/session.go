package infrastructure

import (
	"sync"
	"time"
)

// SessionManager remembers recently seen message ids so redelivered
// webhooks are dropped, and hands out per-conversation locks so background
// work for one conversation runs serially. Expired ids are dropped by a
// background sweep.
type SessionManager struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	locks    map[string]*convLock
	ttl      time.Duration
	now      func() time.Time
	stopOnce sync.Once
	stop     chan struct{}
}

type convLock struct {
	mu      sync.Mutex
	waiters int
}

// NewSessionManager creates a manager that remembers message ids for ttl.
func NewSessionManager(ttl time.Duration) *SessionManager {
	sm := &SessionManager{
		seen:  make(map[string]time.Time),
		locks: make(map[string]*convLock),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go sm.janitor(ttl)
	return sm
}

// SeenRecently records key and reports whether it was already recorded
// within the ttl.
func (sm *SessionManager) SeenRecently(key string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	if at, ok := sm.seen[key]; ok && now.Sub(at) < sm.ttl {
		return true
	}
	sm.seen[key] = now
	return false
}

// Stop ends the janitor goroutine.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

func (sm *SessionManager) janitor(every time.Duration) {
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case now := <-ticker.C:
			sm.sweep(now)
		}
	}
}

func (sm *SessionManager) sweep(now time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for k, at := range sm.seen {
		if now.Sub(at) >= sm.ttl {
			delete(sm.seen, k)
		}
	}
}

// Seen returns how many message ids are remembered.
func (sm *SessionManager) Seen() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.seen)
}

// Lock blocks until the caller holds the lock for key. The returned func
// releases it; locks with no waiters are freed.
func (sm *SessionManager) Lock(key string) func() {
	sm.mu.Lock()
	l, ok := sm.locks[key]
	if !ok {
		l = &convLock{}
		sm.locks[key] = l
	}
	l.waiters++
	sm.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		sm.mu.Lock()
		l.waiters--
		if l.waiters == 0 {
			delete(sm.locks, key)
		}
		sm.mu.Unlock()
	}
}

// ActiveLocks returns how many conversations hold or wait for a lock.
func (sm *SessionManager) ActiveLocks() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.locks)
}
