package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL is used when a caller passes a non-positive ttl.
const DefaultLockTTL = 30 * time.Second

const sweepThreshold = 4096

type lockEntry struct {
	token      string
	acquiredAt time.Time
	ttl        time.Duration
}

// OperationLock is the in-process Locker: a set of held operation ids, each
// released explicitly or reclaimed once older than its ttl.
type OperationLock struct {
	mu   sync.Mutex
	held map[string]lockEntry
	now  func() time.Time
}

func NewOperationLock() *OperationLock {
	return &OperationLock{
		held: make(map[string]lockEntry),
		now:  time.Now,
	}
}

// TryLock acquires key unless a live holder exists and returns the token
// that owns it.
func (l *OperationLock) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, exists := l.held[key]; exists && now.Sub(entry.acquiredAt) < entry.ttl {
		return "", false, nil
	}

	if len(l.held) >= sweepThreshold {
		l.sweepLocked(now)
	}

	token := uuid.NewString()
	l.held[key] = lockEntry{token: token, acquiredAt: now, ttl: ttl}
	return token, true, nil
}

// Unlock releases key if token still owns it. A holder whose lock went stale
// and was taken over leaves the new owner in place.
func (l *OperationLock) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.held[key]; ok && entry.token == token {
		delete(l.held, key)
	}
	return nil
}

// IsHeld reports whether key currently has a live holder.
func (l *OperationLock) IsHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.held[key]
	return exists && l.now().Sub(entry.acquiredAt) < entry.ttl
}

// Len returns the number of tracked keys, stale ones included.
func (l *OperationLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

func (l *OperationLock) sweepLocked(now time.Time) {
	for key, entry := range l.held {
		if now.Sub(entry.acquiredAt) >= entry.ttl {
			delete(l.held, key)
		}
	}
}
