package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationLock_SecondCallerIsRejected(t *testing.T) {
	ctx := context.Background()
	l := NewOperationLock()

	token, ok, err := l.TryLock(ctx, "client-save:s1:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, "client-save:s1:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "client-save:s1:other", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "distinct keys do not contend")
}

func TestOperationLock_UnlockReleases(t *testing.T) {
	ctx := context.Background()
	l := NewOperationLock()

	token, _, _ := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, l.Unlock(ctx, "k", token))
	assert.False(t, l.IsHeld("k"))

	_, ok, _ := l.TryLock(ctx, "k", time.Minute)
	assert.True(t, ok)

	assert.NoError(t, l.Unlock(ctx, "never-held", "whatever"))
}

func TestOperationLock_UnlockNeedsOwnerToken(t *testing.T) {
	ctx := context.Background()
	l := NewOperationLock()

	_, _, _ = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, l.Unlock(ctx, "k", "someone-else"))
	assert.True(t, l.IsHeld("k"))
}

func TestOperationLock_StaleOwnerCannotReleaseTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewOperationLock()
	l.now = func() time.Time { return now }

	oldToken, ok, _ := l.TryLock(ctx, "restore:s1", 30*time.Second)
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	newToken, ok, _ := l.TryLock(ctx, "restore:s1", 30*time.Second)
	require.True(t, ok, "stale holder is taken over")
	require.NotEqual(t, oldToken, newToken)

	require.NoError(t, l.Unlock(ctx, "restore:s1", oldToken))
	assert.True(t, l.IsHeld("restore:s1"), "the late unlock leaves the new owner in place")

	_, ok, _ = l.TryLock(ctx, "restore:s1", 30*time.Second)
	assert.False(t, ok)

	require.NoError(t, l.Unlock(ctx, "restore:s1", newToken))
	assert.False(t, l.IsHeld("restore:s1"))
}

func TestOperationLock_StaleHolderIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewOperationLock()
	l.now = func() time.Time { return now }

	_, ok, _ := l.TryLock(ctx, "k", 30*time.Second)
	require.True(t, ok)

	now = now.Add(29 * time.Second)
	_, ok, _ = l.TryLock(ctx, "k", 30*time.Second)
	assert.False(t, ok)

	now = now.Add(time.Second)
	assert.False(t, l.IsHeld("k"))
	_, ok, _ = l.TryLock(ctx, "k", 30*time.Second)
	assert.True(t, ok)
}

func TestOperationLock_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewOperationLock()
	l.now = func() time.Time { return now }

	_, ok, _ := l.TryLock(ctx, "k", 0)
	require.True(t, ok)

	now = now.Add(DefaultLockTTL - time.Millisecond)
	assert.True(t, l.IsHeld("k"))
	now = now.Add(time.Millisecond)
	assert.False(t, l.IsHeld("k"))
}

func TestOperationLock_ConcurrentCallersGetOneWinner(t *testing.T) {
	ctx := context.Background()
	l := NewOperationLock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryLock(ctx, "renew:c1", time.Minute); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestOperationLock_SweepDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	l := NewOperationLock()
	l.now = func() time.Time { return now }

	for i := 0; i < sweepThreshold; i++ {
		_, _, _ = l.TryLock(ctx, fmt.Sprintf("k%d", i), time.Second)
	}
	require.Equal(t, sweepThreshold, l.Len())

	now = now.Add(2 * time.Second)
	_, _, _ = l.TryLock(ctx, "fresh", time.Second)
	assert.Equal(t, 1, l.Len())
}
