package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 16*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(6))
	assert.Equal(t, 30*time.Second, b.Delay(20))
}

func TestBackoff_RetryUntilSuccess(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, MaxAttempts: 4}

	var calls []int
	err := b.Retry(context.Background(), func(attempt int) error {
		calls = append(calls, attempt)
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestBackoff_ReturnsLastErrorWhenExhausted(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Factor: 2, MaxAttempts: 3}

	calls := 0
	err := b.Retry(context.Background(), func(attempt int) error {
		calls++
		return errors.New("fail " + string(rune('0'+attempt)))
	})
	assert.EqualError(t, err, "fail 3")
	assert.Equal(t, 3, calls)
}

func TestBackoff_PermanentStopsImmediately(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Factor: 2, MaxAttempts: 5}
	sentinel := errors.New("bad request")

	calls := 0
	err := b.Retry(context.Background(), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := Backoff{Initial: time.Hour, Factor: 2, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())

	err := b.Retry(ctx, func(int) error {
		cancel()
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Backoff{}.Retry(context.Background(), func(int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}
