package usecases

import (
	"context"
	"time"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/interfaces"
	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/logger"
)

// Operation lock keys.
func clientSaveKey(sellerID, key string) string { return "client-save:" + sellerID + ":" + key }
func renewKey(clientID string) string           { return "renew:" + clientID }
func restoreKey(sellerID string) string         { return "restore:" + sellerID }
func botKey(sellerID, phone string) string      { return "bot:" + sellerID + ":" + phone }
func waConnectKey(sellerID string) string       { return "wa-connect:" + sellerID }
func inboundKey(messageID string) string        { return "inbound:" + messageID }

const (
	operationLockTTL = 30 * time.Second
	restoreLockTTL   = 10 * time.Minute
	lockPollInterval = 100 * time.Millisecond
)

// withLock runs fn while holding key, failing fast with
// ErrOperationInProgress when someone else holds it.
func withLock(ctx context.Context, locker interfaces.Locker, key string, ttl time.Duration, fn func() error) error {
	token, ok, err := locker.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return entities.ErrOperationInProgress
	}
	defer unlock(locker, key, token)
	return fn()
}

// waitLock polls for key until it is acquired or wait elapses and returns
// the owner token to release it with.
func waitLock(ctx context.Context, locker interfaces.Locker, key string, ttl, wait time.Duration) (string, error) {
	deadline := time.Now().Add(wait)
	for {
		token, ok, err := locker.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", entities.ErrOperationInProgress
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func unlock(locker interfaces.Locker, key, token string) {
	// Released even when the request context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := locker.Unlock(ctx, key, token); err != nil {
		logger.Component("lock").WithField("key", key).Warnf("unlock failed: %v", err)
	}
}
