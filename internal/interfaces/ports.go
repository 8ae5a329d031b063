package interfaces

import (
	"context"
	"time"

	"github.com/4gveloxtec-del/pscontrolpro-aff0aea0-sub004/internal/entities"
)

// Gateway delivers WhatsApp messages on behalf of a seller's instance.
type Gateway interface {
	SendText(ctx context.Context, instance, to, text string) error
	SendButtons(ctx context.Context, instance, to string, msg entities.ButtonMessage) error
	SendList(ctx context.Context, instance, to string, msg entities.ListMessage) error
}

// Notifier pushes operational alerts to the panel owner.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Cache is a small string key/value cache with expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Locker is a mutex keyed by operation id. A holder older than ttl is
// considered stale and the lock can be taken over. TryLock hands back an
// owner token; Unlock only releases the key while that token still owns it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// InstanceGateway manages the WhatsApp connection behind a seller's instance.
type InstanceGateway interface {
	Gateway
	CreateInstance(ctx context.Context, name, webhookURL string) (string, error)
	Connect(ctx context.Context, instance string) (*entities.QRCode, error)
	ConnectionState(ctx context.Context, instance string) (string, error)
	Logout(ctx context.Context, instance string) error
}

// Encrypter protects client credentials at rest.
type Encrypter interface {
	Encrypt(plainText string) (string, error)
	Decrypt(cipherText string) (string, error)
}

// Retrier re-runs fn with backoff until it succeeds or gives up.
type Retrier interface {
	Retry(ctx context.Context, fn func(attempt int) error) error
}
