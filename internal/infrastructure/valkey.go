package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	valkeylib "github.com/valkey-io/valkey-go"
)

const valkeyConnectTimeout = 5 * time.Second

type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// ValkeyClient wraps valkey-go with key prefixing. Create it with
// NewValkeyClient and Close it on shutdown.
type ValkeyClient struct {
	inner     valkeylib.Client
	keyPrefix string
}

func NewValkeyClient(cfg ValkeyConfig) (*ValkeyClient, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), valkeyConnectTimeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &ValkeyClient{inner: inner, keyPrefix: prefix}, nil
}

func (c *ValkeyClient) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

func (c *ValkeyClient) key(k string) string {
	return c.keyPrefix + k
}

// ValkeyCache implements Cache on top of Valkey strings.
type ValkeyCache struct {
	client *ValkeyClient
}

func NewValkeyCache(client *ValkeyClient) *ValkeyCache {
	return &ValkeyCache{client: client}
}

func (c *ValkeyCache) Get(ctx context.Context, key string) (string, bool, error) {
	inner := c.client.inner
	value, err := inner.Do(ctx, inner.B().Get().Key(c.client.key("cache:"+key)).Build()).ToString()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get cache key: %w", err)
	}
	return value, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	inner := c.client.inner
	fullKey := c.client.key("cache:" + key)

	var err error
	if ttl >= time.Second {
		err = inner.Do(ctx, inner.B().Set().Key(fullKey).Value(value).Ex(ttl).Build()).Error()
	} else {
		err = inner.Do(ctx, inner.B().Set().Key(fullKey).Value(value).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	return nil
}

func (c *ValkeyCache) Delete(ctx context.Context, key string) error {
	inner := c.client.inner
	if err := inner.Do(ctx, inner.B().Del().Key(c.client.key("cache:"+key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// unlockScript deletes the lock only while it still holds the caller's token.
var unlockScript = valkeylib.NewLuaScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// ValkeyLocker implements Locker with SET NX EX, so a crashed holder's lock
// expires on its own. The stored value is the owner token.
type ValkeyLocker struct {
	client *ValkeyClient
}

func NewValkeyLocker(client *ValkeyClient) *ValkeyLocker {
	return &ValkeyLocker{client: client}
}

func (l *ValkeyLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl < time.Second {
		ttl = DefaultLockTTL
	}
	token := uuid.NewString()
	inner := l.client.inner
	cmd := inner.B().Set().
		Key(l.client.key("lock:" + key)).
		Value(token).
		Nx().
		Ex(ttl).
		Build()

	if err := inner.Do(ctx, cmd).Error(); err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return token, true, nil
}

// Unlock runs a compare-and-delete so an expired holder cannot release a
// lock someone else has since acquired.
func (l *ValkeyLocker) Unlock(ctx context.Context, key, token string) error {
	res := unlockScript.Exec(ctx, l.client.inner, []string{l.client.key("lock:" + key)}, []string{token})
	if err := res.Error(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
