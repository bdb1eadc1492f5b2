// Package lock keeps two relay instances from delivering the same trigger twice.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker grants at most one holder per key until Unlock or ttl expiry.
type Locker interface {
	// TryLock does not wait. ok is false when someone else holds key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock releases key only if token still owns it.
	Unlock(ctx context.Context, key, token string) error
	Close() error
}

// RunKey is the lock key for the run triggered at t.
func RunKey(t time.Time) string {
	return fmt.Sprintf("pagerelay:run:%d", t.UTC().Truncate(time.Minute).Unix())
}

// Nop always grants. It is used when no lock backend is configured.
type Nop struct{}

func (Nop) TryLock(context.Context, string, time.Duration) (string, bool, error) { return "", true, nil }
func (Nop) Unlock(context.Context, string, string) error                         { return nil }
func (Nop) Close() error                                                         { return nil }

type client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Redis is a single-node SETNX lock with a compare-and-delete release.
type Redis struct {
	cli client
}

// Dial connects to addr and checks it with PING.
func Dial(ctx context.Context, addr string) (*Redis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{cli: c}, nil
}

func (l *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	// SETNX without an expiry would hold the key forever.
	if ttl <= 0 {
		return "", false, fmt.Errorf("redis setnx %s: ttl must be > 0, got %s", key, ttl)
	}
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *Redis) Unlock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, l.cli, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	return nil
}

func (l *Redis) Close() error { return l.cli.Close() }
