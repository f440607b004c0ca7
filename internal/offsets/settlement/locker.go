package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"carbon-scribe/agri-credit/pkg/locks"
)

// Locker serializes minting per user. TryLock never waits: a held key means a mint is in flight.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// LocalLocker serializes within one process
type LocalLocker struct {
	keys *locks.Keyed
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: locks.NewKeyed()}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	unlock, ok := l.keys.TryLock(key)
	return unlock, ok, nil
}

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker serializes across worker processes sharing a redis instance
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a locker; ttl bounds how long a crashed holder blocks a user
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "offsets:lock:"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, false, errors.New("lock key is empty")
	}

	fullKey := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// release on a fresh context so a cancelled run still frees the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.script.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
	}, true, nil
}
