// Package lockx provides best-effort single-flight locks over Redis. Used by
// the worker so only one replica runs the blob sweep at a time; losing a lock
// mid-run is tolerable because every job here is idempotent.
package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release and extend only succeed while we still hold the token, so a lock
// that expired and was re-acquired elsewhere is never touched.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`

type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lock or reports ok=false when another holder has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("redis client not initialized")
	}
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

func (l *Locker) Release(ctx context.Context, lock *Lock) error {
	if l == nil || l.client == nil {
		return errors.New("redis client not initialized")
	}
	if lock == nil {
		return errors.New("lock is nil")
	}
	return l.client.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}

// Extend pushes the expiry out for a run that outlives its original TTL.
// Reports false when the lock is no longer held.
func (l *Locker) Extend(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("redis client not initialized")
	}
	if lock == nil {
		return false, errors.New("lock is nil")
	}
	res, err := l.client.Eval(ctx, extendScript, []string{lock.Key}, lock.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if res == 1 {
		lock.TTL = ttl
	}
	return res == 1, nil
}
