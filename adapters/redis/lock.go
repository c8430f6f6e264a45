package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld = errors.New("lock held by another worker")
	ErrLockLost = errors.New("lock no longer owned")
)

// Lua keeps check-and-act atomic on the redis side. Comparing the token
// before touching the key means a worker that lost its lock to expiry cannot
// release or extend the next owner's lock.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// BundleLock elects a single bundling leader per tick via SET NX PX with a
// per-acquisition fencing token.
type BundleLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewBundleLock(client *redis.Client, key string, ttl time.Duration) *BundleLock {
	return &BundleLock{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// Acquire takes the lock and returns the fencing token to release it with.
// ErrLockHeld means another worker holds it and this tick should be skipped.
func (l *BundleLock) Acquire(ctx context.Context) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

// Extend pushes the expiry out for a tick that outlives the base TTL, such
// as waiting out a transaction receipt.
func (l *BundleLock) Extend(ctx context.Context, token string, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes the lock if the token still owns it. ErrLockLost after a
// long tick means the TTL fired first and another worker may already hold
// the next lease.
func (l *BundleLock) Release(ctx context.Context, token string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockLost
	}
	return nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
