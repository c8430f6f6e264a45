// Package redis provides adapters backed by a redis client: the hot cache of
// pending user operations and the lock that elects the bundling leader.
package redis

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("key not found in cache")

const (
	opKeyPrefix          = "mempool:"
	senderNonceKeyPrefix = "senderNonce:"
)

// OpCache keeps pending operations under mempool:<hash> with a reverse
// senderNonce:<sender>:<nonce> pointer used for replacement lookups. Both
// keys expire together so a stale pair cannot outlive the mempool TTL.
type OpCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewOpCache(client *redis.Client, ttl time.Duration) *OpCache {
	return &OpCache{
		client: client,
		ttl:    ttl,
	}
}

// PutOp stores the encoded operation and its sender/nonce pointer in one
// pipelined round trip.
func (c *OpCache) PutOp(ctx context.Context, hash common.Hash, sender common.Address, nonce *big.Int, encoded []byte) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, opKey(hash), encoded, c.ttl)
		pipe.Set(ctx, senderNonceKey(sender, nonce), hash.Hex(), c.ttl)
		return nil
	})
	return err
}

func (c *OpCache) GetOp(ctx context.Context, hash common.Hash) ([]byte, error) {
	res, err := c.client.Get(ctx, opKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetBySenderNonce resolves the hash of the pending operation occupying the
// given sender/nonce slot.
func (c *OpCache) GetBySenderNonce(ctx context.Context, sender common.Address, nonce *big.Int) (common.Hash, error) {
	res, err := c.client.Get(ctx, senderNonceKey(sender, nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return common.Hash{}, ErrCacheMiss
	}
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(res), nil
}

// DeleteOp removes both keys of an operation. Deleting an absent operation
// is not an error.
func (c *OpCache) DeleteOp(ctx context.Context, hash common.Hash, sender common.Address, nonce *big.Int) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, opKey(hash))
		pipe.Del(ctx, senderNonceKey(sender, nonce))
		return nil
	})
	return err
}

// PurgeAll drops every cache entry. KEYS can be very slow on a busy instance,
// this is only meant for the admin mempool purge and for tests.
func (c *OpCache) PurgeAll(ctx context.Context) error {
	for _, pattern := range []string{opKeyPrefix + "*", senderNonceKeyPrefix + "*"} {
		keys, err := c.client.Keys(ctx, pattern).Result()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *OpCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func opKey(hash common.Hash) string {
	return opKeyPrefix + hash.Hex()
}

func senderNonceKey(sender common.Address, nonce *big.Int) string {
	return senderNonceKeyPrefix + strings.ToLower(sender.Hex()) + ":" + nonce.String()
}
