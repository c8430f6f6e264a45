// Package opqueue implements a FIFO index of pending user operation hashes
// on top of a redis sorted set.
//
// The set member is the canonical hash of the operation and the score is the
// admission time, so a range read returns hashes oldest first across all
// senders. The index is an ordering hint only: the authoritative pending set
// lives in the database, and readers are expected to verify entries against
// it and drop the ones that went stale.
//
// NOTE: scores carry microsecond precision. Nanoseconds do not survive the
// float64 conversion redis uses for scores.
package opqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// PendingIndex is safe for concurrent use.
type PendingIndex struct {
	log  *zap.Logger
	red  *redis.Client
	name string
}

func NewPendingIndex(log *zap.Logger, red *redis.Client, name string) *PendingIndex {
	log = log.With(zap.String("index", name))
	return &PendingIndex{
		log:  log,
		red:  red,
		name: name,
	}
}

// Add records a hash with its admission time. Re-adding an existing hash
// keeps the original score so replacements do not jump the queue.
func (p *PendingIndex) Add(ctx context.Context, hash string, admittedAt time.Time) error {
	return p.red.ZAddNX(ctx, p.name, redis.Z{
		Score:  float64(admittedAt.UnixMicro()),
		Member: hash,
	}).Err()
}

func (p *PendingIndex) Remove(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	members := make([]interface{}, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}
	return p.red.ZRem(ctx, p.name, members...).Err()
}

// Oldest returns up to limit hashes ordered by admission time, oldest first.
func (p *PendingIndex) Oldest(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return p.red.ZRange(ctx, p.name, 0, limit-1).Result()
}

// OlderThan returns hashes admitted at or before the cutoff, oldest first.
func (p *PendingIndex) OlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return p.red.ZRangeByScore(ctx, p.name, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
}

func (p *PendingIndex) Len(ctx context.Context) (int64, error) {
	return p.red.ZCard(ctx, p.name).Result()
}

// Clear drops the whole index. It is meant for the admin mempool purge and
// for tests, not for the regular lifecycle path.
func (p *PendingIndex) Clear(ctx context.Context) error {
	return p.red.Del(ctx, p.name).Err()
}
