// Package cache provides the two-tier caching layer for embeddings and
// LLM responses: exact lookup by content hash plus an optional
// similarity-based fallback. All cache failures degrade to misses and are
// logged, never surfaced to callers.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomgraph/loom/pkg/logger"
)

const defaultTTL = 24 * time.Hour

// hashKey returns the SHA-256 hex digest used as the exact-match key.
func hashKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// kv wraps the redis client with the key layout both caches share: one
// value key per entry plus a set of live keys, since the store has no
// native key enumeration. Writes keep the value and the index consistent
// in one pipeline; reads that find an indexed key without a value (TTL
// expiry) compact the index.
type kv struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func (k *kv) entryKey(hash string) string {
	return k.prefix + "entry:" + hash
}

func (k *kv) indexKey() string {
	return k.prefix + "keys"
}

func (k *kv) set(ctx context.Context, hash string, payload []byte) error {
	pipe := k.client.Pipeline()
	pipe.Set(ctx, k.entryKey(hash), payload, k.ttl)
	pipe.SAdd(ctx, k.indexKey(), hash)
	if k.ttl > 0 {
		pipe.Expire(ctx, k.indexKey(), k.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (k *kv) get(ctx context.Context, hash string) ([]byte, bool, error) {
	data, err := k.client.Get(ctx, k.entryKey(hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// keys returns the live-key index. Keys whose value has expired are
// removed from the index lazily by scan.
func (k *kv) keys(ctx context.Context) ([]string, error) {
	return k.client.SMembers(ctx, k.indexKey()).Result()
}

func (k *kv) compact(ctx context.Context, hash string) {
	if err := k.client.SRem(ctx, k.indexKey(), hash).Err(); err != nil {
		logger.Debug("[Cache] Index compaction failed", "key", hash, "err", err)
	}
}
