package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/logger"
)

const defaultEmbeddingSimilarityThreshold = 0.95

// embeddingEntry is the stored payload for one cached embedding. Entries
// are never updated in place; a key collision overwrites.
type embeddingEntry struct {
	Key          string    `json:"key"`
	OriginalText string    `json:"original_text"`
	Embedding    []float32 `json:"embedding"`
	Timestamp    time.Time `json:"timestamp"`
}

// EmbeddingCache caches text embeddings by content hash with an optional
// cosine-similarity fallback over the indexed entries.
type EmbeddingCache struct {
	kv                  kv
	similarityThreshold float64
	scanLimit           int
}

// NewEmbeddingCacheParams defines the configuration for an EmbeddingCache.
//
// SimilarityThreshold <= 0 disables the similarity fallback. ScanLimit
// bounds how many indexed entries a similarity scan inspects.
type NewEmbeddingCacheParams struct {
	TTL                 time.Duration
	SimilarityThreshold float64
	ScanLimit           int
}

// NewEmbeddingCache creates an EmbeddingCache on top of the given redis
// client.
func NewEmbeddingCache(client redis.UniversalClient, params NewEmbeddingCacheParams) *EmbeddingCache {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	scanLimit := params.ScanLimit
	if scanLimit <= 0 {
		scanLimit = 1000
	}
	return &EmbeddingCache{
		kv: kv{
			client: client,
			prefix: "loom:embed:",
			ttl:    ttl,
		},
		similarityThreshold: params.SimilarityThreshold,
		scanLimit:           scanLimit,
	}
}

// Get returns the cached embedding for text by exact content hash.
// Any cache error degrades to a miss.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool) {
	hash := hashKey(text)
	data, ok, err := c.kv.get(ctx, hash)
	if err != nil {
		logger.Warn("[Cache] Embedding lookup failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var entry embeddingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		logger.Warn("[Cache] Corrupt embedding entry", "key", hash, "err", err)
		return nil, false
	}
	return entry.Embedding, true
}

// GetSimilar scans the indexed entries and returns the stored embedding
// closest to probe when its cosine similarity clears the threshold. Used
// when no exact hit exists but the caller already holds a candidate
// vector. Returns a miss when the fallback is disabled.
func (c *EmbeddingCache) GetSimilar(ctx context.Context, probe []float32) ([]float32, bool) {
	if c.similarityThreshold <= 0 {
		return nil, false
	}

	keys, err := c.kv.keys(ctx)
	if err != nil {
		logger.Warn("[Cache] Embedding index scan failed", "err", err)
		return nil, false
	}

	var best []float32
	bestScore := c.similarityThreshold
	scanned := 0
	for _, hash := range keys {
		if scanned >= c.scanLimit {
			break
		}
		scanned++

		data, ok, err := c.kv.get(ctx, hash)
		if err != nil {
			logger.Warn("[Cache] Embedding scan read failed", "key", hash, "err", err)
			continue
		}
		if !ok {
			c.kv.compact(ctx, hash)
			continue
		}

		var entry embeddingEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		score := common.CosineSimilarity(probe, entry.Embedding)
		if score >= bestScore {
			bestScore = score
			best = entry.Embedding
		}
	}

	return best, best != nil
}

// Put stores the embedding for text. Errors are logged, not returned; the
// next lookup is simply a miss.
func (c *EmbeddingCache) Put(ctx context.Context, text string, embedding []float32) {
	hash := hashKey(text)
	entry := embeddingEntry{
		Key:          hash,
		OriginalText: text,
		Embedding:    embedding,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("[Cache] Embedding entry marshal failed", "err", err)
		return
	}
	if err := c.kv.set(ctx, hash, data); err != nil {
		logger.Warn("[Cache] Embedding write failed", "err", err)
	}
}
