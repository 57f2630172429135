package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomgraph/loom/pkg/logger"
)

// responseEntry is the stored payload for one cached LLM response.
type responseEntry struct {
	Key       string    `json:"key"`
	Query     string    `json:"query"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseCache caches full LLM responses by query hash with an optional
// Jaccard-similarity fallback over the original query texts.
type ResponseCache struct {
	kv                  kv
	similarityThreshold float64
	scanLimit           int
}

// NewResponseCacheParams defines the configuration for a ResponseCache.
// SimilarityThreshold is floored at 0; 0 disables the fallback.
type NewResponseCacheParams struct {
	TTL                 time.Duration
	SimilarityThreshold float64
	ScanLimit           int
}

// NewResponseCache creates a ResponseCache on top of the given redis
// client.
func NewResponseCache(client redis.UniversalClient, params NewResponseCacheParams) *ResponseCache {
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	threshold := params.SimilarityThreshold
	if threshold < 0 {
		threshold = 0
	}
	scanLimit := params.ScanLimit
	if scanLimit <= 0 {
		scanLimit = 1000
	}
	return &ResponseCache{
		kv: kv{
			client: client,
			prefix: "loom:resp:",
			ttl:    ttl,
		},
		similarityThreshold: threshold,
		scanLimit:           scanLimit,
	}
}

// Get returns a cached response for the query: exact hash match first,
// then the best Jaccard match above the threshold when the fallback is
// enabled. Any cache error degrades to a miss.
func (c *ResponseCache) Get(ctx context.Context, query string) (string, bool) {
	hash := hashKey(query)
	data, ok, err := c.kv.get(ctx, hash)
	if err != nil {
		logger.Warn("[Cache] Response lookup failed", "err", err)
		return "", false
	}
	if ok {
		var entry responseEntry
		if err := json.Unmarshal(data, &entry); err == nil {
			return entry.Response, true
		}
		logger.Warn("[Cache] Corrupt response entry", "key", hash, "err", err)
	}

	if c.similarityThreshold <= 0 {
		return "", false
	}
	return c.getSimilar(ctx, query)
}

func (c *ResponseCache) getSimilar(ctx context.Context, query string) (string, bool) {
	keys, err := c.kv.keys(ctx)
	if err != nil {
		logger.Warn("[Cache] Response index scan failed", "err", err)
		return "", false
	}

	queryTokens := tokenizeQuery(query)
	best := ""
	found := false
	bestScore := c.similarityThreshold
	scanned := 0
	for _, hash := range keys {
		if scanned >= c.scanLimit {
			break
		}
		scanned++

		data, ok, err := c.kv.get(ctx, hash)
		if err != nil {
			logger.Warn("[Cache] Response scan read failed", "key", hash, "err", err)
			continue
		}
		if !ok {
			c.kv.compact(ctx, hash)
			continue
		}

		var entry responseEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		score := jaccardSimilarity(queryTokens, tokenizeQuery(entry.Query))
		if score >= bestScore && score > 0 {
			bestScore = score
			best = entry.Response
			found = true
		}
	}

	return best, found
}

// Put stores the response for query. Only fully produced responses should
// be written; partial or failed generations are never cached.
func (c *ResponseCache) Put(ctx context.Context, query string, response string) {
	hash := hashKey(query)
	entry := responseEntry{
		Key:       hash,
		Query:     query,
		Response:  response,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("[Cache] Response entry marshal failed", "err", err)
		return
	}
	if err := c.kv.set(ctx, hash, data); err != nil {
		logger.Warn("[Cache] Response write failed", "err", err)
	}
}

func tokenizeQuery(query string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tokens[tok] = struct{}{}
	}
	return tokens
}

// jaccardSimilarity computes intersection over union of the token sets.
// Two empty sets have similarity 0.
func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
