// Package retrieval executes the Semantic, Hybrid, and Graph search modes
// over chunks, entities, and relationships and produces one ranked result
// set per request.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/graphstore"
	"github.com/loomgraph/loom/pkg/logger"
)

// Mode selects the retrieval strategy for one request. No transitions
// happen within a call.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
	ModeGraph    Mode = "graph"
)

const (
	defaultTopK = 10
	// candidateFactor over-fetches chunk candidates so keyword boosting
	// has something to reorder.
	candidateFactor = 4

	defaultGraphLimit               = 20
	defaultGraphSimilarityThreshold = 0.5
)

// ScoredChunk is a chunk candidate with its cosine similarity to the
// query embedding.
type ScoredChunk struct {
	Chunk      common.TextChunk
	Similarity float64
}

// Index is the chunk retrieval collaborator backing all modes.
type Index interface {
	// SearchChunks returns up to limit chunk candidates of the given
	// vector stores scored by similarity to the embedding.
	SearchChunks(ctx context.Context, vectorStoreIDs []string, embedding []float32, limit int) ([]ScoredChunk, error)
}

// Request describes one search call.
type Request struct {
	Query             string
	QueryEmbedding    []float32
	VectorStoreIDs    []string
	TopK              int
	Mode              Mode
	HighLevelKeywords []string
	LowLevelKeywords  []string
}

// Result is the ranked outcome of one search. Entities and Relationships
// are populated only in Graph mode.
type Result struct {
	Chunks        []common.TextChunk
	Entities      []common.Entity
	Relationships []common.Relationship
}

// Engine combines the chunk index and the graph store into the three
// search modes.
type Engine struct {
	index               Index
	store               graphstore.Store
	graphLimit          int
	similarityThreshold float64
}

// NewEngineParams defines the configuration for an Engine. Store may be
// nil when Graph mode is never used.
type NewEngineParams struct {
	Index      Index
	Store      graphstore.Store
	GraphLimit int
	// GraphSimilarityThreshold filters entities/relationships in Graph
	// mode: results below it that also match no keyword are dropped.
	GraphSimilarityThreshold float64
}

// NewEngine creates an Engine.
func NewEngine(params NewEngineParams) *Engine {
	e := &Engine{
		index:               params.Index,
		store:               params.Store,
		graphLimit:          params.GraphLimit,
		similarityThreshold: params.GraphSimilarityThreshold,
	}
	if e.graphLimit <= 0 {
		e.graphLimit = defaultGraphLimit
	}
	if e.similarityThreshold <= 0 {
		e.similarityThreshold = defaultGraphSimilarityThreshold
	}
	return e
}

// Search runs one retrieval request in its requested mode. A request
// without vector stores fails with common.ErrNoVectorStoreSpecified.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	if len(req.VectorStoreIDs) == 0 {
		return nil, common.ErrNoVectorStoreSpecified
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	switch req.Mode {
	case ModeHybrid:
		chunks, err := e.hybridChunks(ctx, req, topK)
		if err != nil {
			return nil, err
		}
		return &Result{Chunks: chunks}, nil
	case ModeGraph:
		chunks, err := e.hybridChunks(ctx, req, topK)
		if err != nil {
			return nil, err
		}
		entities, relationships := e.graphMatches(ctx, req)
		return &Result{Chunks: chunks, Entities: entities, Relationships: relationships}, nil
	default:
		chunks, err := e.semanticChunks(ctx, req, topK)
		if err != nil {
			return nil, err
		}
		return &Result{Chunks: chunks}, nil
	}
}

// semanticChunks ranks candidates purely by cosine similarity, ties by
// most recent createdAt.
func (e *Engine) semanticChunks(ctx context.Context, req Request, topK int) ([]common.TextChunk, error) {
	candidates, err := e.index.SearchChunks(ctx, req.VectorStoreIDs, req.QueryEmbedding, topK*candidateFactor)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Chunk.CreatedAt.After(candidates[j].Chunk.CreatedAt)
	})
	return takeChunks(candidates, topK), nil
}

// hybridChunks ranks candidates containing a low-level keyword above
// equally similar ones that do not, then by similarity, then by recency.
func (e *Engine) hybridChunks(ctx context.Context, req Request, topK int) ([]common.TextChunk, error) {
	candidates, err := e.index.SearchChunks(ctx, req.VectorStoreIDs, req.QueryEmbedding, topK*candidateFactor)
	if err != nil {
		return nil, err
	}

	matched := make([]bool, len(candidates))
	for i, candidate := range candidates {
		matched[i] = containsAnyKeyword(candidate.Chunk.Content, req.LowLevelKeywords)
	}
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if matched[i] != matched[j] {
			return matched[i]
		}
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Chunk.CreatedAt.After(candidates[j].Chunk.CreatedAt)
	})

	ranked := make([]ScoredChunk, len(order))
	for i, idx := range order {
		ranked[i] = candidates[idx]
	}
	return takeChunks(ranked, topK), nil
}

// graphMatches retrieves entities and relationships for Graph mode.
// Candidates below the similarity threshold that match no keyword are
// dropped. Store errors degrade to empty graph results so the chunk
// results still serve.
func (e *Engine) graphMatches(ctx context.Context, req Request) ([]common.Entity, []common.Relationship) {
	if e.store == nil {
		return nil, nil
	}
	keywords := append(append([]string{}, req.LowLevelKeywords...), req.HighLevelKeywords...)

	entities := make([]common.Entity, 0)
	relationships := make([]common.Relationship, 0)
	for _, vectorStoreID := range req.VectorStoreIDs {
		found, err := e.store.SearchEntities(ctx, vectorStoreID, req.QueryEmbedding, keywords, e.graphLimit)
		if err != nil {
			logger.Warn("[Retrieval] Entity search failed, continuing without graph entities",
				"vectorStore", vectorStoreID, "err", err)
		}
		for _, entity := range found {
			if e.acceptGraphMatch(common.CosineSimilarity(req.QueryEmbedding, entity.Embedding),
				entity.Name+" "+entity.Description, entity.Keywords, keywords) {
				entities = append(entities, entity)
			}
		}

		foundRels, err := e.store.SearchRelationships(ctx, vectorStoreID, req.QueryEmbedding, keywords, e.graphLimit)
		if err != nil {
			logger.Warn("[Retrieval] Relationship search failed, continuing without graph relationships",
				"vectorStore", vectorStoreID, "err", err)
		}
		for _, rel := range foundRels {
			if e.acceptGraphMatch(common.CosineSimilarity(req.QueryEmbedding, rel.Embedding),
				rel.Type+" "+rel.Description, rel.Keywords, keywords) {
				relationships = append(relationships, rel)
			}
		}
	}
	return entities, relationships
}

func (e *Engine) acceptGraphMatch(similarity float64, text string, ownKeywords []string, queryKeywords []string) bool {
	if similarity >= e.similarityThreshold {
		return true
	}
	if containsAnyKeyword(text, queryKeywords) {
		return true
	}
	for _, own := range ownKeywords {
		for _, query := range queryKeywords {
			if strings.EqualFold(own, query) {
				return true
			}
		}
	}
	return false
}

func containsAnyKeyword(content string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	lowered := strings.ToLower(content)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func takeChunks(candidates []ScoredChunk, topK int) []common.TextChunk {
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	chunks := make([]common.TextChunk, len(candidates))
	for i, candidate := range candidates {
		chunks[i] = candidate.Chunk
	}
	return chunks
}
