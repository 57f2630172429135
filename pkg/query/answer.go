// Package query answers natural-language questions over the knowledge
// base: keyword extraction, cached query embedding, mode-dependent
// retrieval, token-budgeted context assembly, and completion with
// optional streaming and response caching.
package query

import (
	"context"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/cache"
	"github.com/loomgraph/loom/pkg/logger"
	"github.com/loomgraph/loom/pkg/retrieval"
)

const (
	defaultContextBudget  = 120_000
	defaultResponseBudget = 4096
	defaultEncoding       = "cl100k_base"
)

// Client orchestrates one query from text to answer.
type Client struct {
	ai             ai.Client
	engine         *retrieval.Engine
	responses      *cache.ResponseCache
	embeddings     *cache.EmbeddingCache
	encoder        *tiktoken.Tiktoken
	contextBudget  int
	responseBudget int
}

// NewClientParams defines the configuration for a query Client. Both
// caches are optional; a nil cache is simply never consulted.
type NewClientParams struct {
	AI             ai.Client
	Engine         *retrieval.Engine
	Responses      *cache.ResponseCache
	Embeddings     *cache.EmbeddingCache
	Encoding       string
	ContextBudget  int
	ResponseBudget int
}

// NewClient creates a query Client.
func NewClient(params NewClientParams) (*Client, error) {
	if params.AI == nil {
		return nil, fmt.Errorf("query: ai client is required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("query: retrieval engine is required")
	}
	encoding := params.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}
	encoder, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %q: %w", encoding, err)
	}

	c := &Client{
		ai:             params.AI,
		engine:         params.Engine,
		responses:      params.Responses,
		embeddings:     params.Embeddings,
		encoder:        encoder,
		contextBudget:  params.ContextBudget,
		responseBudget: params.ResponseBudget,
	}
	if c.contextBudget <= 0 {
		c.contextBudget = defaultContextBudget
	}
	if c.responseBudget <= 0 {
		c.responseBudget = defaultResponseBudget
	}
	return c, nil
}

// Request describes one question over the knowledge base.
type Request struct {
	Query          string
	VectorStoreIDs []string
	Mode           retrieval.Mode
	TopK           int
}

// Answer produces a complete answer for the request. Fully generated
// answers are written to the response cache; failed generations never
// are.
func (c *Client) Answer(ctx context.Context, req Request) (string, error) {
	if c.responses != nil {
		if cached, ok := c.responses.Get(ctx, req.Query); ok {
			return cached, nil
		}
	}

	system, err := c.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	answer, err := c.ai.GenerateChat(ctx,
		[]ai.ChatMessage{{Role: "user", Message: req.Query}},
		ai.WithSystemPrompts(system),
		ai.WithMaxTokens(c.responseBudget),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}

	if c.responses != nil {
		c.responses.Put(ctx, req.Query, answer)
	}
	return answer, nil
}

// AnswerStream produces a streamed answer. The response is cached only
// after the stream fully drains without error; cancellation discards the
// partial output.
func (c *Client) AnswerStream(ctx context.Context, req Request) (<-chan ai.StreamEvent, error) {
	if c.responses != nil {
		if cached, ok := c.responses.Get(ctx, req.Query); ok {
			out := make(chan ai.StreamEvent, 1)
			out <- ai.StreamEvent{Content: cached}
			close(out)
			return out, nil
		}
	}

	system, err := c.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	stream, err := c.ai.GenerateChatStream(ctx,
		[]ai.ChatMessage{{Role: "user", Message: req.Query}},
		ai.WithSystemPrompts(system),
		ai.WithMaxTokens(c.responseBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start answer stream: %w", err)
	}

	out := make(chan ai.StreamEvent)
	go func() {
		defer close(out)
		var full string
		failed := false
		for event := range stream {
			if event.Err != nil {
				failed = true
			} else {
				full += event.Content
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
		if failed || ctx.Err() != nil {
			return
		}
		if c.responses != nil {
			c.responses.Put(ctx, req.Query, full)
		}
	}()
	return out, nil
}

// prepare runs retrieval and context assembly and returns the system
// prompt for the completion.
func (c *Client) prepare(ctx context.Context, req Request) (string, error) {
	high, low := extractKeywords(ctx, c.ai, req.Query)

	embedding, err := c.queryEmbedding(ctx, req.Query)
	if err != nil {
		return "", err
	}

	result, err := c.engine.Search(ctx, retrieval.Request{
		Query:             req.Query,
		QueryEmbedding:    embedding,
		VectorStoreIDs:    req.VectorStoreIDs,
		TopK:              req.TopK,
		Mode:              req.Mode,
		HighLevelKeywords: high,
		LowLevelKeywords:  low,
	})
	if err != nil {
		return "", err
	}

	contextText := BuildContext(result.Chunks, result.Entities, result.Relationships)
	if contextText == "" {
		return fmt.Sprintf(ai.NoContextPrompt, req.Query), nil
	}

	budget := c.contextBudget - c.responseBudget
	budget -= len(c.encoder.Encode(ai.AnswerPrompt, nil, nil))
	budget -= len(c.encoder.Encode(req.Query, nil, nil))
	truncated, wasTruncated := TruncateToBudget(c.encoder, contextText, budget)
	if wasTruncated {
		logger.Warn("[Query] Context truncated to token budget", "budget", budget)
	}

	return fmt.Sprintf(ai.AnswerPrompt, truncated), nil
}

// queryEmbedding resolves the query vector: exact cache hit, fresh
// embedding otherwise, snapping to a near-identical cached vector when
// the similarity fallback finds one.
func (c *Client) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if c.embeddings != nil {
		if cached, ok := c.embeddings.Get(ctx, query); ok {
			return cached, nil
		}
	}

	embedding, err := c.ai.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	if c.embeddings != nil {
		if similar, ok := c.embeddings.GetSimilar(ctx, embedding); ok {
			// Store the snapped vector under this query's exact key so
			// identical follow-up queries hit without re-embedding.
			c.embeddings.Put(ctx, query, similar)
			return similar, nil
		}
		c.embeddings.Put(ctx, query, embedding)
	}
	return embedding, nil
}
