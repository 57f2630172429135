package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkoukk/tiktoken-go"
	"github.com/redis/go-redis/v9"

	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/cache"
	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/retrieval"
)

type fakeAI struct {
	chatFn       func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error)
	streamFn     func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error)
	embeddingFn  func(ctx context.Context, input []byte) ([]float32, error)
	chatFormatFn func(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	if f.chatFormatFn != nil {
		return f.chatFormatFn(ctx, name, description, prompt, out, opts...)
	}
	return nil
}

func (f *fakeAI) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	if f.chatFn != nil {
		return f.chatFn(ctx, messages, opts...)
	}
	return "an answer", nil
}

func (f *fakeAI) GenerateChatWithFormat(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
	return nil
}

func (f *fakeAI) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, messages, opts...)
	}
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if f.embeddingFn != nil {
		return f.embeddingFn(ctx, input)
	}
	return []float32{1, 0}, nil
}

type fakeIndex struct {
	chunks []retrieval.ScoredChunk
}

func (f *fakeIndex) SearchChunks(ctx context.Context, vectorStoreIDs []string, embedding []float32, limit int) ([]retrieval.ScoredChunk, error) {
	return f.chunks, nil
}

func newTestClient(t *testing.T, aiClient ai.Client, chunks []retrieval.ScoredChunk, params NewClientParams) *Client {
	t.Helper()
	params.AI = aiClient
	params.Engine = retrieval.NewEngine(retrieval.NewEngineParams{Index: &fakeIndex{chunks: chunks}})
	c, err := NewClient(params)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func chunkWith(content string) []retrieval.ScoredChunk {
	return []retrieval.ScoredChunk{{
		Chunk:      common.TextChunk{ID: "c1", Content: content, VectorStoreID: "vs1"},
		Similarity: 0.9,
	}}
}

func TestAnswerUsesRetrievedContext(t *testing.T) {
	var systemSeen string
	client := &fakeAI{
		chatFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
			options := ai.GenerateOptions{}
			for _, opt := range opts {
				opt(&options)
			}
			if len(options.SystemPrompts) > 0 {
				systemSeen = options.SystemPrompts[0]
			}
			return "Acme Corp builds widgets.", nil
		},
	}
	c := newTestClient(t, client, chunkWith("Acme Corp builds widgets."), NewClientParams{})

	answer, err := c.Answer(context.Background(), Request{
		Query:          "what does acme build",
		VectorStoreIDs: []string{"vs1"},
		Mode:           retrieval.ModeSemantic,
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer != "Acme Corp builds widgets." {
		t.Errorf("answer = %q", answer)
	}
	if !strings.Contains(systemSeen, "Acme Corp builds widgets.") {
		t.Error("system prompt does not carry the retrieved context")
	}
}

func TestAnswerWithoutContextUsesNoContextPrompt(t *testing.T) {
	var systemSeen string
	client := &fakeAI{
		chatFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
			options := ai.GenerateOptions{}
			for _, opt := range opts {
				opt(&options)
			}
			if len(options.SystemPrompts) > 0 {
				systemSeen = options.SystemPrompts[0]
			}
			return "Nothing found.", nil
		},
	}
	c := newTestClient(t, client, nil, NewClientParams{})

	_, err := c.Answer(context.Background(), Request{
		Query:          "anything?",
		VectorStoreIDs: []string{"vs1"},
		Mode:           retrieval.ModeSemantic,
	})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !strings.Contains(systemSeen, "no information relevant") {
		t.Errorf("system prompt = %q, want the no-context prompt", systemSeen)
	}
}

func TestAnswerRequiresVectorStore(t *testing.T) {
	c := newTestClient(t, &fakeAI{}, nil, NewClientParams{})

	_, err := c.Answer(context.Background(), Request{Query: "q", Mode: retrieval.ModeSemantic})
	if !errors.Is(err, common.ErrNoVectorStoreSpecified) {
		t.Errorf("error = %v, want ErrNoVectorStoreSpecified", err)
	}
}

func TestAnswerStreamDeliversDeltas(t *testing.T) {
	client := &fakeAI{
		streamFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
			ch := make(chan ai.StreamEvent, 3)
			ch <- ai.StreamEvent{Content: "Acme "}
			ch <- ai.StreamEvent{Content: "builds "}
			ch <- ai.StreamEvent{Content: "widgets."}
			close(ch)
			return ch, nil
		},
	}
	c := newTestClient(t, client, chunkWith("Acme builds widgets."), NewClientParams{})

	stream, err := c.AnswerStream(context.Background(), Request{
		Query:          "what does acme build",
		VectorStoreIDs: []string{"vs1"},
		Mode:           retrieval.ModeSemantic,
	})
	if err != nil {
		t.Fatalf("AnswerStream() error = %v", err)
	}

	var full string
	for event := range stream {
		if event.Err != nil {
			t.Fatalf("stream error = %v", event.Err)
		}
		full += event.Content
	}
	if full != "Acme builds widgets." {
		t.Errorf("streamed answer = %q", full)
	}
}

func TestAnswerStreamSurfacesTerminalError(t *testing.T) {
	client := &fakeAI{
		streamFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
			ch := make(chan ai.StreamEvent, 2)
			ch <- ai.StreamEvent{Content: "partial"}
			ch <- ai.StreamEvent{Err: errors.New("stream broke")}
			close(ch)
			return ch, nil
		},
	}
	c := newTestClient(t, client, chunkWith("content"), NewClientParams{})

	stream, err := c.AnswerStream(context.Background(), Request{
		Query:          "q",
		VectorStoreIDs: []string{"vs1"},
		Mode:           retrieval.ModeSemantic,
	})
	if err != nil {
		t.Fatalf("AnswerStream() error = %v", err)
	}

	var sawContent, sawErr bool
	for event := range stream {
		if event.Err != nil {
			sawErr = true
		} else if event.Content != "" {
			sawContent = true
		}
	}
	if !sawContent || !sawErr {
		t.Errorf("sawContent = %t, sawErr = %t, want both", sawContent, sawErr)
	}
}

func TestAnswerStreamCancellationCachesNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	responses := cache.NewResponseCache(redisClient, cache.NewResponseCacheParams{})

	client := &fakeAI{
		streamFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
			ch := make(chan ai.StreamEvent, 3)
			ch <- ai.StreamEvent{Content: "partial "}
			ch <- ai.StreamEvent{Content: "answer "}
			ch <- ai.StreamEvent{Content: "text"}
			close(ch)
			return ch, nil
		},
	}
	c := newTestClient(t, client, chunkWith("content"), NewClientParams{Responses: responses})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.AnswerStream(ctx, Request{
		Query:          "will be canceled",
		VectorStoreIDs: []string{"vs1"},
		Mode:           retrieval.ModeSemantic,
	})
	if err != nil {
		t.Fatalf("AnswerStream() error = %v", err)
	}

	// Take one delta, cancel, then wait for the producer to shut down.
	<-stream
	cancel()
	for range stream {
	}

	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("cache keys after cancellation = %v, want none (partial output must be discarded)", keys)
	}
	if cached, ok := responses.Get(context.Background(), "will be canceled"); ok {
		t.Errorf("cached response after cancellation = %q, want miss", cached)
	}
}

func TestQueryEmbeddingSnapCachesExactKey(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	embeddings := cache.NewEmbeddingCache(redisClient, cache.NewEmbeddingCacheParams{
		SimilarityThreshold: 0.95,
	})

	// A near-identical vector is already cached under different text.
	embeddings.Put(context.Background(), "other text", []float32{1, 0})

	calls := 0
	client := &fakeAI{
		embeddingFn: func(ctx context.Context, input []byte) ([]float32, error) {
			calls++
			return []float32{0.999, 0.01}, nil
		},
	}
	c := newTestClient(t, client, nil, NewClientParams{Embeddings: embeddings})

	first, err := c.queryEmbedding(context.Background(), "what is it")
	if err != nil {
		t.Fatalf("queryEmbedding() error = %v", err)
	}
	if first[0] != 1 || first[1] != 0 {
		t.Errorf("first embedding = %v, want the snapped cached vector", first)
	}

	second, err := c.queryEmbedding(context.Background(), "what is it")
	if err != nil {
		t.Fatalf("queryEmbedding() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("embedding generations = %d, want 1 (identical query must hit the exact key)", calls)
	}
	if second[0] != first[0] || second[1] != first[1] {
		t.Errorf("second embedding = %v, want %v (same vector as the first call)", second, first)
	}
}

func TestAnswerCachesFullResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	responses := cache.NewResponseCache(redisClient, cache.NewResponseCacheParams{})

	calls := 0
	client := &fakeAI{
		chatFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
			calls++
			return "generated answer", nil
		},
	}
	c := newTestClient(t, client, chunkWith("content"), NewClientParams{Responses: responses})

	req := Request{Query: "what is it", VectorStoreIDs: []string{"vs1"}, Mode: retrieval.ModeSemantic}
	first, err := c.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	second, err := c.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if first != second {
		t.Errorf("answers differ: %q vs %q", first, second)
	}
	if calls != 1 {
		t.Errorf("generation calls = %d, want 1 (second answer must come from cache)", calls)
	}
}

func TestBuildContextSections(t *testing.T) {
	chunks := []common.TextChunk{{Content: "Acme builds widgets."}}
	entities := []common.Entity{
		{ID: "e1", Name: "Acme Corp", Type: common.EntityTypeOrganization, Description: "Builds widgets."},
		{ID: "e2", Name: "Alice", Type: common.EntityTypePerson, Description: "Engineer."},
	}
	relationships := []common.Relationship{
		{SourceEntityID: "e2", TargetEntityID: "e1", Type: "works at", Description: "Alice is employed by Acme Corp."},
	}

	got := BuildContext(chunks, entities, relationships)

	for _, want := range []string{
		"Document excerpts:",
		"Acme builds widgets.",
		"Acme Corp (organization): Builds widgets.",
		"Alice (person): Engineer.",
		"Alice works at Acme Corp: Alice is employed by Acme Corp.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
}

func TestBuildContextEmpty(t *testing.T) {
	if got := BuildContext(nil, nil, nil); got != "" {
		t.Errorf("BuildContext(nil, nil, nil) = %q, want empty", got)
	}
}

func TestTruncateToBudgetPreservesPrefix(t *testing.T) {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		t.Fatalf("GetEncoding() error = %v", err)
	}

	text := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen"
	tokens := encoder.Encode(text, nil, nil)
	if len(tokens) <= 10 {
		t.Fatalf("test text too short: %d tokens", len(tokens))
	}

	truncated, wasTruncated := TruncateToBudget(encoder, text, 10)
	if !wasTruncated {
		t.Fatal("expected truncation")
	}
	got := encoder.Encode(truncated, nil, nil)
	if len(got) != 10 {
		t.Errorf("truncated length = %d tokens, want exactly 10", len(got))
	}
	if !strings.HasPrefix(text, truncated) {
		t.Error("truncation must preserve the prefix")
	}

	same, wasTruncated := TruncateToBudget(encoder, "short", 10)
	if wasTruncated || same != "short" {
		t.Errorf("under-budget text must pass through, got %q truncated=%t", same, wasTruncated)
	}
}
