package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/common"
)

type fakeAI struct {
	completionFn func(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error)
	chatFn       func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error)
	chatFormatFn func(ctx context.Context, name string, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if f.completionFn != nil {
		return f.completionFn(ctx, prompt, opts...)
	}
	return "", nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name string, description string, prompt string, out any, opts ...ai.GenerateOption) error {
	return f.GenerateChatWithFormat(ctx, name, description, []ai.ChatMessage{{Role: "user", Message: prompt}}, out, opts...)
}

func (f *fakeAI) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	if f.chatFn != nil {
		return f.chatFn(ctx, messages, opts...)
	}
	return "no", nil
}

func (f *fakeAI) GenerateChatWithFormat(ctx context.Context, name string, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
	if f.chatFormatFn != nil {
		return f.chatFormatFn(ctx, name, description, messages, out, opts...)
	}
	return nil
}

func (f *fakeAI) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{0}, nil
}

func newTestExtractor(t *testing.T, client ai.Client, params NewExtractorParams) *Extractor {
	t.Helper()
	params.Client = client
	e, err := NewExtractor(params)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	return e
}

// isGleanPass reports whether the conversation ends in a gleaning turn.
func isGleanPass(messages []ai.ChatMessage) bool {
	return len(messages) > 0 && messages[len(messages)-1].Message == ai.GleanPrompt
}

func TestExtractEntitiesAndRelationship(t *testing.T) {
	client := &fakeAI{
		chatFormatFn: func(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
			res := out.(*extractResponse)
			if isGleanPass(messages) {
				*res = extractResponse{}
				return nil
			}
			*res = extractResponse{
				Entities: []extractEntity{
					{EntityName: "Alice", EntityType: "person", EntityDescription: "Works at Acme Corp.", EntityKeywords: []string{"employee"}},
					{EntityName: "Acme Corp", EntityType: "organization", EntityDescription: "Builds widgets.", EntityKeywords: []string{"widgets"}},
				},
				Relationships: []extractRelationship{
					{
						SourceEntity:            "Alice",
						TargetEntity:            "Acme Corp",
						RelationshipType:        "works at",
						RelationshipDescription: "Alice is employed by Acme Corp.",
						RelationshipStrength:    0.9,
					},
				},
			}
			return nil
		},
	}
	e := newTestExtractor(t, client, NewExtractorParams{})

	res, err := e.Extract(context.Background(), "Alice works at Acme Corp. Acme Corp builds widgets.", "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if len(res.Entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(res.Entities))
	}
	byName := make(map[string]common.Entity)
	for _, entity := range res.Entities {
		byName[entity.Name] = entity
	}
	if byName["Alice"].Type != common.EntityTypePerson {
		t.Errorf("Alice type = %q, want person", byName["Alice"].Type)
	}
	if byName["Acme Corp"].Type != common.EntityTypeOrganization {
		t.Errorf("Acme Corp type = %q, want organization", byName["Acme Corp"].Type)
	}
	if byName["Alice"].VectorStoreID != "vs1" || byName["Alice"].SourceID != "doc1" {
		t.Errorf("Alice scope = %q/%q, want vs1/doc1", byName["Alice"].VectorStoreID, byName["Alice"].SourceID)
	}

	if len(res.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(res.Relationships))
	}
	rel := res.Relationships[0]
	if rel.SourceEntityID != byName["Alice"].ID || rel.TargetEntityID != byName["Acme Corp"].ID {
		t.Error("relationship endpoints do not reference the extracted entities")
	}
	if rel.Type != "works at" {
		t.Errorf("relationship type = %q, want %q", rel.Type, "works at")
	}
	if rel.Weight != 0.9 {
		t.Errorf("relationship weight = %f, want 0.9", rel.Weight)
	}
}

func TestExtractDropsUnknownEndpoint(t *testing.T) {
	client := &fakeAI{
		chatFormatFn: func(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
			res := out.(*extractResponse)
			if isGleanPass(messages) {
				*res = extractResponse{}
				return nil
			}
			*res = extractResponse{
				Entities: []extractEntity{{EntityName: "Alice", EntityType: "person"}},
				Relationships: []extractRelationship{
					{SourceEntity: "Alice", TargetEntity: "Nobody", RelationshipType: "knows"},
				},
			}
			return nil
		},
	}
	e := newTestExtractor(t, client, NewExtractorParams{})

	res, err := e.Extract(context.Background(), "Alice.", "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Relationships) != 0 {
		t.Errorf("relationships = %d, want 0 (unknown endpoint must be dropped)", len(res.Relationships))
	}
	if len(res.Entities) != 1 {
		t.Errorf("entities = %d, want 1", len(res.Entities))
	}
}

func TestExtractGleaningRecoversMissedEntities(t *testing.T) {
	client := &fakeAI{
		chatFormatFn: func(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
			res := out.(*extractResponse)
			if isGleanPass(messages) {
				*res = extractResponse{
					Entities: []extractEntity{{EntityName: "Bob", EntityType: "person"}},
					Relationships: []extractRelationship{
						{SourceEntity: "Alice", TargetEntity: "Bob", RelationshipType: "knows", RelationshipStrength: 0.5},
					},
				}
				return nil
			}
			*res = extractResponse{
				Entities: []extractEntity{{EntityName: "Alice", EntityType: "person"}},
			}
			return nil
		},
		chatFn: func(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
			return "no", nil
		},
	}
	e := newTestExtractor(t, client, NewExtractorParams{MaxGleaningPasses: 2})

	res, err := e.Extract(context.Background(), "Alice knows Bob.", "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Entities) != 2 {
		t.Fatalf("entities = %d, want 2 (gleaning must add Bob)", len(res.Entities))
	}
	if len(res.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(res.Relationships))
	}
}

func TestExtractGleaningStopsWithoutNewEntities(t *testing.T) {
	var formatCalls atomic.Int32
	client := &fakeAI{
		chatFormatFn: func(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
			formatCalls.Add(1)
			res := out.(*extractResponse)
			// Every pass reports the same entity, so no pass after the
			// first adds anything new.
			*res = extractResponse{
				Entities: []extractEntity{{EntityName: "Alice", EntityType: "person"}},
			}
			return nil
		},
	}
	e := newTestExtractor(t, client, NewExtractorParams{MaxGleaningPasses: 5})

	res, err := e.Extract(context.Background(), "Alice.", "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Entities) != 1 {
		t.Errorf("entities = %d, want 1", len(res.Entities))
	}
	// Initial pass plus exactly one gleaning pass that produced nothing new.
	if got := formatCalls.Load(); got != 2 {
		t.Errorf("structured calls = %d, want 2", got)
	}
}

func TestExtractSplitsLongInputIntoWindows(t *testing.T) {
	var initialPasses atomic.Int32
	client := &fakeAI{
		chatFormatFn: func(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
			if !isGleanPass(messages) {
				initialPasses.Add(1)
			}
			*out.(*extractResponse) = extractResponse{}
			return nil
		},
	}
	e := newTestExtractor(t, client, NewExtractorParams{
		WindowTokens:      5,
		MaxGleaningPasses: 0,
		ParallelMax:       1,
	})

	text := "one two three four five six seven eight nine ten eleven twelve"
	res, err := e.Extract(context.Background(), text, "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Entities) != 0 {
		t.Errorf("entities = %d, want 0", len(res.Entities))
	}
	if got := initialPasses.Load(); got < 2 {
		t.Errorf("initial passes = %d, want at least 2 windows", got)
	}
}

func TestExtractDegradesOnPersistentFailure(t *testing.T) {
	client := &fakeAI{
		chatFormatFn: func(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
			return errors.New("model unavailable")
		},
	}
	e := newTestExtractor(t, client, NewExtractorParams{MaxRetries: 2})

	res, err := e.Extract(context.Background(), "some text", "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v, want degradation to empty result", err)
	}
	if len(res.Entities) != 0 || len(res.Relationships) != 0 {
		t.Error("expected empty result after persistent extraction failure")
	}
}

func TestExtractEmptyInput(t *testing.T) {
	e := newTestExtractor(t, &fakeAI{}, NewExtractorParams{})

	res, err := e.Extract(context.Background(), "   ", "vs1", "doc1")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Entities) != 0 || len(res.Relationships) != 0 {
		t.Error("expected empty result for blank input")
	}
}
