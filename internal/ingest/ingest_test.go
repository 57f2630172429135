package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/chunker"
	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/extract"
)

type fakeAI struct{}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	return f.GenerateChatWithFormat(ctx, name, description, []ai.ChatMessage{{Role: "user", Message: prompt}}, out, opts...)
}

func (f *fakeAI) GenerateChat(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (string, error) {
	return "no", nil
}

func (f *fakeAI) GenerateChatWithFormat(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
	return json.Unmarshal([]byte(`{"entities":[],"relationships":[]}`), out)
}

func (f *fakeAI) GenerateChatStream(ctx context.Context, messages []ai.ChatMessage, opts ...ai.GenerateOption) (<-chan ai.StreamEvent, error) {
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// fakeStore keeps the graph in memory and mimics the merge-relevant
// parts of the pgx store.
type fakeStore struct {
	mu            sync.Mutex
	entities      map[string]common.Entity
	relationships map[string]common.Relationship
	upserts       int
	failWrites    bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:      make(map[string]common.Entity),
		relationships: make(map[string]common.Relationship),
	}
}

func (f *fakeStore) UpsertEntitiesAndRelationships(ctx context.Context, entities []common.Entity, relationships []common.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return common.ErrStorageUnavailable
	}
	f.upserts++
	for _, entity := range entities {
		f.entities[entity.ID] = entity
	}
	for _, rel := range relationships {
		f.relationships[rel.ID] = rel
	}
	return nil
}

func (f *fakeStore) RemoveEntitiesAndRelationships(ctx context.Context, vectorStoreID string, entityIDs []string, relationshipIDs []string) error {
	return nil
}

func (f *fakeStore) RemoveBySource(ctx context.Context, vectorStoreID string, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, entity := range f.entities {
		if entity.SourceID == sourceID {
			delete(f.entities, id)
		}
	}
	for id, rel := range f.relationships {
		if rel.SourceID == sourceID {
			delete(f.relationships, id)
		}
	}
	return nil
}

func (f *fakeStore) ListEntities(ctx context.Context, vectorStoreID string) ([]common.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]common.Entity, 0, len(f.entities))
	for _, entity := range f.entities {
		out = append(out, entity)
	}
	return out, nil
}

func (f *fakeStore) ListRelationships(ctx context.Context, vectorStoreID string) ([]common.Relationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]common.Relationship, 0, len(f.relationships))
	for _, rel := range f.relationships {
		out = append(out, rel)
	}
	return out, nil
}

func (f *fakeStore) SearchEntities(ctx context.Context, vectorStoreID string, embedding []float32, keywords []string, limit int) ([]common.Entity, error) {
	return nil, nil
}

func (f *fakeStore) SearchRelationships(ctx context.Context, vectorStoreID string, embedding []float32, keywords []string, limit int) ([]common.Relationship, error) {
	return nil, nil
}

func (f *fakeStore) HasNode(ctx context.Context, vectorStoreID string, entityID string) (bool, error) {
	return false, nil
}

func (f *fakeStore) HasEdge(ctx context.Context, vectorStoreID string, sourceEntityID string, targetEntityID string) (bool, error) {
	return false, nil
}

func (f *fakeStore) NodeDegree(ctx context.Context, vectorStoreID string, entityID string) (int, error) {
	return 0, nil
}

func (f *fakeStore) EdgeDegree(ctx context.Context, vectorStoreID string, sourceEntityID string, targetEntityID string) (int, error) {
	return 0, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	chunks  map[string]common.TextChunk
	deletes int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{chunks: make(map[string]common.TextChunk)}
}

func (f *fakeIndex) UpsertChunks(ctx context.Context, chunks []common.TextChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chunk := range chunks {
		f.chunks[chunk.ID] = chunk
	}
	return nil
}

func (f *fakeIndex) DeleteByDocument(ctx context.Context, vectorStoreID string, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for id, chunk := range f.chunks {
		if chunk.DocumentID == documentID {
			delete(f.chunks, id)
		}
	}
	return nil
}

// extractingAI returns a fixed Alice/Acme fragment on the first pass of
// every window and nothing on gleaning passes.
type extractingAI struct {
	fakeAI
}

func (f *extractingAI) GenerateChatWithFormat(ctx context.Context, name, description string, messages []ai.ChatMessage, out any, opts ...ai.GenerateOption) error {
	if len(messages) > 0 && messages[len(messages)-1].Message == ai.GleanPrompt {
		return json.Unmarshal([]byte(`{"entities":[],"relationships":[]}`), out)
	}
	payload := `{
		"entities": [
			{"entity_name": "Alice", "entity_type": "person", "entity_description": "Works at Acme Corp.", "entity_keywords": ["employee"]},
			{"entity_name": "Acme Corp", "entity_type": "organization", "entity_description": "Builds widgets.", "entity_keywords": ["widgets"]}
		],
		"relationships": [
			{"source_entity": "Alice", "target_entity": "Acme Corp", "relationship_type": "works at", "relationship_description": "Alice is employed by Acme Corp.", "relationship_keywords": ["employment"], "relationship_strength": 0.9}
		]
	}`
	return json.Unmarshal([]byte(payload), out)
}

func newTestService(t *testing.T, client ai.Client, store *fakeStore, index *fakeIndex) *Service {
	t.Helper()
	c, err := chunker.NewChunker(chunker.NewChunkerParams{})
	if err != nil {
		t.Fatalf("NewChunker() error = %v", err)
	}
	extractor, err := extract.NewExtractor(extract.NewExtractorParams{Client: client})
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	svc, err := NewService(NewServiceParams{
		Chunker:   c,
		Extractor: extractor,
		AI:        client,
		Store:     store,
		Index:     index,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestIngestWritesChunksAndGraph(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	svc := newTestService(t, &extractingAI{}, store, index)

	err := svc.Ingest(context.Background(), "vs1", "doc1", "Alice works at Acme Corp. Acme Corp builds widgets.")
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if len(index.chunks) == 0 {
		t.Fatal("no chunks written")
	}
	for _, chunk := range index.chunks {
		if len(chunk.Embedding) == 0 {
			t.Error("chunk written without embedding")
		}
		if chunk.VectorStoreID != "vs1" || chunk.DocumentID != "doc1" {
			t.Errorf("chunk scope = %q/%q", chunk.VectorStoreID, chunk.DocumentID)
		}
	}

	if len(store.entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(store.entities))
	}
	names := make(map[string]common.EntityType)
	for _, entity := range store.entities {
		names[entity.Name] = entity.Type
		if len(entity.Embedding) == 0 {
			t.Errorf("entity %q written without embedding", entity.Name)
		}
	}
	if names["Alice"] != common.EntityTypePerson {
		t.Errorf("Alice type = %q, want person", names["Alice"])
	}
	if names["Acme Corp"] != common.EntityTypeOrganization {
		t.Errorf("Acme Corp type = %q, want organization", names["Acme Corp"])
	}
	if len(store.relationships) != 1 {
		t.Errorf("relationships = %d, want 1", len(store.relationships))
	}
}

func TestReingestDoesNotDuplicateEntities(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	svc := newTestService(t, &extractingAI{}, store, index)

	text := "Alice works at Acme Corp. Acme Corp builds widgets."
	if err := svc.Ingest(context.Background(), "vs1", "doc1", text); err != nil {
		t.Fatalf("first Ingest() error = %v", err)
	}
	chunksAfterFirst := len(index.chunks)
	if chunksAfterFirst == 0 {
		t.Fatal("first ingest wrote no chunks")
	}
	if err := svc.Ingest(context.Background(), "vs1", "doc1", text); err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}

	if len(index.chunks) != chunksAfterFirst {
		t.Errorf("chunks after re-ingest = %d, want %d (chunk set must be replaced, not duplicated)",
			len(index.chunks), chunksAfterFirst)
	}
	if len(store.entities) != 2 {
		t.Errorf("entities after re-ingest = %d, want 2 (merged by name)", len(store.entities))
	}
	if len(store.relationships) != 1 {
		t.Errorf("relationships after re-ingest = %d, want 1", len(store.relationships))
	}
}

func TestIngestSurfacesStorageErrors(t *testing.T) {
	store := newFakeStore()
	store.failWrites = true
	index := newFakeIndex()
	svc := newTestService(t, &extractingAI{}, store, index)

	err := svc.Ingest(context.Background(), "vs1", "doc1", "Alice works at Acme Corp.")
	if !errors.Is(err, common.ErrStorageUnavailable) {
		t.Errorf("error = %v, want ErrStorageUnavailable", err)
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	svc := newTestService(t, &fakeAI{}, store, index)

	if err := svc.Ingest(context.Background(), "vs1", "doc1", "   "); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(index.chunks) != 0 || len(store.entities) != 0 {
		t.Error("empty document must write nothing")
	}
}

func TestDeleteDocumentRemovesEverything(t *testing.T) {
	store := newFakeStore()
	index := newFakeIndex()
	svc := newTestService(t, &extractingAI{}, store, index)

	text := "Alice works at Acme Corp."
	if err := svc.Ingest(context.Background(), "vs1", "doc1", text); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := svc.DeleteDocument(context.Background(), "vs1", "doc1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	if len(index.chunks) != 0 {
		t.Errorf("chunks after delete = %d, want 0", len(index.chunks))
	}
	if len(store.entities) != 0 {
		t.Errorf("entities after delete = %d, want 0", len(store.entities))
	}
	if len(store.relationships) != 0 {
		t.Errorf("relationships after delete = %d, want 0", len(store.relationships))
	}
}
