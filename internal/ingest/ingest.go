// Package ingest orchestrates document ingestion: chunking, cached
// embedding, concurrent per-chunk extraction, one merge pass, and the
// storage writes. Deletion removes everything a document contributed.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/cache"
	"github.com/loomgraph/loom/pkg/chunker"
	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/extract"
	"github.com/loomgraph/loom/pkg/graphstore"
	"github.com/loomgraph/loom/pkg/logger"
)

const (
	defaultParallelMax = 4
	defaultMaxRetries  = 3
)

// ChunkIndex is the chunk persistence collaborator.
type ChunkIndex interface {
	UpsertChunks(ctx context.Context, chunks []common.TextChunk) error
	DeleteByDocument(ctx context.Context, vectorStoreID string, documentID string) error
}

// Service runs ingest and delete requests. Each request is an
// independent task; the only shared state is the caches and stores
// behind the collaborators.
type Service struct {
	chunker     *chunker.Chunker
	extractor   *extract.Extractor
	ai          ai.Client
	embeddings  *cache.EmbeddingCache
	store       graphstore.Store
	index       ChunkIndex
	parallelMax int
	maxRetries  int
}

// NewServiceParams defines the collaborators of a Service. Embeddings is
// optional; without it every embedding is generated fresh.
type NewServiceParams struct {
	Chunker     *chunker.Chunker
	Extractor   *extract.Extractor
	AI          ai.Client
	Embeddings  *cache.EmbeddingCache
	Store       graphstore.Store
	Index       ChunkIndex
	ParallelMax int
	MaxRetries  int
}

// NewService creates an ingest Service.
func NewService(params NewServiceParams) (*Service, error) {
	if params.Chunker == nil || params.Extractor == nil || params.AI == nil {
		return nil, fmt.Errorf("ingest: chunker, extractor and ai client are required")
	}
	if params.Store == nil || params.Index == nil {
		return nil, fmt.Errorf("ingest: store and index are required")
	}
	s := &Service{
		chunker:     params.Chunker,
		extractor:   params.Extractor,
		ai:          params.AI,
		embeddings:  params.Embeddings,
		store:       params.Store,
		index:       params.Index,
		parallelMax: params.ParallelMax,
		maxRetries:  params.MaxRetries,
	}
	if s.parallelMax <= 0 {
		s.parallelMax = defaultParallelMax
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	return s, nil
}

// Ingest chunks the document, embeds and extracts every chunk
// concurrently, merges the extracted fragments once, and writes chunks
// and graph. Storage write errors surface; extraction failures degrade
// to fewer entities.
func (s *Service) Ingest(ctx context.Context, vectorStoreID string, documentID string, text string) error {
	chunks, err := s.chunker.Chunk(text)
	if err != nil {
		return fmt.Errorf("failed to chunk document: %w", err)
	}
	if len(chunks) == 0 {
		logger.Info("[Ingest] Document produced no chunks", "document", documentID)
		return nil
	}

	now := time.Now().UTC()
	for i := range chunks {
		chunks[i].DocumentID = documentID
		chunks[i].VectorStoreID = vectorStoreID
		chunks[i].CreatedAt = now
	}

	entities := make([]common.Entity, 0)
	relations := make([]common.Relationship, 0)
	mergeMu := sync.Mutex{}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelMax)
	for i := range chunks {
		chunk := &chunks[i]
		g.Go(func() error {
			embedding, err := s.embedText(gCtx, chunk.Content)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", chunk.ChunkOrderIndex, err)
			}
			chunk.Embedding = embedding

			fragment, err := s.extractor.Extract(gCtx, chunk.Content, vectorStoreID, documentID)
			if err != nil {
				return fmt.Errorf("failed to extract chunk %d: %w", chunk.ChunkOrderIndex, err)
			}

			mergeMu.Lock()
			entities, relations = extract.Merge(entities, fragment.Entities, relations, fragment.Relationships)
			mergeMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Fold the new fragment into the tenant's existing graph so
	// re-ingested entities merge by name instead of duplicating.
	existingEntities, err := s.store.ListEntities(ctx, vectorStoreID)
	if err != nil {
		return fmt.Errorf("failed to load existing entities: %w", err)
	}
	existingRelations, err := s.store.ListRelationships(ctx, vectorStoreID)
	if err != nil {
		return fmt.Errorf("failed to load existing relationships: %w", err)
	}
	entities, relations = extract.Merge(existingEntities, entities, existingRelations, relations)

	merged := &extract.Result{Entities: entities, Relationships: relations}
	s.extractor.SummarizeDescriptions(ctx, merged)
	if err := s.embedGraph(ctx, merged); err != nil {
		return err
	}

	// Replace the document's chunk set. Retried jobs reuse the document
	// ID but chunk IDs are fresh, so upserting over the old rows would
	// duplicate every chunk and leave stale tails on shorter re-ingests.
	if err := s.index.DeleteByDocument(ctx, vectorStoreID, documentID); err != nil {
		return err
	}
	if err := s.index.UpsertChunks(ctx, chunks); err != nil {
		return err
	}
	if err := s.store.UpsertEntitiesAndRelationships(ctx, merged.Entities, merged.Relationships); err != nil {
		return err
	}

	logger.Info("[Ingest] Document ingested",
		"document", documentID,
		"chunks", len(chunks),
		"entities", len(merged.Entities),
		"relationships", len(merged.Relationships),
	)
	return nil
}

// DeleteDocument removes the chunk set, the entities extracted from the
// document, and every relationship touching them. Graph rows go first,
// relationships before entities inside the store.
func (s *Service) DeleteDocument(ctx context.Context, vectorStoreID string, documentID string) error {
	if err := s.store.RemoveBySource(ctx, vectorStoreID, documentID); err != nil {
		return err
	}
	if err := s.index.DeleteByDocument(ctx, vectorStoreID, documentID); err != nil {
		return err
	}
	logger.Info("[Ingest] Document deleted", "document", documentID)
	return nil
}

// embedGraph fills in entity and relationship embeddings concurrently.
func (s *Service) embedGraph(ctx context.Context, res *extract.Result) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelMax)

	for i := range res.Entities {
		entity := &res.Entities[i]
		g.Go(func() error {
			embedding, err := s.embedText(gCtx, entity.Name+"\n"+entity.Description)
			if err != nil {
				return fmt.Errorf("failed to embed entity %q: %w", entity.Name, err)
			}
			entity.Embedding = embedding
			return nil
		})
	}
	for i := range res.Relationships {
		rel := &res.Relationships[i]
		g.Go(func() error {
			embedding, err := s.embedText(gCtx, rel.Type+"\n"+rel.Description)
			if err != nil {
				return fmt.Errorf("failed to embed relationship %s: %w", rel.ID, err)
			}
			rel.Embedding = embedding
			return nil
		})
	}

	return g.Wait()
}

// embedText resolves an embedding through the cache, generating and
// caching on miss.
func (s *Service) embedText(ctx context.Context, text string) ([]float32, error) {
	if s.embeddings != nil {
		if cached, ok := s.embeddings.Get(ctx, text); ok {
			return cached, nil
		}
	}

	embedding, err := util.RetryWithContext(ctx, s.maxRetries, func(ctx context.Context) ([]float32, error) {
		return s.ai.GenerateEmbedding(ctx, []byte(text))
	})
	if err != nil {
		return nil, err
	}

	if s.embeddings != nil {
		s.embeddings.Put(ctx, text, embedding)
	}
	return embedding, nil
}
