// Package pgx implements the chunk index on PostgreSQL with pgvector.
package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/logger"
	"github.com/loomgraph/loom/pkg/retrieval"
)

// fallbackScanLimit bounds the in-memory similarity fallback when the
// vector query path is unavailable. Recall is reduced, availability wins.
const fallbackScanLimit = 1000

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Index stores and searches text chunks in the chunks table, partitioned
// by vector_store_id.
type Index struct {
	conn pgxIConn
}

// NewIndex creates an Index over an existing connection or pool.
func NewIndex(conn pgxIConn) *Index {
	return &Index{conn: conn}
}

func writeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorageUnavailable, err)
}

// UpsertChunks writes the chunks of one document in a transaction.
func (idx *Index) UpsertChunks(ctx context.Context, chunks []common.TextChunk) error {
	tx, err := idx.conn.Begin(ctx)
	if err != nil {
		return writeErr("failed to begin chunk upsert", err)
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, content, embedding, token_count, document_id, chunk_order_index, vector_store_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				token_count = EXCLUDED.token_count`,
			chunk.ID, chunk.Content, pgvector.NewVector(chunk.Embedding),
			chunk.TokenCount, chunk.DocumentID, chunk.ChunkOrderIndex,
			chunk.VectorStoreID, chunk.CreatedAt,
		)
		if err != nil {
			return writeErr("failed to upsert chunk", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return writeErr("failed to commit chunk upsert", err)
	}
	return nil
}

// DeleteByDocument removes the whole chunk set of a document.
func (idx *Index) DeleteByDocument(ctx context.Context, vectorStoreID string, documentID string) error {
	_, err := idx.conn.Exec(ctx,
		`DELETE FROM chunks WHERE vector_store_id = $1 AND document_id = $2`,
		vectorStoreID, documentID,
	)
	if err != nil {
		return writeErr("failed to delete document chunks", err)
	}
	return nil
}

// SearchChunks returns up to limit chunk candidates scored by cosine
// similarity. When the vector query path fails, it falls back to an
// in-memory scan over a bounded candidate set.
func (idx *Index) SearchChunks(
	ctx context.Context,
	vectorStoreIDs []string,
	embedding []float32,
	limit int,
) ([]retrieval.ScoredChunk, error) {
	rows, err := idx.conn.Query(ctx, `
		SELECT id, content, embedding, token_count, document_id, chunk_order_index, vector_store_id, created_at,
		       1 - (embedding <=> $2) AS similarity
		FROM chunks
		WHERE vector_store_id = ANY($1)
		ORDER BY embedding <=> $2
		LIMIT $3`,
		vectorStoreIDs, pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		logger.Warn("[Retrieval] Vector query failed, falling back to in-memory scan with reduced recall", "err", err)
		return idx.searchChunksFallback(ctx, vectorStoreIDs, embedding, limit)
	}
	defer rows.Close()

	scored := make([]retrieval.ScoredChunk, 0, limit)
	for rows.Next() {
		chunk, similarity, err := scanScoredChunk(rows)
		if err != nil {
			return nil, err
		}
		scored = append(scored, retrieval.ScoredChunk{Chunk: chunk, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chunk rows: %w", err)
	}
	return scored, nil
}

// searchChunksFallback loads a bounded candidate set and computes cosine
// similarity in memory.
func (idx *Index) searchChunksFallback(
	ctx context.Context,
	vectorStoreIDs []string,
	embedding []float32,
	limit int,
) ([]retrieval.ScoredChunk, error) {
	rows, err := idx.conn.Query(ctx, `
		SELECT id, content, embedding, token_count, document_id, chunk_order_index, vector_store_id, created_at
		FROM chunks
		WHERE vector_store_id = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`,
		vectorStoreIDs, fallbackScanLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback candidates: %w", err)
	}
	defer rows.Close()

	scored := make([]retrieval.ScoredChunk, 0, limit)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		scored = append(scored, retrieval.ScoredChunk{
			Chunk:      chunk,
			Similarity: common.CosineSimilarity(embedding, chunk.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fallback rows: %w", err)
	}

	// Keep only the best candidates; the caller re-sorts anyway.
	if len(scored) > limit {
		topOf(scored, limit)
		scored = scored[:limit]
	}
	return scored, nil
}

// topOf partially sorts scored so the first limit elements are the
// highest-similarity ones.
func topOf(scored []retrieval.ScoredChunk, limit int) {
	for i := 0; i < limit && i < len(scored); i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Similarity > scored[best].Similarity {
				best = j
			}
		}
		scored[i], scored[best] = scored[best], scored[i]
	}
}

func scanChunk(rows pgxv5.Rows) (common.TextChunk, error) {
	var chunk common.TextChunk
	var embedding pgvector.Vector
	err := rows.Scan(
		&chunk.ID, &chunk.Content, &embedding, &chunk.TokenCount,
		&chunk.DocumentID, &chunk.ChunkOrderIndex, &chunk.VectorStoreID,
		&chunk.CreatedAt,
	)
	if err != nil {
		return common.TextChunk{}, fmt.Errorf("failed to scan chunk row: %w", err)
	}
	chunk.Embedding = embedding.Slice()
	return chunk, nil
}

func scanScoredChunk(rows pgxv5.Rows) (common.TextChunk, float64, error) {
	var chunk common.TextChunk
	var embedding pgvector.Vector
	var similarity float64
	err := rows.Scan(
		&chunk.ID, &chunk.Content, &embedding, &chunk.TokenCount,
		&chunk.DocumentID, &chunk.ChunkOrderIndex, &chunk.VectorStoreID,
		&chunk.CreatedAt, &similarity,
	)
	if err != nil {
		return common.TextChunk{}, 0, fmt.Errorf("failed to scan chunk row: %w", err)
	}
	chunk.Embedding = embedding.Slice()
	return chunk, similarity, nil
}
