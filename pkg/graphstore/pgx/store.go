// Package pgx implements the graph store on PostgreSQL with pgvector.
package pgx

import (
	"context"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/loomgraph/loom/pkg/common"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// Store persists entities and relationships in the entities and
// relationships tables, both partitioned by vector_store_id. Safe for
// concurrent use through the underlying pool.
type Store struct {
	conn pgxIConn
}

// NewStore creates a Store over an existing connection or pool.
func NewStore(conn pgxIConn) *Store {
	return &Store{conn: conn}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorageUnavailable, err)
}

// UpsertEntitiesAndRelationships writes the graph fragment in one
// transaction. Conflicting IDs update in place, so replays are
// idempotent.
func (s *Store) UpsertEntitiesAndRelationships(
	ctx context.Context,
	entities []common.Entity,
	relationships []common.Relationship,
) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return storageErr("failed to begin upsert", err)
	}
	defer tx.Rollback(ctx)

	for _, entity := range entities {
		_, err := tx.Exec(ctx, `
			INSERT INTO entities (id, name, type, description, keywords, weight, embedding, source_id, vector_store_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				description = EXCLUDED.description,
				keywords = EXCLUDED.keywords,
				weight = EXCLUDED.weight,
				embedding = EXCLUDED.embedding`,
			entity.ID, entity.Name, string(entity.Type), entity.Description,
			entity.Keywords, entity.Weight, pgvector.NewVector(entity.Embedding),
			entity.SourceID, entity.VectorStoreID,
		)
		if err != nil {
			return storageErr("failed to upsert entity", err)
		}
	}

	for _, rel := range relationships {
		_, err := tx.Exec(ctx, `
			INSERT INTO relationships (id, source_entity_id, target_entity_id, type, description, keywords, weight, embedding, source_id, vector_store_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				type = EXCLUDED.type,
				description = EXCLUDED.description,
				keywords = EXCLUDED.keywords,
				weight = EXCLUDED.weight,
				embedding = EXCLUDED.embedding`,
			rel.ID, rel.SourceEntityID, rel.TargetEntityID, rel.Type, rel.Description,
			rel.Keywords, rel.Weight, pgvector.NewVector(rel.Embedding),
			rel.SourceID, rel.VectorStoreID,
		)
		if err != nil {
			return storageErr("failed to upsert relationship", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("failed to commit upsert", err)
	}
	return nil
}

// RemoveEntitiesAndRelationships deletes the given rows, relationships
// first so no edge ever dangles. Relationships touching a removed entity
// are deleted even when not listed.
func (s *Store) RemoveEntitiesAndRelationships(
	ctx context.Context,
	vectorStoreID string,
	entityIDs []string,
	relationshipIDs []string,
) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return storageErr("failed to begin removal", err)
	}
	defer tx.Rollback(ctx)

	if len(relationshipIDs) > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM relationships WHERE vector_store_id = $1 AND id = ANY($2)`,
			vectorStoreID, relationshipIDs,
		)
		if err != nil {
			return storageErr("failed to delete relationships", err)
		}
	}
	if len(entityIDs) > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM relationships WHERE vector_store_id = $1 AND (source_entity_id = ANY($2) OR target_entity_id = ANY($2))`,
			vectorStoreID, entityIDs,
		)
		if err != nil {
			return storageErr("failed to delete entity relationships", err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM entities WHERE vector_store_id = $1 AND id = ANY($2)`,
			vectorStoreID, entityIDs,
		)
		if err != nil {
			return storageErr("failed to delete entities", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("failed to commit removal", err)
	}
	return nil
}

// RemoveBySource deletes everything extracted from one source document:
// relationships sharing the source or touching a removed entity, then the
// entities themselves.
func (s *Store) RemoveBySource(ctx context.Context, vectorStoreID string, sourceID string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return storageErr("failed to begin source removal", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM relationships
		WHERE vector_store_id = $1
		  AND (source_id = $2
		       OR source_entity_id IN (SELECT id FROM entities WHERE vector_store_id = $1 AND source_id = $2)
		       OR target_entity_id IN (SELECT id FROM entities WHERE vector_store_id = $1 AND source_id = $2))`,
		vectorStoreID, sourceID,
	)
	if err != nil {
		return storageErr("failed to delete source relationships", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM entities WHERE vector_store_id = $1 AND source_id = $2`,
		vectorStoreID, sourceID,
	)
	if err != nil {
		return storageErr("failed to delete source entities", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("failed to commit source removal", err)
	}
	return nil
}

// ListEntities returns every entity of the vector store.
func (s *Store) ListEntities(ctx context.Context, vectorStoreID string) ([]common.Entity, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, name, type, description, keywords, weight, embedding, source_id, vector_store_id
		FROM entities
		WHERE vector_store_id = $1`,
		vectorStoreID,
	)
	if err != nil {
		return nil, storageErr("failed to list entities", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ListRelationships returns every relationship of the vector store.
func (s *Store) ListRelationships(ctx context.Context, vectorStoreID string) ([]common.Relationship, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, source_entity_id, target_entity_id, type, description, keywords, weight, embedding, source_id, vector_store_id
		FROM relationships
		WHERE vector_store_id = $1`,
		vectorStoreID,
	)
	if err != nil {
		return nil, storageErr("failed to list relationships", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// SearchEntities returns candidate entities: the nearest by embedding
// distance plus any whose name or keywords match the given keywords,
// de-duplicated by ID.
func (s *Store) SearchEntities(
	ctx context.Context,
	vectorStoreID string,
	embedding []float32,
	keywords []string,
	limit int,
) ([]common.Entity, error) {
	results := make([]common.Entity, 0, limit)
	seen := make(map[string]struct{}, limit)

	if len(embedding) > 0 {
		rows, err := s.conn.Query(ctx, `
			SELECT id, name, type, description, keywords, weight, embedding, source_id, vector_store_id
			FROM entities
			WHERE vector_store_id = $1
			ORDER BY embedding <=> $2
			LIMIT $3`,
			vectorStoreID, pgvector.NewVector(embedding), limit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to search entities by embedding: %w", err)
		}
		similar, err := scanEntities(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, entity := range similar {
			seen[entity.ID] = struct{}{}
			results = append(results, entity)
		}
	}

	if len(keywords) > 0 {
		rows, err := s.conn.Query(ctx, `
			SELECT id, name, type, description, keywords, weight, embedding, source_id, vector_store_id
			FROM entities
			WHERE vector_store_id = $1
			  AND (name ILIKE ANY($2) OR keywords && $3)
			LIMIT $4`,
			vectorStoreID, likePatterns(keywords), lowercased(keywords), limit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to search entities by keywords: %w", err)
		}
		matched, err := scanEntities(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, entity := range matched {
			if _, ok := seen[entity.ID]; ok {
				continue
			}
			seen[entity.ID] = struct{}{}
			results = append(results, entity)
		}
	}

	return results, nil
}

// SearchRelationships mirrors SearchEntities over relationships.
func (s *Store) SearchRelationships(
	ctx context.Context,
	vectorStoreID string,
	embedding []float32,
	keywords []string,
	limit int,
) ([]common.Relationship, error) {
	results := make([]common.Relationship, 0, limit)
	seen := make(map[string]struct{}, limit)

	if len(embedding) > 0 {
		rows, err := s.conn.Query(ctx, `
			SELECT id, source_entity_id, target_entity_id, type, description, keywords, weight, embedding, source_id, vector_store_id
			FROM relationships
			WHERE vector_store_id = $1
			ORDER BY embedding <=> $2
			LIMIT $3`,
			vectorStoreID, pgvector.NewVector(embedding), limit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to search relationships by embedding: %w", err)
		}
		similar, err := scanRelationships(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, rel := range similar {
			seen[rel.ID] = struct{}{}
			results = append(results, rel)
		}
	}

	if len(keywords) > 0 {
		rows, err := s.conn.Query(ctx, `
			SELECT id, source_entity_id, target_entity_id, type, description, keywords, weight, embedding, source_id, vector_store_id
			FROM relationships
			WHERE vector_store_id = $1
			  AND (type ILIKE ANY($2) OR keywords && $3)
			LIMIT $4`,
			vectorStoreID, likePatterns(keywords), lowercased(keywords), limit,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to search relationships by keywords: %w", err)
		}
		matched, err := scanRelationships(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, rel := range matched {
			if _, ok := seen[rel.ID]; ok {
				continue
			}
			seen[rel.ID] = struct{}{}
			results = append(results, rel)
		}
	}

	return results, nil
}

// HasNode reports whether the entity exists in the vector store.
func (s *Store) HasNode(ctx context.Context, vectorStoreID string, entityID string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM entities WHERE vector_store_id = $1 AND id = $2)`,
		vectorStoreID, entityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check node: %w", err)
	}
	return exists, nil
}

// HasEdge reports whether a directed edge between the entities exists.
func (s *Store) HasEdge(ctx context.Context, vectorStoreID string, sourceEntityID string, targetEntityID string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM relationships WHERE vector_store_id = $1 AND source_entity_id = $2 AND target_entity_id = $3)`,
		vectorStoreID, sourceEntityID, targetEntityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check edge: %w", err)
	}
	return exists, nil
}

// NodeDegree returns the entity's total degree, 0 for unknown entities.
func (s *Store) NodeDegree(ctx context.Context, vectorStoreID string, entityID string) (int, error) {
	var degree int
	err := s.conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM relationships WHERE vector_store_id = $1 AND (source_entity_id = $2 OR target_entity_id = $2)`,
		vectorStoreID, entityID,
	).Scan(&degree)
	if err != nil {
		return 0, fmt.Errorf("failed to count node degree: %w", err)
	}
	return degree, nil
}

// EdgeDegree returns the combined degree of both endpoints.
func (s *Store) EdgeDegree(ctx context.Context, vectorStoreID string, sourceEntityID string, targetEntityID string) (int, error) {
	sourceDegree, err := s.NodeDegree(ctx, vectorStoreID, sourceEntityID)
	if err != nil {
		return 0, err
	}
	targetDegree, err := s.NodeDegree(ctx, vectorStoreID, targetEntityID)
	if err != nil {
		return 0, err
	}
	return sourceDegree + targetDegree, nil
}
