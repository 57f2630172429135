package pgx

import (
	"fmt"
	"strings"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/loomgraph/loom/pkg/common"
)

// Explicit typed row scans per entity kind; column order must match the
// SELECT lists in store.go.

func scanEntities(rows pgxv5.Rows) ([]common.Entity, error) {
	entities := make([]common.Entity, 0)
	for rows.Next() {
		var entity common.Entity
		var entityType string
		var embedding pgvector.Vector
		err := rows.Scan(
			&entity.ID, &entity.Name, &entityType, &entity.Description,
			&entity.Keywords, &entity.Weight, &embedding,
			&entity.SourceID, &entity.VectorStoreID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entity.Type = common.EntityType(entityType)
		entity.Embedding = embedding.Slice()
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity rows: %w", err)
	}
	return entities, nil
}

func scanRelationships(rows pgxv5.Rows) ([]common.Relationship, error) {
	relationships := make([]common.Relationship, 0)
	for rows.Next() {
		var rel common.Relationship
		var embedding pgvector.Vector
		err := rows.Scan(
			&rel.ID, &rel.SourceEntityID, &rel.TargetEntityID, &rel.Type,
			&rel.Description, &rel.Keywords, &rel.Weight, &embedding,
			&rel.SourceID, &rel.VectorStoreID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		rel.Embedding = embedding.Slice()
		relationships = append(relationships, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read relationship rows: %w", err)
	}
	return relationships, nil
}

// likePatterns wraps each keyword in ILIKE wildcards.
func likePatterns(keywords []string) []string {
	patterns := make([]string, len(keywords))
	for i, kw := range keywords {
		patterns[i] = "%" + kw + "%"
	}
	return patterns
}

// lowercased normalizes keywords to the form they are stored in.
func lowercased(keywords []string) []string {
	out := make([]string, len(keywords))
	for i, kw := range keywords {
		out[i] = strings.ToLower(kw)
	}
	return out
}
