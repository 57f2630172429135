// Package graphstore persists the entity/relationship graph scoped per
// vector store and answers structural probes. Ranking algorithms live in
// the algo subpackage and operate over an in-memory graph built fresh per
// call from the persisted rows.
package graphstore

import (
	"context"

	"github.com/loomgraph/loom/pkg/common"
)

// Store is the persistence boundary for graph data. All operations are
// scoped to one vector store; no cross-tenant access. Write errors wrap
// common.ErrStorageUnavailable and are never swallowed. Structural probes
// on an empty graph return zero values, not errors.
type Store interface {
	// UpsertEntitiesAndRelationships inserts the given graph fragment,
	// updating properties on ID conflict. Idempotent.
	UpsertEntitiesAndRelationships(ctx context.Context, entities []common.Entity, relationships []common.Relationship) error

	// RemoveEntitiesAndRelationships deletes the given entities and
	// relationships. Relationships are removed before entities so no
	// dangling edge ever exists.
	RemoveEntitiesAndRelationships(ctx context.Context, vectorStoreID string, entityIDs []string, relationshipIDs []string) error

	// RemoveBySource deletes all entities with the given source document
	// plus every relationship touching a removed entity or sharing the
	// source, relationships first.
	RemoveBySource(ctx context.Context, vectorStoreID string, sourceID string) error

	// ListEntities returns all entities of the vector store.
	ListEntities(ctx context.Context, vectorStoreID string) ([]common.Entity, error)

	// ListRelationships returns all relationships of the vector store.
	ListRelationships(ctx context.Context, vectorStoreID string) ([]common.Relationship, error)

	// SearchEntities returns entities ranked by embedding similarity or
	// keyword match against the given probes, capped at limit.
	SearchEntities(ctx context.Context, vectorStoreID string, embedding []float32, keywords []string, limit int) ([]common.Entity, error)

	// SearchRelationships is SearchEntities over relationships.
	SearchRelationships(ctx context.Context, vectorStoreID string, embedding []float32, keywords []string, limit int) ([]common.Relationship, error)

	HasNode(ctx context.Context, vectorStoreID string, entityID string) (bool, error)
	HasEdge(ctx context.Context, vectorStoreID string, sourceEntityID string, targetEntityID string) (bool, error)
	NodeDegree(ctx context.Context, vectorStoreID string, entityID string) (int, error)
	EdgeDegree(ctx context.Context, vectorStoreID string, sourceEntityID string, targetEntityID string) (int, error)
}
