package common

import (
	"strings"
	"time"
)

// EntityType is the controlled vocabulary for graph nodes. Extraction
// prompts constrain the model to these values; anything else is mapped to
// EntityTypeConcept on merge.
type EntityType string

const (
	EntityTypeOrganization EntityType = "organization"
	EntityTypePerson       EntityType = "person"
	EntityTypeSystem       EntityType = "system"
	EntityTypeTechnology   EntityType = "technology"
	EntityTypeLocation     EntityType = "location"
	EntityTypeConcept      EntityType = "concept"
	EntityTypeProcess      EntityType = "process"
)

// KnownEntityTypes lists the controlled vocabulary in prompt order.
var KnownEntityTypes = []EntityType{
	EntityTypeOrganization,
	EntityTypePerson,
	EntityTypeSystem,
	EntityTypeTechnology,
	EntityTypeLocation,
	EntityTypeConcept,
	EntityTypeProcess,
}

// NormalizeEntityType maps a free-form type string onto the controlled
// vocabulary, defaulting to concept.
func NormalizeEntityType(raw string) EntityType {
	for _, t := range KnownEntityTypes {
		if strings.EqualFold(string(t), raw) {
			return t
		}
	}
	return EntityTypeConcept
}

// TextChunk is a token-bounded segment of a source document. Chunks are
// immutable once written and removed only with their whole document.
type TextChunk struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	Embedding       []float32 `json:"embedding"`
	TokenCount      int       `json:"token_count"`
	DocumentID      string    `json:"document_id"`
	ChunkOrderIndex int       `json:"chunk_order_index"`
	VectorStoreID   string    `json:"vector_store_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Entity is a node in the knowledge graph. Name uniquely identifies an
// entity within one extraction run; across runs duplicate names merge.
type Entity struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Type          EntityType `json:"type"`
	Description   string     `json:"description"`
	Keywords      []string   `json:"keywords"`
	Weight        float64    `json:"weight"`
	Embedding     []float32  `json:"embedding"`
	SourceID      string     `json:"source_id"`
	VectorStoreID string     `json:"vector_store_id"`
}

// Relationship is a directed edge between two entities. Weight is in
// [0,1]; Type is free text normalized to lower case.
type Relationship struct {
	ID             string    `json:"id"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	Type           string    `json:"type"`
	Description    string    `json:"description"`
	Keywords       []string  `json:"keywords"`
	Weight         float64   `json:"weight"`
	Embedding      []float32 `json:"embedding"`
	SourceID       string    `json:"source_id"`
	VectorStoreID  string    `json:"vector_store_id"`
}
