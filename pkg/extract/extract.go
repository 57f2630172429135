// Package extract implements the LLM-driven entity and relationship
// extractor: structured-output extraction per token window, bounded
// gleaning passes over the conversation history, and the merge policy
// that folds pass and chunk results into one graph fragment. Partial LLM
// failures degrade to fewer results and never fail the ingest.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"

	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/common"
	"github.com/loomgraph/loom/pkg/logger"
)

const (
	defaultWindowTokens          = 100_000
	defaultMaxGleaningPasses     = 2
	defaultParallelMax           = 4
	defaultMaxRetries            = 3
	defaultSummaryTokenThreshold = 500
	defaultEncoding              = "cl100k_base"

	schemaName        = "extract_entities_and_relationships"
	schemaDescription = "Entities and relationships identified in a text segment."
)

type extractEntity struct {
	EntityName        string   `json:"entity_name" jsonschema_description:"Name of the entity, as used in the text"`
	EntityType        string   `json:"entity_type" jsonschema_description:"One of the provided entity types"`
	EntityDescription string   `json:"entity_description" jsonschema_description:"Comprehensive description of the entity's attributes and activities based on the provided text"`
	EntityKeywords    []string `json:"entity_keywords" jsonschema_description:"Short keywords characterizing the entity"`
}

type extractRelationship struct {
	SourceEntity            string   `json:"source_entity" jsonschema_description:"Name of the source entity, exactly as listed among the entities"`
	TargetEntity            string   `json:"target_entity" jsonschema_description:"Name of the target entity, exactly as listed among the entities"`
	RelationshipType        string   `json:"relationship_type" jsonschema_description:"Short lower-case phrase naming the relationship"`
	RelationshipDescription string   `json:"relationship_description" jsonschema_description:"Why the source and the target are related, based on the text"`
	RelationshipKeywords    []string `json:"relationship_keywords" jsonschema_description:"Short keywords characterizing the relationship"`
	RelationshipStrength    float64  `json:"relationship_strength" jsonschema_description:"Score between 0 and 1 for how strongly the text supports the relationship"`
}

type extractResponse struct {
	Entities      []extractEntity       `json:"entities" jsonschema_description:"Entities identified in the text segment"`
	Relationships []extractRelationship `json:"relationships" jsonschema_description:"Relationships identified in the text segment"`
}

// Result is one extracted graph fragment. Relationships always reference
// entities present in Entities by ID.
type Result struct {
	Entities      []common.Entity
	Relationships []common.Relationship
}

// Extractor turns raw text into entities and relationships via multi-pass
// LLM extraction.
type Extractor struct {
	client                ai.Client
	encoder               *tiktoken.Tiktoken
	windowTokens          int
	maxGleaningPasses     int
	parallelMax           int
	maxRetries            int
	summaryTokenThreshold int
}

// NewExtractorParams defines the configuration for an Extractor. Zero
// values fall back to defaults.
type NewExtractorParams struct {
	Client                ai.Client
	Encoding              string
	WindowTokens          int
	MaxGleaningPasses     int
	ParallelMax           int
	MaxRetries            int
	SummaryTokenThreshold int
}

// NewExtractor creates an Extractor for the given AI client.
func NewExtractor(params NewExtractorParams) (*Extractor, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("extract: ai client is required")
	}
	encoding := params.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}
	encoder, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %q: %w", encoding, err)
	}

	e := &Extractor{
		client:                params.Client,
		encoder:               encoder,
		windowTokens:          params.WindowTokens,
		maxGleaningPasses:     params.MaxGleaningPasses,
		parallelMax:           params.ParallelMax,
		maxRetries:            params.MaxRetries,
		summaryTokenThreshold: params.SummaryTokenThreshold,
	}
	if e.windowTokens <= 0 {
		e.windowTokens = defaultWindowTokens
	}
	if e.maxGleaningPasses < 0 {
		e.maxGleaningPasses = defaultMaxGleaningPasses
	}
	if e.parallelMax <= 0 {
		e.parallelMax = defaultParallelMax
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.summaryTokenThreshold <= 0 {
		e.summaryTokenThreshold = defaultSummaryTokenThreshold
	}
	return e, nil
}

// Extract runs the full extraction over text: window split when the input
// exceeds the window budget, concurrent per-window extraction, and one
// merge pass once all windows complete. A window whose extraction keeps
// failing after retries contributes nothing; only context cancellation
// aborts the whole run.
func (e *Extractor) Extract(ctx context.Context, text string, vectorStoreID string, sourceID string) (*Result, error) {
	windows := e.splitWindows(text)
	if len(windows) == 0 {
		return &Result{}, nil
	}

	entities := make([]common.Entity, 0)
	relations := make([]common.Relationship, 0)
	mergeMu := sync.Mutex{}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelMax)
	for _, window := range windows {
		w := window
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			res, err := util.RetryWithContext(gCtx, e.maxRetries, func(ctx context.Context) (*Result, error) {
				return e.extractWindow(ctx, w, vectorStoreID, sourceID)
			})
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				logger.Warn("[Extract] Window extraction failed, continuing with partial results", "err", err)
				return nil
			}

			mergeMu.Lock()
			entities, relations = Merge(entities, res.Entities, relations, res.Relationships)
			mergeMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Entities: entities, Relationships: relations}
	e.SummarizeDescriptions(ctx, result)
	return result, nil
}

// splitWindows cuts text into non-overlapping token windows of at most
// windowTokens each.
func (e *Extractor) splitWindows(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := e.encoder.Encode(text, nil, nil)
	if len(tokens) <= e.windowTokens {
		return []string{text}
	}
	windows := make([]string, 0, (len(tokens)+e.windowTokens-1)/e.windowTokens)
	for start := 0; start < len(tokens); start += e.windowTokens {
		end := start + e.windowTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		windows = append(windows, e.encoder.Decode(tokens[start:end]))
	}
	return windows
}

// extractWindow runs the initial structured extraction over one window
// followed by the gleaning loop. The conversation is carried forward as a
// value; every iteration appends onto a fresh slice.
func (e *Extractor) extractWindow(ctx context.Context, window string, vectorStoreID string, sourceID string) (*Result, error) {
	typeList := entityTypeList()
	system := fmt.Sprintf(ai.ExtractPrompt, typeList, typeList)

	conversation := []ai.ChatMessage{{Role: "user", Message: window}}
	var res extractResponse
	err := e.client.GenerateChatWithFormat(ctx, schemaName, schemaDescription, conversation, &res, ai.WithSystemPrompts(system))
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities and relationships: %w", err)
	}

	accumulated := res
	seen := make(map[string]struct{}, len(res.Entities))
	for _, entity := range res.Entities {
		seen[strings.ToLower(strings.TrimSpace(entity.EntityName))] = struct{}{}
	}

	for pass := 0; pass < e.maxGleaningPasses; pass++ {
		previous, err := json.Marshal(res)
		if err != nil {
			break
		}
		conversation = append(conversation,
			ai.ChatMessage{Role: "assistant", Message: string(previous)},
			ai.ChatMessage{Role: "user", Message: ai.GleanPrompt},
		)

		var gleaned extractResponse
		if err := e.client.GenerateChatWithFormat(ctx, schemaName, schemaDescription, conversation, &gleaned, ai.WithSystemPrompts(system)); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("[Extract] Gleaning pass failed, keeping prior results", "pass", pass+1, "err", err)
			break
		}

		newEntities := 0
		for _, entity := range gleaned.Entities {
			key := strings.ToLower(strings.TrimSpace(entity.EntityName))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			accumulated.Entities = append(accumulated.Entities, entity)
			newEntities++
		}
		accumulated.Relationships = append(accumulated.Relationships, gleaned.Relationships...)
		if newEntities == 0 {
			break
		}
		res = gleaned

		if pass == e.maxGleaningPasses-1 {
			break
		}
		probe := append(conversation, ai.ChatMessage{Role: "user", Message: ai.GleanContinuePrompt})
		answer, err := e.client.GenerateChat(ctx, probe, ai.WithSystemPrompts(system))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("[Extract] Continuation probe failed, stopping gleaning", "pass", pass+1, "err", err)
			break
		}
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes") {
			break
		}
	}

	return e.toResult(accumulated, vectorStoreID, sourceID)
}

// toResult converts raw LLM output into graph types. Relationships whose
// endpoints were not reported as entities in the same window are dropped
// and logged, never fabricated.
func (e *Extractor) toResult(res extractResponse, vectorStoreID string, sourceID string) (*Result, error) {
	result := &Result{
		Entities:      make([]common.Entity, 0, len(res.Entities)),
		Relationships: make([]common.Relationship, 0, len(res.Relationships)),
	}

	byName := make(map[string]string, len(res.Entities))
	for _, entity := range res.Entities {
		name := strings.TrimSpace(entity.EntityName)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := byName[key]; ok {
			continue
		}
		id, err := util.NewID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate entity ID: %w", err)
		}
		byName[key] = id
		result.Entities = append(result.Entities, common.Entity{
			ID:            id,
			Name:          name,
			Type:          common.NormalizeEntityType(entity.EntityType),
			Description:   strings.TrimSpace(entity.EntityDescription),
			Keywords:      dedupeKeywords(entity.EntityKeywords),
			Weight:        1.0,
			SourceID:      sourceID,
			VectorStoreID: vectorStoreID,
		})
	}

	for _, rel := range res.Relationships {
		srcID, okS := byName[strings.ToLower(strings.TrimSpace(rel.SourceEntity))]
		targetID, okT := byName[strings.ToLower(strings.TrimSpace(rel.TargetEntity))]
		if !okS || !okT {
			logger.Warn("[Extract] Dropping relationship with unknown endpoint",
				"source", rel.SourceEntity, "target", rel.TargetEntity)
			continue
		}
		id, err := util.NewID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate relationship ID: %w", err)
		}
		result.Relationships = append(result.Relationships, common.Relationship{
			ID:             id,
			SourceEntityID: srcID,
			TargetEntityID: targetID,
			Type:           strings.ToLower(strings.TrimSpace(rel.RelationshipType)),
			Description:    strings.TrimSpace(rel.RelationshipDescription),
			Keywords:       dedupeKeywords(rel.RelationshipKeywords),
			Weight:         clamp01(rel.RelationshipStrength),
			SourceID:       sourceID,
			VectorStoreID:  vectorStoreID,
		})
	}

	return result, nil
}

func entityTypeList() string {
	names := make([]string, len(common.KnownEntityTypes))
	for i, t := range common.KnownEntityTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func dedupeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw == "" {
			continue
		}
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
