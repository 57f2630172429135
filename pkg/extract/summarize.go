package extract

import (
	"context"
	"fmt"

	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/logger"
)

// SummarizeDescriptions shortens merged descriptions that exceed the
// token threshold with one completion call each. Items are never
// dropped; a failed summarization keeps the original description. Safe
// to run again after further merging.
func (e *Extractor) SummarizeDescriptions(ctx context.Context, res *Result) {
	names := make(map[string]string, len(res.Entities))
	for _, entity := range res.Entities {
		names[entity.ID] = entity.Name
	}

	for i := range res.Entities {
		entity := &res.Entities[i]
		summarized, ok := e.summarizeDescription(ctx, entity.Name, entity.Description)
		if ok {
			entity.Description = summarized
		}
	}

	for i := range res.Relationships {
		rel := &res.Relationships[i]
		label := fmt.Sprintf("%s %s %s", names[rel.SourceEntityID], rel.Type, names[rel.TargetEntityID])
		summarized, ok := e.summarizeDescription(ctx, label, rel.Description)
		if ok {
			rel.Description = summarized
		}
	}
}

func (e *Extractor) summarizeDescription(ctx context.Context, name string, description string) (string, bool) {
	if len(e.encoder.Encode(description, nil, nil)) <= e.summaryTokenThreshold {
		return "", false
	}

	prompt := fmt.Sprintf(ai.SummarizeDescriptionPrompt, name, description)
	summary, err := e.client.GenerateCompletion(ctx, prompt, ai.WithTemperature(0.2))
	if err != nil {
		logger.Warn("[Extract] Description summarization failed, keeping original", "name", name, "err", err)
		return "", false
	}
	if summary == "" {
		return "", false
	}
	return summary, true
}
