package query

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomgraph/loom/pkg/common"
)

// BuildContext concatenates the retrieval results into one labeled
// context string: chunk contents first, then entity summaries, then
// relationship summaries. Order within each section is whatever the
// retrieval engine returned.
func BuildContext(chunks []common.TextChunk, entities []common.Entity, relationships []common.Relationship) string {
	var b strings.Builder

	if len(chunks) > 0 {
		b.WriteString("Document excerpts:\n")
		for _, chunk := range chunks {
			b.WriteString(chunk.Content)
			b.WriteString("\n\n")
		}
	}

	if len(entities) > 0 {
		b.WriteString("Entities:\n")
		for _, entity := range entities {
			fmt.Fprintf(&b, "%s (%s): %s\n", entity.Name, entity.Type, entity.Description)
		}
		b.WriteString("\n")
	}

	if len(relationships) > 0 {
		names := make(map[string]string, len(entities))
		for _, entity := range entities {
			names[entity.ID] = entity.Name
		}
		b.WriteString("Relationships:\n")
		for _, rel := range relationships {
			source := names[rel.SourceEntityID]
			if source == "" {
				source = rel.SourceEntityID
			}
			target := names[rel.TargetEntityID]
			if target == "" {
				target = rel.TargetEntityID
			}
			fmt.Fprintf(&b, "%s %s %s: %s\n", source, rel.Type, target, rel.Description)
		}
	}

	return strings.TrimSpace(b.String())
}

// TruncateToBudget cuts the context down to at most budget tokens,
// always from the end so the earliest content survives. Returns the
// possibly shortened context and whether truncation happened.
func TruncateToBudget(encoder *tiktoken.Tiktoken, text string, budget int) (string, bool) {
	if budget <= 0 {
		return "", text != ""
	}
	tokens := encoder.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text, false
	}
	return encoder.Decode(tokens[:budget]), true
}
