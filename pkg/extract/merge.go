package extract

import (
	"strings"

	"github.com/loomgraph/loom/pkg/common"
)

// Merge folds new entities and relationships into the accumulated sets.
// Entities merge by exact name: keyword sets union, weights take the max,
// descriptions concatenate with duplicate sentences removed. Relationships
// merge by their directed (source, target) entity pair under the same
// policy. Endpoints of surviving relationships always reference surviving
// entity IDs. Merging a set with itself is a no-op.
func Merge(
	entities []common.Entity,
	newEntities []common.Entity,
	relations []common.Relationship,
	newRelations []common.Relationship,
) ([]common.Entity, []common.Relationship) {
	// Maps the ID of every incoming entity to the ID that survives the
	// merge, so relationship endpoints can be rewritten.
	idRemap := make(map[string]string, len(newEntities))

	for _, entity := range newEntities {
		merged := false
		for j := range entities {
			if entities[j].Name != entity.Name {
				continue
			}
			entities[j].Keywords = unionKeywords(entities[j].Keywords, entity.Keywords)
			if entity.Weight > entities[j].Weight {
				entities[j].Weight = entity.Weight
			}
			entities[j].Description = mergeDescriptions(entities[j].Description, entity.Description)
			idRemap[entity.ID] = entities[j].ID
			merged = true
			break
		}
		if !merged {
			idRemap[entity.ID] = entity.ID
			entities = append(entities, entity)
		}
	}

	for _, rel := range newRelations {
		if mapped, ok := idRemap[rel.SourceEntityID]; ok {
			rel.SourceEntityID = mapped
		}
		if mapped, ok := idRemap[rel.TargetEntityID]; ok {
			rel.TargetEntityID = mapped
		}

		merged := false
		for j := range relations {
			if relations[j].SourceEntityID != rel.SourceEntityID ||
				relations[j].TargetEntityID != rel.TargetEntityID {
				continue
			}
			relations[j].Keywords = unionKeywords(relations[j].Keywords, rel.Keywords)
			if rel.Weight > relations[j].Weight {
				relations[j].Weight = rel.Weight
			}
			relations[j].Description = mergeDescriptions(relations[j].Description, rel.Description)
			merged = true
			break
		}
		if !merged {
			relations = append(relations, rel)
		}
	}

	return entities, relations
}

// unionKeywords appends the keywords of b not already present in a,
// preserving order.
func unionKeywords(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, kw := range a {
		seen[kw] = struct{}{}
	}
	for _, kw := range b {
		if _, ok := seen[kw]; ok {
			continue
		}
		seen[kw] = struct{}{}
		a = append(a, kw)
	}
	return a
}

// mergeDescriptions concatenates two descriptions keeping each distinct
// sentence once, in first-seen order.
func mergeDescriptions(existing, incoming string) string {
	sentences := splitSentences(existing)
	sentences = append(sentences, splitSentences(incoming)...)

	seen := make(map[string]struct{}, len(sentences))
	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, ". ") + "."
}

func splitSentences(text string) []string {
	parts := strings.Split(text, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
