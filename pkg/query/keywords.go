package query

import (
	"context"
	"fmt"

	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/ai"
	"github.com/loomgraph/loom/pkg/logger"
)

const keywordExtractionTries = 2

type queryKeywords struct {
	HighLevelKeywords []string `json:"high_level_keywords" jsonschema_description:"Broad themes and concepts the query is about"`
	LowLevelKeywords  []string `json:"low_level_keywords" jsonschema_description:"Specific entities, names, and terms that should appear in relevant text"`
}

// extractKeywords splits the query into thematic and specific keyword
// sets for hybrid retrieval. Failures degrade to empty sets; retrieval
// then ranks by similarity alone.
func extractKeywords(ctx context.Context, client ai.Client, query string) (high []string, low []string) {
	var keywords queryKeywords
	err := util.RetryErrWithContext(ctx, keywordExtractionTries, func(ctx context.Context) error {
		return client.GenerateCompletionWithFormat(
			ctx,
			"extract_query_keywords",
			"High-level and low-level keyword sets extracted from a user query.",
			fmt.Sprintf(ai.KeywordExtractionPrompt, query),
			&keywords,
		)
	})
	if err != nil {
		logger.Warn("[Query] Keyword extraction failed, ranking by similarity only", "err", err)
		return nil, nil
	}
	return keywords.HighLevelKeywords, keywords.LowLevelKeywords
}
