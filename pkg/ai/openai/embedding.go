package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
)

// GenerateEmbedding creates a vector embedding for the given input using
// the configured embedding model. The result always has the configured
// dimension; empty input yields a zero vector without an API call.
func (c *Client) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	if len(strings.TrimSpace(string(input))) == 0 {
		return make([]float32, c.embeddingDim), nil
	}

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{string(input)}},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}

	response, err := c.embed.Embeddings.New(ctx, body)
	if err != nil {
		return nil, err
	}
	if len(response.Data) != 1 {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want 1", len(response.Data))
	}

	vec := make([]float32, 0, c.embeddingDim)
	for _, v := range response.Data[0].Embedding {
		if len(vec) >= c.embeddingDim {
			break
		}
		vec = append(vec, float32(v))
	}
	if len(vec) < c.embeddingDim {
		padded := make([]float32, c.embeddingDim)
		copy(padded, vec)
		vec = padded
	}
	return vec, nil
}
