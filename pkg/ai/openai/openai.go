package openai

import (
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client talks to an OpenAI-compatible API. Chat and embedding endpoints
// are configured independently so they can point at different backends.
//
// A Client should be created using NewClient.
type Client struct {
	chatModel      string
	embeddingModel string
	embeddingDim   int

	chatURL string

	chat  *openai.Client
	embed *openai.Client
}

// NewClientParams defines the configuration for creating a Client.
//
// EmbeddingDim fixes the vector dimension; shorter provider vectors are
// zero-padded and longer ones truncated so stored embeddings stay uniform.
type NewClientParams struct {
	ChatModel      string
	EmbeddingModel string
	EmbeddingDim   int

	ChatURL      string
	ChatKey      string
	EmbeddingURL string
	EmbeddingKey string
}

const defaultEmbeddingDim = 1536

// NewClient creates a Client with separate chat and embedding endpoints.
//
// Example:
//
//	client := openai.NewClient(openai.NewClientParams{
//		ChatModel:      "gpt-4o-mini",
//		EmbeddingModel: "text-embedding-3-small",
//		ChatKey:        os.Getenv("OPENAI_API_KEY"),
//		EmbeddingKey:   os.Getenv("OPENAI_API_KEY"),
//	})
func NewClient(params NewClientParams) *Client {
	dim := params.EmbeddingDim
	if dim <= 0 {
		dim = defaultEmbeddingDim
	}
	return &Client{
		chatModel:      params.ChatModel,
		embeddingModel: params.EmbeddingModel,
		embeddingDim:   dim,
		chatURL:        params.ChatURL,
		chat:           newAPIClient(params.ChatURL, params.ChatKey),
		embed:          newAPIClient(params.EmbeddingURL, params.EmbeddingKey),
	}
}

func newAPIClient(baseURL string, apiKey string) *openai.Client {
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(options...)
	return &client
}
