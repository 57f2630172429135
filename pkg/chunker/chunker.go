// Package chunker splits raw document text into token-bounded,
// overlapping chunks ready for embedding and extraction.
package chunker

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/common"
)

const (
	defaultChunkSize    = 1200
	defaultChunkOverlap = 100
	defaultEncoding     = "cl100k_base"
)

// Chunker splits sanitized text into overlapping token windows. Chunk i+1
// starts ChunkSize-ChunkOverlap tokens after chunk i, so boundaries are
// deterministic for the same input and configuration.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	enc          *tiktoken.Tiktoken
}

// NewChunkerParams defines the configuration for creating a Chunker.
type NewChunkerParams struct {
	ChunkSize    int
	ChunkOverlap int
	Encoding     string
}

// NewChunker creates a Chunker with the given token window configuration.
// The overlap must be smaller than the chunk size.
func NewChunker(params NewChunkerParams) (*Chunker, error) {
	size := params.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	overlap := params.ChunkOverlap
	if overlap < 0 {
		overlap = defaultChunkOverlap
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", overlap, size)
	}
	encoding := params.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding %q: %w", encoding, err)
	}
	return &Chunker{
		chunkSize:    size,
		chunkOverlap: overlap,
		enc:          enc,
	}, nil
}

// Chunk splits content into ordered chunks. Embeddings are left empty for
// the caller to fill in. Empty input yields an empty slice, not an error.
func (c *Chunker) Chunk(content string) ([]common.TextChunk, error) {
	sanitized := util.SanitizeText(content)
	if sanitized == "" {
		return []common.TextChunk{}, nil
	}

	tokens := c.enc.Encode(sanitized, nil, nil)
	step := c.chunkSize - c.chunkOverlap

	chunks := make([]common.TextChunk, 0, (len(tokens)+step-1)/step)
	for start, index := 0, 0; start < len(tokens); start, index = start+step, index+1 {
		end := start + c.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}

		window := tokens[start:end]
		id, err := util.NewID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate chunk ID: %w", err)
		}
		chunks = append(chunks, common.TextChunk{
			ID:              id,
			Content:         c.enc.Decode(window),
			TokenCount:      len(window),
			ChunkOrderIndex: index,
		})

		if end == len(tokens) {
			break
		}
	}

	return chunks, nil
}

// CountTokens returns the token count of text under the chunker's encoding.
func (c *Chunker) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
