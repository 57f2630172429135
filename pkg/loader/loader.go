// Package loader implements the document extractor capability: plain
// text formats are read directly, docx archives are unpacked and their
// document XML flattened to text.
package loader

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/loomgraph/loom/internal/util"
	"github.com/loomgraph/loom/pkg/common"
)

// maxDocumentBytes caps how much of a source document is read.
const maxDocumentBytes = 64 << 20

var supportedExtensions = map[string]struct{}{
	".txt":      {},
	".md":       {},
	".markdown": {},
	".csv":      {},
	".docx":     {},
}

// IsSupported reports whether the file's extension has a text extractor.
func IsSupported(filename string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// ExtractText reads the document and returns its sanitized plain text.
// Unknown extensions fail with common.ErrUnsupportedFormat.
func ExtractText(r io.Reader, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := supportedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %s", common.ErrUnsupportedFormat, ext)
	}

	content, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}

	switch ext {
	case ".docx":
		text, err := parseDocx(content)
		if err != nil {
			return "", err
		}
		return util.SanitizeText(text), nil
	default:
		return util.SanitizeText(string(content)), nil
	}
}
