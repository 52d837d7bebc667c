// Package chunker splits fetched documents into overlapping, content-addressed
// chunks. Lengths and overlap are measured in runes.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultSize    = 1000
	DefaultOverlap = 150
)

// Metadata keys written on every chunk.
const (
	MetaTitle     = "title"
	MetaURL       = "url"
	MetaOrdinal   = "ordinal"
	MetaFetchedAt = "fetched_at"
)

// Chunker is safe for concurrent use.
type Chunker struct {
	size     int
	overlap  int
	splitter textsplitter.RecursiveCharacter
}

// New returns a Chunker producing segments of at most size runes that share up
// to overlap runes with their predecessor. Invalid values fall back to the
// defaults.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = min(DefaultOverlap, size/2)
	}
	return &Chunker{
		size:    size,
		overlap: overlap,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits doc into ordered chunk candidates with no embedding set.
// Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(doc models.RawDocument) ([]models.Chunk, error) {
	text := strings.ReplaceAll(doc.Text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	segments, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", doc.Locator, err)
	}

	fetchedAt := doc.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	chunks := make([]models.Chunk, 0, len(segments))
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		chunks = append(chunks, models.Chunk{
			ID:     ChunkID(doc.Source, doc.Locator, seg),
			Source: doc.Source,
			Text:   seg,
			Metadata: map[string]any{
				MetaTitle:     doc.Title,
				MetaURL:       doc.Locator,
				MetaOrdinal:   len(chunks),
				MetaFetchedAt: fetchedAt.Format(time.RFC3339),
			},
		})
	}
	return chunks, nil
}

// ChunkID is the hex SHA-256 of source, locator and the normalised text. The
// same text under another source gets a different id.
func ChunkID(source, locator, text string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(locator))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(text)))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize collapses whitespace runs to single spaces and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
