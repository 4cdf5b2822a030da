// Package chunk splits document text into overlapping passages for
// embedding and ANN storage.
package chunk

import (
	"strings"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

// Default splitter parameters.
const (
	// DefaultChunkSize is the target chunk size in characters.
	DefaultChunkSize = 1000

	// DefaultOverlap is the number of characters shared between
	// consecutive chunks.
	DefaultOverlap = 200
)

// separators are tried in order; the last resort splits anywhere.
var separators = []string{"\n\n", "\n", " ", ""}

// Chunk is one passage of a document with a stable ordinal and ID.
type Chunk struct {
	ID         string // sha256(document_id ":" ordinal)
	DocumentID int64
	Ordinal    int
	Text       string
}

// SplitterOptions configures the recursive splitter.
type SplitterOptions struct {
	ChunkSize int // target size in characters (default 1000)
	Overlap   int // characters shared between neighbors (default 200)
}

// Splitter is a recursive character splitter. It guarantees total
// coverage of the input (every character appears in at least one chunk)
// and that no chunk exceeds ChunkSize+Overlap characters.
type Splitter struct {
	options SplitterOptions
}

// NewSplitter creates a splitter with default options.
func NewSplitter() *Splitter {
	return NewSplitterWithOptions(SplitterOptions{})
}

// NewSplitterWithOptions creates a splitter with custom options.
func NewSplitterWithOptions(opts SplitterOptions) *Splitter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap == 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Overlap >= opts.ChunkSize {
		opts.Overlap = opts.ChunkSize / 5
	}
	return &Splitter{options: opts}
}

// Split chunks the given document content. Empty or whitespace-only
// input produces zero chunks. Ordinals run 0..n-1 in text order.
func (s *Splitter) Split(documentID int64, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	pieces := s.splitRecursive(content, separators)
	texts := s.mergeWithOverlap(pieces)

	chunks := make([]Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, Chunk{
			ID:         model.ChunkID(documentID, i),
			DocumentID: documentID,
			Ordinal:    i,
			Text:       text,
		})
	}
	return chunks
}

// splitRecursive breaks text into pieces no longer than ChunkSize,
// preferring the earliest separator that produces small enough parts.
func (s *Splitter) splitRecursive(text string, seps []string) []string {
	if len(text) <= s.options.ChunkSize {
		return []string{text}
	}

	sep := seps[0]
	rest := seps[1:]

	var parts []string
	if sep == "" {
		// Hard split at chunk size boundaries.
		for len(text) > s.options.ChunkSize {
			parts = append(parts, text[:s.options.ChunkSize])
			text = text[s.options.ChunkSize:]
		}
		if text != "" {
			parts = append(parts, text)
		}
		return parts
	}

	segments := strings.SplitAfter(text, sep)
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if len(seg) > s.options.ChunkSize {
			parts = append(parts, s.splitRecursive(seg, rest)...)
		} else {
			parts = append(parts, seg)
		}
	}
	return parts
}

// mergeWithOverlap greedily packs pieces into chunks close to ChunkSize
// and prepends the tail of each chunk to its successor as overlap.
func (s *Splitter) mergeWithOverlap(pieces []string) []string {
	var merged []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			merged = append(merged, current.String())
			current.Reset()
		}
	}

	for _, piece := range pieces {
		if current.Len() > 0 && current.Len()+len(piece) > s.options.ChunkSize {
			flush()
		}
		current.WriteString(piece)
	}
	flush()

	if len(merged) <= 1 || s.options.Overlap == 0 {
		return merged
	}

	// Each chunk after the first carries the tail of its predecessor so
	// sentences cut at a boundary stay searchable. Bounded by
	// ChunkSize+Overlap per chunk.
	out := make([]string, len(merged))
	out[0] = merged[0]
	for i := 1; i < len(merged); i++ {
		prev := merged[i-1]
		overlap := prev
		if len(prev) > s.options.Overlap {
			overlap = prev[len(prev)-s.options.Overlap:]
		}
		out[i] = overlap + merged[i]
	}
	return out
}
