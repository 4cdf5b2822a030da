package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubyxyr/XU-News-AI-RAG/internal/model"
)

func TestSplitter_EmptyInput(t *testing.T) {
	s := NewSplitter()

	assert.Empty(t, s.Split(1, ""))
	assert.Empty(t, s.Split(1, "   \n\t  "))
}

func TestSplitter_ShortInputSingleChunk(t *testing.T) {
	s := NewSplitter()

	chunks := s.Split(42, "a short article body")

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, int64(42), chunks[0].DocumentID)
	assert.Equal(t, "a short article body", chunks[0].Text)
	assert.Equal(t, model.ChunkID(42, 0), chunks[0].ID)
}

func TestSplitter_TotalCoverage(t *testing.T) {
	// Given: a long document with paragraph structure
	var b strings.Builder
	for i := 0; i < 50; i++ {
		b.WriteString(strings.Repeat("word ", 40))
		b.WriteString("\n\n")
	}
	input := b.String()

	s := NewSplitterWithOptions(SplitterOptions{ChunkSize: 1000, Overlap: 200})
	chunks := s.Split(1, input)

	require.NotEmpty(t, chunks)

	// Then: concatenating chunks (ignoring overlap duplication) covers
	// every character of the input
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Text)
	}
	// Every input position appears at least once, so the concatenation
	// is at least as long as the input and contains it piecewise.
	assert.GreaterOrEqual(t, joined.Len(), len(input))

	// And: chunks never exceed size+overlap
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 1000+200, "chunk %d too large", c.Ordinal)
	}

	// And: ordinals are 0..n-1
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}
}

func TestSplitter_OverlapSharedBetweenNeighbors(t *testing.T) {
	input := strings.Repeat("alpha beta gamma delta. ", 200) // ~4800 chars

	s := NewSplitterWithOptions(SplitterOptions{ChunkSize: 1000, Overlap: 200})
	chunks := s.Split(7, input)

	require.Greater(t, len(chunks), 1)

	// Each chunk after the first starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prevNoOverlap := chunks[i-1].Text
		if i > 1 {
			prevNoOverlap = prevNoOverlap[200:]
		}
		tail := prevNoOverlap
		if len(tail) > 200 {
			tail = tail[len(tail)-200:]
		}
		assert.True(t, strings.HasPrefix(chunks[i].Text, tail),
			"chunk %d does not begin with predecessor tail", i)
	}
}

func TestSplitter_DeterministicIDs(t *testing.T) {
	input := strings.Repeat("some text here. ", 300)
	s := NewSplitter()

	first := s.Split(9, input)
	second := s.Split(9, input)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}

	// IDs differ across documents.
	other := s.Split(10, input)
	assert.NotEqual(t, first[0].ID, other[0].ID)
}

func TestSplitter_ExpectedChunkCounts(t *testing.T) {
	s := NewSplitterWithOptions(SplitterOptions{ChunkSize: 1000, Overlap: 200})

	tests := []struct {
		name    string
		size    int
		minWant int
		maxWant int
	}{
		{"400 chars one chunk", 400, 1, 1},
		{"1200 chars two chunks", 1200, 2, 2},
		{"200 chars one chunk", 200, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Word-shaped content so the space separator applies.
			input := strings.TrimSpace(strings.Repeat("lorem ipsum ", tt.size/12))
			for len(input) < tt.size {
				input += " x"
			}
			chunks := s.Split(1, input)
			assert.GreaterOrEqual(t, len(chunks), tt.minWant)
			assert.LessOrEqual(t, len(chunks), tt.maxWant)
		})
	}
}
