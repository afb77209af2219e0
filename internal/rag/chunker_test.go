package rag

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkMarkdownShortTextIsOneChunk(t *testing.T) {
	text := "# Title\n\nA short document."
	chunks := ChunkMarkdown(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestChunkMarkdownEmpty(t *testing.T) {
	assert.Nil(t, ChunkMarkdown(""))
	assert.Nil(t, ChunkMarkdown("   \n\n  "))
}

func TestChunkMarkdownKeepsHeadingWithBody(t *testing.T) {
	var sections []string
	for _, letter := range []string{"a", "b", "c", "d"} {
		sections = append(sections,
			fmt.Sprintf("## Section %s\n\n%s", strings.ToUpper(letter), strings.Repeat(letter, 500)))
	}
	text := strings.Join(sections, "\n\n")
	require.Greater(t, len(text), markdownChunkSize)

	chunks := ChunkMarkdown(text)
	require.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		assert.NotEmpty(t, chunk)
		// A chunk is at most one window plus its carried overlap.
		assert.LessOrEqual(t, len(chunk), markdownChunkSize+markdownChunkOverlap+2)
		// A heading never ends a chunk with its body cut off entirely.
		if strings.Contains(chunk, "## Section C") {
			assert.Contains(t, chunk, "ccc")
		}
	}
}

func TestChunkMarkdownCarriesOverlap(t *testing.T) {
	text := "## Section A\n\n" + strings.Repeat("a", 500) +
		"\n\n## Section B\n\n" + strings.Repeat("b", 500) +
		"\n\n## Section C\n\n" + strings.Repeat("c", 500)

	chunks := ChunkMarkdown(text)
	require.Len(t, chunks, 2)
	assert.True(t, strings.HasPrefix(chunks[1], strings.Repeat("b", 50)),
		"second chunk must open with the tail of the first")
}

func TestChunkMarkdownSplitsOversizedParagraph(t *testing.T) {
	text := strings.Repeat("x", 3*markdownChunkSize-600)
	chunks := ChunkMarkdown(text)
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), markdownChunkSize)
	}
}

func TestChunkCodeShortFileIsOneChunk(t *testing.T) {
	text := "package main\n\nfunc main() {}\n"
	chunks := ChunkCode(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.TrimRight(text, "\n"), chunks[0])
}

func TestChunkCodeEmpty(t *testing.T) {
	assert.Nil(t, ChunkCode(""))
	assert.Nil(t, ChunkCode("\n\n\n"))
}

func TestChunkCodeOverlappingWindows(t *testing.T) {
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, fmt.Sprintf("line-%03d", i))
	}
	chunks := ChunkCode(strings.Join(lines, "\n"))
	require.Len(t, chunks, 3)

	// Each window steps by chunk size minus overlap.
	step := codeChunkLines - codeChunkOverlap
	assert.True(t, strings.HasPrefix(chunks[1], fmt.Sprintf("line-%03d", step)))
	assert.True(t, strings.HasPrefix(chunks[2], fmt.Sprintf("line-%03d", 2*step)))
	assert.True(t, strings.HasSuffix(chunks[2], "line-199"))

	// Overlapping lines appear in both neighbouring chunks.
	assert.Contains(t, chunks[0], fmt.Sprintf("line-%03d", step))
	assert.Contains(t, chunks[1], fmt.Sprintf("line-%03d", 2*step))
}
