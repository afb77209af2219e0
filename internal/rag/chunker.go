package rag

import (
	"strings"
)

// Chunk shapes. Markdown splits on paragraph boundaries into ~1200 char
// windows with 200 chars of overlap; code splits on lines, 80 per chunk
// with 10 lines of overlap. Overlap keeps answers coherent when the
// relevant passage straddles a boundary.
const (
	markdownChunkSize    = 1200
	markdownChunkOverlap = 200
	codeChunkLines       = 80
	codeChunkOverlap     = 10
)

// ChunkMarkdown splits prose into overlapping windows, preferring paragraph
// and heading boundaries.
func ChunkMarkdown(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= markdownChunkSize {
		return []string{text}
	}

	paragraphs := splitParagraphs(text)
	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, para := range paragraphs {
		// A single oversized paragraph is split hard.
		if len(para) > markdownChunkSize {
			flush()
			chunks = append(chunks, splitHard(para, markdownChunkSize, markdownChunkOverlap)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > markdownChunkSize {
			overlap := tailChars(current.String(), markdownChunkOverlap)
			flush()
			current.WriteString(overlap)
			if overlap != "" {
				current.WriteString("\n\n")
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// ChunkCode splits source text into overlapping line windows.
func ChunkCode(text string) []string {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= codeChunkLines {
		return []string{text}
	}

	var chunks []string
	step := codeChunkLines - codeChunkOverlap
	for start := 0; start < len(lines); start += step {
		end := start + codeChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunk := strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(lines) {
			break
		}
	}
	return chunks
}

// splitParagraphs breaks text on blank lines, keeping headings attached to
// the paragraph that follows them.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var paragraphs []string
	var pendingHeading string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "#") && !strings.Contains(p, "\n") {
			if pendingHeading != "" {
				paragraphs = append(paragraphs, pendingHeading)
			}
			pendingHeading = p
			continue
		}
		if pendingHeading != "" {
			p = pendingHeading + "\n\n" + p
			pendingHeading = ""
		}
		paragraphs = append(paragraphs, p)
	}
	if pendingHeading != "" {
		paragraphs = append(paragraphs, pendingHeading)
	}
	return paragraphs
}

// splitHard cuts text into fixed windows with overlap, used when no
// boundary is available.
func splitHard(text string, size, overlap int) []string {
	var chunks []string
	step := size - overlap
	for start := 0; start < len(text); start += step {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}

// tailChars returns the last n characters of s, cut at a line boundary
// where possible.
func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	tail := s[len(s)-n:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
