package rag

import "strings"

// ChunkerConfig bounds chunk sizes in characters.
type ChunkerConfig struct {
	// ChunkSize is the maximum chunk length.
	ChunkSize int
	// MinChunkSize is the shortest fragment worth shipping on its own.
	// A trailing fragment below it merges into the preceding chunk.
	MinChunkSize int
}

// DefaultChunkerConfig returns sensible defaults for prose and markdown.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    1000,
		MinChunkSize: 100,
	}
}

// Chunker splits document text into chunks along paragraph boundaries.
// Consecutive paragraphs are packed into a chunk until the next one
// would push it past ChunkSize; paragraphs that are oversized on their
// own fall back to sentence splits, then to a hard wrap.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a chunker, filling in defaults for zero fields.
func NewChunker(config ChunkerConfig) *Chunker {
	defaults := DefaultChunkerConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.MinChunkSize <= 0 {
		config.MinChunkSize = defaults.MinChunkSize
	}
	return &Chunker{config: config}
}

// Split breaks text into chunks of at most ChunkSize characters.
func (c *Chunker) Split(text string) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(cur.String())
		cur.Reset()
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for _, para := range splitParagraphs(text) {
		if len(para) > c.config.ChunkSize {
			flush()
			chunks = append(chunks, c.splitOversized(para)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > c.config.ChunkSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()

	return c.mergeShortTail(chunks)
}

// splitOversized packs the sentences of a single too-long paragraph
// into chunks, hard-wrapping any sentence that alone exceeds the limit.
func (c *Chunker) splitOversized(paragraph string) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(cur.String())
		cur.Reset()
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	for _, sentence := range splitSentences(paragraph) {
		if len(sentence) > c.config.ChunkSize {
			flush()
			chunks = append(chunks, hardWrap(sentence, c.config.ChunkSize)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(sentence)+1 > c.config.ChunkSize {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	flush()

	return chunks
}

// mergeShortTail folds a trailing fragment shorter than MinChunkSize
// into the preceding chunk so document tails do not ship as noise.
func (c *Chunker) mergeShortTail(chunks []string) []string {
	n := len(chunks)
	if n < 2 || len(chunks[n-1]) >= c.config.MinChunkSize {
		return chunks
	}
	chunks[n-2] = chunks[n-2] + "\n\n" + chunks[n-1]
	return chunks[:n-1]
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n\n")
	paragraphs := make([]string, 0, len(raw))
	for _, para := range raw {
		para = strings.TrimSpace(para)
		if para != "" {
			paragraphs = append(paragraphs, para)
		}
	}
	return paragraphs
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '?', '!':
			if text[i+1] == ' ' || text[i+1] == '\n' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// hardWrap cuts text into size-length pieces on rune boundaries.
func hardWrap(text string, size int) []string {
	var parts []string
	runes := []rune(text)
	for len(runes) > size {
		parts = append(parts, string(runes[:size]))
		runes = runes[size:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
