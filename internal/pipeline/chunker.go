package pipeline

import (
	"fmt"
	"strings"
	"unicode"
)

// Chunk is one token window of a document's text. Ordinals are dense from 0;
// neighbouring chunks share the configured overlap.
type Chunk struct {
	Ordinal    int
	Text       string
	TokenCount int
	StartToken int // offset of the window's first token in the document token sequence
	ByteStart  int
	ByteEnd    int
}

// Chunker splits text into overlapping token windows. Window i+1 starts
// (size - overlap) tokens after window i starts; window ends prefer sentence
// boundaries when one falls inside the overlap region, otherwise the cut is a
// hard token count.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker validates the window geometry.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, size), got %d", overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

type token struct {
	start, end  int // byte offsets into the source text
	sentenceEnd bool
}

// CountTokens returns the number of tokens the chunker sees in text.
func CountTokens(text string) int { return len(tokenize(text)) }

// Split produces the ordered chunk sequence covering text with no gaps. Text
// shorter than one window yields exactly one chunk; empty or whitespace-only
// text yields none. Ordinals are reassigned densely if any window is dropped.
func (c *Chunker) Split(text string) []Chunk {
	toks := tokenize(text)
	if len(toks) == 0 {
		return nil
	}
	stride := c.size - c.overlap

	var chunks []Chunk
	for start := 0; start < len(toks); start += stride {
		end := start + c.size
		if end >= len(toks) {
			end = len(toks)
		} else if snapped, ok := snapToSentence(toks, start+stride, end); ok {
			end = snapped
		}

		window := strings.TrimSpace(text[toks[start].start:toks[end-1].end])
		if window != "" {
			chunks = append(chunks, Chunk{
				Text:       window,
				TokenCount: end - start,
				StartToken: start,
				ByteStart:  toks[start].start,
				ByteEnd:    toks[end-1].end,
			})
		}
		if end == len(toks) {
			break
		}
	}

	for i := range chunks {
		chunks[i].Ordinal = i
	}
	return chunks
}

// snapToSentence looks for the last sentence-ending token in [minEnd, end) and
// returns the index just past it. Shrinking below minEnd would open a gap
// between neighbouring windows, so boundaries earlier than that are ignored.
func snapToSentence(toks []token, minEnd, end int) (int, bool) {
	for i := end - 1; i >= minEnd; i-- {
		if toks[i-1].sentenceEnd {
			return i, true
		}
	}
	return 0, false
}

func tokenize(text string) []token {
	var toks []token
	inTok := false
	start := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inTok {
				toks = append(toks, newToken(text, start, i))
				inTok = false
			}
			continue
		}
		if !inTok {
			start = i
			inTok = true
		}
	}
	if inTok {
		toks = append(toks, newToken(text, start, len(text)))
	}
	return toks
}

func newToken(text string, start, end int) token {
	word := strings.TrimRight(text[start:end], `"')]}`+"`")
	t := token{start: start, end: end}
	if word != "" {
		switch word[len(word)-1] {
		case '.', '!', '?':
			t.sentenceEnd = true
		}
	}
	return t
}
