package chunker

import (
	"fmt"
	"strings"

	"himcore/internal/domain"
	"himcore/internal/tokenize"
)

const (
	DefaultMaxTokens     = 200
	DefaultOverlapTokens = 40
)

// TokenChunker splits text into windows of normalized tokens with overlap.
// Window boundaries depend only on the token stream, so whitespace-only edits
// do not move them.
type TokenChunker struct {
	maxTokens     int
	overlapTokens int
}

// NewTokenChunker clamps overlap to [0, maxTokens-1].
func NewTokenChunker(maxTokens, overlapTokens int) *TokenChunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	if overlapTokens >= maxTokens {
		overlapTokens = maxTokens - 1
	}
	return &TokenChunker{maxTokens: maxTokens, overlapTokens: overlapTokens}
}

// MaxTokens returns the window size.
func (c *TokenChunker) MaxTokens() int { return c.maxTokens }

// OverlapTokens returns the number of tokens shared by adjacent windows.
func (c *TokenChunker) OverlapTokens() int { return c.overlapTokens }

// Stride is the token distance between window starts.
func (c *TokenChunker) Stride() int { return c.maxTokens - c.overlapTokens }

// ChunkID formats the identifier of the index-th chunk of a document.
// Zero padding keeps lexical and numeric order identical.
func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s#%05d", documentID, index)
}

// Chunk splits the document. Text without tokens but with visible characters
// becomes a single chunk; blank text is rejected.
func (c *TokenChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	text := document.Content
	if strings.TrimSpace(text) == "" {
		return nil, domain.Invalid("text", "document text is empty")
	}
	toks := tokenize.Tokens(text)
	n := len(toks)
	if n <= c.maxTokens {
		return []domain.Chunk{{
			ID:         ChunkID(document.ID, 0),
			DocumentID: document.ID,
			Index:      0,
			Text:       text,
			Start:      0,
			End:        len(text),
			TokenStart: 0,
			TokenEnd:   n,
		}}, nil
	}

	var chunks []domain.Chunk
	prevEnd := 0
	for s, idx := 0, 0; ; s, idx = s+c.Stride(), idx+1 {
		e := s + c.maxTokens
		if e > n {
			e = n
		}
		start := 0
		if idx > 0 {
			start = toks[s].Start
		}
		end := len(text)
		if e < n {
			end = toks[e].Start
		}
		ch := domain.Chunk{
			ID:         ChunkID(document.ID, idx),
			DocumentID: document.ID,
			Index:      idx,
			Text:       text[start:end],
			Start:      start,
			End:        end,
			TokenStart: s,
			TokenEnd:   e,
		}
		if idx > 0 {
			ch.OverlapTokens = c.overlapTokens
			ch.OverlapBytes = prevEnd - start
		}
		chunks = append(chunks, ch)
		if e == n {
			break
		}
		prevEnd = end
	}
	return chunks, nil
}

// Reassemble concatenates chunks in index order with the overlap removed,
// reproducing the source text.
func Reassemble(chunks []domain.Chunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		if ch.OverlapBytes > len(ch.Text) {
			continue
		}
		b.WriteString(ch.Text[ch.OverlapBytes:])
	}
	return b.String()
}
