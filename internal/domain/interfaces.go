package domain

import (
	"context"
	"time"
)

// DocType tags a knowledge document with its origin.
type DocType string

const (
	DocTypeKDRGGuideline     DocType = "k_drg_guideline"
	DocTypeKCD9Guideline     DocType = "kcd9_guideline"
	DocTypeManualMemo        DocType = "manual_memo"
	DocTypeGuideline         DocType = "guideline"
	DocTypePerformanceMetric DocType = "performance_metric"
)

// DocTypes lists every accepted document type in declaration order.
var DocTypes = []DocType{
	DocTypeKDRGGuideline,
	DocTypeKCD9Guideline,
	DocTypeManualMemo,
	DocTypeGuideline,
	DocTypePerformanceMetric,
}

// Valid reports whether t is one of the fixed document types.
func (t DocType) Valid() bool {
	for _, known := range DocTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseDocType converts user input into a DocType.
func ParseDocType(s string) (DocType, error) {
	t := DocType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Reason: "unknown document type " + s}
	}
	return t, nil
}

// Document is a knowledge text ingested into the engine. It is never
// modified after ingestion; re-uploading creates a new Document.
type Document struct {
	ID        string
	Type      DocType
	Label     string
	Content   string
	Summary   string
	CreatedAt time.Time
	Seq       int64
}

// Chunk is a bounded span of a document's text used for retrieval.
// Text[OverlapBytes:] is the part not shared with the previous chunk.
type Chunk struct {
	ID            string
	DocumentID    string
	Index         int
	Text          string
	Start         int
	End           int
	TokenStart    int
	TokenEnd      int
	OverlapTokens int
	OverlapBytes  int
}

// Tokens returns the number of normalized tokens covered by the chunk.
func (c Chunk) Tokens() int { return c.TokenEnd - c.TokenStart }

// ContextChunk is a retrieved passage handed to an answer synthesizer.
type ContextChunk struct {
	Label   string
	DocType DocType
	Text    string
	Score   float64
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}

// Synthesizer turns a question and retrieved passages into prose. Failures
// wrap ErrDependencyUnavailable.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, question string, chunks []ContextChunk) (string, error)
}
