package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"himcore/internal/domain"
	"himcore/internal/embedding"
	"himcore/internal/metrics"
	"himcore/internal/summarizer"
	"himcore/internal/tokenize"
	"himcore/internal/vectorstore"
)

// NoRelevantKnowledge is the answer text when retrieval finds nothing.
const NoRelevantKnowledge = "관련 지식을 찾을 수 없습니다."

// Answer methods.
const (
	MethodSynthesized = "synthesized"
	MethodExtractive  = "extractive"
	MethodNone        = "none"
)

const (
	DefaultTopK             = 5
	DefaultMinScore         = 0.05
	DefaultSynthesisTimeout = 30 * time.Second
	DefaultSummarySentences = 3
	labelRunes              = 60
	excerptRunes            = 240
)

// KnowledgeOptions tune retrieval defaults.
type KnowledgeOptions struct {
	TopK             int
	MinScore         float64
	SynthesisTimeout time.Duration
	SummarySentences int
}

func (o KnowledgeOptions) withDefaults() KnowledgeOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.MinScore < 0 {
		o.MinScore = DefaultMinScore
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if o.SummarySentences <= 0 {
		o.SummarySentences = DefaultSummarySentences
	}
	return o
}

// KnowledgeDeps are the collaborators of a KnowledgeService. Synthesizer,
// Summarizer, Logger and Metrics are optional.
type KnowledgeDeps struct {
	Chunker     domain.Chunker
	Embedder    embedding.Incremental
	Index       vectorstore.Index
	Summarizer  domain.Summarizer
	Synthesizer domain.Synthesizer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// IngestRequest is one knowledge text to add.
type IngestRequest struct {
	Text  string
	Type  domain.DocType
	Label string
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	Tokens     int    `json:"tokens"`
	Label      string `json:"label"`
	Summary    string `json:"summary,omitempty"`
}

// SearchRequest selects ranked chunks. A nil MinScore uses the configured
// threshold; K <= 0 uses the configured top k.
type SearchRequest struct {
	Query    string
	DocType  domain.DocType
	K        int
	MinScore *float64
}

type AnswerRequest struct {
	Question    string
	ContextType domain.DocType
	K           int
	MinScore    *float64
	Synthesize  bool
}

// Source is a chunk used to build an answer.
type Source struct {
	DocumentID    string         `json:"document_id"`
	DocumentType  domain.DocType `json:"document_type"`
	DocumentLabel string         `json:"document_label"`
	ChunkID       string         `json:"chunk_id"`
	Score         float64        `json:"score"`
	Excerpt       string         `json:"excerpt"`
	Text          string         `json:"-"`
}

type Answer struct {
	Text        string   `json:"answer"`
	Sources     []Source `json:"sources"`
	Method      string   `json:"method"`
	Approximate bool     `json:"approximate"`
}

// Stats describes the engine's current contents.
type Stats struct {
	Documents   int    `json:"documents"`
	Chunks      int    `json:"chunks"`
	Dimension   int    `json:"dimension"`
	Index       string `json:"index"`
	Approximate bool   `json:"approximate"`
}

// StoredDocument is a document with its chunks and their vectors.
type StoredDocument struct {
	Document domain.Document
	Chunks   []domain.Chunk
	Vectors  [][]float64
}

// Snapshot is the persistable state of a KnowledgeService.
type Snapshot struct {
	Vocabulary embedding.VocabularySnapshot
	Documents  []StoredDocument
}

// KnowledgeService owns the chunk store and answers questions against it.
// Writes are serialized; reads share the lock only while embedding and
// querying the index.
type KnowledgeService struct {
	mu   sync.RWMutex
	docs map[string]*StoredDocument
	seq  int64
	// generation counts complete index loads; outOfSync is set when the
	// index may be missing committed chunks.
	generation uint64
	outOfSync  bool
	rebuilds   singleflight.Group

	chunker     domain.Chunker
	embedder    embedding.Incremental
	index       vectorstore.Index
	summarizer  domain.Summarizer
	synthesizer domain.Synthesizer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	opts        KnowledgeOptions
	now         func() time.Time
}

func NewKnowledgeService(deps KnowledgeDeps, opts KnowledgeOptions) *KnowledgeService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &KnowledgeService{
		docs:        make(map[string]*StoredDocument),
		chunker:     deps.Chunker,
		embedder:    deps.Embedder,
		index:       deps.Index,
		summarizer:  deps.Summarizer,
		synthesizer: deps.Synthesizer,
		logger:      logger.With("system", "knowledge"),
		metrics:     m,
		opts:        opts.withDefaults(),
		now:         time.Now,
	}
}

// Ingest chunks, embeds and indexes one document. Either every chunk becomes
// searchable or nothing changes.
func (s *KnowledgeService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	docType, err := domain.ParseDocType(string(req.Type))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.Invalid("text", "document text is empty")
	}
	if !utf8.ValidString(req.Text) || strings.ContainsRune(req.Text, 0) {
		return nil, domain.Invalid("text", "document text is not UTF-8 text")
	}

	doc := domain.Document{
		ID:        uuid.NewString(),
		Type:      docType,
		Label:     strings.TrimSpace(req.Label),
		Content:   req.Text,
		CreatedAt: s.now().UTC(),
	}
	chunks, err := s.chunker.Chunk(doc)
	if err != nil {
		return nil, err
	}
	if s.summarizer != nil {
		summary, err := s.summarizer.Summarize(doc.Content, s.opts.SummarySentences)
		if err != nil {
			s.logger.Warn("summarize failed", "error", err)
		}
		doc.Summary = summary
	}
	if doc.Label == "" {
		doc.Label = summarizer.Label(firstNonEmpty(doc.Summary, doc.Content), labelRunes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := s.embedder.Begin()
	for _, ch := range chunks {
		batch.Observe(ch.Text)
	}
	vectors := make([][]float64, len(chunks))
	entries := make([]vectorstore.Entry, len(chunks))
	for i, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = batch.Embed(ch.Text)
		entries[i] = vectorstore.Entry{ChunkID: ch.ID, DocumentID: doc.ID, DocType: doc.Type, Vector: vectors[i]}
	}

	if err := s.index.Add(ctx, entries); err != nil {
		s.rollback(doc.ID)
		return nil, fmt.Errorf("index document: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.rollback(doc.ID)
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		s.rollback(doc.ID)
		return nil, fmt.Errorf("commit vocabulary: %w", err)
	}

	s.seq++
	doc.Seq = s.seq
	s.docs[doc.ID] = &StoredDocument{Document: doc, Chunks: chunks, Vectors: vectors}
	s.metrics.DocumentIngested(len(chunks))
	s.logger.Info("document ingested",
		"id", doc.ID, "type", doc.Type, "chunks", len(chunks), "dimension", batch.Dimension())

	return &IngestResult{
		DocumentID: doc.ID,
		ChunkCount: len(chunks),
		Tokens:     tokenize.Count(doc.Content),
		Label:      doc.Label,
		Summary:    doc.Summary,
	}, nil
}

// rollback removes whatever part of a document reached the index. It must
// not depend on the caller's context, which may already be cancelled.
func (s *KnowledgeService) rollback(documentID string) {
	if _, err := s.index.RemoveDocument(context.Background(), documentID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.outOfSync = true
		s.logger.Error("rollback failed", "id", documentID, "error", err)
	}
}

// Remove deletes a document together with its chunks and vectors.
func (s *KnowledgeService) Remove(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[documentID]
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	if _, err := s.index.RemoveDocument(ctx, documentID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("remove document %s: %w", documentID, err)
	}
	delete(s.docs, documentID)
	s.metrics.DocumentRemoved(len(stored.Chunks))
	s.logger.Info("document removed", "id", documentID, "chunks", len(stored.Chunks))
	return nil
}

func (s *KnowledgeService) Document(documentID string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.docs[documentID]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	return stored.Document, nil
}

// Documents lists documents in ingestion order.
func (s *KnowledgeService) Documents() []domain.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Document, 0, len(s.docs))
	for _, stored := range s.docs {
		out = append(out, stored.Document)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Chunks returns the chunks of a document in index order.
func (s *KnowledgeService) Chunks(documentID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	return append([]domain.Chunk(nil), stored.Chunks...), nil
}

func (s *KnowledgeService) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Documents:   len(s.docs),
		Dimension:   s.embedder.Dimension(),
		Index:       s.index.Name(),
		Approximate: s.index.Approximate(),
	}
	for _, stored := range s.docs {
		st.Chunks += len(stored.Chunks)
	}
	return st
}

// Search returns the ranked chunks for a query without building an answer.
func (s *KnowledgeService) Search(ctx context.Context, req SearchRequest) ([]Source, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, domain.Invalid("query", "required")
	}
	if req.DocType != "" && !req.DocType.Valid() {
		return nil, domain.Invalid("context_type", "unknown document type "+string(req.DocType))
	}
	q := vectorstore.Query{K: req.K, MinScore: s.opts.MinScore, DocType: req.DocType}
	if q.K <= 0 {
		q.K = s.opts.TopK
	}
	if req.MinScore != nil {
		q.MinScore = *req.MinScore
	}

	sources, gen, err := s.search(ctx, req.Query, q)
	if errors.Is(err, domain.ErrIndexCorruption) {
		if err := s.recoverIndex(ctx, gen, err); err != nil {
			return nil, fmt.Errorf("rebuild after corruption: %w", err)
		}
		sources, _, err = s.search(ctx, req.Query, q)
	}
	if err != nil {
		return nil, err
	}
	return sources, nil
}

func (s *KnowledgeService) search(ctx context.Context, text string, q vectorstore.Query) ([]Source, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gen := s.generation
	if s.outOfSync {
		return nil, gen, fmt.Errorf("index out of sync: %w", domain.ErrIndexCorruption)
	}
	vec := s.embedder.Embed(text)
	if vectorstore.IsZero(vec) {
		// nothing in the question is known, so nothing can be similar
		return []Source{}, gen, nil
	}
	hits, err := s.index.Query(ctx, vec, q)
	if err != nil {
		return nil, gen, err
	}
	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		stored, ok := s.docs[h.DocumentID]
		if !ok {
			continue
		}
		ch, ok := chunkByID(stored.Chunks, h.ChunkID)
		if !ok {
			continue
		}
		sources = append(sources, Source{
			DocumentID:    h.DocumentID,
			DocumentType:  stored.Document.Type,
			DocumentLabel: stored.Document.Label,
			ChunkID:       h.ChunkID,
			Score:         h.Score,
			Excerpt:       summarizer.Excerpt(ch.Text, excerptRunes),
			Text:          ch.Text,
		})
	}
	return sources, gen, nil
}

// Answer retrieves the passages most similar to the question and turns them
// into an answer. Synthesis failures fall back to the best passage; they
// never fail the request.
func (s *KnowledgeService) Answer(ctx context.Context, req AnswerRequest) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, domain.Invalid("question", "required")
	}
	sources, err := s.Search(ctx, SearchRequest{
		Query:    req.Question,
		DocType:  req.ContextType,
		K:        req.K,
		MinScore: req.MinScore,
	})
	if err != nil {
		return nil, err
	}

	ans := &Answer{Sources: sources, Approximate: s.index.Approximate()}
	switch {
	case len(sources) == 0:
		ans.Text = NoRelevantKnowledge
		ans.Method = MethodNone
		ans.Sources = []Source{}
	case req.Synthesize && s.synthesizer != nil:
		text, err := s.synthesize(ctx, req.Question, sources)
		if err != nil {
			s.metrics.SynthesisFailed()
			s.logger.Warn("synthesis failed, answering extractively",
				"synthesizer", s.synthesizer.Name(), "error", err)
			ans.Text, ans.Method = sources[0].Text, MethodExtractive
			break
		}
		ans.Text, ans.Method = text, MethodSynthesized
	default:
		ans.Text, ans.Method = sources[0].Text, MethodExtractive
	}
	s.metrics.Answered(ans.Method)
	return ans, nil
}

func (s *KnowledgeService) synthesize(ctx context.Context, question string, sources []Source) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.SynthesisTimeout)
	defer cancel()
	chunks := make([]domain.ContextChunk, len(sources))
	for i, src := range sources {
		chunks[i] = domain.ContextChunk{Label: src.DocumentLabel, DocType: src.DocumentType, Text: src.Text, Score: src.Score}
	}
	text, err := s.synthesizer.Synthesize(ctx, question, chunks)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty synthesis: %w", domain.ErrDependencyUnavailable)
	}
	return text, nil
}

// Rebuild re-embeds every chunk against the current vocabulary into an empty
// index.
func (s *KnowledgeService) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(ctx)
}

func (s *KnowledgeService) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	docs := s.ordered()
	fresh, err := s.reembed(ctx, docs)
	if err != nil {
		return err
	}
	chunks, err := s.reload(ctx, docs, fresh)
	if err != nil {
		s.recoverLocked(docs)
		return fmt.Errorf("rebuild: %w", err)
	}
	for d, stored := range docs {
		stored.Vectors = fresh[d]
	}
	s.metrics.Rebuilt()
	s.metrics.SetChunks(chunks)
	s.logger.Info("index rebuilt", "documents", len(docs), "chunks", chunks, "took", time.Since(start))
	return nil
}

// reembed embeds every chunk of docs without touching the stored vectors.
func (s *KnowledgeService) reembed(ctx context.Context, docs []*StoredDocument) ([][][]float64, error) {
	fresh := make([][][]float64, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for d, stored := range docs {
		fresh[d] = make([][]float64, len(stored.Chunks))
		for i, ch := range stored.Chunks {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				fresh[d][i] = s.embedder.Embed(ch.Text)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fresh, nil
}

// reload replaces the index contents with docs under the given vectors. A
// complete reload starts a new index generation.
func (s *KnowledgeService) reload(ctx context.Context, docs []*StoredDocument, vectors [][][]float64) (int, error) {
	if err := s.index.Reset(ctx); err != nil {
		return 0, fmt.Errorf("reset index: %w", err)
	}
	chunks := 0
	for d, stored := range docs {
		if err := s.index.Add(ctx, entriesOf(stored, vectors[d])); err != nil {
			return 0, fmt.Errorf("index document %s: %w", stored.Document.ID, err)
		}
		chunks += len(stored.Chunks)
	}
	s.generation++
	s.outOfSync = false
	return chunks, nil
}

// recoverLocked puts the committed vectors of docs back after a failed
// reload. When that fails too, searches report corruption until a rebuild
// succeeds.
func (s *KnowledgeService) recoverLocked(docs []*StoredDocument) {
	if _, err := s.reload(context.Background(), docs, vectorsOf(docs)); err != nil {
		s.outOfSync = true
		s.logger.Error("index out of sync with documents", "error", err)
	}
}

// recoverIndex rebuilds after a search hit corruption in generation gen.
// Callers that saw the same generation share one rebuild, and a generation
// that was already replaced is left alone.
func (s *KnowledgeService) recoverIndex(ctx context.Context, gen uint64, cause error) error {
	_, err, _ := s.rebuilds.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.generation != gen {
			return nil, nil
		}
		s.logger.Warn("index corruption detected, rebuilding", "error", cause)
		return nil, s.rebuildLocked(ctx)
	})
	return err
}

// Snapshot copies the persistable state.
func (s *KnowledgeService) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Vocabulary: s.embedder.Snapshot()}
	for _, stored := range s.ordered() {
		snap.Documents = append(snap.Documents, StoredDocument{
			Document: stored.Document,
			Chunks:   append([]domain.Chunk(nil), stored.Chunks...),
			Vectors:  append([][]float64(nil), stored.Vectors...),
		})
	}
	return snap
}

// Restore replaces all state with a snapshot. Stored vectors wider than the
// restored vocabulary cannot be trusted, so those are re-embedded. If the
// index cannot be loaded the previous state stays in place.
func (s *KnowledgeService) Restore(ctx context.Context, snap Snapshot) error {
	docs := make(map[string]*StoredDocument, len(snap.Documents))
	var seq int64
	width := len(snap.Vocabulary.Terms)
	corrupt := false
	for i := range snap.Documents {
		stored := snap.Documents[i]
		id := stored.Document.ID
		if !stored.Document.Type.Valid() {
			return fmt.Errorf("restore document %s: %w", id, domain.Invalid("type", "unknown document type "+string(stored.Document.Type)))
		}
		if _, dup := docs[id]; dup {
			return fmt.Errorf("restore document %s: duplicate id", id)
		}
		if len(stored.Vectors) != len(stored.Chunks) {
			corrupt = true
			stored.Vectors = make([][]float64, len(stored.Chunks))
		}
		for j, ch := range stored.Chunks {
			if ch.DocumentID != id || ch.Index != j {
				return fmt.Errorf("restore document %s: chunk %s out of order", id, ch.ID)
			}
			if len(stored.Vectors[j]) > width {
				corrupt = true
			}
		}
		if stored.Document.Seq > seq {
			seq = stored.Document.Seq
		}
		docs[id] = &stored
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prevDocs, prevSeq := s.docs, s.seq
	prevVocab := s.embedder.Snapshot()
	if err := s.embedder.Restore(snap.Vocabulary); err != nil {
		return fmt.Errorf("restore vocabulary: %w", err)
	}
	s.docs, s.seq = docs, seq

	ordered := s.ordered()
	vectors := vectorsOf(ordered)
	var err error
	if corrupt {
		s.logger.Warn("snapshot vectors do not match vocabulary, re-embedding")
		vectors, err = s.reembed(ctx, ordered)
	}
	chunks := 0
	if err == nil {
		chunks, err = s.reload(ctx, ordered, vectors)
	}
	if err != nil {
		s.docs, s.seq = prevDocs, prevSeq
		if verr := s.embedder.Restore(prevVocab); verr != nil {
			s.logger.Error("vocabulary rollback failed", "error", verr)
		}
		s.recoverLocked(s.ordered())
		return fmt.Errorf("restore snapshot: %w", err)
	}
	for d, stored := range ordered {
		stored.Vectors = vectors[d]
	}
	if corrupt {
		s.metrics.Rebuilt()
	}
	s.metrics.SetChunks(chunks)
	s.logger.Info("snapshot restored", "documents", len(docs), "chunks", chunks, "dimension", width)
	return nil
}

// ordered must be called with s.mu held.
func (s *KnowledgeService) ordered() []*StoredDocument {
	out := make([]*StoredDocument, 0, len(s.docs))
	for _, stored := range s.docs {
		out = append(out, stored)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Document.Seq < out[j].Document.Seq })
	return out
}

func entriesOf(stored *StoredDocument, vectors [][]float64) []vectorstore.Entry {
	entries := make([]vectorstore.Entry, len(stored.Chunks))
	for i, ch := range stored.Chunks {
		entries[i] = vectorstore.Entry{
			ChunkID:    ch.ID,
			DocumentID: stored.Document.ID,
			DocType:    stored.Document.Type,
			Vector:     vectors[i],
		}
	}
	return entries
}

func vectorsOf(docs []*StoredDocument) [][][]float64 {
	out := make([][][]float64, len(docs))
	for d, stored := range docs {
		out[d] = stored.Vectors
	}
	return out
}

func chunkByID(chunks []domain.Chunk, id string) (domain.Chunk, bool) {
	for _, ch := range chunks {
		if ch.ID == id {
			return ch, true
		}
	}
	return domain.Chunk{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
