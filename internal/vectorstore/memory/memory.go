package memory

import (
	"context"
	"fmt"
	"sync"

	"himcore/internal/domain"
	"himcore/internal/vectorstore"
)

// Storage is an exact in-memory index scanning every vector with cosine
// similarity.
type Storage struct {
	mu      sync.RWMutex
	entries []vectorstore.Entry
	byChunk map[string]int
}

func NewStorage() *Storage { return &Storage{byChunk: make(map[string]int)} }

func (s *Storage) Name() string { return "memory" }

func (s *Storage) Approximate() bool { return false }

// Add inserts entries, replacing any with the same chunk id.
func (s *Storage) Add(ctx context.Context, entries []vectorstore.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ChunkID == "" {
			return fmt.Errorf("memory: entry without chunk id")
		}
	}
	for _, e := range entries {
		e.Vector = append([]float64(nil), e.Vector...)
		if i, ok := s.byChunk[e.ChunkID]; ok {
			s.entries[i] = e
			continue
		}
		s.byChunk[e.ChunkID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *Storage) RemoveDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = vectorstore.Entry{}
	}
	s.entries = kept
	s.byChunk = make(map[string]int, len(kept))
	for i, e := range kept {
		s.byChunk[e.ChunkID] = i
	}
	return removed, nil
}

func (s *Storage) Query(ctx context.Context, vector []float64, q vectorstore.Query) ([]vectorstore.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Scan(s.entries, vector, q)
}

func (s *Storage) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *Storage) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.byChunk = make(map[string]int)
	return nil
}

// Scan scores every candidate that passes the type filter and ranks them.
// It is shared with backends that fall back to an exact search.
func Scan(entries []vectorstore.Entry, vector []float64, q vectorstore.Query) ([]vectorstore.Hit, error) {
	hits := make([]vectorstore.Hit, 0, len(entries))
	for _, e := range entries {
		if !q.Matches(e.DocType) {
			continue
		}
		if len(e.Vector) > len(vector) {
			return nil, fmt.Errorf("chunk %s has width %d, query has %d: %w", e.ChunkID, len(e.Vector), len(vector), domain.ErrIndexCorruption)
		}
		hits = append(hits, vectorstore.Hit{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			DocType:    e.DocType,
			Score:      vectorstore.Cosine(e.Vector, vector),
		})
	}
	return vectorstore.Rank(hits, q.K, q.MinScore), nil
}
