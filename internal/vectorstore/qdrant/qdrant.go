package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"himcore/internal/domain"
	"himcore/internal/vectorstore"
)

// Storage is a minimal REST client to Qdrant.
// TF-IDF vectors grow with the vocabulary while a Qdrant collection has a
// fixed size, so vectors are zero-padded to Config.Size.
type Storage struct {
	url        string
	apiKey     string
	collection string
	size       int
	client     *http.Client

	mu      sync.Mutex
	created bool
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	// Size is the collection vector size and the widest vocabulary the
	// collection can hold.
	Size    int
	Timeout time.Duration
}

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if cfg.Size <= 0 {
		cfg.Size = 8192
	}
	if cfg.Collection == "" {
		cfg.Collection = "himcore_chunks"
	}
	return &Storage{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		size:       cfg.Size,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *Storage) Name() string { return "qdrant" }

// Approximate is true because Qdrant searches an HNSW graph.
func (s *Storage) Approximate() bool { return true }

// PointID maps a chunk id onto the UUID Qdrant requires as point id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("himcore:"+chunkID)).String()
}

func (s *Storage) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.size,
			"distance": "Cosine",
		},
	}
	// Qdrant answers 409 when the collection already exists.
	status, err := s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil)
	if err != nil && status != http.StatusConflict {
		return err
	}
	s.created = true
	return nil
}

func (s *Storage) Add(ctx context.Context, entries []vectorstore.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	points := make([]map[string]any, len(entries))
	for i, e := range entries {
		if len(e.Vector) > s.size {
			return fmt.Errorf("chunk %s has width %d, collection size is %d: %w", e.ChunkID, len(e.Vector), s.size, vectorstore.ErrCapacity)
		}
		points[i] = map[string]any{
			"id":     PointID(e.ChunkID),
			"vector": pad(e.Vector, s.size),
			"payload": map[string]any{
				"chunk_id":    e.ChunkID,
				"document_id": e.DocumentID,
				"doc_type":    string(e.DocType),
				"width":       len(e.Vector),
			},
		}
	}
	body := map[string]any{"points": points}
	_, err := s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), body, nil)
	return err
}

func (s *Storage) RemoveDocument(ctx context.Context, documentID string) (int, error) {
	filter := matchFilter("document_id", documentID)
	n, err := s.count(ctx, filter)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	body := map[string]any{"filter": filter}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), body, nil); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Storage) Query(ctx context.Context, vector []float64, q vectorstore.Query) ([]vectorstore.Hit, error) {
	if len(vector) > s.size {
		return nil, fmt.Errorf("query width %d, collection size %d: %w", len(vector), s.size, vectorstore.ErrCapacity)
	}
	// Qdrant cannot score a zero vector with cosine distance.
	if vectorstore.IsZero(vector) {
		return nil, nil
	}
	limit := q.K
	if limit <= 0 {
		limit = 5
	}
	req := map[string]any{
		"vector":          pad(vector, s.size),
		"limit":           limit,
		"with_payload":    true,
		"score_threshold": q.MinScore,
	}
	if q.DocType != "" {
		req["filter"] = matchFilter("doc_type", string(q.DocType))
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	hits := make([]vectorstore.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hit := vectorstore.Hit{Score: r.Score}
		if v, ok := r.Payload["chunk_id"].(string); ok {
			hit.ChunkID = v
		}
		if v, ok := r.Payload["document_id"].(string); ok {
			hit.DocumentID = v
		}
		if v, ok := r.Payload["doc_type"].(string); ok {
			hit.DocType = domain.DocType(v)
		}
		if w, ok := r.Payload["width"].(float64); ok && int(w) > len(vector) {
			return nil, fmt.Errorf("chunk %s has width %d, query has %d: %w", hit.ChunkID, int(w), len(vector), domain.ErrIndexCorruption)
		}
		hits = append(hits, hit)
	}
	// Qdrant does not promise the chunk id tie-break.
	return vectorstore.Rank(hits, q.K, q.MinScore), nil
}

func (s *Storage) Count(ctx context.Context) (int, error) {
	return s.count(ctx, nil)
}

// Reset drops the collection; it is recreated on the next Add.
func (s *Storage) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, err := s.do(ctx, http.MethodDelete, s.collectionURL(""), nil, nil)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	s.created = false
	return nil
}

func (s *Storage) count(ctx context.Context, filter map[string]any) (int, error) {
	body := map[string]any{"exact": true}
	if filter != nil {
		body["filter"] = filter
	}
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), body, &resp)
	if status == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *Storage) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

// do sends a JSON request and decodes the JSON answer into out when given.
// The status code is returned even on failure so callers can accept
// specific codes.
func (s *Storage) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant %s %s: %w: %w", method, url, domain.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func matchFilter(key, value string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": key, "match": map[string]any{"value": value}},
		},
	}
}

func pad(v []float64, size int) []float64 {
	out := make([]float64, size)
	copy(out, v)
	return out
}
