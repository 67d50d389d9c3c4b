package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"

	"himcore/internal/domain"
)

// ErrCapacity is returned by backends with a fixed vector size when a vector
// does not fit.
var ErrCapacity = errors.New("vector exceeds index capacity")

// Entry is one chunk vector stored in an index.
type Entry struct {
	ChunkID    string
	DocumentID string
	DocType    domain.DocType
	Vector     []float64
}

// Query selects the hits returned by Index.Query. An empty DocType matches
// every document.
type Query struct {
	K        int
	MinScore float64
	DocType  domain.DocType
}

// Hit is a scored chunk.
type Hit struct {
	ChunkID    string
	DocumentID string
	DocType    domain.DocType
	Score      float64
}

// Index holds chunk vectors and answers nearest-neighbor queries. Results are
// ordered by descending score with ties broken by ascending ChunkID, hold at
// most K entries and exclude scores below MinScore. A stored vector wider than
// the query vector means the index was built against a different vocabulary
// and is reported as domain.ErrIndexCorruption.
type Index interface {
	Name() string
	// Approximate reports whether Query may miss true nearest neighbors.
	Approximate() bool
	Add(ctx context.Context, entries []Entry) error
	// RemoveDocument deletes every chunk of the document and returns how
	// many were removed; zero yields domain.ErrNotFound.
	RemoveDocument(ctx context.Context, documentID string) (int, error)
	Query(ctx context.Context, vector []float64, q Query) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
}

// Cosine returns the cosine similarity of a and b. Missing trailing
// dimensions count as zero. A zero vector on either side gives 0.
func Cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dot := 0.0
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	na, nb := sumSquares(a), sumSquares(b)
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	switch {
	case math.IsNaN(c):
		return 0
	case c > 1:
		return 1
	case c < -1:
		return -1
	}
	return c
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func sumSquares(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return s
}

// Less is the canonical hit order.
func Less(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ChunkID < b.ChunkID
}

// Rank sorts hits in canonical order, drops those below minScore and
// truncates to k. k <= 0 keeps everything that qualifies.
func Rank(hits []Hit, k int, minScore float64) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Matches reports whether an entry passes the query's type filter.
func (q Query) Matches(t domain.DocType) bool {
	return q.DocType == "" || q.DocType == t
}
