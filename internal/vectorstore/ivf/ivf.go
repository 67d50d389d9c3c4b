// Package ivf is an approximate index that partitions vectors into clusters
// with spherical k-means and scans only the clusters nearest to a query.
package ivf

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"himcore/internal/domain"
	"himcore/internal/vectorstore"
	"himcore/internal/vectorstore/memory"
)

// Config tunes the partitioning.
type Config struct {
	// Lists is the number of clusters.
	Lists int
	// NProbe is how many clusters a query scans.
	NProbe int
	// TrainThreshold is the minimum number of vectors before clustering;
	// below it queries scan everything.
	TrainThreshold int
	// Iterations bounds k-means refinement.
	Iterations int
}

func (c Config) withDefaults() Config {
	if c.Lists <= 0 {
		c.Lists = 16
	}
	if c.NProbe <= 0 {
		c.NProbe = 4
	}
	if c.NProbe > c.Lists {
		c.NProbe = c.Lists
	}
	if c.TrainThreshold <= 0 {
		c.TrainThreshold = 4 * c.Lists
	}
	if c.Iterations <= 0 {
		c.Iterations = 10
	}
	return c
}

// Index is the IVF backend. Clustering is deterministic: seeds come from a
// farthest-point walk over the sorted chunk ids and ties go to the lowest cluster.
type Index struct {
	cfg Config

	mu        sync.RWMutex
	entries   map[string]vectorstore.Entry
	centroids [][]float64
	lists     []map[string]struct{}
	assigned  map[string]int
	trainedAt int
}

func New(cfg Config) *Index {
	return &Index{cfg: cfg.withDefaults(), entries: make(map[string]vectorstore.Entry)}
}

func (x *Index) Name() string { return "ivf" }

func (x *Index) Approximate() bool { return true }

// Trained reports whether queries are currently restricted to clusters.
func (x *Index) Trained() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.centroids != nil
}

func (x *Index) Add(ctx context.Context, entries []vectorstore.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range entries {
		if e.ChunkID == "" {
			return fmt.Errorf("ivf: entry without chunk id")
		}
	}
	for _, e := range entries {
		e.Vector = append([]float64(nil), e.Vector...)
		x.unassign(e.ChunkID)
		x.entries[e.ChunkID] = e
		if x.centroids != nil {
			x.assign(e.ChunkID, e.Vector)
		}
	}
	n := len(x.entries)
	if (x.centroids == nil && n >= x.cfg.TrainThreshold) || (x.centroids != nil && n >= 2*x.trainedAt) {
		x.train()
	}
	return nil
}

func (x *Index) RemoveDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	removed := 0
	for id, e := range x.entries {
		if e.DocumentID != documentID {
			continue
		}
		x.unassign(id)
		delete(x.entries, id)
		removed++
	}
	if removed == 0 {
		return 0, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	if len(x.entries) < x.cfg.TrainThreshold {
		x.centroids, x.lists, x.assigned, x.trainedAt = nil, nil, nil, 0
	}
	return removed, nil
}

func (x *Index) Query(ctx context.Context, vector []float64, q vectorstore.Query) ([]vectorstore.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var candidates []vectorstore.Entry
	if x.centroids == nil || vectorstore.IsZero(vector) {
		candidates = make([]vectorstore.Entry, 0, len(x.entries))
		for _, e := range x.entries {
			candidates = append(candidates, e)
		}
	} else {
		for _, c := range x.nearestLists(vector) {
			for id := range x.lists[c] {
				candidates = append(candidates, x.entries[id])
			}
		}
	}
	return memory.Scan(candidates, vector, q)
}

func (x *Index) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries), nil
}

func (x *Index) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = make(map[string]vectorstore.Entry)
	x.centroids, x.lists, x.assigned, x.trainedAt = nil, nil, nil, 0
	return nil
}

// nearestLists returns the NProbe clusters closest to vector.
func (x *Index) nearestLists(vector []float64) []int {
	order := make([]int, len(x.centroids))
	scores := make([]float64, len(x.centroids))
	for i, c := range x.centroids {
		order[i] = i
		scores[i] = vectorstore.Cosine(c, vector)
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	n := x.cfg.NProbe
	if n > len(order) {
		n = len(order)
	}
	return order[:n]
}

func (x *Index) nearest(vector []float64) int {
	best, bestScore := 0, math.Inf(-1)
	for i, c := range x.centroids {
		if s := vectorstore.Cosine(c, vector); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func (x *Index) assign(id string, vector []float64) {
	c := x.nearest(vector)
	x.lists[c][id] = struct{}{}
	x.assigned[id] = c
}

func (x *Index) unassign(id string) {
	if x.assigned == nil {
		return
	}
	if c, ok := x.assigned[id]; ok {
		delete(x.lists[c], id)
		delete(x.assigned, id)
	}
}

// train runs spherical k-means over every stored vector. Callers hold x.mu.
func (x *Index) train() {
	ids := make([]string, 0, len(x.entries))
	width := 0
	for id, e := range x.entries {
		ids = append(ids, id)
		if len(e.Vector) > width {
			width = len(e.Vector)
		}
	}
	sort.Strings(ids)
	k := x.cfg.Lists
	if k > len(ids) {
		k = len(ids)
	}
	if k == 0 {
		return
	}
	centroids := seeds(ids, x.entries, k, width)
	x.centroids = centroids
	for iter := 0; iter < x.cfg.Iterations; iter++ {
		sums := make([][]float64, k)
		for i := range sums {
			sums[i] = make([]float64, width)
		}
		counts := make([]int, k)
		for _, id := range ids {
			v := x.entries[id].Vector
			c := x.nearest(v)
			counts[c]++
			for d, w := range v {
				sums[c][d] += w
			}
		}
		moved := false
		for i := range centroids {
			if counts[i] == 0 {
				continue
			}
			next := unit(sums[i])
			if vectorstore.IsZero(next) {
				continue
			}
			if !equal(next, centroids[i]) {
				moved = true
			}
			centroids[i] = next
		}
		if !moved {
			break
		}
	}
	x.lists = make([]map[string]struct{}, k)
	for i := range x.lists {
		x.lists[i] = make(map[string]struct{})
	}
	x.assigned = make(map[string]int, len(ids))
	for _, id := range ids {
		x.assign(id, x.entries[id].Vector)
	}
	x.trainedAt = len(ids)
}

// seeds picks k initial centroids by farthest-point traversal starting from
// the first id, so clusters start spread out without randomness.
func seeds(ids []string, entries map[string]vectorstore.Entry, k, width int) [][]float64 {
	out := [][]float64{unit(padded(entries[ids[0]].Vector, width))}
	closest := make([]float64, len(ids))
	for i, id := range ids {
		closest[i] = vectorstore.Cosine(out[0], entries[id].Vector)
	}
	closest[0] = math.Inf(1)
	for len(out) < k {
		pick := -1
		for i := range ids {
			if pick < 0 || closest[i] < closest[pick] {
				pick = i
			}
		}
		c := unit(padded(entries[ids[pick]].Vector, width))
		out = append(out, c)
		closest[pick] = math.Inf(1)
		for i, id := range ids {
			if s := vectorstore.Cosine(c, entries[id].Vector); s > closest[i] {
				closest[i] = s
			}
		}
	}
	return out
}

func padded(v []float64, width int) []float64 {
	out := make([]float64, width)
	copy(out, v)
	return out
}

func unit(v []float64) []float64 {
	n := 0.0
	for _, x := range v {
		n += x * x
	}
	if n == 0 {
		return v
	}
	n = math.Sqrt(n)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-12 {
			return false
		}
	}
	return true
}
