// Package indextest holds the behavioral checks every vectorstore.Index
// backend must pass.
package indextest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/domain"
	"himcore/internal/vectorstore"
)

// Factory returns an empty index.
type Factory func(t *testing.T) vectorstore.Index

// Run exercises the Index contract against fresh instances from newIndex.
func Run(t *testing.T, newIndex Factory) {
	t.Run("OrderingAndLimit", func(t *testing.T) { testOrdering(t, newIndex(t)) })
	t.Run("MinScoreExcludes", func(t *testing.T) { testMinScore(t, newIndex(t)) })
	t.Run("DocTypeFilter", func(t *testing.T) { testDocType(t, newIndex(t)) })
	t.Run("RemoveCascades", func(t *testing.T) { testRemove(t, newIndex(t)) })
	t.Run("ZeroQueryScoresZero", func(t *testing.T) { testZeroQuery(t, newIndex(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newIndex(t)) })
}

func entry(doc string, i int, typ domain.DocType, vec ...float64) vectorstore.Entry {
	return vectorstore.Entry{
		ChunkID:    fmt.Sprintf("%s#%05d", doc, i),
		DocumentID: doc,
		DocType:    typ,
		Vector:     vec,
	}
}

func testOrdering(t *testing.T, idx vectorstore.Index) {
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []vectorstore.Entry{
		entry("b", 0, domain.DocTypeGuideline, 1, 0),
		entry("a", 0, domain.DocTypeGuideline, 1, 0),
		entry("c", 0, domain.DocTypeGuideline, 0.6, 0.8),
		entry("d", 0, domain.DocTypeGuideline, 0, 1),
	}))

	hits, err := idx.Query(ctx, []float64{1, 0}, vectorstore.Query{K: 3, MinScore: 0.01})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "a#00000", hits[0].ChunkID)
	assert.Equal(t, "b#00000", hits[1].ChunkID)
	assert.Equal(t, "c#00000", hits[2].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.InDelta(t, 0.6, hits[2].Score, 1e-9)
	for i := 1; i < len(hits); i++ {
		assert.True(t, !vectorstore.Less(hits[i], hits[i-1]), "hits out of order at %d", i)
	}
	assert.Equal(t, "a", hits[0].DocumentID)
	assert.Equal(t, domain.DocTypeGuideline, hits[0].DocType)
}

func testMinScore(t *testing.T, idx vectorstore.Index) {
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []vectorstore.Entry{
		entry("a", 0, domain.DocTypeGuideline, 1, 0),
		entry("a", 1, domain.DocTypeGuideline, 0, 1),
	}))
	hits, err := idx.Query(ctx, []float64{0, 1}, vectorstore.Query{K: 5, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a#00001", hits[0].ChunkID)
}

func testDocType(t *testing.T, idx vectorstore.Index) {
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []vectorstore.Entry{
		entry("g", 0, domain.DocTypeKDRGGuideline, 1, 0),
		entry("m", 0, domain.DocTypeManualMemo, 1, 0),
	}))
	hits, err := idx.Query(ctx, []float64{1, 0}, vectorstore.Query{K: 5, MinScore: 0.1, DocType: domain.DocTypeManualMemo})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m", hits[0].DocumentID)
}

func testRemove(t *testing.T, idx vectorstore.Index) {
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []vectorstore.Entry{
		entry("a", 0, domain.DocTypeGuideline, 1, 0),
		entry("a", 1, domain.DocTypeGuideline, 0.6, 0.8),
		entry("b", 0, domain.DocTypeGuideline, 1, 0),
	}))
	n, err := idx.RemoveDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := idx.Query(ctx, []float64{1, 0}, vectorstore.Query{K: 5, MinScore: 0.01})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].DocumentID)

	_, err = idx.RemoveDocument(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testZeroQuery(t *testing.T, idx vectorstore.Index) {
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []vectorstore.Entry{entry("a", 0, domain.DocTypeGuideline, 1, 0)}))
	hits, err := idx.Query(ctx, []float64{0, 0}, vectorstore.Query{K: 5, MinScore: 0.01})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func testReset(t *testing.T, idx vectorstore.Index) {
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, []vectorstore.Entry{entry("a", 0, domain.DocTypeGuideline, 1)}))
	require.NoError(t, idx.Reset(ctx))
	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
