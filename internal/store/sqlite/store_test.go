package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"himcore/internal/chunker"
	"himcore/internal/domain"
	"himcore/internal/embedding/tfidf"
	"himcore/internal/service"
	"himcore/internal/vectorstore/memory"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "himcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func newKnowledge() *service.KnowledgeService {
	return service.NewKnowledgeService(service.KnowledgeDeps{
		Chunker:  chunker.NewTokenChunker(20, 5),
		Embedder: tfidf.NewVectorizer(),
		Index:    memory.NewStorage(),
	}, service.KnowledgeOptions{})
}

func populated(t *testing.T) *service.KnowledgeService {
	t.Helper()
	ks := newKnowledge()
	ctx := context.Background()
	_, err := ks.Ingest(ctx, service.IngestRequest{
		Type:  domain.DocTypeKDRGGuideline,
		Label: "심부전",
		Text:  "심부전 환자의 주진단은 I50 코드로 기재한다. 당뇨 동반 시 E11 부진단을 추가한다. 좌심실 박출률과 BNP 수치를 경과 기록에 남기고 이뇨제 투여 여부를 함께 적는다. 재입원 사유도 기록한다.",
	})
	require.NoError(t, err)
	_, err = ks.Ingest(ctx, service.IngestRequest{
		Type: domain.DocTypeManualMemo,
		Text: "폐렴 환자는 원인균에 따라 J18 또는 J15 코드를 사용한다.",
	})
	require.NoError(t, err)
	return ks
}

func TestStore_LoadEmpty(t *testing.T) {
	store := setupTestStore(t)
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Documents)
	assert.Empty(t, snap.Vocabulary.Terms)
	assert.Equal(t, 0, snap.Vocabulary.Docs)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	want := populated(t).Snapshot()
	require.Greater(t, len(want.Documents[0].Chunks), 1)

	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, want.Vocabulary, got.Vocabulary)
	require.Len(t, got.Documents, len(want.Documents))
	for i := range want.Documents {
		w, g := want.Documents[i], got.Documents[i]
		assert.True(t, w.Document.CreatedAt.Equal(g.Document.CreatedAt))
		assert.Equal(t, w.Document.ID, g.Document.ID)
		assert.Equal(t, w.Document.Seq, g.Document.Seq)
		assert.Equal(t, w.Document.Type, g.Document.Type)
		assert.Equal(t, w.Document.Label, g.Document.Label)
		assert.Equal(t, w.Document.Content, g.Document.Content)
		assert.Equal(t, w.Chunks, g.Chunks)
		assert.Equal(t, w.Vectors, g.Vectors)
		assert.Equal(t, w.Document.Content, chunker.Reassemble(g.Chunks))
	}

	restored := newKnowledge()
	require.NoError(t, restored.Restore(ctx, got))
	ans, err := restored.Answer(ctx, service.AnswerRequest{Question: "폐렴 J18"})
	require.NoError(t, err)
	assert.Equal(t, service.MethodExtractive, ans.Method)
	assert.Equal(t, domain.DocTypeManualMemo, ans.Sources[0].DocumentType)
}

func TestStore_SaveReplacesPreviousState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ks := populated(t)
	require.NoError(t, store.Save(ctx, ks.Snapshot()))

	docs := ks.Documents()
	require.NoError(t, ks.Remove(ctx, docs[0].ID))
	require.NoError(t, store.Save(ctx, ks.Snapshot()))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, docs[1].ID, got.Documents[0].Document.ID)
}

func TestStore_ReopenKeepsDataAndSkipsAppliedMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "himcore.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, populated(t).Snapshot()))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Documents, 2)

	var version int
	var dirty bool
	require.NoError(t, store.db.QueryRow("SELECT version, dirty FROM schema_migrations").Scan(&version, &dirty))
	assert.Equal(t, 1, version)
	assert.False(t, dirty)
}

func TestStore_InMemory(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, populated(t).Snapshot()))
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Documents, 2)
}

func TestVectorCodec(t *testing.T) {
	v := []float64{0, 1, -0.5, 0.123456789012345}
	got, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	assert.Nil(t, EncodeVector(nil))
	got, err = DecodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
