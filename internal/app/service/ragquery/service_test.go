package ragquery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/store"
	cfgpkg "github.com/atelierhq/atelier/pkg/config"
)

type fakeEmbedder struct {
	vectors    map[string][]float64
	embedErr   error
	batchErr   error
	batchCalls int
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text, _ string) ([]float64, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string, _ string) ([][]float64, error) {
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := f.vectors[text]; ok {
			out[i] = v
		} else {
			out[i] = []float64{0, 1, 0}
		}
	}
	return out, nil
}

type fakeGenerator struct {
	answer string
	err    error
}

func (f *fakeGenerator) GenerateText(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func newTestService(mem *store.MemoryStores, emb *fakeEmbedder, gen *fakeGenerator) *Service {
	cfg := &cfgpkg.Config{RAG: cfgpkg.RAGConfig{DailyQuestionLimit: 7, TopK: 3, MaxContextChars: 12000}}
	bundle := mem.AsStores()
	return NewService(cfg, zap.NewNop().Sugar(), bundle.Rag, bundle.Usage, emb, gen)
}

func seedChunk(t *testing.T, mem *store.MemoryStores, id, docID, userID, content string, embedding []float64) {
	t.Helper()
	c := &models.RagChunk{ID: id, DocumentID: docID, UserID: userID, Content: content}
	if embedding != nil {
		require.NoError(t, c.SetEmbeddingVector(embedding))
	}
	mem.ChunkRows = append(mem.ChunkRows, c)
}

func usageOf(t *testing.T, mem *store.MemoryStores, userID string) int {
	t.Helper()
	for _, u := range mem.UsageRows {
		if u.UserID == userID {
			return u.QuestionsUsed
		}
	}
	return 0
}

func TestAnswer_EmptyQuestionDoesNotTouchQuota(t *testing.T) {
	mem := store.NewMemoryStores()
	svc := newTestService(mem, &fakeEmbedder{}, &fakeGenerator{answer: "x"})

	_, err := svc.Answer(context.Background(), "user-1", "   ")
	require.ErrorIs(t, err, ErrEmptyQuestion)
	require.Equal(t, 0, usageOf(t, mem, "user-1"))
}

func TestAnswer_QuotaExhaustedRejectedAndUnchanged(t *testing.T) {
	mem := store.NewMemoryStores()
	mem.UsageRows = append(mem.UsageRows, &models.RagUsage{UserID: "user-1", UsageDate: usageDay(time.Now()), QuestionsUsed: 7})
	svc := newTestService(mem, &fakeEmbedder{}, &fakeGenerator{answer: "x"})

	_, err := svc.Answer(context.Background(), "user-1", "why?")
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	require.Equal(t, 7, qe.Used)
	require.Equal(t, 7, qe.Limit)
	require.Equal(t, 7, usageOf(t, mem, "user-1"))
}

func TestAnswer_EmbedFailureRefundsQuota(t *testing.T) {
	mem := store.NewMemoryStores()
	svc := newTestService(mem, &fakeEmbedder{embedErr: fmt.Errorf("model down")}, &fakeGenerator{answer: "x"})

	_, err := svc.Answer(context.Background(), "user-1", "why?")
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, 0, usageOf(t, mem, "user-1"), "reserve then refund must net to zero")
}

func TestAnswer_LazyEmbedFailureRefundsQuota(t *testing.T) {
	mem := store.NewMemoryStores()
	seedChunk(t, mem, "c1", "d1", "user-1", "unembedded text", nil)
	svc := newTestService(mem, &fakeEmbedder{batchErr: fmt.Errorf("model down")}, &fakeGenerator{answer: "x"})

	_, err := svc.Answer(context.Background(), "user-1", "why?")
	require.ErrorIs(t, err, ErrUpstream)
	require.Equal(t, 0, usageOf(t, mem, "user-1"))
}

func TestAnswer_NoDocumentsIsTerminalWithoutRefund(t *testing.T) {
	mem := store.NewMemoryStores()
	svc := newTestService(mem, &fakeEmbedder{}, &fakeGenerator{answer: "x"})

	out, err := svc.Answer(context.Background(), "user-1", "why?")
	require.NoError(t, err)
	require.Equal(t, msgNoDocuments, out.Answer)
	require.Empty(t, out.Sources)
	require.Equal(t, 1, out.QuestionsUsed)
	require.Equal(t, 6, out.QuestionsRemaining)
	require.Equal(t, 1, usageOf(t, mem, "user-1"))
}

func TestAnswer_NoMatchesIsTerminalWithoutRefund(t *testing.T) {
	mem := store.NewMemoryStores()
	// dimension mismatch against the 3-dim query vector, so ranking skips it
	seedChunk(t, mem, "c1", "d1", "user-1", "text", []float64{1, 0})
	svc := newTestService(mem, &fakeEmbedder{}, &fakeGenerator{answer: "x"})

	out, err := svc.Answer(context.Background(), "user-1", "why?")
	require.NoError(t, err)
	require.Equal(t, msgNothingFound, out.Answer)
	require.Equal(t, 1, usageOf(t, mem, "user-1"))
}

func TestAnswer_GenerationFailureApologizesWithoutRefund(t *testing.T) {
	mem := store.NewMemoryStores()
	mem.DocumentRows = append(mem.DocumentRows, &models.RagDocument{ID: "d1", UserID: "user-1", FileName: "notes.pdf"})
	seedChunk(t, mem, "c1", "d1", "user-1", "relevant text", []float64{1, 0, 0})
	svc := newTestService(mem, &fakeEmbedder{}, &fakeGenerator{err: fmt.Errorf("502")})

	out, err := svc.Answer(context.Background(), "user-1", "why?")
	require.NoError(t, err, "generation failure is a graceful degradation, not an error")
	require.Equal(t, msgGenerationFailed, out.Answer)
	require.Equal(t, 1, usageOf(t, mem, "user-1"))
}

func TestAnswer_HappyPathLazilyEmbedsAndCites(t *testing.T) {
	mem := store.NewMemoryStores()
	mem.DocumentRows = append(mem.DocumentRows,
		&models.RagDocument{ID: "d1", UserID: "user-1", FileName: "alpha.pdf"},
		&models.RagDocument{ID: "d2", UserID: "user-1", FileName: "beta.pdf"},
	)
	emb := &fakeEmbedder{vectors: map[string][]float64{
		"what is alpha?": {1, 0, 0},
		"alpha chunk":    {1, 0.1, 0},
		"beta chunk":     {0.9, 0.2, 0},
		"noise chunk":    {0, 0, 1},
	}}
	seedChunk(t, mem, "c1", "d1", "user-1", "alpha chunk", []float64{1, 0.1, 0})
	seedChunk(t, mem, "c2", "d1", "user-1", "noise chunk", []float64{0, 0, 1})
	// lazily embedded at query time
	seedChunk(t, mem, "c3", "d2", "user-1", "beta chunk", nil)
	svc := newTestService(mem, emb, &fakeGenerator{answer: "Alpha is the first thing."})

	out, err := svc.Answer(context.Background(), "user-1", "what is alpha?")
	require.NoError(t, err)
	require.Equal(t, "Alpha is the first thing.", out.Answer)
	require.Equal(t, 1, emb.batchCalls)

	// sources deduplicated per document, first-seen rank order
	require.Equal(t, []Source{
		{DocumentID: "d1", FileName: "alpha.pdf"},
		{DocumentID: "d2", FileName: "beta.pdf"},
	}, out.Sources)

	// lazy embedding was persisted
	for _, c := range mem.ChunkRows {
		require.True(t, c.HasEmbedding(), "chunk %s should be embedded after query", c.ID)
	}

	// second query finds nothing left to embed
	_, err = svc.Answer(context.Background(), "user-1", "what is alpha?")
	require.NoError(t, err)
	require.Equal(t, 1, emb.batchCalls)
	require.Equal(t, 2, usageOf(t, mem, "user-1"))
}

func TestUsage_ReportsWithoutConsuming(t *testing.T) {
	mem := store.NewMemoryStores()
	svc := newTestService(mem, &fakeEmbedder{}, &fakeGenerator{answer: "x"})

	used, remaining, err := svc.Usage(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, used)
	require.Equal(t, 7, remaining)
	require.Equal(t, 0, usageOf(t, mem, "user-1"))
}
