// Package ragquery runs the retrieval-augmented question pipeline:
// quota reservation, question embedding, lazy chunk embedding, similarity
// ranking and grounded answer generation.
package ragquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atelierhq/atelier/internal/models"
	"github.com/atelierhq/atelier/internal/store"
	cfgpkg "github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/logctx"
	"github.com/atelierhq/atelier/pkg/vectormath"
)

const (
	taskTypeQuery    = "RETRIEVAL_QUERY"
	taskTypeDocument = "RETRIEVAL_DOCUMENT"

	// Fixed user-facing messages. All three are successful terminal answers:
	// the attempt consumed real quota and is not refunded.
	msgNoDocuments      = "You haven't uploaded any documents yet. Upload a document to start asking questions."
	msgNothingFound     = "I couldn't find anything related to your question in your documents."
	msgGenerationFailed = "Sorry, something went wrong while writing your answer. Please try asking again."
)

var (
	// ErrEmptyQuestion is a validation failure, surfaced before any quota is
	// touched.
	ErrEmptyQuestion = errors.New("ragquery: empty question")
	// ErrUpstream classifies embedding/model failures after the reserved
	// quota unit has been refunded.
	ErrUpstream = errors.New("ragquery: upstream model failure")
)

// QuotaExceededError is returned when the daily counter is exhausted.
type QuotaExceededError struct {
	Used  int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("ragquery: daily question limit reached (%d/%d)", e.Used, e.Limit)
}

// Embedder is the slice of the AI client the pipeline embeds with.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float64, error)
}

// Generator produces the grounded answer.
type Generator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Source is one cited document, deduplicated, in first-seen rank order.
type Source struct {
	DocumentID string `json:"document_id"`
	FileName   string `json:"file_name"`
}

type Answer struct {
	Answer             string   `json:"answer"`
	Sources            []Source `json:"sources"`
	QuestionsUsed      int      `json:"questions_used"`
	QuestionsRemaining int      `json:"questions_remaining"`
}

type Service struct {
	cfg       *cfgpkg.Config
	log       *zap.SugaredLogger
	rag       store.RagStore
	usage     store.UsageStore
	embedder  Embedder
	generator Generator
	now       func() time.Time
}

func NewService(cfg *cfgpkg.Config, log *zap.SugaredLogger, rag store.RagStore, usage store.UsageStore, embedder Embedder, generator Generator) *Service {
	return &Service{cfg: cfg, log: log, rag: rag, usage: usage, embedder: embedder, generator: generator, now: time.Now}
}

func usageDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Answer runs the full pipeline for one question. Quota is reserved up front;
// failures before any answer exists refund the reserved unit, terminal answers
// (including the fixed fallback messages) keep it.
func (s *Service) Answer(ctx context.Context, userID, question string) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	log := logctx.FromCtx(ctx, s.log)
	day := usageDay(s.now())
	limit := s.cfg.RAG.DailyQuestionLimit

	used, err := s.usage.Reserve(ctx, userID, day, limit)
	if errors.Is(err, store.ErrQuotaExceeded) {
		return nil, &QuotaExceededError{Used: used, Limit: limit}
	}
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}

	refund := func(stage string, cause error) {
		log.Warnw("rag_quota_refund", "stage", stage, "error", cause.Error())
		if rerr := s.usage.Refund(ctx, userID, day); rerr != nil {
			log.Errorw("rag_quota_refund_failed", "stage", stage, "error", rerr.Error())
		}
		used--
	}

	queryVec, err := s.embedder.EmbedText(ctx, question, taskTypeQuery)
	if err != nil {
		refund("embed_question", err)
		return nil, fmt.Errorf("%w: embed question: %v", ErrUpstream, err)
	}

	chunks, err := s.rag.ListChunksByUser(ctx, userID)
	if err != nil {
		refund("fetch_chunks", err)
		return nil, fmt.Errorf("fetch chunks: %w", err)
	}
	if len(chunks) == 0 {
		return s.terminal(msgNoDocuments, nil, used, limit), nil
	}

	if err := s.lazyEmbedMissing(ctx, chunks); err != nil {
		refund("lazy_embed", err)
		return nil, fmt.Errorf("%w: lazy embed chunks: %v", ErrUpstream, err)
	}

	candidates := make([]vectormath.Candidate, 0, len(chunks))
	for _, c := range chunks {
		vec, err := c.EmbeddingVector()
		if err != nil {
			log.Warnw("rag_chunk_embedding_unparseable", "chunk_id", c.ID, "error", err.Error())
			continue
		}
		candidates = append(candidates, vectormath.Candidate{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Embedding:  vec,
		})
	}

	matches, skipped := vectormath.RankCandidates(queryVec, candidates, s.cfg.RAG.TopK)
	if len(skipped) > 0 {
		log.Infow("rag_chunks_skipped", "count", len(skipped), "chunk_ids", skipped)
	}
	if len(matches) == 0 {
		return s.terminal(msgNothingFound, nil, used, limit), nil
	}

	sources, docNames, err := s.resolveSources(ctx, matches)
	if err != nil {
		log.Warnw("rag_sources_lookup_failed", "error", err.Error())
	}

	answer, err := s.generator.GenerateText(ctx, systemPrompt, buildUserPrompt(question, matches, docNames, s.cfg.RAG.MaxContextChars))
	if err != nil {
		// A ranked context exists, so the attempt was real: respond with the
		// apology, keep the quota unit, and keep the detail server-side.
		log.Errorw("rag_generation_failed", "error", err.Error())
		return s.terminal(msgGenerationFailed, sources, used, limit), nil
	}

	return s.terminal(answer, sources, used, limit), nil
}

// lazyEmbedMissing embeds every chunk whose embedding is still empty and
// persists the vectors, so the corpus converges to fully-embedded over time.
func (s *Service) lazyEmbedMissing(ctx context.Context, chunks []*models.RagChunk) error {
	var missing []*models.RagChunk
	var texts []string
	for _, c := range chunks {
		if !c.HasEmbedding() {
			missing = append(missing, c)
			texts = append(texts, c.Content)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts, taskTypeDocument)
	if err != nil {
		return err
	}
	log := logctx.FromCtx(ctx, s.log)
	for i, c := range missing {
		if err := c.SetEmbeddingVector(vectors[i]); err != nil {
			return err
		}
		if err := s.rag.SaveChunkEmbedding(ctx, c.ID, vectors[i]); err != nil {
			// The vector is already attached in memory; failing to persist it
			// only means the next query re-embeds.
			log.Warnw("rag_chunk_embedding_persist_failed", "chunk_id", c.ID, "error", err.Error())
		}
	}
	return nil
}

func (s *Service) resolveSources(ctx context.Context, matches []vectormath.Match) ([]Source, map[string]string, error) {
	var order []string
	seen := map[string]bool{}
	for _, m := range matches {
		if !seen[m.DocumentID] {
			seen[m.DocumentID] = true
			order = append(order, m.DocumentID)
		}
	}
	docs, err := s.rag.GetDocumentsByIDs(ctx, order)
	names := map[string]string{}
	for _, d := range docs {
		names[d.ID] = d.FileName
	}
	sources := make([]Source, 0, len(order))
	for _, id := range order {
		sources = append(sources, Source{DocumentID: id, FileName: names[id]})
	}
	return sources, names, err
}

func (s *Service) terminal(answer string, sources []Source, used, limit int) *Answer {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	if sources == nil {
		sources = []Source{}
	}
	return &Answer{Answer: answer, Sources: sources, QuestionsUsed: used, QuestionsRemaining: remaining}
}

// Usage reports the current counters without consuming an attempt.
func (s *Service) Usage(ctx context.Context, userID string) (used, remaining int, err error) {
	limit := s.cfg.RAG.DailyQuestionLimit
	u, err := s.usage.Get(ctx, userID, usageDay(s.now()))
	if errors.Is(err, store.ErrNotFound) {
		return 0, limit, nil
	}
	if err != nil {
		return 0, 0, err
	}
	remaining = limit - u.QuestionsUsed
	if remaining < 0 {
		remaining = 0
	}
	return u.QuestionsUsed, remaining, nil
}
