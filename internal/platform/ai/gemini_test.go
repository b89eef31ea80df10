package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgpkg "github.com/atelierhq/atelier/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(&cfgpkg.Config{AI: cfgpkg.AIConfig{
		GeminiAPIKey:     "test-key",
		EmbedModel:       "embed-model",
		GenerationModel:  "gen-model",
		EmbedConcurrency: 5,
	}})
	require.NoError(t, err)
	c.baseURL = srv.URL
	return c, srv
}

func TestEmbedText_TruncatesInput(t *testing.T) {
	var gotLen int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotLen = len(req.Content.Parts[0].Text)
		_ = json.NewEncoder(w).Encode(embedResponse{})
	})

	_, err := c.EmbedText(context.Background(), strings.Repeat("x", maxEmbedInputBytes+500), "RETRIEVAL_QUERY")
	require.NoError(t, err)
	require.Equal(t, maxEmbedInputBytes, gotLen)
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	var inFlight, maxInFlight int64
	var mu sync.Mutex
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt64(&inFlight, 1)
		mu.Lock()
		if cur > maxInFlight {
			maxInFlight = cur
		}
		mu.Unlock()
		defer atomic.AddInt64(&inFlight, -1)

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		n, err := strconv.Atoi(req.Content.Parts[0].Text)
		require.NoError(t, err)
		// reverse latency so later inputs finish first
		time.Sleep(time.Duration(20-n) * time.Millisecond)

		var resp embedResponse
		resp.Embedding.Values = []float64{float64(n)}
		_ = json.NewEncoder(w).Encode(resp)
	})

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = strconv.Itoa(i)
	}
	out, err := c.EmbedBatch(context.Background(), texts, "RETRIEVAL_DOCUMENT")
	require.NoError(t, err)
	require.Len(t, out, len(texts))
	for i, vec := range out {
		require.Equal(t, []float64{float64(i)}, vec)
	}
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxInFlight, int64(5))
}

func TestEmbedBatch_PropagatesFirstError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	})

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"}, "")
	require.Error(t, err)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, "embed", ue.Step)
	require.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	require.Contains(t, ue.Body, "quota")
}

func TestGenerateText_ErrorCarriesTruncatedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("e", maxErrorBodyBytes*3), http.StatusBadGateway)
	})

	_, err := c.GenerateText(context.Background(), "sys", "user")
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, "generate", ue.Step)
	require.LessOrEqual(t, len(ue.Body), maxErrorBodyBytes)
}

func TestGenerateText_EmptyCandidates(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{})
	})

	_, err := c.GenerateText(context.Background(), "", "question")
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Contains(t, ue.Body, "empty response")
}
