// Package ai wraps the Gemini REST API for embedding and grounded answer
// generation.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/atelierhq/atelier/pkg/config"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// maxEmbedInputBytes is the model's single-input budget; longer inputs
	// are truncated before sending rather than rejected upstream.
	maxEmbedInputBytes = 9000

	// maxErrorBodyBytes bounds the response body carried on UpstreamError.
	maxErrorBodyBytes = 500

	defaultEmbedConcurrency = 5
)

// UpstreamError is a typed failure from the model API, carrying the step that
// produced it and a truncated response body for diagnostics.
type UpstreamError struct {
	Step       string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Step, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Body)
}

// Client calls the Gemini API over HTTP.
type Client struct {
	apiKey      string
	baseURL     string
	embedModel  string
	genModel    string
	concurrency int
	httpClient  *http.Client
}

func NewClient(cfg *cfgpkg.Config) (*Client, error) {
	key := strings.TrimSpace(cfg.AI.GeminiAPIKey)
	if key == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	concurrency := cfg.AI.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = defaultEmbedConcurrency
	}
	return &Client{
		apiKey:      key,
		baseURL:     defaultBaseURL,
		embedModel:  cfg.AI.EmbedModel,
		genModel:    cfg.AI.GenerationModel,
		concurrency: concurrency,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// EmbedText returns the embedding vector for a single input. The input is
// truncated to the model budget first.
func (c *Client) EmbedText(ctx context.Context, text, taskType string) ([]float64, error) {
	req := embedRequest{Content: content{Parts: []part{{Text: truncate(text, maxEmbedInputBytes)}}}}
	if taskType != "" {
		req.TaskType = taskType
	}
	var resp embedResponse
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", c.baseURL, c.embedModel, c.apiKey)
	if err := c.doJSON(ctx, "embed", url, req, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding.Values, nil
}

// EmbedBatch embeds every input with a bounded concurrency window and returns
// vectors in input order regardless of completion order. The first failure
// cancels the remaining calls and is returned.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			vec, err := c.EmbedText(gctx, text, taskType)
			if err != nil {
				return err
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateText returns the model's answer for the prompt pair.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: userPrompt}}}},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: systemPrompt}}}
	}
	var resp generateResponse
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.genModel, c.apiKey)
	if err := c.doJSON(ctx, "generate", url, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &UpstreamError{Step: "generate", Body: "empty response from model"}
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func (c *Client) doJSON(ctx context.Context, step, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Step: step, Body: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &UpstreamError{Step: step, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Step: step, Body: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type embedRequest struct {
	Content  content `json:"content"`
	TaskType string  `json:"taskType,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

type generateRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}
