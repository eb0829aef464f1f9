package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aihaysteve/ragrun/internal/ragerrors"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	Host       string
	Model      string
	Dimensions int
	BatchSize  int
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = BatchSize
	}
	return c
}

// HTTPClient implements Client against an HTTP embedding service accepting
// {model, input: text | [text]} and returning {embeddings: [[f32; D], ...]}.
//
// Grounded on original_source/src/ragling/embeddings.py: sub-batches of
// BatchSize are sent as one call each; a failed sub-batch falls back to
// per-item calls, each retried once with its text truncated to
// MaxTruncationWords on non-connection failures.
type HTTPClient struct {
	client *http.Client
	cfg    HTTPConfig
	logger *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client against the given embedding service host.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		client: &http.Client{},
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (c *HTTPClient) Dimensions() int  { return c.cfg.Dimensions }
func (c *HTTPClient) ModelName() string { return c.cfg.Model }

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds all texts, batching and falling back per the original's
// retry policy. Order of the returned slice matches the input order.
func (c *HTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vecs, err := c.call(ctx, batch)
		if err == nil {
			copy(out[start:end], vecs)
			continue
		}

		if isConnectionError(err) {
			return nil, ragerrors.Wrap(ragerrors.CodeEmbeddingUnreachable, err)
		}

		c.logger.Warn("embedding batch failed, falling back to per-item calls",
			slog.String("error", err.Error()), slog.Int("batch_size", len(batch)))

		for i, text := range batch {
			vec, ierr := c.embedSingleWithRetry(ctx, text)
			if ierr != nil {
				return nil, ierr
			}
			out[start+i] = vec
		}
	}
	return out, nil
}

func (c *HTTPClient) embedSingleWithRetry(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.call(ctx, []string{text})
	if err == nil {
		return vecs[0], nil
	}
	if isConnectionError(err) {
		return nil, ragerrors.Wrap(ragerrors.CodeEmbeddingUnreachable, err)
	}

	truncated := truncateToWords(text, MaxTruncationWords)
	vecs, rerr := c.call(ctx, []string{truncated})
	if rerr != nil {
		if isConnectionError(rerr) {
			return nil, ragerrors.Wrap(ragerrors.CodeEmbeddingUnreachable, rerr)
		}
		return nil, fmt.Errorf("embed item failed after retry: %w (original: %v)", rerr, err)
	}
	return vecs[0], nil
}

func (c *HTTPClient) call(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeoutSeconds*time.Second)
	defer cancel()

	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connect") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host")
}

func truncateToWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ")
}
