package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/tracing"
)

// Config holds text-generation service settings. The service speaks the
// Ollama generate API; model names are per-role so stages can run on
// different models.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Temperature float64
	NumCtx      int
}

// Request is one generation call. Format "json" constrains the model to
// emit a JSON object; empty means free text.
type Request struct {
	Model  string
	Prompt string
	Format string
}

// Client talks to the generation service. Safe for concurrent use; it
// holds no per-run state. Malformed model output is returned as a
// string for the caller to validate, never as an error.
type Client struct {
	base   string
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.4
	}
	if cfg.NumCtx <= 0 {
		cfg.NumCtx = 4096
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) newRequest(ctx context.Context, req Request, stream bool) (*http.Request, error) {
	body, err := json.Marshal(generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Format: req.Format,
		Stream: stream,
		Options: map[string]any{
			"temperature": c.cfg.Temperature,
			"num_ctx":     c.cfg.NumCtx,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)
	return httpReq, nil
}

// Complete performs a non-streaming generation call.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	httpReq, err := c.newRequest(ctx, req, false)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate: status %d", resp.StatusCode)
	}
	var chunk generateChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return chunk.Response, nil
}

// Stream performs a streaming generation call. Chunks arrive on the
// returned channel in order; the channel closes on stream end. A single
// error (or nil) is delivered on errc after the chunk channel closes.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		httpReq, err := c.newRequest(ctx, req, true)
		if err != nil {
			errc <- err
			return
		}
		start := time.Now()
		resp, err := c.http.Do(httpReq)
		if err != nil {
			errc <- fmt.Errorf("generate stream: %w", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errc <- fmt.Errorf("generate stream: status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk generateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				errc <- fmt.Errorf("decode stream chunk: %w", err)
				return
			}
			if chunk.Response != "" {
				select {
				case chunks <- chunk.Response:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
			if chunk.Done {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			errc <- fmt.Errorf("read stream: %w", err)
			return
		}
		c.logger.Debug("generation stream complete",
			zap.String("model", req.Model),
			zap.Duration("elapsed", time.Since(start)),
		)
		errc <- nil
	}()

	return chunks, errc
}
