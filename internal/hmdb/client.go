package hmdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/metaboqa/orchestrator/internal/breaker"
	"github.com/metaboqa/orchestrator/internal/metrics"
)

// ErrRequestBudget is returned when the daily request allowance is
// spent; the fallback coordinator treats it as a terminal condition for
// the current run rather than retrying into it.
var ErrRequestBudget = fmt.Errorf("hmdb: daily request budget exhausted")

// ClientConfig configures the HMDB REST client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration // per-call timeout
	RequestsPerSecond float64
	DailyLimit        int
}

// Client talks to the HMDB REST API. It is safe for concurrent use by
// many runs; it holds no per-run state.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	circuit *breaker.Breaker
	logger  *zap.Logger

	mu       sync.Mutex
	dayStart time.Time
	dayCount int
	dayLimit int
}

// NewClient creates an HMDB client with steady-state pacing and a
// rolling 24h request budget.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 4000
	}
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		circuit:  breaker.New("hmdb", breaker.Settings{}, logger),
		logger:   logger,
		dayStart: time.Now(),
		dayLimit: cfg.DailyLimit,
	}
}

func (c *Client) takeBudget() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.dayStart) > 24*time.Hour {
		c.dayStart = time.Now()
		c.dayCount = 0
	}
	if c.dayCount >= c.dayLimit {
		return ErrRequestBudget
	}
	c.dayCount++
	return nil
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s/?api-key=%s", c.base, strings.Trim(path, "/"), url.QueryEscape(c.apiKey))
}

// Get fetches an endpoint path and decodes the JSON body.
func (c *Client) Get(ctx context.Context, path string) (Value, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post sends a JSON payload to an endpoint path and decodes the body.
func (c *Client) Post(ctx context.Context, path string, payload any) (Value, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Value{}, fmt.Errorf("encode payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (Value, error) {
	if err := c.takeBudget(); err != nil {
		return Value{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Value{}, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return Value{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	var data []byte
	err = c.circuit.Do(func() error {
		metrics.FallbackRequests.Inc()
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("hmdb %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("hmdb %s %s: status %d", method, path, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("hmdb %s %s: read body: %w", method, path, err)
		}
		return nil
	})
	if err != nil {
		return Value{}, err
	}
	c.logger.Debug("hmdb call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(start)),
	)
	return DecodeJSON(data)
}

// FetchByID retrieves an id-keyed endpoint for the given accession.
func (c *Client) FetchByID(ctx context.Context, ep *Endpoint, id string) (Value, error) {
	return c.Get(ctx, strings.ReplaceAll(ep.Path, "{id}", url.PathEscape(id)))
}

// FetchByFormula retrieves a formula-keyed endpoint.
func (c *Client) FetchByFormula(ctx context.Context, ep *Endpoint, formula string) (Value, error) {
	return c.Get(ctx, strings.ReplaceAll(ep.Path, "{formula}", url.PathEscape(formula)))
}

// NameMatch is one hit from name-based discovery.
type NameMatch struct {
	ID   string
	Name string
}

// SearchByName runs the free-text metabolite search and extracts
// accession/name pairs from the hit list.
func (c *Client) SearchByName(ctx context.Context, name string) ([]NameMatch, error) {
	v, err := c.Post(ctx, "metabolites/search", map[string]string{"query": name})
	if err != nil {
		return nil, err
	}
	return extractNameMatches(v), nil
}

func extractNameMatches(v Value) []NameMatch {
	var out []NameMatch
	var walk func(Value)
	walk = func(n Value) {
		switch n.Kind {
		case KindObject:
			id, hasID := n.Object["accession"]
			nm, hasName := n.Object["name"]
			if hasID && hasName && id.Kind == KindScalar && nm.Kind == KindScalar {
				ids, ok1 := id.Scalar.(string)
				nms, ok2 := nm.Scalar.(string)
				if ok1 && ok2 {
					out = append(out, NameMatch{ID: ids, Name: nms})
					return
				}
			}
			for _, child := range n.Object {
				walk(child)
			}
		case KindList:
			for _, child := range n.List {
				walk(child)
			}
		}
	}
	walk(v)
	return out
}
