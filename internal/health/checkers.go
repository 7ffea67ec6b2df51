package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Pinger is anything with a context-aware ping. The graph store and the
// memory store both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes a dependency through its Ping method.
type PingChecker struct {
	name     string
	pinger   Pinger
	critical bool
	timeout  time.Duration
	slow     time.Duration
}

func NewPingChecker(name string, pinger Pinger, critical bool) *PingChecker {
	return &PingChecker{
		name:     name,
		pinger:   pinger,
		critical: critical,
		timeout:  5 * time.Second,
		slow:     100 * time.Millisecond,
	}
}

func (c *PingChecker) Name() string           { return c.name }
func (c *PingChecker) IsCritical() bool       { return c.critical }
func (c *PingChecker) Timeout() time.Duration { return c.timeout }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: c.name,
		Critical:  c.critical,
		Timestamp: start,
	}

	err := c.pinger.Ping(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]any{"latency_ms": result.Duration.Milliseconds()}

	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s ping failed", c.name)
		return result
	}
	if result.Duration > c.slow {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s responding but with high latency", c.name)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%s healthy", c.name)
	return result
}

// HTTPChecker probes an HTTP dependency with a GET request.
type HTTPChecker struct {
	name     string
	url      string
	client   *http.Client
	critical bool
	timeout  time.Duration
}

func NewHTTPChecker(name, url string, critical bool) *HTTPChecker {
	return &HTTPChecker{
		name:     name,
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		critical: critical,
		timeout:  5 * time.Second,
	}
}

func (c *HTTPChecker) Name() string           { return c.name }
func (c *HTTPChecker) IsCritical() bool       { return c.critical }
func (c *HTTPChecker) Timeout() time.Duration { return c.timeout }

func (c *HTTPChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: c.name,
		Critical:  c.critical,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	resp, err := c.client.Do(req)
	result.Duration = time.Since(start)
	result.Details = map[string]any{"latency_ms": result.Duration.Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s unreachable", c.name)
		return result
	}
	defer resp.Body.Close()

	result.Details["status_code"] = resp.StatusCode
	if resp.StatusCode >= 500 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s returned %d", c.name, resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%s healthy", c.name)
	return result
}
