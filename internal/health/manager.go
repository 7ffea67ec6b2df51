package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checks on an interval and caches results so
// probe endpoints never fan out to dependencies on every request.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		interval: interval,
		logger:   logger,
	}
}

// RegisterChecker registers a health check.
func (m *Manager) RegisterChecker(c Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[c.Name()]; exists {
		return fmt.Errorf("health checker %q already registered", c.Name())
	}
	m.checkers[c.Name()] = c
	return nil
}

// UnregisterChecker removes a health check.
func (m *Manager) UnregisterChecker(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
	delete(m.results, name)
}

// Start begins background checking. The first sweep runs immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.runChecks(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runChecks(ctx)
			}
		}
	}()
}

// Stop halts background checking.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Manager) runChecks(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
			defer cancel()
			result := c.Check(checkCtx)
			m.mu.Lock()
			m.results[c.Name()] = result
			m.mu.Unlock()
			if result.Status == StatusUnhealthy {
				m.logger.Warn("health check failed",
					zap.String("component", c.Name()),
					zap.String("error", result.Error),
				)
			}
		}(c)
	}
	wg.Wait()
}

// snapshot copies the cached results.
func (m *Manager) snapshot() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// GetOverallHealth folds the cached results into one status: any
// critical failure is unhealthy, any other failure or degradation is
// degraded.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	results := m.snapshot()

	overall := OverallHealth{
		Status:    StatusHealthy,
		Timestamp: start,
		Ready:     true,
		Live:      true,
	}
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			if r.Critical {
				overall.Status = StatusUnhealthy
				overall.Ready = false
				overall.Message = fmt.Sprintf("%s unhealthy", r.Component)
			} else if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
				overall.Degraded = true
			}
		case StatusDegraded:
			if overall.Status == StatusHealthy {
				overall.Status = StatusDegraded
				overall.Degraded = true
			}
		}
	}
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth returns per-component results with a summary.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	results := m.snapshot()
	summary := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if r.Critical {
			summary.Critical++
		}
	}
	return DetailedHealth{
		Overall:    m.GetOverallHealth(ctx),
		Components: results,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

// IsReady reports whether the service can take traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports process liveness.
func (m *Manager) IsLive(ctx context.Context) bool { return true }
