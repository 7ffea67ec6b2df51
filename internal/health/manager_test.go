package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePinger struct{ err error }

func (p *fakePinger) Ping(ctx context.Context) error { return p.err }

func TestManagerOverallHealth(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.RegisterChecker(NewPingChecker("graph", &fakePinger{}, true)))
	require.NoError(t, m.RegisterChecker(NewPingChecker("redis", &fakePinger{}, false)))

	m.runChecks(context.Background())

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
}

func TestManagerCriticalFailureIsUnhealthy(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.RegisterChecker(NewPingChecker("graph", &fakePinger{err: errors.New("down")}, true)))

	m.runChecks(context.Background())

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestManagerNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.RegisterChecker(NewPingChecker("graph", &fakePinger{}, true)))
	require.NoError(t, m.RegisterChecker(NewPingChecker("llm", &fakePinger{err: errors.New("down")}, false)))

	m.runChecks(context.Background())

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Degraded)
}

func TestManagerDuplicateCheckerRejected(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.RegisterChecker(NewPingChecker("graph", &fakePinger{}, true)))
	assert.Error(t, m.RegisterChecker(NewPingChecker("graph", &fakePinger{}, true)))
}

func TestHTTPCheckerAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPChecker("llm", srv.URL, false)
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	srv.Close()
	result = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestHealthEndpoints(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.RegisterChecker(NewPingChecker("graph", &fakePinger{}, true)))
	m.runChecks(context.Background())

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)

	for _, path := range []string{"/health", "/health/ready", "/health/live", "/health/detailed"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
	}
}
