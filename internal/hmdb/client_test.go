package hmdb

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{
		BaseURL:           srv.URL,
		APIKey:            "test-key",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		DailyLimit:        100,
	}, zap.NewNop())
	return c, srv
}

func TestClientGetDecodesAndCountsRequests(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("api-key"))
		fmt.Fprint(w, `{"name": "Glucose", "chemical_formula": "C6H12O6"}`)
	})

	before := testutil.ToFloat64(metrics.FallbackRequests)
	v, err := c.Get(context.Background(), "metabolites/HMDB0000122")
	require.NoError(t, err)

	assert.Equal(t, KindObject, v.Kind)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FallbackRequests))
}

func TestClientSurfacesHTTPStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := c.Get(context.Background(), "metabolites/HMDB9999999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestClientDailyBudgetExhaustion(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	c.dayLimit = 2

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), "metabolites/HMDB0000001")
		require.NoError(t, err)
	}
	_, err := c.Get(context.Background(), "metabolites/HMDB0000001")
	assert.ErrorIs(t, err, ErrRequestBudget)
}
