package hmdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	kind     string // "id", "formula", "search"
	endpoint string
}

type fakeFetcher struct {
	calls       []call
	idResp      map[string]string // endpoint name -> JSON
	formulaResp string
	searchResp  []NameMatch
	idErr       error
	formulaErr  error
	searchErr   error
}

func (f *fakeFetcher) FetchByID(_ context.Context, ep *Endpoint, _ string) (Value, error) {
	f.calls = append(f.calls, call{kind: "id", endpoint: ep.Name})
	if f.idErr != nil {
		return Value{}, f.idErr
	}
	raw, ok := f.idResp[ep.Name]
	if !ok {
		raw = `{}`
	}
	v, err := DecodeJSON([]byte(raw))
	return v, err
}

func (f *fakeFetcher) FetchByFormula(_ context.Context, ep *Endpoint, _ string) (Value, error) {
	f.calls = append(f.calls, call{kind: "formula", endpoint: ep.Name})
	if f.formulaErr != nil {
		return Value{}, f.formulaErr
	}
	raw := f.formulaResp
	if raw == "" {
		raw = `{}`
	}
	v, err := DecodeJSON([]byte(raw))
	return v, err
}

func (f *fakeFetcher) SearchByName(_ context.Context, _ string) ([]NameMatch, error) {
	f.calls = append(f.calls, call{kind: "search"})
	return f.searchResp, f.searchErr
}

func newTestCoordinator(t *testing.T, fetcher Fetcher) *Coordinator {
	t.Helper()
	return NewCoordinator(testCatalog(t), fetcher, CoordinatorConfig{
		MaxAttempts:   5,
		BackoffFactor: 2,
		BackoffBase:   time.Millisecond,
	}, zap.NewNop())
}

func TestFallbackFormulaFirst(t *testing.T) {
	// Scenario: formula already known, missing field is
	// formula-addressable: exactly one formula-keyed call happens
	// before any id-keyed call.
	fetcher := &fakeFetcher{
		formulaResp: `{"adducts": [{"name": "M+H"}], "chemical_formula": "C6H12O6"}`,
	}
	co := newTestCoordinator(t, fetcher)

	existing := map[string]any{"chemical_formula": "C6H12O6"}
	res, err := co.ResolveMissingFields(context.Background(), []string{"adducts"}, "HMDB0000122", existing)
	require.NoError(t, err)

	require.NotEmpty(t, fetcher.calls)
	assert.Equal(t, "formula", fetcher.calls[0].kind)
	for _, c := range fetcher.calls {
		assert.NotEqual(t, "id", c.kind, "formula-addressable field must not trigger id fetches")
	}
	assert.Contains(t, res.Fields, "adducts")
}

func TestFallbackIDFetchMergesIntoExisting(t *testing.T) {
	fetcher := &fakeFetcher{
		idResp: map[string]string{
			"enzymes":  `{"enzymes": [{"name": "hexokinase"}]}`,
			"pathways": `{"pathways": [{"name": "glycolysis"}]}`,
		},
	}
	co := newTestCoordinator(t, fetcher)

	existing := map[string]any{"name": "Glucose"}
	res, err := co.ResolveMissingFields(context.Background(), []string{"enzymes", "pathways"}, "HMDB0000122", existing)
	require.NoError(t, err)
	assert.Equal(t, []any{"hexokinase"}, res.Fields["enzymes"])
	assert.Equal(t, []any{"glycolysis"}, res.Fields["pathways"])
	// Merged into, never replaced.
	assert.Equal(t, "Glucose", existing["name"])
	assert.Empty(t, res.Unattainable)
}

func TestFallbackNonProgressStopsEarly(t *testing.T) {
	// Every fetch succeeds but returns nothing useful; the missing set
	// never shrinks. The coordinator must stop after two identical
	// rounds, well before the 5-attempt budget.
	fetcher := &fakeFetcher{idResp: map[string]string{"enzymes": `{}`}}
	co := newTestCoordinator(t, fetcher)

	res, err := co.ResolveMissingFields(context.Background(), []string{"enzymes"}, "HMDB0000122", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"enzymes"}, res.Unattainable)
	assert.LessOrEqual(t, len(fetcher.calls), 3, "non-progress must terminate before the retry budget")
}

func TestFallbackProgressResetsAttempts(t *testing.T) {
	fetcher := &fakeFetcher{
		idResp: map[string]string{
			"enzymes":  `{"enzymes": [{"name": "hexokinase"}]}`,
			"pathways": `{}`,
		},
	}
	co := newTestCoordinator(t, fetcher)

	res, err := co.ResolveMissingFields(context.Background(), []string{"enzymes", "pathways"}, "HMDB0000122", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, res.Fields, "enzymes")
	assert.Contains(t, res.Unattainable, "pathways")
}

func TestFallbackListingEndpointSkipped(t *testing.T) {
	fetcher := &fakeFetcher{}
	co := newTestCoordinator(t, fetcher)

	res, err := co.ResolveMissingFields(context.Background(), []string{"page_entries"}, "HMDB0000122", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, res.Unattainable, "page_entries")
	for _, c := range fetcher.calls {
		assert.NotEqual(t, "listing", c.endpoint)
	}
}

func TestFallbackNameDiscoveryUniqueMatch(t *testing.T) {
	fetcher := &fakeFetcher{
		searchResp: []NameMatch{{ID: "HMDB0000122", Name: "Glucose"}},
		idResp:     map[string]string{"enzymes": `{"enzymes": [{"name": "hexokinase"}]}`},
	}
	co := newTestCoordinator(t, fetcher)

	res, err := co.ResolveMissingFields(context.Background(), []string{"enzymes"}, "", map[string]any{"name": "glucose"})
	require.NoError(t, err)
	require.NotEmpty(t, fetcher.calls)
	assert.Equal(t, "search", fetcher.calls[0].kind)
	assert.Contains(t, res.Fields, "enzymes")
}

func TestFallbackNameDiscoveryAmbiguous(t *testing.T) {
	fetcher := &fakeFetcher{
		searchResp: []NameMatch{
			{ID: "HMDB0000122", Name: "D-Glucose"},
			{ID: "HMDB0000123", Name: "L-Glucose"},
		},
	}
	co := newTestCoordinator(t, fetcher)

	_, err := co.ResolveMissingFields(context.Background(), []string{"enzymes"}, "", map[string]any{"name": "glucose"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousName))
	// Discovery stops: no id fetches after the ambiguous search.
	for _, c := range fetcher.calls {
		assert.NotEqual(t, "id", c.kind)
	}
}

func TestFallbackAlreadySatisfied(t *testing.T) {
	fetcher := &fakeFetcher{}
	co := newTestCoordinator(t, fetcher)

	existing := map[string]any{"description": "a sugar"}
	res, err := co.ResolveMissingFields(context.Background(), []string{"description"}, "HMDB0000122", existing)
	require.NoError(t, err)
	assert.Empty(t, fetcher.calls)
	assert.Equal(t, "a sugar", res.Fields["description"])
}

func TestFallbackCancellation(t *testing.T) {
	fetcher := &fakeFetcher{idErr: errors.New("boom")}
	co := newTestCoordinator(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := co.ResolveMissingFields(ctx, []string{"enzymes"}, "HMDB0000122", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFallbackFormulaFetchWithoutIDOrName(t *testing.T) {
	// No accession and no name to discover one, but the formula in hand
	// addresses the only missing field: a single formula-keyed call
	// resolves it and discovery never runs.
	fetcher := &fakeFetcher{
		formulaResp: `{"adducts": [{"name": "M+H"}]}`,
	}
	co := newTestCoordinator(t, fetcher)

	existing := map[string]any{"chemical_formula": "C6H12O6"}
	res, err := co.ResolveMissingFields(context.Background(), []string{"adducts"}, "", existing)
	require.NoError(t, err)

	require.Len(t, fetcher.calls, 1)
	assert.Equal(t, "formula", fetcher.calls[0].kind)
	assert.Contains(t, res.Fields, "adducts")
	assert.Empty(t, res.Unattainable)
}

func TestFallbackDiscoveryOnlyForRemainingFields(t *testing.T) {
	// The formula drains what it can first; discovery is then still
	// required for the id-addressable remainder, and its failure only
	// reports that remainder unattainable.
	fetcher := &fakeFetcher{
		formulaResp: `{"adducts": [{"name": "M+H"}]}`,
	}
	co := newTestCoordinator(t, fetcher)

	existing := map[string]any{"chemical_formula": "C6H12O6"}
	res, err := co.ResolveMissingFields(context.Background(), []string{"adducts", "enzymes"}, "", existing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no primary id")

	require.NotEmpty(t, fetcher.calls)
	assert.Equal(t, "formula", fetcher.calls[0].kind)
	assert.Contains(t, res.Fields, "adducts")
	assert.Equal(t, []string{"enzymes"}, res.Unattainable)
}
