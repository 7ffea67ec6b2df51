package hmdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) Value {
	t.Helper()
	v, err := DecodeJSON([]byte(raw))
	require.NoError(t, err)
	return v
}

func TestReconcileExactKeys(t *testing.T) {
	c := testCatalog(t)
	v := decode(t, `{"name": "X", "description": "Y", "irrelevant": 1}`)
	got := c.Reconcile(v, []string{"name", "description"})
	assert.Equal(t, map[string]any{"name": "X", "description": "Y"}, got)
}

func TestReconcileAliasRoundTrip(t *testing.T) {
	c := testCatalog(t)
	// Every (canonical, alias) pair: a response holding only the alias
	// reconciles to the canonical name with the same value.
	for _, pair := range c.AliasPairs() {
		canonical, alias := pair[0], pair[1]
		v := decode(t, `{"`+alias+`": "value-under-alias"}`)
		got := c.Reconcile(v, []string{canonical})
		require.Contains(t, got, canonical, "alias %q should satisfy %q", alias, canonical)
		assert.Equal(t, "value-under-alias", got[canonical])
	}
}

func TestReconcileNestedDepthFirst(t *testing.T) {
	c := testCatalog(t)
	v := decode(t, `{"metabolite": {"record": {"cs_description": "deep"}}}`)
	got := c.Reconcile(v, []string{"description"})
	assert.Equal(t, "deep", got["description"])
}

func TestReconcileMergesRepeatedListOccurrences(t *testing.T) {
	c := testCatalog(t)
	v := decode(t, `{"groups": [
		{"pathways": [{"name": "glycolysis"}]},
		{"pathways": [{"name": "tca cycle"}]}
	]}`)
	got := c.Reconcile(v, []string{"pathways"})
	// Merged across repeated nested occurrences, then the "names"
	// normalizer collapses the records.
	assert.Equal(t, []any{"glycolysis", "tca cycle"}, got["pathways"])
}

func TestReconcileNamesNormalizer(t *testing.T) {
	c := testCatalog(t)
	v := decode(t, `{"enzymes": [{"name": "hexokinase", "uniprot_id": "P19367"}, {"name": "glucokinase"}]}`)
	got := c.Reconcile(v, []string{"enzymes"})
	assert.Equal(t, []any{"hexokinase", "glucokinase"}, got["enzymes"])
}

func TestReconcileUnwrapSingleNormalizer(t *testing.T) {
	c := testCatalog(t)
	v := decode(t, `{"name": ["glucose"]}`)
	got := c.Reconcile(v, []string{"name"})
	assert.Equal(t, "glucose", got["name"])
}

func TestReconcileMissingFieldAbsent(t *testing.T) {
	c := testCatalog(t)
	v := decode(t, `{"name": "glucose"}`)
	got := c.Reconcile(v, []string{"name", "description"})
	assert.Contains(t, got, "name")
	assert.NotContains(t, got, "description")
}

func TestDecodeJSONShapes(t *testing.T) {
	obj := decode(t, `{"a": 1}`)
	assert.Equal(t, KindObject, obj.Kind)
	list := decode(t, `[1, 2]`)
	assert.Equal(t, KindList, list.Kind)
	scalar := decode(t, `42`)
	assert.Equal(t, KindScalar, scalar.Kind)
	assert.Equal(t, float64(42), scalar.Scalar)
}
