package hmdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		[]Endpoint{
			{
				Name:   "metabolite",
				Path:   "metabolites/{id}",
				Fields: []string{"name", "description", "chemical_formula", "average_molecular_weight", "cas_number", "smiles", "inchikey"},
				Broad:  true,
			},
			{Name: "concentrations", Path: "metabolites/{id}/concentrations", Fields: []string{"concentrations"}},
			{Name: "enzymes", Path: "metabolites/{id}/enzymes", Fields: []string{"enzymes"}},
			{Name: "pathways", Path: "metabolites/{id}/pathways", Fields: []string{"pathways"}},
			{Name: "ontology", Path: "metabolites/{id}/ontology", Fields: []string{"ontology", "health_effects"}},
			{Name: "ion", Path: "metabolites/ion/{formula}", Fields: []string{"name", "chemical_formula", "adducts"}, FormulaKeyed: true},
			{Name: "listing", Path: "metabolites/page/{id}", Fields: []string{"page_entries"}, RequiresListing: true},
		},
		map[string][]string{
			"chemical_formula": {"moldb_formula", "formula"},
			"description":      {"cs_description"},
			"name":             {"common_name"},
		},
		map[string]string{
			"enzymes":  "names",
			"pathways": "names",
			"name":     "unwrap_single",
		},
	)
	require.NoError(t, err)
	return c
}

func TestSelectEndpointsNarrowOnly(t *testing.T) {
	c := testCatalog(t)
	selected, unresolvable := c.SelectEndpoints([]string{"enzymes", "pathways"})
	assert.Equal(t, []string{"enzymes", "pathways"}, selected)
	assert.Empty(t, unresolvable)
	assert.NotContains(t, selected, "metabolite", "broad endpoint must not ride along")
}

func TestSelectEndpointsNeedsBroad(t *testing.T) {
	c := testCatalog(t)
	selected, unresolvable := c.SelectEndpoints([]string{"enzymes", "smiles"})
	assert.Contains(t, selected, "enzymes")
	assert.Contains(t, selected, "metabolite")
	assert.Empty(t, unresolvable)
}

func TestSelectEndpointsUnresolvable(t *testing.T) {
	c := testCatalog(t)
	selected, unresolvable := c.SelectEndpoints([]string{"melting_point_of_the_moon"})
	assert.Empty(t, selected)
	assert.Equal(t, []string{"melting_point_of_the_moon"}, unresolvable)
}

func TestSelectEndpointsResolvesAliases(t *testing.T) {
	c := testCatalog(t)
	// moldb_formula is only known as an alias of chemical_formula.
	selected, unresolvable := c.SelectEndpoints([]string{"chemical_formula"})
	assert.NotEmpty(t, selected)
	assert.Empty(t, unresolvable)
}

func TestFormulaAddressable(t *testing.T) {
	c := testCatalog(t)
	assert.True(t, c.FormulaAddressable("adducts"))
	assert.True(t, c.FormulaAddressable("name"))
	assert.False(t, c.FormulaAddressable("enzymes"))
}

func TestParseCatalogYAML(t *testing.T) {
	raw := []byte(`
endpoints:
  - name: metabolite
    path: metabolites/{id}
    fields: [name, description]
    broad: true
  - name: pathways
    path: metabolites/{id}/pathways
    fields: [pathways]
field_aliases:
  description: [cs_description]
normalizers:
  pathways: names
`)
	c, err := ParseCatalog(raw)
	require.NoError(t, err)
	ep, ok := c.Endpoint("metabolite")
	require.True(t, ok)
	assert.True(t, ep.Broad)
	selected, _ := c.SelectEndpoints([]string{"pathways"})
	assert.Equal(t, []string{"pathways"}, selected)
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog([]Endpoint{{Name: "a"}, {Name: "a"}}, nil, nil)
	assert.Error(t, err)
}
