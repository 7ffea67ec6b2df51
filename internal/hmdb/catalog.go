package hmdb

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Endpoint is one addressable HMDB resource returning a fixed field set.
// Path templates use {id} or {formula} placeholders.
type Endpoint struct {
	Name            string   `yaml:"name"`
	Path            string   `yaml:"path"`
	Fields          []string `yaml:"fields"`
	Broad           bool     `yaml:"broad"`
	FormulaKeyed    bool     `yaml:"formula_keyed"`
	RequiresListing bool     `yaml:"requires_listing"`

	fieldSet map[string]struct{}
}

// Catalog is the declarative endpoint/field configuration. Loaded once
// at startup and read-only afterwards; safe for concurrent use.
type Catalog struct {
	endpoints map[string]*Endpoint
	// canonical field -> ordered alias list
	aliases map[string][]string
	// alias -> canonical, derived
	canonical map[string]string
	// field -> normalizer name ("names", "unwrap_single")
	normalizers map[string]string
}

type catalogFile struct {
	Endpoints   []Endpoint          `yaml:"endpoints"`
	Aliases     map[string][]string `yaml:"field_aliases"`
	Normalizers map[string]string   `yaml:"normalizers"`
}

// LoadCatalog reads the endpoint table from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoint catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a Catalog from raw YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse endpoint catalog: %w", err)
	}
	return NewCatalog(f.Endpoints, f.Aliases, f.Normalizers)
}

// NewCatalog assembles an immutable catalog from its parts.
func NewCatalog(endpoints []Endpoint, aliases map[string][]string, normalizers map[string]string) (*Catalog, error) {
	c := &Catalog{
		endpoints:   make(map[string]*Endpoint, len(endpoints)),
		aliases:     make(map[string][]string, len(aliases)),
		canonical:   make(map[string]string),
		normalizers: make(map[string]string, len(normalizers)),
	}
	for i := range endpoints {
		ep := endpoints[i]
		if ep.Name == "" {
			return nil, fmt.Errorf("endpoint %d has no name", i)
		}
		if _, dup := c.endpoints[ep.Name]; dup {
			return nil, fmt.Errorf("duplicate endpoint %q", ep.Name)
		}
		ep.fieldSet = make(map[string]struct{}, len(ep.Fields))
		for _, fld := range ep.Fields {
			ep.fieldSet[fld] = struct{}{}
		}
		c.endpoints[ep.Name] = &ep
	}
	for canon, list := range aliases {
		c.aliases[canon] = append([]string(nil), list...)
		for _, a := range list {
			c.canonical[a] = canon
		}
	}
	for fld, n := range normalizers {
		c.normalizers[fld] = n
	}
	return c, nil
}

// Endpoint returns the named endpoint, if present.
func (c *Catalog) Endpoint(name string) (*Endpoint, bool) {
	ep, ok := c.endpoints[name]
	return ep, ok
}

// Aliases returns the ordered alias list for a canonical field.
func (c *Catalog) Aliases(field string) []string {
	return c.aliases[field]
}

// AliasPairs returns every (canonical, alias) pair, for tests and
// diagnostics.
func (c *Catalog) AliasPairs() [][2]string {
	var out [][2]string
	for canon, list := range c.aliases {
		for _, a := range list {
			out = append(out, [2]string{canon, a})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// offers reports whether the endpoint returns the field directly or
// under one of its aliases.
func (c *Catalog) offers(ep *Endpoint, field string) bool {
	if _, ok := ep.fieldSet[field]; ok {
		return true
	}
	for _, a := range c.aliases[field] {
		if _, ok := ep.fieldSet[a]; ok {
			return true
		}
	}
	return false
}

// SelectEndpoints computes the set of endpoints needed to satisfy the
// required fields. Fields neither offered directly nor through an alias
// come back in unresolvable (not an error). If a broad endpoint was
// selected but every required field it covers is also available from a
// selected narrow endpoint, the broad endpoint is dropped.
func (c *Catalog) SelectEndpoints(required []string) (selected []string, unresolvable []string) {
	fields := append([]string(nil), required...)
	sort.Strings(fields)

	chosen := make(map[string]struct{})
	covered := make(map[string]struct{})
	for _, fld := range fields {
		if _, done := covered[fld]; done {
			continue
		}
		best := c.pickEndpoint(fld, covered)
		if best == nil {
			unresolvable = append(unresolvable, fld)
			continue
		}
		chosen[best.Name] = struct{}{}
		for _, f2 := range fields {
			if c.offers(best, f2) {
				covered[f2] = struct{}{}
			}
		}
	}

	// Broad-endpoint minimality: drop a broad endpoint when narrow
	// selections already supply everything it was chosen for.
	for name := range chosen {
		ep := c.endpoints[name]
		if !ep.Broad {
			continue
		}
		redundant := true
		for _, fld := range fields {
			if !c.offers(ep, fld) {
				continue
			}
			suppliedElsewhere := false
			for other := range chosen {
				oep := c.endpoints[other]
				if other != name && !oep.Broad && c.offers(oep, fld) {
					suppliedElsewhere = true
					break
				}
			}
			if !suppliedElsewhere {
				redundant = false
				break
			}
		}
		if redundant {
			delete(chosen, name)
		}
	}

	selected = make([]string, 0, len(chosen))
	for name := range chosen {
		selected = append(selected, name)
	}
	sort.Strings(selected)
	sort.Strings(unresolvable)
	return selected, unresolvable
}

// pickEndpoint chooses the endpoint to cover a field: narrow endpoints
// win over broad ones, ties broken by name for determinism.
func (c *Catalog) pickEndpoint(field string, covered map[string]struct{}) *Endpoint {
	var best *Endpoint
	for _, name := range c.endpointNames() {
		ep := c.endpoints[name]
		if !c.offers(ep, field) {
			continue
		}
		if best == nil {
			best = ep
			continue
		}
		if best.Broad && !ep.Broad {
			best = ep
		}
	}
	return best
}

func (c *Catalog) endpointNames() []string {
	names := make([]string, 0, len(c.endpoints))
	for n := range c.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FormulaAddressable reports whether any formula-keyed endpoint offers
// the field.
func (c *Catalog) FormulaAddressable(field string) bool {
	for _, ep := range c.endpoints {
		if ep.FormulaKeyed && c.offers(ep, field) {
			return true
		}
	}
	return false
}

// FormulaEndpoint returns the first formula-keyed endpoint, if any.
func (c *Catalog) FormulaEndpoint() (*Endpoint, bool) {
	for _, name := range c.endpointNames() {
		if ep := c.endpoints[name]; ep.FormulaKeyed {
			return ep, true
		}
	}
	return nil, false
}
