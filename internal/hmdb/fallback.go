package hmdb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrAmbiguousName is returned when name-based discovery finds more
// than one candidate accession; the coordinator never guesses.
var ErrAmbiguousName = errors.New("hmdb: name discovery returned multiple matches")

// Fetcher is the network surface the coordinator drives; *Client
// implements it, tests substitute a fake.
type Fetcher interface {
	FetchByID(ctx context.Context, ep *Endpoint, id string) (Value, error)
	FetchByFormula(ctx context.Context, ep *Endpoint, formula string) (Value, error)
	SearchByName(ctx context.Context, name string) ([]NameMatch, error)
}

// CoordinatorConfig bounds the fallback retry loop. The delay before
// attempt n is BackoffBase * BackoffFactor^n.
type CoordinatorConfig struct {
	MaxAttempts   int
	BackoffFactor float64
	BackoffBase   time.Duration
}

// Coordinator resolves fields missing from graph results against the
// HMDB API: formula-keyed lookups first, then id-keyed endpoint
// fetches, with name-based discovery when no accession is known.
type Coordinator struct {
	catalog *Catalog
	fetcher Fetcher
	cfg     CoordinatorConfig
	logger  *zap.Logger
}

func NewCoordinator(catalog *Catalog, fetcher Fetcher, cfg CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	return &Coordinator{catalog: catalog, fetcher: fetcher, cfg: cfg, logger: logger}
}

// Result reports what a fallback invocation produced.
type Result struct {
	Fields       map[string]any // merged into from existing; same map
	Unattainable []string       // fields no endpoint could supply
}

// ResolveMissingFields fetches the missing fields, merging everything
// it finds into existing (never replacing it). primaryID may be empty;
// name-based discovery then runs off existing["name"]. The fetch rounds
// are wrapped in a bounded exponential-backoff retry loop: progress
// (a strictly smaller missing set) resets the attempt counter, and two
// consecutive rounds with an identical missing set end the loop early
// with those fields reported unattainable.
func (co *Coordinator) ResolveMissingFields(ctx context.Context, missing []string, primaryID string, existing map[string]any) (Result, error) {
	if existing == nil {
		existing = make(map[string]any)
	}
	res := Result{Fields: existing}

	missingSet := newFieldSet(missing)
	for f := range existing {
		missingSet.remove(f)
	}
	if missingSet.empty() {
		return res, nil
	}

	// The formula-keyed fetch needs no accession, so it runs before
	// discovery is even considered: a formula already in hand may
	// satisfy everything on its own.
	var lastErr error
	if primaryID == "" {
		lastErr = co.formulaPass(ctx, missingSet, existing)
		if missingSet.empty() {
			return res, nil
		}
	}

	// Discovery: adopt an accession from a unique name match for the
	// fields that remain.
	if primaryID == "" {
		name, _ := existing["name"].(string)
		if name == "" {
			res.Unattainable = missingSet.sorted()
			return res, fmt.Errorf("hmdb: no primary id and no name to discover one")
		}
		matches, err := co.fetcher.SearchByName(ctx, name)
		if err != nil {
			res.Unattainable = missingSet.sorted()
			return res, fmt.Errorf("hmdb: name discovery for %q: %w", name, err)
		}
		switch len(matches) {
		case 0:
			res.Unattainable = missingSet.sorted()
			return res, fmt.Errorf("hmdb: name discovery for %q found nothing", name)
		case 1:
			primaryID = matches[0].ID
			co.logger.Info("adopted accession from name discovery",
				zap.String("name", name), zap.String("accession", primaryID))
		default:
			res.Unattainable = missingSet.sorted()
			return res, fmt.Errorf("%w: %q has %d candidates", ErrAmbiguousName, name, len(matches))
		}
	}

	attempt := 0
	samePrev := 0
	prev := missingSet.sorted()
	for !missingSet.empty() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		lastErr = co.fetchRound(ctx, missingSet, primaryID, existing, &res)

		cur := missingSet.sorted()
		if missingSet.empty() {
			break
		}
		if len(cur) < len(prev) {
			// Progress: start the budget over.
			attempt = 0
			samePrev = 0
		} else if equalFields(cur, prev) {
			samePrev++
			if samePrev >= 2 {
				co.logger.Warn("fallback made no progress twice, stopping early",
					zap.Strings("missing", cur))
				res.Unattainable = appendUnique(res.Unattainable, cur...)
				return res, nil
			}
		} else {
			samePrev = 0
		}
		prev = cur

		attempt++
		if attempt > co.cfg.MaxAttempts {
			res.Unattainable = appendUnique(res.Unattainable, cur...)
			if lastErr != nil {
				return res, fmt.Errorf("hmdb fallback exhausted after %d attempts: %w", co.cfg.MaxAttempts, lastErr)
			}
			return res, nil
		}
		if err := sleepBackoff(ctx, co.cfg.BackoffBase, co.cfg.BackoffFactor, attempt); err != nil {
			return res, err
		}
	}
	sort.Strings(res.Unattainable)
	return res, nil
}

// fetchRound performs one pass of steps 1–2: formula-keyed fetch first
// when applicable, then id-keyed fetches over the selected endpoints.
func (co *Coordinator) fetchRound(ctx context.Context, missing *fieldSet, primaryID string, existing map[string]any, res *Result) error {
	// Step 1: formula lookup when a formula is already in hand and a
	// missing field is formula-addressable.
	lastErr := co.formulaPass(ctx, missing, existing)
	if missing.empty() {
		return lastErr
	}

	// Step 2: id-keyed fetches. Endpoints needing a different
	// addressing scheme are skipped, and fields only they could supply
	// are reported unattainable rather than silently dropped.
	selected, unresolvable := co.catalog.SelectEndpoints(missing.sorted())
	for _, f := range unresolvable {
		res.Unattainable = appendUnique(res.Unattainable, f)
		missing.remove(f)
	}
	for _, name := range selected {
		ep, _ := co.catalog.Endpoint(name)
		if ep.RequiresListing {
			for _, f := range co.exclusiveFields(ep, selected, missing) {
				co.logger.Warn("field requires listing endpoint, unattainable by id",
					zap.String("endpoint", ep.Name), zap.String("field", f))
				res.Unattainable = appendUnique(res.Unattainable, f)
				missing.remove(f)
			}
			continue
		}
		if ep.FormulaKeyed {
			continue // handled in step 1
		}
		v, err := co.fetcher.FetchByID(ctx, ep, primaryID)
		if err != nil {
			lastErr = err
			continue
		}
		co.absorb(v, missing, existing)
	}
	return lastErr
}

// formulaPass performs the formula-keyed fetch when a formula is
// already in hand and a missing field is formula-addressable; otherwise
// it does nothing.
func (co *Coordinator) formulaPass(ctx context.Context, missing *fieldSet, existing map[string]any) error {
	formula := formulaIn(existing)
	if formula == "" {
		return nil
	}
	needed := false
	for _, f := range missing.sorted() {
		if co.catalog.FormulaAddressable(f) {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	ep, ok := co.catalog.FormulaEndpoint()
	if !ok {
		return nil
	}
	v, err := co.fetcher.FetchByFormula(ctx, ep, formula)
	if err != nil {
		return err
	}
	co.absorb(v, missing, existing)
	return nil
}

// absorb reconciles a response against the still-missing fields and
// merges anything found into existing.
func (co *Coordinator) absorb(v Value, missing *fieldSet, existing map[string]any) {
	got := co.catalog.Reconcile(v, missing.sorted())
	for f, val := range got {
		if _, present := existing[f]; !present {
			existing[f] = val
		}
		missing.remove(f)
	}
}

// exclusiveFields lists the missing fields only this endpoint (among
// the selected set) offers.
func (co *Coordinator) exclusiveFields(ep *Endpoint, selected []string, missing *fieldSet) []string {
	var out []string
	for _, f := range missing.sorted() {
		if !co.catalog.offers(ep, f) {
			continue
		}
		exclusive := true
		for _, other := range selected {
			if other == ep.Name {
				continue
			}
			oep, _ := co.catalog.Endpoint(other)
			if !oep.RequiresListing && co.catalog.offers(oep, f) {
				exclusive = false
				break
			}
		}
		if exclusive {
			out = append(out, f)
		}
	}
	return out
}

func formulaIn(existing map[string]any) string {
	for _, key := range []string{"chemical_formula", "moldb_formula", "formula"} {
		if v, ok := existing[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// sleepBackoff waits base * factor^attempt, honoring cancellation so an
// abandoned run stops burning delay.
func sleepBackoff(ctx context.Context, base time.Duration, factor float64, attempt int) error {
	d := time.Duration(math.Pow(factor, float64(attempt)) * float64(base))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fieldSet is a small mutable string set with deterministic iteration.
type fieldSet struct{ m map[string]struct{} }

func newFieldSet(fields []string) *fieldSet {
	s := &fieldSet{m: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			s.m[f] = struct{}{}
		}
	}
	return s
}

func (s *fieldSet) remove(f string) { delete(s.m, f) }

func (s *fieldSet) empty() bool { return len(s.m) == 0 }

func (s *fieldSet) sorted() []string {
	out := make([]string, 0, len(s.m))
	for f := range s.m {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func equalFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		seen := false
		for _, have := range list {
			if have == it {
				seen = true
				break
			}
		}
		if !seen {
			list = append(list, it)
		}
	}
	return list
}
