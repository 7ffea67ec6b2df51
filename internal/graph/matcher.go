package graph

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// MatcherConfig tunes full-text entity matching.
type MatcherConfig struct {
	ConfidenceThreshold float64
	SynonymThreshold    float64
	FuzzyThreshold      float64
	MaxResults          int
}

func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		ConfidenceThreshold: 0.5,
		SynonymThreshold:    2.0,
		FuzzyThreshold:      0.3,
		MaxResults:          3,
	}
}

// Matcher resolves extracted entity names to canonical graph names via
// the full-text indexes (direct name match first, then synonyms).
type Matcher struct {
	store  Runner
	cfg    MatcherConfig
	logger *zap.Logger
}

func NewMatcher(store Runner, cfg MatcherConfig, logger *zap.Logger) *Matcher {
	if cfg.MaxResults <= 0 {
		cfg = DefaultMatcherConfig()
	}
	return &Matcher{store: store, cfg: cfg, logger: logger}
}

// MatchMetabolite returns the canonical metabolite name, trying the
// name index, then fuzzy synonyms, then wildcard synonyms. Empty string
// means no confident match.
func (m *Matcher) MatchMetabolite(ctx context.Context, name string) (string, error) {
	rows, err := m.store.Run(ctx, fmt.Sprintf(
		`CALL db.index.fulltext.queryNodes("metabolite_names", "%s~0.5") YIELD node, score
		 RETURN node.name AS name, score LIMIT %d`, escape(name), m.cfg.MaxResults))
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if score(row) > m.cfg.ConfidenceThreshold {
			if s, ok := row["name"].(string); ok {
				return s, nil
			}
		}
	}

	synonyms, err := m.store.Run(ctx, fmt.Sprintf(
		`CALL db.index.fulltext.queryNodes("synonymsFullText", "%s~%g") YIELD node, score
		 RETURN node.synonymText AS synonymText, score LIMIT %d`, escape(name), m.cfg.FuzzyThreshold, m.cfg.MaxResults))
	if err != nil {
		return "", err
	}
	if len(synonyms) == 0 {
		synonyms, err = m.store.Run(ctx, fmt.Sprintf(
			`CALL db.index.fulltext.queryNodes("synonymsFullText", "%s*") YIELD node, score
			 RETURN node.synonymText AS synonymText, score LIMIT %d`, escape(name), m.cfg.MaxResults))
		if err != nil {
			return "", err
		}
	}
	for _, row := range synonyms {
		if score(row) <= m.cfg.SynonymThreshold {
			continue
		}
		syn, _ := row["synonymText"].(string)
		if syn == "" {
			continue
		}
		matches, err := m.store.Run(ctx, fmt.Sprintf(
			`MATCH (m:Metabolite)-[:HAS_SYNONYM]->(s:Synonym)
			 WHERE toLower(s.synonymText) = toLower("%s")
			 RETURN m.name AS name LIMIT 1`, escape(syn)))
		if err != nil {
			return "", err
		}
		if len(matches) > 0 {
			if s, ok := matches[0]["name"].(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}

// MatchProtein resolves a protein name through the protein name index.
func (m *Matcher) MatchProtein(ctx context.Context, name string) (string, error) {
	rows, err := m.store.Run(ctx, fmt.Sprintf(
		`CALL db.index.fulltext.queryNodes("protein_names", "%s~0.5") YIELD node, score
		 RETURN node.protein_name AS protein_name, score LIMIT %d`, escape(name), m.cfg.MaxResults))
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if score(row) > m.cfg.ConfidenceThreshold {
			if s, ok := row["protein_name"].(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}

// MatchDisease resolves a disease name through the disease name index.
func (m *Matcher) MatchDisease(ctx context.Context, name string) (string, error) {
	rows, err := m.store.Run(ctx, fmt.Sprintf(
		`CALL db.index.fulltext.queryNodes("disease_names", "%s~0.5") YIELD node, score
		 RETURN node.diseaseName AS name, score LIMIT %d`, escape(name), m.cfg.MaxResults))
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		if score(row) > m.cfg.ConfidenceThreshold {
			if s, ok := row["name"].(string); ok {
				return s, nil
			}
		}
	}
	return "", nil
}

// Descriptions fetches the description property for each metabolite,
// matching by name or synonym.
func (m *Matcher) Descriptions(ctx context.Context, metabolites []string) ([]Record, error) {
	var out []Record
	for _, name := range metabolites {
		rows, err := m.store.Run(ctx, fmt.Sprintf(
			`MATCH (m:Metabolite)
			 WHERE toLower(m.name) = toLower('%s')
			 OR EXISTS {
			     MATCH (m)-[:HAS_SYNONYM]->(s:Synonym)
			     WHERE toLower(s.synonymText) = toLower('%s')
			 }
			 RETURN m.description`, escape(name), escape(name)))
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func score(row Record) float64 {
	switch v := row["score"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// escape strips quote characters so injected names cannot break out of
// the query literal.
func escape(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	s = strings.ReplaceAll(s, "'", "")
	return strings.ReplaceAll(s, "\\", "")
}
