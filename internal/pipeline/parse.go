package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// cleanJSON strips markdown fences and any stray text around the first
// top-level JSON object. Model output is a string to validate, not an
// exception; callers treat a parse failure as a retryable condition.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```", "json"} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// cleanCypher strips code fences and whitespace from a generated query.
func cleanCypher(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```cypher")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

type entityList struct {
	Entities []Entity `json:"entities"`
}

func parseEntities(raw string) ([]Entity, error) {
	var list entityList
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &list); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}
	return list.Entities, nil
}

func parsePlan(raw string) (*QueryPlan, error) {
	var plan QueryPlan
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &plan); err != nil {
		return nil, fmt.Errorf("parse query plan: %w", err)
	}
	return &plan, nil
}

func parseVerdict(raw string) (*SufficiencyVerdict, error) {
	var v SufficiencyVerdict
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &v); err != nil {
		return nil, fmt.Errorf("parse sufficiency verdict: %w", err)
	}
	return &v, nil
}
