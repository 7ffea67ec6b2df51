package graph

import (
	"context"
	"fmt"
	"strings"
)

// GenerateSchema builds the text schema handed to the model prompts:
// node labels with sampled property types, relationship types with
// their properties, and label-to-label relationship mappings. Produced
// once at startup; regeneration prompts reuse the same string.
func GenerateSchema(ctx context.Context, store Runner) (string, error) {
	labels, err := stringColumn(ctx, store,
		"CALL db.labels() YIELD label RETURN label ORDER BY label", "label")
	if err != nil {
		return "", fmt.Errorf("list labels: %w", err)
	}
	relTypes, err := stringColumn(ctx, store,
		"CALL db.relationshipTypes() YIELD relationshipType RETURN relationshipType ORDER BY relationshipType", "relationshipType")
	if err != nil {
		return "", fmt.Errorf("list relationship types: %w", err)
	}

	var b strings.Builder
	b.WriteString("## Node Definitions\n")
	for _, label := range labels {
		props, err := sampleProperties(ctx, store, fmt.Sprintf(
			"MATCH (n:`%s`) UNWIND keys(n) AS key WITH key, head(collect(n[key])) AS sample_value RETURN DISTINCT key, sample_value", label))
		if err != nil {
			return "", fmt.Errorf("sample properties of %s: %w", label, err)
		}
		b.WriteString(fmt.Sprintf("(:%s) {\n%s\n}\n\n", label, formatProps(props)))
	}

	b.WriteString("## Relationship Definitions\n")
	for _, rel := range relTypes {
		props, err := sampleProperties(ctx, store, fmt.Sprintf(
			"MATCH ()-[r:`%s`]->() UNWIND keys(r) AS key WITH key, head(collect(r[key])) AS sample_value RETURN DISTINCT key, sample_value", rel))
		if err != nil {
			return "", fmt.Errorf("sample properties of %s: %w", rel, err)
		}
		if len(props) == 0 {
			b.WriteString(fmt.Sprintf("[:%s] { -- No properties -- }\n\n", rel))
			continue
		}
		b.WriteString(fmt.Sprintf("[:%s] {\n%s\n}\n\n", rel, formatProps(props)))
	}

	b.WriteString("## Relationship Mappings\n")
	for _, rel := range relTypes {
		rows, err := store.Run(ctx, fmt.Sprintf(
			"MATCH (start)-[r:`%s`]->(end) RETURN DISTINCT labels(start) AS start_labels, labels(end) AS end_labels", rel))
		if err != nil {
			return "", fmt.Errorf("map relationship %s: %w", rel, err)
		}
		for _, row := range rows {
			for _, s := range anyStrings(row["start_labels"]) {
				for _, e := range anyStrings(row["end_labels"]) {
					b.WriteString(fmt.Sprintf("(:%s)-[:%s]->(:%s)\n", s, rel, e))
				}
			}
		}
	}
	return b.String(), nil
}

type propEntry struct {
	key string
	typ string
}

func sampleProperties(ctx context.Context, store Runner, query string) ([]propEntry, error) {
	rows, err := store.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]propEntry, 0, len(rows))
	for _, row := range rows {
		key, _ := row["key"].(string)
		if key == "" {
			continue
		}
		out = append(out, propEntry{key: key, typ: inferType(row["sample_value"])})
	}
	return out, nil
}

func formatProps(props []propEntry) string {
	lines := make([]string, 0, len(props))
	for _, p := range props {
		lines = append(lines, fmt.Sprintf("  %s: %s", p.key, p.typ))
	}
	return strings.Join(lines, ",\n")
}

func inferType(v any) string {
	switch v.(type) {
	case bool:
		return "BOOLEAN"
	case int, int64:
		return "INTEGER"
	case float64:
		return "FLOAT"
	case string:
		return "STRING"
	case []any:
		return "LIST"
	case map[string]any:
		return "MAP"
	case nil:
		return "NULL"
	default:
		return strings.ToUpper(fmt.Sprintf("%T", v))
	}
}

func stringColumn(ctx context.Context, store Runner, query, column string) ([]string, error) {
	rows, err := store.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if s, ok := row[column].(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func anyStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
