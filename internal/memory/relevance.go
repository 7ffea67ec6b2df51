package memory

import (
	"regexp"
	"strings"
)

// Scoring weights. Each component is capped so the sum stays in [0,1]
// before clamping.
const (
	entityWeight    = 0.4
	keywordWeight   = 0.3
	tagWeight       = 0.15
	recencyWeight   = 0.1
	ambiguityWeight = 0.2
	mismatchPenalty = -0.3
)

var (
	formulaPattern  = regexp.MustCompile(`\b[A-Z][a-z]?[0-9]*(?:[A-Z][a-z]?[0-9]*)*\b`)
	hmdbIDPattern   = regexp.MustCompile(`\bHMDB\d+\b`)
	chemNamePattern = regexp.MustCompile(`\b(?:[A-Z][a-z]*-)?[A-Z][a-z]+(?:[ -][A-Z]?[a-z]+)*\b`)
	inchikeyPattern = regexp.MustCompile(`\b[A-Z]{14}-[A-Z]{10}-[A-Z]\b`)
)

var entitySuffixes = []string{"acid", "amine", "protein", "enzyme", "receptor", "pathway"}

// extractEntities pulls candidate entity mentions from free text:
// chemical formulas, database accessions, capitalized chemical names,
// InChIKeys, and phrases ending in common biochemical suffixes.
func extractEntities(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(matches []string) {
		for _, m := range matches {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	add(formulaPattern.FindAllString(text, -1))
	add(hmdbIDPattern.FindAllString(text, -1))
	add(chemNamePattern.FindAllString(text, -1))
	add(inchikeyPattern.FindAllString(text, -1))

	lower := strings.ToLower(text)
	for _, term := range entitySuffixes {
		if !strings.Contains(lower, term) {
			continue
		}
		pattern := regexp.MustCompile(`\b\w+\s+` + term + `\b|\b\w+-?` + term + `\b`)
		add(pattern.FindAllString(lower, -1))
	}
	return out
}

var intentPatterns = map[string][]string{
	"chemical_formula": {"formula", "chemical formula"},
	"inchikey":         {"inchikey", "inchi key"},
	"iupac_name":       {"iupac", "iupac name"},
	"structure":        {"structure", "molecular structure"},
	"property":         {"property", "properties"},
	"pathway":          {"pathway", "pathways", "metabolic pathway"},
	"concentration":    {"concentration", "level", "amount"},
	"reference":        {"reference", "citation", "paper", "study"},
	"disease":          {"disease", "condition", "disorder"},
	"summary":          {"summary", "overview", "information about"},
}

func intentTags(query string) map[string]struct{} {
	lower := strings.ToLower(query)
	tags := make(map[string]struct{})
	for tag, patterns := range intentPatterns {
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				tags[tag] = struct{}{}
				break
			}
		}
	}
	return tags
}

var ambiguityTerms = map[string]struct{}{
	"it": {}, "this": {}, "that": {}, "the": {}, "these": {},
	"those": {}, "its": {}, "about": {}, "for": {},
}

func isAmbiguous(query string) bool {
	words := strings.Fields(strings.ToLower(query))
	if len(words) <= 5 {
		return true
	}
	for _, w := range words {
		if _, ok := ambiguityTerms[w]; ok {
			return true
		}
	}
	return false
}

// relevanceScore rates one stored turn against the current query.
// recencyIndex is 0 for the newest turn. Returns the clamped total and
// the per-component breakdown.
func relevanceScore(query string, turn Turn, recencyIndex, total int) (float64, map[string]float64) {
	components := make(map[string]float64)

	queryEntities := lowerSet(extractEntities(strings.ToLower(query)))

	memoryEntities := make(map[string]struct{})
	if turn.Entity != "" {
		memoryEntities[strings.ToLower(turn.Entity)] = struct{}{}
	}
	for _, tag := range turn.Tags {
		if strings.HasPrefix(tag, "_") || tag == "failed" || tag == "complete" {
			continue
		}
		memoryEntities[strings.ToLower(tag)] = struct{}{}
	}
	for _, e := range extractEntities(turn.UserQuery) {
		memoryEntities[strings.ToLower(e)] = struct{}{}
	}

	overlap := intersectCount(queryEntities, memoryEntities)
	entityScore := minFloat(float64(overlap)*entityWeight, entityWeight)
	components["entity_match"] = entityScore

	queryWords := wordSet(query)
	memoryWords := wordSet(turn.UserQuery)
	common := intersectCount(queryWords, memoryWords)
	denom := maxInt(len(queryWords), len(memoryWords))
	var keywordScore float64
	if denom > 0 {
		keywordScore = minFloat(float64(common)*keywordWeight/float64(denom), keywordWeight)
	}
	components["keyword_similarity"] = keywordScore

	queryTags := intentTags(query)
	memoryTags := make(map[string]struct{})
	for _, t := range turn.Tags {
		memoryTags[t] = struct{}{}
	}
	tagScore := minFloat(float64(intersectCount(queryTags, memoryTags))*tagWeight, tagWeight)
	components["tag_match"] = tagScore

	recencyScore := recencyWeight * (1 - float64(recencyIndex)/float64(maxInt(1, total)))
	components["recency"] = recencyScore

	ambiguous := isAmbiguous(query)
	var ambiguityScore float64
	if ambiguous {
		window := minInt(3, total)
		ambiguityScore = minFloat(ambiguityWeight*(1-float64(recencyIndex)/float64(maxInt(1, window))), ambiguityWeight)
		components["ambiguity_boost"] = ambiguityScore
	}

	var penalty float64
	if !ambiguous && len(queryEntities) > 0 && len(memoryEntities) > 0 && overlap == 0 {
		penalty = mismatchPenalty
		components["entity_mismatch"] = penalty
	}

	score := entityScore + keywordScore + tagScore + recencyScore + ambiguityScore + penalty
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, components
}

func lowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = struct{}{}
	}
	return set
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func intersectCount(a, b map[string]struct{}) int {
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
