// Package decision routes incoming questions to one of three handling
// paths: answering straight from conversation memory, answering as a
// general knowledge question, or running the full graph query pipeline.
package decision

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/memory"
)

// Path is the selected handling route for a question.
type Path string

const (
	PathMemory   Path = "memory"
	PathGeneral  Path = "general"
	PathPipeline Path = "pipeline"
)

// Patterns for questions that likely don't need a database query.
var generalQuestionPatterns = compileAll([]string{
	// Definition patterns
	`(?:what|define|explain|describe)\s+(?:is|are|does)\s+(?:a|an|the)?\s*`,
	`(?:what|define|explain|describe)\s+(?:do|does)\s+(?:we|you|i)\s+(?:mean|understand|know)\s+(?:by|about)\s+`,
	`(?:can|could)\s+you\s+(?:explain|describe|tell\s+me)\s+(?:about|what|how)\s+`,

	// General knowledge patterns
	`how\s+(?:do|does|can|should)\s+(?:i|one|we|you)\s+`,
	`why\s+(?:do|does|is|are|can|should)\s+`,
	`(?:what|which)\s+(?:are|is)\s+the\s+(?:difference|similarities|relationship)s?\s+between\s+`,

	// Conceptual patterns
	`(?:explain|tell\s+me\s+about|describe)\s+the\s+(?:concept|principle|theory|process|mechanism)\s+of\s+`,
	`(?:how|why)\s+(?:does|do|is|are)\s+(?:a|an|the)?\s*\w+\s+(?:related|connected|linked|associated)\s+to\s+`,

	// Casual conversation
	`(?:hi|hello|hey|greetings|howdy)`,
	`(?:how\s+are\s+you|what's\s+up|how's\s+it\s+going)`,
	`(?:thank|thanks)`,
	`(?:bye|goodbye|see\s+you)`,

	// Additional explanation patterns
	`can\s+you\s+explain\s+how\s+.+\s+works`,
	`(?:what|how)\s+(?:is|are|does)\s+(?:the\s+)?(?:process|mechanism|function|principle)\s+of\s+`,
	`(?:can|could)\s+you\s+(?:give|provide)\s+(?:me|us)\s+(?:a|an|some)\s+(?:explanation|overview|insight)\s+(?:about|on|into)\s+`,
})

var explanatoryPatterns = compileAll([]string{
	`how\s+does\s+.+\s+work`,
	`what\s+is\s+.+\s+in\s+general`,
	`explain\s+the\s+concept\s+of\s+`,
	`explain\s+what\s+.+\s+is`,
	`how\s+does\s+.+\s+function`,
})

// Entities that normally force the graph pipeline even inside a
// question that otherwise looks general.
var requireQueryEntities = []string{
	"metabolism", "citric acid", "hmdb", "inchi", "smiles", "kegg",
	"pubchem", "pathway", "metabolite", "enzyme", "protein", "gene",
}

var dbLookupIndicators = []string{
	"show me", "look up", "find", "search for", "structure of",
	"formula for", "molecular weight of", "properties of", "id for",
}

var educationalPhrases = []string{
	"in humans", "in cells", "in the body", "process of", "concept of",
	"general overview", "basics of", "introduction to",
}

var followupIndicators = []string{
	"it", "this", "that", "these", "those", "the compound",
	"its", "about it", "for it", "the same", "as well", "too",
}

var followupStarters = []string{
	"what about", "how about", "what is its", "what's its",
	"and what", "and how", "can you also", "also",
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Decider routes questions between memory, general, and pipeline paths.
type Decider struct {
	memoryThreshold float64
	logger          *zap.Logger
}

func NewDecider(memoryThreshold float64, logger *zap.Logger) *Decider {
	if memoryThreshold <= 0 {
		memoryThreshold = 0.65
	}
	return &Decider{memoryThreshold: memoryThreshold, logger: logger}
}

// DecidePath picks the handling route for a question. When the route is
// PathMemory, the matched turn is returned alongside.
func (d *Decider) DecidePath(question string, relevant []memory.ScoredTurn) (Path, *memory.ScoredTurn) {
	if hit := d.memoryMatch(question, relevant); hit != nil {
		return PathMemory, hit
	}
	if d.IsGeneralQuestion(question) {
		return PathGeneral, nil
	}
	return PathPipeline, nil
}

// memoryMatch applies the confidence threshold, relaxed for follow-ups
// with an entity match and for repeated questions about the same entity.
func (d *Decider) memoryMatch(question string, relevant []memory.ScoredTurn) *memory.ScoredTurn {
	if len(relevant) == 0 {
		return nil
	}
	top := relevant[0]
	entityMatch := top.Components["entity_match"]

	if top.Relevance >= d.memoryThreshold {
		d.logger.Info("High-confidence memory match",
			zap.Float64("relevance", top.Relevance),
			zap.String("matched_query", top.UserQuery),
		)
		return &top
	}
	if IsLikelyFollowup(question) && entityMatch > 0 && top.Relevance >= d.memoryThreshold*0.9 {
		d.logger.Info("Memory match for follow-up question",
			zap.Float64("relevance", top.Relevance),
			zap.String("matched_query", top.UserQuery),
		)
		return &top
	}
	if entityMatch > 0.35 && top.Components["keyword_similarity"] > 0.2 && top.Relevance >= d.memoryThreshold*0.8 {
		d.logger.Info("Memory match for repeated question",
			zap.Float64("relevance", top.Relevance),
			zap.String("matched_query", top.UserQuery),
		)
		return &top
	}
	return nil
}

// Known educational phrasings that bypass the pattern checks.
var educationalExact = []string{
	"how does metabolism work in humans",
	"what is metabolism in humans",
	"explain how metabolism works",
}

// IsGeneralQuestion reports whether the question can be answered
// without touching the database.
func (d *Decider) IsGeneralQuestion(question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))

	for _, phrase := range educationalExact {
		if strings.Contains(q, phrase) {
			return true
		}
	}

	for _, re := range generalQuestionPatterns {
		loc := re.FindStringIndex(q)
		if loc == nil || loc[0] != 0 {
			continue
		}
		// Clearly explanatory questions stay general regardless of
		// any entity they mention.
		for _, exp := range explanatoryPatterns {
			if exp.MatchString(q) {
				return true
			}
		}
		if containsAny(q, dbLookupIndicators) {
			return false
		}
		for _, entity := range requireQueryEntities {
			if !strings.Contains(q, entity) {
				continue
			}
			if containsAny(q, educationalPhrases) {
				return true
			}
			if matchesExplanationAbout(q, entity) {
				return true
			}
			return false
		}
		return true
	}

	// Very short or very long questions skew general.
	wordCount := len(strings.Fields(q))
	if wordCount <= 3 || wordCount >= 25 {
		if containsAny(q, dbLookupIndicators) {
			return false
		}
		for _, entity := range requireQueryEntities {
			if strings.Contains(q, entity) {
				re := regexp.MustCompile(`how\s+does\s+` + regexp.QuoteMeta(entity) + `\s+work`)
				return re.MatchString(q)
			}
		}
		return true
	}
	return false
}

func matchesExplanationAbout(q, entity string) bool {
	escaped := regexp.QuoteMeta(entity)
	patterns := []string{
		`what\s+is\s+` + escaped,
		`explain\s+` + escaped,
		`how\s+does\s+` + escaped + `\s+work`,
		`why\s+is\s+` + escaped,
	}
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(q) {
			return true
		}
	}
	return false
}

// IsLikelyFollowup reports whether the question leans on earlier turns
// for its referent.
func IsLikelyFollowup(question string) bool {
	q := strings.ToLower(question)
	words := strings.Fields(q)
	for _, ind := range followupIndicators {
		if strings.Contains(ind, " ") {
			if strings.Contains(q, ind) {
				return true
			}
		} else if containsWord(words, ind) {
			return true
		}
	}
	for _, starter := range followupStarters {
		if strings.HasPrefix(q, starter) {
			return true
		}
	}
	return len(words) <= 4
}

func containsWord(words []string, want string) bool {
	for _, w := range words {
		if strings.Trim(w, ".,?!") == want {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// PrepareContext formats the most relevant remembered turns as prompt
// context for the general and pipeline paths.
func PrepareContext(relevant []memory.ScoredTurn, limit int) string {
	if len(relevant) == 0 {
		return ""
	}
	if limit <= 0 {
		limit = 3
	}
	var parts []string
	for i, turn := range relevant {
		if i >= limit {
			break
		}
		if turn.UserQuery == "" || turn.Answer == "" {
			continue
		}
		parts = append(parts,
			fmt.Sprintf("Previous Q: %s", turn.UserQuery),
			fmt.Sprintf("Previous A: %s", turn.Answer),
			"",
		)
	}
	return strings.Join(parts, "\n")
}
