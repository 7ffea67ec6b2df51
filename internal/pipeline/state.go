package pipeline

import (
	"time"

	"github.com/metaboqa/orchestrator/internal/graph"
)

// Stage is one named step of the pipeline.
type Stage int

const (
	StageExtractEntities Stage = iota
	StageMatchEntities
	StagePlanQuery
	StageGenerateQuery
	StageExecuteQuery
	StageProcessResults
	StageEvaluateSufficiency
	StageSummarize
)

func (s Stage) String() string {
	switch s {
	case StageExtractEntities:
		return "extract_entities"
	case StageMatchEntities:
		return "match_entities"
	case StagePlanQuery:
		return "plan_query"
	case StageGenerateQuery:
		return "generate_query"
	case StageExecuteQuery:
		return "execute_query"
	case StageProcessResults:
		return "process_results"
	case StageEvaluateSufficiency:
		return "evaluate_sufficiency"
	case StageSummarize:
		return "summarize"
	default:
		return "unknown"
	}
}

// Entity is one extracted entity with its schema type.
type Entity struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// QueryPlan is the model's decision about whether and how to query.
type QueryPlan struct {
	Entities    []Entity `json:"entities"`
	Intent      string   `json:"query_intent"`
	ShouldQuery bool     `json:"should_query"`
	Reasoning   string   `json:"reasoning"`
	Graph       struct {
		Nodes         []string `json:"nodes"`
		Relationships []string `json:"relationships"`
		Properties    []string `json:"properties"`
	} `json:"nodes_and_relationships"`
}

// SufficiencyVerdict is one round's answer to "do the results answer
// the question".
type SufficiencyVerdict struct {
	ShouldRetry   bool   `json:"should_retry_query"`
	Reasoning     string `json:"reasoning"`
	QueryAddition string `json:"query_addition"`
}

// QueryAttempt is one executed (or failed) query. The history is
// append-only; prompts see only a bounded trailing window.
type QueryAttempt struct {
	Query     string
	Error     string
	Results   []graph.Record
	Timestamp time.Time
}

// RunState is the per-invocation state, owned and mutated only by the
// orchestrating run and discarded when the stream ends.
type RunState struct {
	RunID     string
	SessionID string
	Question  string
	Entities  []Entity
	Plan      *QueryPlan
	Query     string
	Results   []graph.Record
	Stage     Stage
	Err       error
}
