package memory

import "time"

// Turn is one stored question/answer exchange.
type Turn struct {
	UserQuery string         `json:"user_query"`
	Answer    string         `json:"answer"`
	Source    string         `json:"source"` // graph, api, llm
	Entity    string         `json:"entity,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	RawData   map[string]any `json:"raw_data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session groups the turns of one conversation.
type Session struct {
	ID        string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     []Turn    `json:"turns"`
}

// ScoredTurn is a turn annotated with its relevance to a query.
type ScoredTurn struct {
	Turn
	Relevance  float64            `json:"relevance_score"`
	Components map[string]float64 `json:"score_components"`
}
