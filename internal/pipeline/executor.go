package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/graph"
	"github.com/metaboqa/orchestrator/internal/metrics"
	"github.com/metaboqa/orchestrator/internal/streamer"
)

// ErrExhausted is returned when the execution retry budget is spent;
// it wraps the last execution error.
var ErrExhausted = errors.New("query retries exhausted")

// ExecState is the execution manager's state machine position.
type ExecState int

const (
	StateIdle ExecState = iota
	StateExecuting
	StateRegenerating
	StateSucceeded
	StateExhausted
)

func (s ExecState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateRegenerating:
		return "regenerating"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// emptyResultsGuidance is the synthetic error handed to regeneration
// when a syntactically valid query matched nothing.
const emptyResultsGuidance = "This query returned no results. Please try again. " +
	"Remember Metabolite is generally the central node, and the other entities are connected to it."

// RegenInput carries the context a regeneration call needs.
type RegenInput struct {
	Plan     *QueryPlan
	OldQuery string
	Error    string
	History  []QueryAttempt
}

// RegenerateFunc asks the model for a corrected query, streaming its
// output as frames while it arrives.
type RegenerateFunc func(ctx context.Context, in RegenInput, emit streamer.EmitFunc) (string, error)

// Executor runs generated queries against the graph store with two
// distinct bounded retry loops: one for queries the store rejects, one
// for queries that succeed but match nothing. It is created per run and
// never shared.
type Executor struct {
	store         graph.Runner
	regenerate    RegenerateFunc
	maxRetries    int
	historyWindow int
	logger        *zap.Logger

	state   ExecState
	history []QueryAttempt
	results []graph.Record
	query   string
}

func NewExecutor(store graph.Runner, regenerate RegenerateFunc, maxRetries, historyWindow int, logger *zap.Logger) *Executor {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if historyWindow <= 0 {
		historyWindow = 3
	}
	return &Executor{
		store:         store,
		regenerate:    regenerate,
		maxRetries:    maxRetries,
		historyWindow: historyWindow,
		logger:        logger,
		state:         StateIdle,
	}
}

// State returns the state machine position.
func (e *Executor) State() ExecState { return e.state }

// CurrentResults is the manager's public read surface after success.
func (e *Executor) CurrentResults() []graph.Record { return e.results }

// CurrentQuery returns the query that produced CurrentResults.
func (e *Executor) CurrentQuery() string { return e.query }

// History returns the full append-only attempt history.
func (e *Executor) History() []QueryAttempt { return e.history }

// recentHistory returns the trailing window handed to prompts.
func (e *Executor) recentHistory() []QueryAttempt {
	if len(e.history) <= e.historyWindow {
		return e.history
	}
	return e.history[len(e.history)-e.historyWindow:]
}

func (e *Executor) appendAttempt(query, errMsg string, results []graph.Record) {
	e.history = append(e.history, QueryAttempt{
		Query:     query,
		Error:     errMsg,
		Results:   results,
		Timestamp: time.Now(),
	})
}

// Execute runs the query, regenerating and retrying on store errors up
// to the ceiling. Returns nil on success, ErrExhausted (wrapping the
// last store error) when the budget is spent, or the regeneration/
// cancellation error.
func (e *Executor) Execute(ctx context.Context, plan *QueryPlan, query string, emit streamer.EmitFunc) error {
	e.query = cleanCypher(query)
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.state = StateExecuting
		results, err := e.store.Run(ctx, e.query)
		if err == nil {
			e.results = results
			e.appendAttempt(e.query, "", results)
			e.state = StateSucceeded
			return nil
		}
		e.appendAttempt(e.query, err.Error(), nil)
		metrics.QueryRetries.WithLabelValues("error").Inc()
		retries++
		if retries > e.maxRetries {
			e.state = StateExhausted
			e.results = nil
			emit(streamer.Frame{
				Section: streamer.SectionError,
				Text:    fmt.Sprintf("Query failed after %d retries: %v", e.maxRetries, err),
			})
			return fmt.Errorf("%w: %v", ErrExhausted, err)
		}

		emit(streamer.Frame{
			Section: streamer.SectionRetry,
			Text:    fmt.Sprintf("Attempt %d of %d: %v", retries, e.maxRetries, err),
		})
		e.state = StateRegenerating
		e.logger.Warn("query execution failed, regenerating",
			zap.Int("attempt", retries),
			zap.String("error", err.Error()),
		)
		regenerated, regenErr := e.regenerate(ctx, RegenInput{
			Plan:     plan,
			OldQuery: e.query,
			Error:    err.Error(),
			History:  e.recentHistory(),
		}, emit)
		if regenErr != nil {
			return fmt.Errorf("regenerate query: %w", regenErr)
		}
		e.query = cleanCypher(regenerated)
	}
}

// RetryEmpty handles the empty-result condition: the query succeeded
// but matched nothing. It is a separate loop from Execute so a
// semantically empty query gets different guidance than one that threw.
// Exhausting the budget is not an error; the caller sees empty results
// and falls back.
func (e *Executor) RetryEmpty(ctx context.Context, plan *QueryPlan, emit streamer.EmitFunc) error {
	retries := 0
	for len(e.results) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		retries++
		if retries > e.maxRetries {
			emit(streamer.Frame{
				Section: streamer.SectionError,
				Text:    fmt.Sprintf("No results found after %d retries", e.maxRetries),
			})
			return nil
		}
		emit(streamer.Frame{
			Section: streamer.SectionRetry,
			Text:    fmt.Sprintf("Attempt %d of %d: No results found, rerunning query...", retries, e.maxRetries),
		})
		metrics.QueryRetries.WithLabelValues("empty").Inc()

		regenerated, err := e.regenerate(ctx, RegenInput{
			Plan:     plan,
			OldQuery: e.query,
			Error:    emptyResultsGuidance,
			History:  e.recentHistory(),
		}, emit)
		if err != nil {
			return fmt.Errorf("regenerate query: %w", err)
		}
		e.query = cleanCypher(regenerated)

		results, err := e.store.Run(ctx, e.query)
		if err != nil {
			e.appendAttempt(e.query, err.Error(), nil)
			return fmt.Errorf("execute regenerated query: %w", err)
		}
		e.results = results
		e.appendAttempt(e.query, "", results)
	}
	return nil
}
