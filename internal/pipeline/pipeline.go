// Package pipeline orchestrates the question-answering run: entity
// extraction, graph query planning and execution with bounded retries,
// sufficiency evaluation, external-API fallback, and summarization,
// streaming progress frames to the caller throughout.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metaboqa/orchestrator/internal/decision"
	"github.com/metaboqa/orchestrator/internal/graph"
	"github.com/metaboqa/orchestrator/internal/hmdb"
	"github.com/metaboqa/orchestrator/internal/llm"
	"github.com/metaboqa/orchestrator/internal/memory"
	"github.com/metaboqa/orchestrator/internal/metrics"
	"github.com/metaboqa/orchestrator/internal/streamer"
	"github.com/metaboqa/orchestrator/internal/tracing"
)

// Generator produces model completions, streaming or whole.
type Generator interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
	Stream(ctx context.Context, req llm.Request) (<-chan string, <-chan error)
}

// EntityMatcher resolves extracted entity names to their canonical
// database forms.
type EntityMatcher interface {
	MatchMetabolite(ctx context.Context, name string) (string, error)
	MatchProtein(ctx context.Context, name string) (string, error)
	MatchDisease(ctx context.Context, name string) (string, error)
	Descriptions(ctx context.Context, metabolites []string) ([]graph.Record, error)
}

// FieldResolver fetches fields the graph could not supply from the
// external API.
type FieldResolver interface {
	ResolveMissingFields(ctx context.Context, missing []string, primaryID string, existing map[string]any) (hmdb.Result, error)
}

// MemoryStore is the conversation memory surface the pipeline needs.
type MemoryStore interface {
	FindRelevant(ctx context.Context, sessionID, query string, threshold float64) ([]memory.ScoredTurn, error)
	StoreTurn(ctx context.Context, sessionID string, turn memory.Turn) (bool, error)
}

// Model roles; each may map to a different model.
const (
	RoleEntities    = "entities"
	RoleQueryPlan   = "query_plan"
	RoleQuery       = "query"
	RoleSufficiency = "sufficiency"
	RoleSummary     = "summary"
	RoleDirect      = "direct"
)

// Config carries the per-run ceilings and model assignments.
type Config struct {
	Models               map[string]string // role -> model, falls back to DefaultModel
	DefaultModel         string
	MaxQueryRetries      int
	MaxSufficiencyRounds int
	HistoryWindow        int
	MemoryThreshold      float64
}

func DefaultConfig() Config {
	return Config{
		DefaultModel:         "llama3.1",
		MaxQueryRetries:      5,
		MaxSufficiencyRounds: 3,
		HistoryWindow:        3,
		MemoryThreshold:      0.2,
	}
}

// Pipeline wires the stages together. Safe for concurrent runs; all
// per-run state lives in RunState.
type Pipeline struct {
	gen      Generator
	store    graph.Runner
	matcher  EntityMatcher
	resolver FieldResolver
	memory   MemoryStore
	decider  *decision.Decider
	schema   string
	cfg      Config
	logger   *zap.Logger
}

func New(gen Generator, store graph.Runner, matcher EntityMatcher, resolver FieldResolver, mem MemoryStore, decider *decision.Decider, schema string, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.MaxQueryRetries <= 0 {
		cfg.MaxQueryRetries = 5
	}
	if cfg.MaxSufficiencyRounds <= 0 {
		cfg.MaxSufficiencyRounds = 3
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 3
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 0.2
	}
	return &Pipeline{
		gen:      gen,
		store:    store,
		matcher:  matcher,
		resolver: resolver,
		memory:   mem,
		decider:  decider,
		schema:   schema,
		cfg:      cfg,
		logger:   logger,
	}
}

// Request is one incoming question.
type Request struct {
	Question  string
	SessionID string
}

// Run executes one question end to end, writing frames to emit. Errors
// are reported on the stream; the returned error is for the caller's
// logs, the stream always terminates cleanly.
func (p *Pipeline) Run(ctx context.Context, req Request, emit streamer.EmitFunc) error {
	runID := uuid.New().String()
	start := time.Now()
	st := &RunState{RunID: runID, SessionID: req.SessionID, Question: req.Question}

	ctx, span := tracing.StartSpan(ctx, "pipeline.run")
	defer span.End()

	var relevant []memory.ScoredTurn
	if p.memory != nil && req.SessionID != "" {
		var err error
		relevant, err = p.memory.FindRelevant(ctx, req.SessionID, req.Question, p.cfg.MemoryThreshold)
		if err != nil {
			p.logger.Warn("memory lookup failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	path := decision.PathPipeline
	var hit *memory.ScoredTurn
	if p.decider != nil {
		path, hit = p.decider.DecidePath(req.Question, relevant)
	}
	metrics.RunsStarted.WithLabelValues(string(path)).Inc()
	p.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("session_id", req.SessionID),
		zap.String("path", string(path)),
	)

	var err error
	switch path {
	case decision.PathMemory:
		p.answerFromMemory(hit, emit)
	case decision.PathGeneral:
		err = p.answerGeneral(ctx, st, relevant, emit)
	default:
		err = p.runPipeline(ctx, st, emit)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RunsCompleted.WithLabelValues(string(path), status).Inc()
	metrics.RunDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())
	return err
}

// answerFromMemory replays a remembered answer without model calls.
func (p *Pipeline) answerFromMemory(hit *memory.ScoredTurn, emit streamer.EmitFunc) {
	emit(streamer.Frame{Section: streamer.SectionAnswer, Text: hit.Answer})
	emit(streamer.DoneFrame(streamer.SectionAnswer))
}

// answerGeneral handles questions that do not need the database,
// optionally grounding the model on remembered turns.
func (p *Pipeline) answerGeneral(ctx context.Context, st *RunState, relevant []memory.ScoredTurn, emit streamer.EmitFunc) error {
	answer, err := p.streamPrompt(ctx, RoleDirect, streamer.SectionAnswer, llm.PromptDirect, map[string]any{
		"Question": st.Question,
		"Context":  decision.PrepareContext(relevant, 3),
	}, "", emit)
	if err != nil {
		emit(streamer.Frame{Section: streamer.SectionError, Text: fmt.Sprintf("Error in pipeline: %v", err)})
		return err
	}
	p.remember(ctx, st, answer, "llm")
	return nil
}

// runPipeline is the full graph-backed path.
func (p *Pipeline) runPipeline(ctx context.Context, st *RunState, emit streamer.EmitFunc) error {
	run := func(stage Stage, fn func(context.Context) error) error {
		st.Stage = stage
		stageCtx, span := tracing.StartStageSpan(ctx, st.RunID, stage.String())
		defer span.End()
		begin := time.Now()
		err := fn(stageCtx)
		metrics.StageDuration.WithLabelValues(stage.String()).Observe(time.Since(begin).Seconds())
		if err != nil {
			metrics.StageErrors.WithLabelValues(stage.String()).Inc()
		}
		return err
	}

	fail := func(err error) error {
		st.Err = err
		emit(streamer.Frame{Section: streamer.SectionError, Text: fmt.Sprintf("Error in pipeline: %v", err)})
		return err
	}

	if err := run(StageExtractEntities, func(ctx context.Context) error {
		return p.extractEntities(ctx, st, emit)
	}); err != nil {
		return fail(err)
	}
	if err := run(StageMatchEntities, func(ctx context.Context) error {
		return p.matchEntities(ctx, st, emit)
	}); err != nil {
		return fail(err)
	}
	if err := run(StagePlanQuery, func(ctx context.Context) error {
		return p.planQuery(ctx, st, emit)
	}); err != nil {
		return fail(err)
	}

	if st.Plan == nil || !st.Plan.ShouldQuery {
		return p.answerGeneral(ctx, st, nil, emit)
	}

	if err := run(StageGenerateQuery, func(ctx context.Context) error {
		return p.generateQuery(ctx, st, emit)
	}); err != nil {
		return fail(err)
	}

	exec := NewExecutor(p.store, p.regenerateFunc(), p.cfg.MaxQueryRetries, p.cfg.HistoryWindow, p.logger)
	if err := run(StageExecuteQuery, func(ctx context.Context) error {
		return p.executeQuery(ctx, st, exec, emit)
	}); err != nil {
		// Execute already emitted the Error frame on exhaustion.
		if errors.Is(err, ErrExhausted) {
			st.Err = err
			return err
		}
		return fail(err)
	}
	if err := run(StageProcessResults, func(ctx context.Context) error {
		return p.processResults(ctx, st, emit)
	}); err != nil {
		return fail(err)
	}
	if err := run(StageEvaluateSufficiency, func(ctx context.Context) error {
		return p.evaluateSufficiency(ctx, st, exec, emit)
	}); err != nil {
		return fail(err)
	}

	var dbSummary, apiSummary string
	if err := run(StageSummarize, func(ctx context.Context) error {
		var err error
		dbSummary, apiSummary, err = p.summarize(ctx, st, emit)
		return err
	}); err != nil {
		return fail(err)
	}

	answer := dbSummary
	source := "graph"
	if apiSummary != "" {
		if answer != "" {
			answer = answer + "\n\n" + apiSummary
		} else {
			answer = apiSummary
			source = "api"
		}
	}
	emit(streamer.Frame{Section: streamer.SectionAnswer, Text: answer})
	emit(streamer.DoneFrame(streamer.SectionAnswer))

	p.remember(ctx, st, answer, source)
	return nil
}

func (p *Pipeline) extractEntities(ctx context.Context, st *RunState, emit streamer.EmitFunc) error {
	content, err := p.streamPrompt(ctx, RoleEntities, "Extracting entities", llm.PromptEntities, map[string]any{
		"Schema":   p.schema,
		"Question": st.Question,
	}, "json", emit)
	if err != nil {
		return err
	}
	entities, err := parseEntities(content)
	if err != nil {
		// A malformed entity list is survivable; matching is skipped
		// and planning sees no entities.
		emit(streamer.Frame{Section: streamer.SectionError, Text: fmt.Sprintf("Failed to parse entities: %v", err)})
		st.Entities = nil
		return nil
	}
	st.Entities = entities
	return nil
}

func (p *Pipeline) matchEntities(ctx context.Context, st *RunState, emit streamer.EmitFunc) error {
	if len(st.Entities) == 0 {
		emit(streamer.Frame{Section: streamer.SectionWarning, Text: "No entities to match"})
		return nil
	}
	for i := range st.Entities {
		entity := &st.Entities[i]
		var matched string
		var err error
		switch entity.Type {
		case "Metabolite":
			matched, err = p.matcher.MatchMetabolite(ctx, entity.Name)
		case "Protein":
			matched, err = p.matcher.MatchProtein(ctx, entity.Name)
		case "Disease":
			matched, err = p.matcher.MatchDisease(ctx, entity.Name)
		}
		if err != nil {
			p.logger.Warn("entity match failed",
				zap.String("run_id", st.RunID),
				zap.String("entity", entity.Name),
				zap.Error(err),
			)
		} else if matched != "" {
			entity.Name = matched
		}
		emit(streamer.Frame{Section: "Entity Matching", Text: fmt.Sprintf("Matched %s: %s", entity.Type, entity.Name)})
	}
	emit(streamer.DoneFrame("Entity Matching"))
	return nil
}

func (p *Pipeline) planQuery(ctx context.Context, st *RunState, emit streamer.EmitFunc) error {
	content, err := p.streamPrompt(ctx, RoleQueryPlan, "Query planning", llm.PromptQueryPlan, map[string]any{
		"Schema":   p.schema,
		"Question": st.Question,
		"Entities": formatJSON(st.Entities),
	}, "json", emit)
	if err != nil {
		return err
	}
	plan, err := parsePlan(content)
	if err != nil {
		// No plan means the run degrades to a direct answer.
		emit(streamer.Frame{Section: streamer.SectionError, Text: fmt.Sprintf("Failed to parse query plan: %v", err)})
		st.Plan = nil
		return nil
	}
	st.Plan = plan
	return nil
}

func (p *Pipeline) generateQuery(ctx context.Context, st *RunState, emit streamer.EmitFunc) error {
	content, err := p.streamPrompt(ctx, RoleQuery, "Query execution", llm.PromptQuery, map[string]any{
		"Schema": p.schema,
		"Plan":   formatJSON(st.Plan),
	}, "", emit)
	if err != nil {
		return err
	}
	st.Query = cleanCypher(content)
	return nil
}

func (p *Pipeline) executeQuery(ctx context.Context, st *RunState, exec *Executor, emit streamer.EmitFunc) error {
	if err := exec.Execute(ctx, st.Plan, st.Query, emit); err != nil {
		return err
	}
	if err := exec.RetryEmpty(ctx, st.Plan, emit); err != nil {
		return err
	}
	st.Results = exec.CurrentResults()
	st.Query = exec.CurrentQuery()
	emit(streamer.Frame{Section: streamer.SectionResults, Text: fmt.Sprintf("Query results: %v", st.Results)})
	emit(streamer.DoneFrame(streamer.SectionResults))
	return nil
}

// processResults enriches metabolite rows with their descriptions.
func (p *Pipeline) processResults(ctx context.Context, st *RunState, emit streamer.EmitFunc) error {
	if len(st.Results) == 0 {
		emit(streamer.Frame{Section: streamer.SectionWarning, Text: "No results to process"})
		return nil
	}
	var metabolites []string
	for _, e := range st.Entities {
		if e.Type == "Metabolite" {
			metabolites = append(metabolites, e.Name)
		}
	}
	if len(metabolites) == 0 {
		return nil
	}
	descriptions, err := p.matcher.Descriptions(ctx, metabolites)
	if err != nil {
		p.logger.Warn("description enrichment failed", zap.String("run_id", st.RunID), zap.Error(err))
		return nil
	}
	if len(descriptions) > 0 {
		st.Results = append(st.Results, descriptions...)
		emit(streamer.Frame{Section: streamer.SectionResults, Text: fmt.Sprintf("Processed results: %v", st.Results)})
	}
	return nil
}

// evaluateSufficiency asks the model whether the results answer the
// question, splicing requested additions into the query and re-running
// it, up to the round ceiling.
func (p *Pipeline) evaluateSufficiency(ctx context.Context, st *RunState, exec *Executor, emit streamer.EmitFunc) error {
	rounds := 0
	max := p.cfg.MaxSufficiencyRounds
	for rounds <= max {
		content, err := p.streamPrompt(ctx, RoleSufficiency, "Sufficiency", llm.PromptSufficiency, map[string]any{
			"Schema":   p.schema,
			"Question": st.Question,
			"Query":    st.Query,
			"Results":  formatJSON(st.Results),
		}, "json", emit)
		if err != nil {
			return err
		}
		verdict, perr := parseVerdict(content)
		if perr != nil {
			rounds++
			if rounds > max {
				emit(streamer.Frame{
					Section: streamer.SectionError,
					Text:    fmt.Sprintf("Failed to evaluate sufficiency after %d attempts: %v", max, perr),
				})
				return nil
			}
			emit(streamer.Frame{
				Section: streamer.SectionRetry,
				Text:    fmt.Sprintf("Attempt %d of %d: Failed to parse sufficiency evaluation", rounds, max),
			})
			continue
		}
		if !verdict.ShouldRetry {
			return nil
		}
		// A retry verdict without an addition gives nothing to splice;
		// stop rather than rerun the identical query.
		if strings.TrimSpace(verdict.QueryAddition) == "" {
			emit(streamer.Frame{Section: streamer.SectionError, Text: "No query addition provided in sufficiency plan"})
			return nil
		}
		rounds++
		if rounds > max {
			emit(streamer.Frame{
				Section: streamer.SectionError,
				Text:    fmt.Sprintf("Query results still insufficient after %d additions", max),
			})
			return nil
		}
		emit(streamer.Frame{
			Section: "Query Addition",
			Text:    fmt.Sprintf("Attempt %d of %d: Adding additional query components...", rounds, max),
		})
		metrics.SufficiencyRounds.Inc()

		st.Query = spliceAddition(st.Query, verdict.QueryAddition)
		if err := p.executeQuery(ctx, st, exec, emit); err != nil {
			return err
		}
		if err := p.processResults(ctx, st, emit); err != nil {
			return err
		}
	}
	return nil
}

// summarize produces the database summary and, when the graph came up
// empty, an external-API summary over whatever the fallback recovered.
func (p *Pipeline) summarize(ctx context.Context, st *RunState, emit streamer.EmitFunc) (dbSummary, apiSummary string, err error) {
	if len(st.Results) > 0 {
		dbSummary, err = p.streamPrompt(ctx, RoleSummary, "DB Summary", llm.PromptSummary, map[string]any{
			"Question": st.Question,
			"Results":  formatJSON(st.Results),
		}, "", emit)
		if err != nil {
			return "", "", err
		}
		return dbSummary, "", nil
	}

	fields := p.fallback(ctx, st, emit)
	if len(fields) == 0 {
		// Nothing from either source; answer directly so the caller
		// still gets a response.
		apiSummary, err = p.streamPrompt(ctx, RoleDirect, "API Summary", llm.PromptDirect, map[string]any{
			"Question": st.Question,
		}, "", emit)
		if err != nil {
			return "", "", err
		}
		return "", apiSummary, nil
	}
	apiSummary, err = p.streamPrompt(ctx, RoleSummary, "API Summary", llm.PromptSummary, map[string]any{
		"Question": st.Question,
		"Results":  formatJSON(fields),
	}, "", emit)
	if err != nil {
		return "", "", err
	}
	return "", apiSummary, nil
}

// fallback resolves the plan's requested properties from the external
// API when the graph yielded nothing. Failures degrade to a warning;
// the fallback never kills a run that got this far.
func (p *Pipeline) fallback(ctx context.Context, st *RunState, emit streamer.EmitFunc) map[string]any {
	if p.resolver == nil || st.Plan == nil {
		return nil
	}
	var entityName string
	for _, e := range st.Entities {
		if e.Type == "Metabolite" {
			entityName = e.Name
			break
		}
	}
	if entityName == "" && len(st.Entities) > 0 {
		entityName = st.Entities[0].Name
	}
	if entityName == "" {
		return nil
	}

	var missing []string
	for _, prop := range st.Plan.Graph.Properties {
		if prop != "" && prop != "name" {
			missing = append(missing, prop)
		}
	}
	if len(missing) == 0 {
		missing = []string{"description"}
	}

	existing := map[string]any{"name": entityName}
	res, err := p.resolver.ResolveMissingFields(ctx, missing, "", existing)
	if err != nil {
		metrics.FallbackInvocations.WithLabelValues("error").Inc()
		p.logger.Warn("external fallback failed",
			zap.String("run_id", st.RunID),
			zap.String("entity", entityName),
			zap.Error(err),
		)
		emit(streamer.Frame{Section: streamer.SectionWarning, Text: fmt.Sprintf("External lookup failed: %v", err)})
		return nil
	}
	metrics.FallbackInvocations.WithLabelValues("ok").Inc()
	if len(res.Unattainable) > 0 {
		emit(streamer.Frame{
			Section: streamer.SectionWarning,
			Text:    fmt.Sprintf("Fields unavailable from external source: %s", strings.Join(res.Unattainable, ", ")),
		})
	}
	return res.Fields
}

// regenerateFunc adapts the retry prompt into the executor's callback.
func (p *Pipeline) regenerateFunc() RegenerateFunc {
	return func(ctx context.Context, in RegenInput, emit streamer.EmitFunc) (string, error) {
		return p.streamPrompt(ctx, RoleQuery, "Query execution", llm.PromptRetry, map[string]any{
			"Schema":   p.schema,
			"Plan":     formatJSON(in.Plan),
			"OldQuery": in.OldQuery,
			"Error":    in.Error,
			"History":  formatHistory(in.History),
		}, "", emit)
	}
}

// streamPrompt renders the prompt, streams the model's output through a
// section splitter, and returns the accumulated content.
func (p *Pipeline) streamPrompt(ctx context.Context, role, section, promptName string, data any, format string, emit streamer.EmitFunc) (string, error) {
	prompt, err := llm.Render(promptName, data)
	if err != nil {
		return "", err
	}
	split := streamer.NewSplitter(section, emit)
	defer split.Close()

	begin := time.Now()
	chunks, errc := p.gen.Stream(ctx, llm.Request{
		Model:  p.model(role),
		Prompt: prompt,
		Format: format,
	})
	for chunk := range chunks {
		split.Write(chunk)
	}
	err = <-errc
	metrics.ModelCallDuration.WithLabelValues(role).Observe(time.Since(begin).Seconds())
	if err != nil {
		metrics.ModelCalls.WithLabelValues(role, "error").Inc()
		return "", fmt.Errorf("%s generation: %w", role, err)
	}
	metrics.ModelCalls.WithLabelValues(role, "ok").Inc()
	return split.Content(), nil
}

func (p *Pipeline) model(role string) string {
	if m, ok := p.cfg.Models[role]; ok && m != "" {
		return m
	}
	return p.cfg.DefaultModel
}

// remember stores the answered turn; storage failures only log.
func (p *Pipeline) remember(ctx context.Context, st *RunState, answer, source string) {
	if p.memory == nil || st.SessionID == "" {
		return
	}
	var entity string
	if len(st.Entities) > 0 {
		entity = st.Entities[0].Name
	}
	var tags []string
	if st.Plan != nil {
		tags = append(tags, st.Plan.Graph.Properties...)
	}
	if _, err := p.memory.StoreTurn(ctx, st.SessionID, memory.Turn{
		UserQuery: st.Question,
		Answer:    answer,
		Source:    source,
		Entity:    entity,
		Tags:      tags,
	}); err != nil {
		p.logger.Warn("memory store failed", zap.String("run_id", st.RunID), zap.Error(err))
	}
}

func formatJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func formatHistory(history []QueryAttempt) string {
	var b strings.Builder
	for _, a := range history {
		fmt.Fprintf(&b, "Query: %s\nError: %s\n\n", a.Query, a.Error)
	}
	return strings.TrimSpace(b.String())
}
