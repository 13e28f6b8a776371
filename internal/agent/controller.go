// Why this file: ./internal/agent/controller.go
// The iterative search controller. It runs bounded search rounds against the
// single-pass pipeline, accumulates deduplicated evidence, lets the analyzer
// steer the configuration between rounds, and produces the final answer.

package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"repoagent/internal/llm"
	"repoagent/models"
)

// ErrEmptyQuery is the only externally visible failure: the request carried no
// user query, so the loop never starts.
var ErrEmptyQuery = errors.New("no query provided")

// defaultMaxFinalChunks caps the evidence returned to the caller.
const defaultMaxFinalChunks = 10

// SearchService is the single-pass retrieval pipeline the controller drives
// once per iteration.
type SearchService interface {
	Search(ctx context.Context, request *models.QueryRequest, config *models.SearchConfig) (*models.QueryResponse, error)
}

// LLMFactory builds a completion client for an LLM configuration. The
// controller caches one client and rebuilds it only on config change.
type LLMFactory func(cfg *models.LLMConfig) (llm.CompletionService, error)

// Controller runs agent sessions. One Controller may serve many sessions, but
// each Run owns its session state exclusively; iterations within a session are
// strictly sequential because every round's configuration depends on the
// previous round's action.
type Controller struct {
	searcher SearchService
	newLLM   LLMFactory
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger.Named("agent")
		}
	}
}

// WithLLMFactory overrides how completion clients are constructed.
func WithLLMFactory(factory LLMFactory) Option {
	return func(c *Controller) { c.newLLM = factory }
}

// WithClock overrides the time source; used by tests to exercise the budget
// checks deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController builds a controller over the given search pipeline.
func NewController(searcher SearchService, opts ...Option) *Controller {
	c := &Controller{
		searcher: searcher,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	c.newLLM = func(cfg *models.LLMConfig) (llm.CompletionService, error) {
		return llm.NewClient(cfg, c.logger)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one full agent session: iterative search under iteration and
// wall-clock budgets, then evidence selection and answer synthesis.
//
// Collaborator failures never abort a session: a failed search pass counts as
// an empty round, a failed LLM analysis falls back to heuristics, and a failed
// final synthesis falls back to formatted sources.
func (c *Controller) Run(ctx context.Context, request *models.QueryRequest, config *models.AgentConfig) (*models.AgentResult, error) {
	start := c.now()

	query := request.LastUserMessage()
	if query == "" {
		c.logger.Warn("no user query found in request")
		return &models.AgentResult{
			Status: models.StatusNoRelevantSources,
			Answer: "Error: no query provided.",
		}, ErrEmptyQuery
	}

	maxFinal := config.MaxFinalChunks
	if maxFinal <= 0 {
		maxFinal = defaultMaxFinalChunks
	}

	initial := config.InitialSearchConfig
	if initial == nil {
		initial = defaultSearchConfig()
	} else {
		initial = initial.Clone()
		initial.Normalize()
	}

	state := newSessionState(query, initial, start)
	worker := &analyzer{newLLM: c.newLLM, logger: c.logger, now: c.now}

	c.logger.Info("starting agent search",
		zap.String("request_id", request.RequestID),
		zap.Int("max_iterations", config.MaxIterations),
		zap.Float64("max_time_seconds", config.MaxTimeSeconds))

	for iteration := 1; iteration <= config.MaxIterations; iteration++ {
		iterationStart := c.now()

		if iterationStart.Sub(start).Seconds() >= config.MaxTimeSeconds {
			c.logger.Info("time limit reached", zap.Int("iteration", iteration))
			break
		}

		chunks := c.runSearchPass(ctx, request, state, iteration)
		newChunks := state.addUniqueChunks(chunks)
		c.logger.Debug("merged round results",
			zap.Int("returned", len(chunks)), zap.Int("new", len(newChunks)))

		action := worker.analyze(ctx, state, chunks, config)

		stats := computeChunkStats(chunks, config.RelevanceScoreThreshold)
		state.iterations = append(state.iterations, models.IterationResult{
			Iteration:      iteration,
			QueryUsed:      state.currentQuery,
			ChunksFound:    len(chunks),
			RelevantChunks: stats.RelevantCount,
			AvgScore:       stats.AvgScore,
			MaxScore:       stats.MaxScore,
			Action:         action,
			Duration:       c.now().Sub(iterationStart),
			SearchConfig:   state.searchConfig.Clone(),
		})

		c.logger.Info("iteration completed",
			zap.Int("iteration", iteration),
			zap.Int("chunks", len(chunks)),
			zap.Int("relevant", stats.RelevantCount),
			zap.Float64("avg_score", stats.AvgScore),
			zap.String("action", string(action.Type)),
			zap.Float64("confidence", action.Confidence))

		if action.Type == models.ActionStopSuccess || action.Type == models.ActionStopLimit {
			break
		}

		c.applyAction(state, action, config)
	}

	return c.finish(ctx, state, config, worker, maxFinal, start), nil
}

// runSearchPass invokes the search pipeline with the current query substituted
// as the final user message. A pipeline failure degrades to an empty round.
func (c *Controller) runSearchPass(ctx context.Context, request *models.QueryRequest, state *sessionState, iteration int) []*models.Chunk {
	searchRequest := request
	if state.currentQuery != state.originalQuery {
		searchRequest = request.WithUserMessage(state.currentQuery)
	}

	response, err := c.searcher.Search(ctx, searchRequest, state.searchConfig)
	if err != nil {
		c.logger.Error("search failed", zap.Int("iteration", iteration), zap.Error(err))
		return nil
	}
	return response.Sources
}

// applyAction mutates the session per the chosen action, honoring the
// per-capability permissions. Payloads irrelevant to the action kind are
// ignored.
func (c *Controller) applyAction(state *sessionState, action models.AgentAction, config *models.AgentConfig) {
	if action.Type == models.ActionRefineQuery && action.RefinedQuery != "" && config.EnableQueryRefinement {
		state.currentQuery = action.RefinedQuery
		c.logger.Info("query refined", zap.String("query", action.RefinedQuery))
	}

	switch action.Type {
	case models.ActionExpandSearch, models.ActionNarrowSearch, models.ActionCombinedAction:
		if config.EnableRetrieverAdjustment && action.SearchAdjustments != nil {
			state.searchConfig = applySearchAdjustments(state.searchConfig, action.SearchAdjustments)
		}
	}

	switch action.Type {
	case models.ActionAdjustFilters, models.ActionCombinedAction:
		if config.EnableFilterAdjustment && action.FilterAdjustments != nil {
			state.searchConfig = applyFilterAdjustments(state.searchConfig, action.FilterAdjustments)
		}
	}
}

// finish selects the best evidence, determines the terminal status and
// synthesizes the answer.
func (c *Controller) finish(ctx context.Context, state *sessionState, config *models.AgentConfig, worker *analyzer, maxFinal int, start time.Time) *models.AgentResult {
	finalChunks := state.bestChunks(maxFinal)

	var status models.SessionStatus
	switch {
	case len(finalChunks) == 0:
		status = models.StatusNoRelevantSources
	case config.GenerateFinalAnswer && config.LLM != nil:
		status = models.StatusLLMRAG
	default:
		status = models.StatusNoLLM
	}

	answer := c.buildAnswer(ctx, state, config, worker, finalChunks)

	duration := c.now().Sub(start)
	c.logger.Info("agent search completed",
		zap.Int("iterations", len(state.iterations)),
		zap.Int("total_chunks", len(state.allChunks)),
		zap.Int("final_chunks", len(finalChunks)),
		zap.String("status", string(status)),
		zap.Duration("duration", duration))

	return &models.AgentResult{
		Status:     status,
		Answer:     answer,
		Sources:    finalChunks,
		Iterations: state.iterations,
		Duration:   duration,
	}
}
