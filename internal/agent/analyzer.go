// Why this file: ./internal/agent/analyzer.go
// The result analyzer: given one round's chunks and the session so far, pick
// exactly one next action. The LLM strategy asks a model for a structured
// decision; the heuristic strategy is the deterministic fallback and the only
// strategy when no LLM is configured.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"repoagent/internal/llm"
	"repoagent/models"
)

// Heuristic decision boundaries. These reproduce the tuned production values;
// they are tunable constants, not derived invariants.
const (
	// stop_limit when less budget than this remains before a round.
	minRemainingSeconds = 5.0

	// refine_query when a round returns plenty of chunks that score poorly:
	// the query itself is likely mis-targeted.
	refineCountFloor = 5
	refineAvgCeiling = 0.3

	// stop_success floor for the "good enough" terminal branch.
	acceptableAvgFloor = 0.5

	// expand_search growth per round and its bounds.
	expandSizeStep       = 10
	expandSizeCap        = 30
	expandThresholdStep  = 0.1
	expandThresholdFloor = 0.1

	// Fixed widening applied when a round returns nothing at all.
	zeroResultsSize      = 20
	zeroResultsThreshold = 0.1
	zeroResultsBM25      = 0.5
)

type analyzer struct {
	newLLM LLMFactory
	logger *zap.Logger
	now    func() time.Time

	// Lazily constructed completion client, rebuilt only when the LLM
	// configuration value changes.
	client       llm.CompletionService
	clientConfig *models.LLMConfig
}

// analyze picks the next action for this round's freshly returned chunks.
// Every LLM failure degrades to the heuristic strategy; analyze never fails.
func (a *analyzer) analyze(ctx context.Context, state *sessionState, chunks []*models.Chunk, config *models.AgentConfig) models.AgentAction {
	if config.LLM == nil {
		return a.heuristic(state, chunks, config)
	}

	action, err := a.analyzeWithLLM(ctx, state, chunks, config)
	if err != nil {
		a.logger.Warn("LLM analysis failed, using heuristics", zap.Error(err))
		return a.heuristic(state, chunks, config)
	}
	return action
}

// heuristic applies the deterministic rules in strict priority order.
func (a *analyzer) heuristic(state *sessionState, chunks []*models.Chunk, config *models.AgentConfig) models.AgentAction {
	stats := computeChunkStats(chunks, config.RelevanceScoreThreshold)
	remaining := config.MaxTimeSeconds - a.now().Sub(state.startTime).Seconds()
	iteration := len(state.iterations) + 1

	if iteration >= config.MaxIterations || remaining < minRemainingSeconds {
		return models.AgentAction{
			Type:       models.ActionStopLimit,
			Confidence: stats.AvgScore,
			Reasoning: fmt.Sprintf("Limit reached: iteration %d/%d, %.1fs remaining.",
				iteration, config.MaxIterations, remaining),
		}
	}

	if stats.RelevantCount >= config.MinRelevantChunks && stats.AvgScore >= config.ConfidenceThreshold {
		return models.AgentAction{
			Type:       models.ActionStopSuccess,
			Confidence: stats.AvgScore,
			Reasoning: fmt.Sprintf("Found %d relevant chunks with average score %.3f.",
				stats.RelevantCount, stats.AvgScore),
		}
	}

	if stats.Count == 0 {
		return models.AgentAction{
			Type:       models.ActionExpandSearch,
			Confidence: 0,
			Reasoning:  "No chunks found, widening search parameters.",
			SearchAdjustments: &models.SearchAdjustments{
				RetrieverSize:      models.Int(zeroResultsSize),
				RetrieverThreshold: models.Float(zeroResultsThreshold),
				BM25Weight:         models.Float(zeroResultsBM25),
			},
		}
	}

	if stats.RelevantCount < config.MinRelevantChunks {
		if stats.Count >= refineCountFloor && stats.AvgScore < refineAvgCeiling {
			return models.AgentAction{
				Type:       models.ActionRefineQuery,
				Confidence: stats.AvgScore,
				Reasoning: fmt.Sprintf("Low relevance (avg=%.3f), the query needs refinement.",
					stats.AvgScore),
			}
		}

		size, threshold := currentRetrieverParams(state.searchConfig)
		return models.AgentAction{
			Type:       models.ActionExpandSearch,
			Confidence: stats.AvgScore,
			Reasoning: fmt.Sprintf("Too few relevant chunks (%d/%d).",
				stats.RelevantCount, config.MinRelevantChunks),
			SearchAdjustments: &models.SearchAdjustments{
				RetrieverSize:      models.Int(min(expandSizeCap, size+expandSizeStep)),
				RetrieverThreshold: models.Float(max(expandThresholdFloor, threshold-expandThresholdStep)),
			},
		}
	}

	if stats.AvgScore >= acceptableAvgFloor {
		return models.AgentAction{
			Type:       models.ActionStopSuccess,
			Confidence: stats.AvgScore,
			Reasoning:  "Acceptable relevance level reached.",
		}
	}

	return models.AgentAction{
		Type:       models.ActionStopLimit,
		Confidence: stats.AvgScore,
		Reasoning:  "Unable to significantly improve results.",
	}
}

// currentRetrieverParams reads the live retrieval size/threshold, substituting
// the built-in defaults for missing or zero values.
func currentRetrieverParams(config *models.SearchConfig) (int, float64) {
	size, threshold := 10, 0.3
	if config != nil && config.Retriever != nil {
		if config.Retriever.Size != 0 {
			size = config.Retriever.Size
		}
		if config.Retriever.Threshold != 0 {
			threshold = config.Retriever.Threshold
		}
	}
	return size, threshold
}

// llmDecision is the strictly validated shape of the model's JSON answer.
// Anything that does not unmarshal into it, carries an error field, or names
// an unknown action kind counts as a parse failure.
type llmDecision struct {
	Error             string                    `json:"error"`
	ActionType        string                    `json:"action_type"`
	Confidence        *float64                  `json:"confidence"`
	Reasoning         string                    `json:"reasoning"`
	RefinedQuery      string                    `json:"refined_query"`
	SearchAdjustments *models.SearchAdjustments `json:"search_adjustments"`
	FilterAdjustments *models.FilterAdjustments `json:"filter_adjustments"`
	FocusAreas        []string                  `json:"focus_areas"`
}

func (a *analyzer) analyzeWithLLM(ctx context.Context, state *sessionState, chunks []*models.Chunk, config *models.AgentConfig) (models.AgentAction, error) {
	client, err := a.getClient(config.LLM)
	if err != nil {
		return models.AgentAction{}, err
	}

	prompt := a.buildAnalysisPrompt(state, chunks, config)
	raw, err := client.Complete(ctx, agentSystemPrompt, prompt)
	if err != nil {
		return models.AgentAction{}, err
	}

	var decision llmDecision
	if err := json.Unmarshal([]byte(extractJSON(raw)), &decision); err != nil {
		return models.AgentAction{}, fmt.Errorf("failed to parse LLM JSON response: %w", err)
	}
	if decision.Error != "" {
		return models.AgentAction{}, fmt.Errorf("LLM returned error: %s", decision.Error)
	}

	actionType := models.ActionType(decision.ActionType)
	if !actionType.Valid() {
		return models.AgentAction{}, fmt.Errorf("unknown action type %q", decision.ActionType)
	}

	stats := computeChunkStats(chunks, config.RelevanceScoreThreshold)
	confidence := stats.AvgScore
	if decision.Confidence != nil {
		confidence = clamp01(*decision.Confidence)
	}
	reasoning := decision.Reasoning
	if reasoning == "" {
		reasoning = "LLM analysis"
	}

	action := models.AgentAction{
		Type:         actionType,
		Confidence:   confidence,
		Reasoning:    reasoning,
		RefinedQuery: decision.RefinedQuery,
		FocusAreas:   decision.FocusAreas,
	}
	if !decision.SearchAdjustments.Empty() {
		action.SearchAdjustments = decision.SearchAdjustments
	}
	if !decision.FilterAdjustments.Empty() {
		action.FilterAdjustments = decision.FilterAdjustments
	}
	return action, nil
}

func (a *analyzer) buildAnalysisPrompt(state *sessionState, chunks []*models.Chunk, config *models.AgentConfig) string {
	stats := computeChunkStats(chunks, config.RelevanceScoreThreshold)
	remaining := config.MaxTimeSeconds - a.now().Sub(state.startTime).Seconds()

	retriever := models.RetrieverConfig{}
	if state.searchConfig != nil && state.searchConfig.Retriever != nil {
		retriever = *state.searchConfig.Retriever
	}
	reranker := models.RerankerConfig{}
	if state.searchConfig != nil && state.searchConfig.Reranker != nil {
		reranker = *state.searchConfig.Reranker
	}

	return fmt.Sprintf(analysisPromptTemplate,
		state.originalQuery,
		state.currentQuery,
		len(state.iterations)+1,
		config.MaxIterations,
		remaining,
		config.MinRelevantChunks,
		config.RelevanceScoreThreshold,
		config.ConfidenceThreshold,
		retriever.Size,
		retriever.Threshold,
		retriever.BM25Weight,
		reranker.Enabled,
		reranker.TopK,
		describeFilters(state.searchConfig),
		stats.Count,
		stats.RelevantCount,
		config.RelevanceScoreThreshold,
		stats.AvgScore,
		stats.MaxScore,
		buildChunksSummary(chunks),
		buildHistorySummary(state.iterations),
	)
}

// getClient returns the cached completion client, rebuilding it when the LLM
// configuration changed since the last call.
func (a *analyzer) getClient(cfg *models.LLMConfig) (llm.CompletionService, error) {
	if a.client != nil && a.clientConfig.Equal(cfg) {
		return a.client, nil
	}
	client, err := a.newLLM(cfg)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.clientConfig = cfg
	return client, nil
}

// extractJSON strips a fenced ```json block, if any, around the payload.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
