package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"repoagent/internal/llm"
	"repoagent/models"
)

func newTestAnalyzer(model *fakeLLM) *analyzer {
	a := &analyzer{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	if model != nil {
		a.newLLM = fakeFactory(model)
	}
	return a
}

func newTestState(config *models.SearchConfig) *sessionState {
	if config == nil {
		config = defaultSearchConfig()
	}
	return newSessionState("how does indexing work", config, time.Now())
}

func TestHeuristicStopLimitAtIterationCap(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(nil)
	config := baseConfig()

	// Two recorded iterations put us at iteration 3 of 3.
	state.iterations = make([]models.IterationResult, config.MaxIterations-1)

	action := worker.heuristic(state, mkChunks("x", 0.9, 0.9, 0.9), config)
	assert.Equal(t, models.ActionStopLimit, action.Type,
		"the iteration cap outranks every other rule, even strong evidence")
}

func TestHeuristicStopLimitWhenTimeNearlyExhausted(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(nil)
	state.startTime = time.Now().Add(-117 * time.Second)
	config := baseConfig() // 120s budget, <5s remaining

	action := worker.heuristic(state, mkChunks("x", 0.9, 0.9, 0.9), config)
	assert.Equal(t, models.ActionStopLimit, action.Type)
}

func TestHeuristicStopSuccess(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(nil)
	config := baseConfig()

	action := worker.heuristic(state, mkChunks("x", 0.9, 0.8, 0.7), config)
	assert.Equal(t, models.ActionStopSuccess, action.Type)
	assert.InDelta(t, 0.8, action.Confidence, 1e-9)
}

func TestHeuristicZeroChunksWidensSearch(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(nil)

	action := worker.heuristic(state, nil, baseConfig())
	require.Equal(t, models.ActionExpandSearch, action.Type)
	require.NotNil(t, action.SearchAdjustments)
	assert.Equal(t, 20, *action.SearchAdjustments.RetrieverSize)
	assert.InDelta(t, 0.1, *action.SearchAdjustments.RetrieverThreshold, 1e-9)
	assert.InDelta(t, 0.5, *action.SearchAdjustments.BM25Weight, 1e-9)
	assert.Zero(t, action.Confidence)
}

func TestHeuristicRefineBeatsExpandForManyWeakChunks(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(nil)
	config := baseConfig()

	// Ten chunks averaging 0.2: plenty of results, none of them on target.
	weak := mkChunks("w", 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2, 0.2)
	action := worker.heuristic(state, weak, config)
	assert.Equal(t, models.ActionRefineQuery, action.Type)

	// The same scores on only three chunks expand instead: too little signal
	// to blame the query.
	action = worker.heuristic(state, mkChunks("f", 0.2, 0.2, 0.2), config)
	assert.Equal(t, models.ActionExpandSearch, action.Type)
}

func TestHeuristicExpandGrowsFromCurrentConfig(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(&models.SearchConfig{
		Retriever: &models.RetrieverConfig{Size: 25, Threshold: 0.15},
	})

	action := worker.heuristic(state, mkChunks("f", 0.4, 0.4), baseConfig())
	require.Equal(t, models.ActionExpandSearch, action.Type)
	require.NotNil(t, action.SearchAdjustments)
	assert.Equal(t, 30, *action.SearchAdjustments.RetrieverSize, "growth is capped at 30")
	assert.InDelta(t, 0.1, *action.SearchAdjustments.RetrieverThreshold, 1e-9,
		"decay is floored at 0.1")
}

func TestHeuristicExpandTreatsZeroParamsAsDefaults(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(&models.SearchConfig{})

	action := worker.heuristic(state, mkChunks("f", 0.4, 0.4), baseConfig())
	require.Equal(t, models.ActionExpandSearch, action.Type)
	require.NotNil(t, action.SearchAdjustments)
	assert.Equal(t, 20, *action.SearchAdjustments.RetrieverSize)
	assert.InDelta(t, 0.2, *action.SearchAdjustments.RetrieverThreshold, 1e-9)
}

func TestHeuristicAcceptableAverageStops(t *testing.T) {
	worker := newTestAnalyzer(nil)
	state := newTestState(nil)

	config := baseConfig()
	config.ConfidenceThreshold = 0.9 // unreachable, so the earlier success rule never fires

	action := worker.heuristic(state, mkChunks("x", 0.6, 0.6, 0.6), config)
	assert.Equal(t, models.ActionStopSuccess, action.Type)

	// Enough relevant chunks, but the long tail drags the average under the
	// acceptable floor: no further round is likely to improve on this.
	action = worker.heuristic(state, mkChunks("x", 0.5, 0.5, 0.5, 0.1, 0.1, 0.1), config)
	assert.Equal(t, models.ActionStopLimit, action.Type)
}

func TestAnalyzeLLMFailureMatchesHeuristicExactly(t *testing.T) {
	chunks := mkChunks("x", 0.4, 0.4)
	config := baseConfig()
	config.LLM = &models.LLMConfig{Model: "test-model"}

	fixed := time.Unix(1700000000, 0)
	clock := func() time.Time { return fixed.Add(10 * time.Second) }

	model := &fakeLLM{responses: []string{`{"error": "context too long"}`}}
	withLLM := &analyzer{newLLM: fakeFactory(model), logger: zap.NewNop(), now: clock}
	pure := &analyzer{logger: zap.NewNop(), now: clock}

	state := newSessionState("q", defaultSearchConfig(), fixed)
	got := withLLM.analyze(context.Background(), state, chunks, config)

	state2 := newSessionState("q", defaultSearchConfig(), fixed)
	want := pure.heuristic(state2, chunks, config)

	assert.Equal(t, want, got, "the fallback must be indistinguishable from pure heuristics")
}

func TestAnalyzeLLMDecision(t *testing.T) {
	config := baseConfig()
	config.LLM = &models.LLMConfig{Model: "test-model"}
	chunks := mkChunks("x", 0.4, 0.4)

	t.Run("valid decision with fenced JSON", func(t *testing.T) {
		model := &fakeLLM{responses: []string{
			"```json\n{\"action_type\": \"narrow_search\", \"confidence\": 0.65, \"reasoning\": \"tighten\", \"search_adjustments\": {\"retriever_threshold\": 0.5}}\n```",
		}}
		worker := newTestAnalyzer(model)

		action := worker.analyze(context.Background(), newTestState(nil), chunks, config)
		assert.Equal(t, models.ActionNarrowSearch, action.Type)
		assert.InDelta(t, 0.65, action.Confidence, 1e-9)
		require.NotNil(t, action.SearchAdjustments)
		assert.InDelta(t, 0.5, *action.SearchAdjustments.RetrieverThreshold, 1e-9)
	})

	t.Run("unknown action type falls back", func(t *testing.T) {
		model := &fakeLLM{responses: []string{
			`{"action_type": "try_harder", "confidence": 0.9, "reasoning": "?"}`,
		}}
		worker := newTestAnalyzer(model)

		action := worker.analyze(context.Background(), newTestState(nil), chunks, config)
		assert.Equal(t, models.ActionExpandSearch, action.Type,
			"two weak chunks heuristically expand")
	})

	t.Run("malformed JSON falls back", func(t *testing.T) {
		model := &fakeLLM{responses: []string{"I think you should expand the search."}}
		worker := newTestAnalyzer(model)

		action := worker.analyze(context.Background(), newTestState(nil), chunks, config)
		assert.Equal(t, models.ActionExpandSearch, action.Type)
	})

	t.Run("missing confidence defaults to round average", func(t *testing.T) {
		model := &fakeLLM{responses: []string{
			`{"action_type": "stop_limit", "reasoning": "nothing more to gain"}`,
		}}
		worker := newTestAnalyzer(model)

		action := worker.analyze(context.Background(), newTestState(nil), chunks, config)
		assert.Equal(t, models.ActionStopLimit, action.Type)
		assert.InDelta(t, 0.4, action.Confidence, 1e-9)
	})

	t.Run("out-of-range confidence is clamped", func(t *testing.T) {
		model := &fakeLLM{responses: []string{
			`{"action_type": "stop_success", "confidence": 1.8, "reasoning": "very sure"}`,
		}}
		worker := newTestAnalyzer(model)

		action := worker.analyze(context.Background(), newTestState(nil), chunks, config)
		assert.InDelta(t, 1.0, action.Confidence, 1e-9)
	})
}

func TestGetClientRebuildsOnConfigChange(t *testing.T) {
	built := 0
	worker := &analyzer{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	worker.newLLM = func(cfg *models.LLMConfig) (llm.CompletionService, error) {
		built++
		return &fakeLLM{}, nil
	}

	cfgA := &models.LLMConfig{Model: "model-a"}
	_, err := worker.getClient(cfgA)
	require.NoError(t, err)
	_, err = worker.getClient(&models.LLMConfig{Model: "model-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, built, "an equal configuration must reuse the cached client")

	_, err = worker.getClient(&models.LLMConfig{Model: "model-b"})
	require.NoError(t, err)
	assert.Equal(t, 2, built)
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a": 1}`:                          `{"a": 1}`,
		"```json\n{\"a\": 1}\n```":          `{"a": 1}`,
		"```\n{\"a\": 1}\n```":              `{"a": 1}`,
		"  \n```json\n{\"a\": 1}\n```\n  ":  `{"a": 1}`,
	}
	for input, want := range cases {
		assert.Equal(t, want, extractJSON(input))
	}
}
