package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoagent/internal/llm"
	"repoagent/models"
)

// fakeSearcher replays scripted rounds and records what it was called with.
type fakeSearcher struct {
	rounds [][]*models.Chunk
	errs   []error
	calls  []searchCall
}

type searchCall struct {
	query  string
	config *models.SearchConfig
}

func (f *fakeSearcher) Search(_ context.Context, request *models.QueryRequest, config *models.SearchConfig) (*models.QueryResponse, error) {
	i := len(f.calls)
	f.calls = append(f.calls, searchCall{query: request.LastUserMessage(), config: config.Clone()})
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	var chunks []*models.Chunk
	if i < len(f.rounds) {
		chunks = f.rounds[i]
	}
	return &models.QueryResponse{Sources: chunks}, nil
}

// fakeLLM replays scripted completions.
type fakeLLM struct {
	responses []string
	errs      []error
	calls     int
}

func (f *fakeLLM) Complete(_ context.Context, _, _ string) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func fakeFactory(f *fakeLLM) LLMFactory {
	return func(*models.LLMConfig) (llm.CompletionService, error) { return f, nil }
}

func mkChunk(id string, score float64) *models.Chunk {
	return &models.Chunk{
		Content: "func " + id + "() {}",
		Metadata: models.ChunkMetadata{
			ChunkID:   id,
			Filepath:  "src/" + id + ".go",
			StartLine: 1,
			EndLine:   3,
			Language:  "go",
		},
		RetrievalScore: models.Float(score),
	}
}

func mkChunks(prefix string, scores ...float64) []*models.Chunk {
	chunks := make([]*models.Chunk, len(scores))
	for i, s := range scores {
		chunks[i] = mkChunk(fmt.Sprintf("%s-%d", prefix, i), s)
	}
	return chunks
}

func mkRequest(query string) *models.QueryRequest {
	return &models.QueryRequest{
		Repo:     "github.com/owner/repo",
		Messages: []models.Message{{Role: "user", Content: query}},
	}
}

func baseConfig() *models.AgentConfig {
	return &models.AgentConfig{
		MaxIterations:             3,
		MaxTimeSeconds:            120,
		ConfidenceThreshold:       0.7,
		MinRelevantChunks:         3,
		RelevanceScoreThreshold:   0.5,
		EnableQueryRefinement:     true,
		EnableFilterAdjustment:    true,
		EnableRetrieverAdjustment: true,
	}
}

func TestRunEmptyQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	controller := NewController(searcher)

	request := &models.QueryRequest{Repo: "r", Messages: []models.Message{{Role: "assistant", Content: "hi"}}}
	result, err := controller.Run(context.Background(), request, baseConfig())

	require.ErrorIs(t, err, ErrEmptyQuery)
	assert.Equal(t, models.StatusNoRelevantSources, result.Status)
	assert.Empty(t, result.Iterations)
	assert.Empty(t, searcher.calls)
}

// The end-to-end scenario: an empty first round widens the search, the second
// round satisfies the heuristic and stops with the accumulated evidence.
func TestRunEndToEndScenario(t *testing.T) {
	searcher := &fakeSearcher{
		rounds: [][]*models.Chunk{
			nil,
			mkChunks("r2", 0.9, 0.8, 0.6, 0.4, 0.3, 0.2),
		},
	}
	controller := NewController(searcher)

	result, err := controller.Run(context.Background(), mkRequest("How is auth handled?"), baseConfig())
	require.NoError(t, err)

	require.Len(t, result.Iterations, 2)
	assert.Equal(t, models.ActionExpandSearch, result.Iterations[0].Action.Type)
	assert.Equal(t, models.ActionStopSuccess, result.Iterations[1].Action.Type)

	// Round 1's widening must be live in round 2's configuration.
	require.Len(t, searcher.calls, 2)
	retriever := searcher.calls[1].config.Retriever
	require.NotNil(t, retriever)
	assert.Equal(t, 20, retriever.Size)
	assert.InDelta(t, 0.1, retriever.Threshold, 1e-9)
	assert.InDelta(t, 0.5, retriever.BM25Weight, 1e-9)

	assert.Equal(t, models.StatusNoLLM, result.Status)
	require.Len(t, result.Sources, 6)
	for i := 1; i < len(result.Sources); i++ {
		assert.GreaterOrEqual(t,
			result.Sources[i-1].EffectiveScore(), result.Sources[i].EffectiveScore())
	}
	assert.Equal(t, "Found 6 relevant code fragments.", result.Answer)
}

// A chunk identifier seen in an earlier round contributes exactly once, with
// the score attached at first sight.
func TestRunDeduplicatesAcrossRounds(t *testing.T) {
	searcher := &fakeSearcher{
		rounds: [][]*models.Chunk{
			{mkChunk("a", 0.5), mkChunk("b", 0.6)},
			{mkChunk("a", 0.9), mkChunk("c", 0.7)},
			{mkChunk("b", 0.95)},
		},
	}
	controller := NewController(searcher)

	// Thresholds no round can satisfy, so the loop runs to its iteration cap.
	config := baseConfig()
	config.ConfidenceThreshold = 0.99
	config.MinRelevantChunks = 10
	config.RelevanceScoreThreshold = 0.99

	result, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	ids := map[string]float64{}
	for _, chunk := range result.Sources {
		_, dup := ids[chunk.Metadata.ChunkID]
		require.False(t, dup, "chunk %s appears twice", chunk.Metadata.ChunkID)
		ids[chunk.Metadata.ChunkID] = chunk.EffectiveScore()
	}
	assert.InDelta(t, 0.5, ids["a"], 1e-9, "first-seen score must win")
	assert.InDelta(t, 0.6, ids["b"], 1e-9)
}

func TestRunTerminatesAtIterationCap(t *testing.T) {
	searcher := &fakeSearcher{} // every round returns nothing
	controller := NewController(searcher)

	config := baseConfig()
	config.MaxIterations = 4

	result, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	require.Len(t, result.Iterations, 4)
	assert.Equal(t, models.ActionStopLimit, result.Iterations[3].Action.Type)
	assert.Equal(t, models.StatusNoRelevantSources, result.Status)
	assert.Equal(t, "No relevant code fragments were found for your question.", result.Answer)
}

func TestRunTerminatesOnTimeBudget(t *testing.T) {
	searcher := &fakeSearcher{}

	// Every clock reading advances one minute, so the 90s budget is exhausted
	// after the first round regardless of the iteration cap.
	current := time.Unix(0, 0)
	clock := func() time.Time {
		current = current.Add(time.Minute)
		return current
	}
	controller := NewController(searcher, WithClock(clock))

	config := baseConfig()
	config.MaxIterations = 100
	config.MaxTimeSeconds = 90

	result, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(result.Iterations), 2)
	assert.LessOrEqual(t, len(searcher.calls), 2)
}

func TestRunSearchFailureIsEmptyRound(t *testing.T) {
	searcher := &fakeSearcher{
		errs: []error{errors.New("qdrant unreachable")},
		rounds: [][]*models.Chunk{
			nil,
			mkChunks("ok", 0.9, 0.8, 0.7),
		},
	}
	controller := NewController(searcher)

	result, err := controller.Run(context.Background(), mkRequest("query"), baseConfig())
	require.NoError(t, err, "collaborator failures must not abort the session")

	require.Len(t, result.Iterations, 2)
	assert.Equal(t, 0, result.Iterations[0].ChunksFound)
	assert.Equal(t, models.ActionExpandSearch, result.Iterations[0].Action.Type)
	assert.Equal(t, models.ActionStopSuccess, result.Iterations[1].Action.Type)
	assert.Len(t, result.Sources, 3)
}

func TestRunStopSuccessInclusiveBoundary(t *testing.T) {
	// relevant_count == min_relevant_chunks and avg == confidence_threshold
	// must stop successfully: both thresholds are inclusive.
	searcher := &fakeSearcher{
		rounds: [][]*models.Chunk{mkChunks("b", 0.6, 0.6)},
	}
	controller := NewController(searcher)

	config := baseConfig()
	config.MinRelevantChunks = 2
	config.ConfidenceThreshold = 0.6
	config.RelevanceScoreThreshold = 0.6

	result, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	require.Len(t, result.Iterations, 1)
	assert.Equal(t, models.ActionStopSuccess, result.Iterations[0].Action.Type)
}

func TestRunQueryRefinementPermission(t *testing.T) {
	refineThenStop := []string{
		`{"action_type": "refine_query", "confidence": 0.4, "reasoning": "retarget", "refined_query": "token validation middleware"}`,
		`{"action_type": "stop_limit", "confidence": 0.4, "reasoning": "done"}`,
	}

	for _, tc := range []struct {
		name      string
		permitted bool
		wantQuery string
	}{
		{name: "refinement permitted", permitted: true, wantQuery: "token validation middleware"},
		{name: "refinement denied", permitted: false, wantQuery: "How is auth handled?"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			searcher := &fakeSearcher{
				rounds: [][]*models.Chunk{mkChunks("x", 0.3), mkChunks("y", 0.3)},
			}
			model := &fakeLLM{responses: refineThenStop}
			controller := NewController(searcher, WithLLMFactory(fakeFactory(model)))

			config := baseConfig()
			config.EnableQueryRefinement = tc.permitted
			config.LLM = &models.LLMConfig{Model: "test-model"}

			_, err := controller.Run(context.Background(), mkRequest("How is auth handled?"), config)
			require.NoError(t, err)

			require.Len(t, searcher.calls, 2)
			assert.Equal(t, tc.wantQuery, searcher.calls[1].query)
		})
	}
}

func TestRunRetrieverAdjustmentPermissionDenied(t *testing.T) {
	searcher := &fakeSearcher{
		rounds: [][]*models.Chunk{nil, nil},
	}
	controller := NewController(searcher)

	config := baseConfig()
	config.MaxIterations = 2
	config.EnableRetrieverAdjustment = false

	_, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	// Round 1 decided expand_search, but without permission round 2 must run
	// with the untouched default configuration.
	require.Len(t, searcher.calls, 2)
	retriever := searcher.calls[1].config.Retriever
	require.NotNil(t, retriever)
	assert.Equal(t, 10, retriever.Size)
	assert.InDelta(t, 0.3, retriever.Threshold, 1e-9)
}

func TestRunFilterAdjustmentRebuildsTree(t *testing.T) {
	decisions := []string{
		`{"action_type": "adjust_filters", "confidence": 0.5, "reasoning": "focus on go",
		  "filter_adjustments": {"languages": ["go"], "exclude_filepaths": ["vendor/*"]}}`,
		`{"action_type": "stop_limit", "confidence": 0.5, "reasoning": "done"}`,
	}
	searcher := &fakeSearcher{
		rounds: [][]*models.Chunk{mkChunks("x", 0.4), mkChunks("y", 0.4)},
	}
	model := &fakeLLM{responses: decisions}
	controller := NewController(searcher, WithLLMFactory(fakeFactory(model)))

	config := baseConfig()
	config.LLM = &models.LLMConfig{Model: "test-model"}

	_, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	require.Len(t, searcher.calls, 2)
	filtering := searcher.calls[1].config.Filtering
	require.NotNil(t, filtering)
	assert.True(t, filtering.Enabled)

	root, ok := filtering.Filter.(*models.FilterGroup)
	require.True(t, ok, "two conditions must combine under an and-group")
	assert.Equal(t, models.OpAnd, root.Operator)
	require.Len(t, root.Values, 2)

	lang, ok := root.Values[0].(*models.FilterCondition)
	require.True(t, ok)
	assert.Equal(t, "language", lang.Name)
	assert.Equal(t, models.OpIn, lang.Operator)

	exclude, ok := root.Values[1].(*models.FilterGroup)
	require.True(t, ok, "exclude globs must be negated groups")
	assert.Equal(t, models.OpNot, exclude.Operator)
}

func TestRunFinalAnswerSynthesis(t *testing.T) {
	t.Run("llm_rag with synthesized answer", func(t *testing.T) {
		searcher := &fakeSearcher{rounds: [][]*models.Chunk{mkChunks("a", 0.9, 0.8, 0.7)}}
		model := &fakeLLM{responses: []string{
			`{"action_type": "stop_success", "confidence": 0.8, "reasoning": "good evidence"}`,
			"Auth is handled via middleware in src/a-0.go.",
		}}
		controller := NewController(searcher, WithLLMFactory(fakeFactory(model)))

		config := baseConfig()
		config.GenerateFinalAnswer = true
		config.LLM = &models.LLMConfig{Model: "test-model"}

		result, err := controller.Run(context.Background(), mkRequest("How is auth handled?"), config)
		require.NoError(t, err)

		assert.Equal(t, models.StatusLLMRAG, result.Status)
		assert.Equal(t, "Auth is handled via middleware in src/a-0.go.", result.Answer)
	})

	t.Run("synthesis failure falls back to formatted sources", func(t *testing.T) {
		searcher := &fakeSearcher{rounds: [][]*models.Chunk{mkChunks("a", 0.9, 0.8, 0.7)}}
		model := &fakeLLM{
			responses: []string{`{"action_type": "stop_success", "confidence": 0.8, "reasoning": "ok"}`},
			errs:      []error{nil, errors.New("rate limited")},
		}
		controller := NewController(searcher, WithLLMFactory(fakeFactory(model)))

		config := baseConfig()
		config.GenerateFinalAnswer = true
		config.LLM = &models.LLMConfig{Model: "test-model"}

		result, err := controller.Run(context.Background(), mkRequest("query"), config)
		require.NoError(t, err)

		assert.Equal(t, models.StatusLLMRAG, result.Status)
		assert.Contains(t, result.Answer, "### Source 1")
		assert.Contains(t, result.Answer, "src/a-0.go")
	})

	t.Run("no llm config yields no_llm", func(t *testing.T) {
		searcher := &fakeSearcher{rounds: [][]*models.Chunk{mkChunks("a", 0.9, 0.8, 0.7)}}
		controller := NewController(searcher)

		config := baseConfig()
		config.GenerateFinalAnswer = true

		result, err := controller.Run(context.Background(), mkRequest("query"), config)
		require.NoError(t, err)

		assert.Equal(t, models.StatusNoLLM, result.Status)
		assert.Contains(t, result.Answer, "### Source 1")
	})
}

func TestRunCapsFinalSources(t *testing.T) {
	scores := make([]float64, 15)
	for i := range scores {
		scores[i] = 0.9 - float64(i)*0.01
	}
	searcher := &fakeSearcher{rounds: [][]*models.Chunk{mkChunks("many", scores...)}}
	controller := NewController(searcher)

	config := baseConfig()
	config.MinRelevantChunks = 1
	config.ConfidenceThreshold = 0.5

	result, err := controller.Run(context.Background(), mkRequest("query"), config)
	require.NoError(t, err)

	assert.Len(t, result.Sources, 10)
	assert.InDelta(t, 0.9, result.Sources[0].EffectiveScore(), 1e-9)
}

func TestRunIterationSnapshotsAreImmutable(t *testing.T) {
	searcher := &fakeSearcher{rounds: [][]*models.Chunk{nil, nil, nil}}
	controller := NewController(searcher)

	result, err := controller.Run(context.Background(), mkRequest("query"), baseConfig())
	require.NoError(t, err)

	// Round 1 ran with the defaults; the widening applied afterwards must not
	// leak into round 1's recorded snapshot.
	require.GreaterOrEqual(t, len(result.Iterations), 2)
	first := result.Iterations[0].SearchConfig
	require.NotNil(t, first.Retriever)
	assert.Equal(t, 10, first.Retriever.Size)
	second := result.Iterations[1].SearchConfig
	require.NotNil(t, second.Retriever)
	assert.Equal(t, 20, second.Retriever.Size)
}
