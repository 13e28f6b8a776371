package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"repoagent/models"
)

func TestApplySearchAdjustmentsPartialOverwrite(t *testing.T) {
	config := defaultSearchConfig()
	adjusted := applySearchAdjustments(config, &models.SearchAdjustments{
		RetrieverThreshold: models.Float(0.2),
	})

	assert.InDelta(t, 0.2, adjusted.Retriever.Threshold, 1e-9)
	assert.Equal(t, 10, adjusted.Retriever.Size, "untouched fields keep their values")
	assert.InDelta(t, 0.3, adjusted.Retriever.BM25Weight, 1e-9)

	// The input configuration must survive unchanged: it backs the previous
	// iteration's snapshot.
	assert.InDelta(t, 0.3, config.Retriever.Threshold, 1e-9)
}

func TestApplySearchAdjustmentsEmptyIsNoop(t *testing.T) {
	config := defaultSearchConfig()
	adjusted := applySearchAdjustments(config, &models.SearchAdjustments{})
	assert.Same(t, config, adjusted)
}

func TestApplySearchAdjustmentsForceEnablesReranker(t *testing.T) {
	config := &models.SearchConfig{
		Retriever: &models.RetrieverConfig{Size: 10, Threshold: 0.3},
	}
	adjusted := applySearchAdjustments(config, &models.SearchAdjustments{
		RerankerTopK: models.Int(8),
	})

	require.NotNil(t, adjusted.Reranker)
	assert.True(t, adjusted.Reranker.Enabled)
	assert.Equal(t, 8, adjusted.Reranker.TopK)
}

func TestApplySearchAdjustmentsClampsRanges(t *testing.T) {
	config := defaultSearchConfig()
	adjusted := applySearchAdjustments(config, &models.SearchAdjustments{
		RetrieverSize:      models.Int(-4),
		RetrieverThreshold: models.Float(1.7),
		BM25Weight:         models.Float(-0.3),
	})

	assert.Equal(t, 0, adjusted.Retriever.Size)
	assert.InDelta(t, 1.0, adjusted.Retriever.Threshold, 1e-9)
	assert.InDelta(t, 0.0, adjusted.Retriever.BM25Weight, 1e-9)
}

// Repeatedly widening must converge on the bounds, never run past them.
func TestExpandAdjustmentsConvergeOnBounds(t *testing.T) {
	worker := &analyzer{logger: zap.NewNop(), now: time.Now}
	config := baseConfig()
	config.MaxIterations = 100
	config.MaxTimeSeconds = 3600

	state := newTestState(nil)
	chunks := mkChunks("weak", 0.4, 0.4)

	for round := 0; round < 10; round++ {
		action := worker.heuristic(state, chunks, config)
		require.Equal(t, models.ActionExpandSearch, action.Type)
		state.searchConfig = applySearchAdjustments(state.searchConfig, action.SearchAdjustments)

		assert.LessOrEqual(t, state.searchConfig.Retriever.Size, 30)
		assert.GreaterOrEqual(t, state.searchConfig.Retriever.Threshold, 0.1-1e-9)
	}

	assert.Equal(t, 30, state.searchConfig.Retriever.Size)
	assert.InDelta(t, 0.1, state.searchConfig.Retriever.Threshold, 1e-9)
}

func TestApplyFilterAdjustmentsSingleCondition(t *testing.T) {
	config := defaultSearchConfig()
	adjusted := applyFilterAdjustments(config, &models.FilterAdjustments{
		Languages: []string{"go", "python"},
	})

	require.NotNil(t, adjusted.Filtering)
	assert.True(t, adjusted.Filtering.Enabled)

	condition, ok := adjusted.Filtering.Filter.(*models.FilterCondition)
	require.True(t, ok, "a lone condition gets no group wrapper")
	assert.Equal(t, "language", condition.Name)
	assert.Equal(t, models.OpIn, condition.Operator)
	assert.Equal(t, []string{"go", "python"}, condition.Value)
}

func TestApplyFilterAdjustmentsCombined(t *testing.T) {
	config := defaultSearchConfig()
	adjusted := applyFilterAdjustments(config, &models.FilterAdjustments{
		Languages:        []string{"go"},
		IncludeFilepaths: []string{"internal/*"},
		ExcludeFilepaths: []string{"*_test.go", "vendor/*"},
	})

	root, ok := adjusted.Filtering.Filter.(*models.FilterGroup)
	require.True(t, ok)
	assert.Equal(t, models.OpAnd, root.Operator)
	require.Len(t, root.Values, 4)

	include, ok := root.Values[1].(*models.FilterCondition)
	require.True(t, ok)
	assert.Equal(t, "filepath", include.Name)
	assert.Equal(t, models.OpWildcard, include.Operator)
	assert.Equal(t, "internal/*", include.Value)

	for i := 2; i < 4; i++ {
		negated, ok := root.Values[i].(*models.FilterGroup)
		require.True(t, ok, "every exclude glob becomes its own negated group")
		assert.Equal(t, models.OpNot, negated.Operator)
		require.Len(t, negated.Values, 1)
		inner, ok := negated.Values[0].(*models.FilterCondition)
		require.True(t, ok)
		assert.Equal(t, models.OpWildcard, inner.Operator)
	}
}

func TestApplyFilterAdjustmentsReplacesPreviousTree(t *testing.T) {
	config := defaultSearchConfig()
	config.Filtering = &models.FilteringConfig{
		Enabled: true,
		Filter: &models.FilterCondition{
			Name: "language", Operator: models.OpEq, Value: "rust",
		},
	}

	adjusted := applyFilterAdjustments(config, &models.FilterAdjustments{
		IncludeFilepaths: []string{"cmd/*"},
	})

	condition, ok := adjusted.Filtering.Filter.(*models.FilterCondition)
	require.True(t, ok, "the old tree must be gone, not merged into")
	assert.Equal(t, "filepath", condition.Name)
	assert.Equal(t, "cmd/*", condition.Value)
}

func TestApplyFilterAdjustmentsEmptyIsNoop(t *testing.T) {
	config := defaultSearchConfig()
	adjusted := applyFilterAdjustments(config, &models.FilterAdjustments{})
	assert.Same(t, config, adjusted)
	assert.Nil(t, config.Filtering)
}

func TestSessionStateDedupAndSelection(t *testing.T) {
	state := newTestState(nil)

	added := state.addUniqueChunks([]*models.Chunk{mkChunk("a", 0.5), mkChunk("b", 0.9)})
	assert.Len(t, added, 2)

	added = state.addUniqueChunks([]*models.Chunk{mkChunk("a", 0.99), mkChunk("c", 0.7)})
	require.Len(t, added, 1)
	assert.Equal(t, "c", added[0].Metadata.ChunkID)

	best := state.bestChunks(2)
	require.Len(t, best, 2)
	assert.Equal(t, "b", best[0].Metadata.ChunkID)
	assert.Equal(t, "c", best[1].Metadata.ChunkID)
}

func TestBestChunksTiesKeepDiscoveryOrder(t *testing.T) {
	state := newTestState(nil)
	state.addUniqueChunks([]*models.Chunk{
		mkChunk("first", 0.5), mkChunk("second", 0.5), mkChunk("third", 0.5),
	})

	best := state.bestChunks(10)
	require.Len(t, best, 3)
	assert.Equal(t, "first", best[0].Metadata.ChunkID)
	assert.Equal(t, "second", best[1].Metadata.ChunkID)
	assert.Equal(t, "third", best[2].Metadata.ChunkID)
}

func TestEffectiveScorePrefersRerank(t *testing.T) {
	chunk := mkChunk("x", 0.4)
	chunk.RerankScore = models.Float(0.8)
	assert.InDelta(t, 0.8, chunk.EffectiveScore(), 1e-9)

	chunk.RerankScore = nil
	assert.InDelta(t, 0.4, chunk.EffectiveScore(), 1e-9)

	chunk.RetrievalScore = nil
	assert.Zero(t, chunk.EffectiveScore())
}

func TestComputeChunkStats(t *testing.T) {
	chunks := mkChunks("s", 0.9, 0.5, 0.2)
	stats := computeChunkStats(chunks, 0.5)

	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 2, stats.RelevantCount, "the relevance threshold is inclusive")
	assert.InDelta(t, (0.9+0.5+0.2)/3, stats.AvgScore, 1e-9)
	assert.InDelta(t, 0.9, stats.MaxScore, 1e-9)

	empty := computeChunkStats(nil, 0.5)
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.AvgScore)
}

func TestBuildChunksSummaryTruncates(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	chunk := mkChunk("big", 0.9)
	chunk.Content = string(long)

	summary := buildChunksSummary([]*models.Chunk{chunk})
	assert.Contains(t, summary, "...")
	assert.Contains(t, summary, "src/big.go")
	assert.Less(t, len(summary), 450)
}
