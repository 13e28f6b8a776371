package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repoagent/models"
)

func testStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResult() *models.AgentResult {
	return &models.AgentResult{
		Status:   models.StatusNoLLM,
		Answer:   "Found 2 relevant code fragments.",
		Sources:  []*models.Chunk{{}, {}},
		Duration: 1200 * time.Millisecond,
		Iterations: []models.IterationResult{
			{
				Iteration:   1,
				QueryUsed:   "how does indexing work",
				ChunksFound: 0,
				Action: models.AgentAction{
					Type:       models.ActionExpandSearch,
					Confidence: 0,
					Reasoning:  "No chunks found, widening search parameters.",
				},
				Duration:     300 * time.Millisecond,
				SearchConfig: &models.SearchConfig{Retriever: &models.RetrieverConfig{Size: 10}},
			},
			{
				Iteration:      2,
				QueryUsed:      "how does indexing work",
				ChunksFound:    6,
				RelevantChunks: 4,
				AvgScore:       0.62,
				MaxScore:       0.9,
				Action: models.AgentAction{
					Type:       models.ActionStopSuccess,
					Confidence: 0.62,
					Reasoning:  "Found 4 relevant chunks with average score 0.620.",
				},
				Duration:     500 * time.Millisecond,
				SearchConfig: &models.SearchConfig{Retriever: &models.RetrieverConfig{Size: 20}},
			},
		},
	}
}

func TestRecordAndReadSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.RecordSession(ctx, "repo-a", "req_1", "how does indexing work", sampleResult())
	require.NoError(t, err)
	assert.Positive(t, id)

	sessions, err := store.RecentSessions(ctx, "repo-a", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	session := sessions[0]
	assert.Equal(t, "how does indexing work", session.Query)
	assert.Equal(t, models.StatusNoLLM, session.Status)
	assert.Equal(t, 2, session.Sources)
	assert.Equal(t, 1200*time.Millisecond, session.Duration)

	require.Len(t, session.Iterations, 2)
	assert.Equal(t, string(models.ActionExpandSearch), session.Iterations[0].ActionType)
	assert.Equal(t, string(models.ActionStopSuccess), session.Iterations[1].ActionType)
	assert.InDelta(t, 0.62, session.Iterations[1].AvgScore, 1e-9)
	assert.Contains(t, session.Iterations[1].SearchConfig, `"size":20`)
}

func TestRecentSessionsScopedByRepo(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.RecordSession(ctx, "repo-a", "req_1", "q1", sampleResult())
	require.NoError(t, err)
	_, err = store.RecordSession(ctx, "repo-b", "req_2", "q2", sampleResult())
	require.NoError(t, err)

	sessions, err := store.RecentSessions(ctx, "repo-a", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "q1", sessions[0].Query)
}

func TestRecentSessionsLimitAndOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, q := range []string{"first", "second", "third"} {
		_, err := store.RecordSession(ctx, "repo-a", "", q, sampleResult())
		require.NoError(t, err)
	}

	sessions, err := store.RecentSessions(ctx, "repo-a", 2)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "third", sessions[0].Query, "newest first")
	assert.Equal(t, "second", sessions[1].Query)
}

func TestDeleteByRepo(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.RecordSession(ctx, "repo-a", "", "q", sampleResult())
	require.NoError(t, err)

	require.NoError(t, store.DeleteByRepo(ctx, "repo-a"))

	sessions, err := store.RecentSessions(ctx, "repo-a", 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
