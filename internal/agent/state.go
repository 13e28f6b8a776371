package agent

import (
	"sort"
	"time"

	"repoagent/models"
)

// sessionState is owned by exactly one Run invocation and never shared.
type sessionState struct {
	originalQuery string
	currentQuery  string
	searchConfig  *models.SearchConfig
	allChunks     []*models.Chunk
	seenChunkIDs  map[string]struct{}
	iterations    []models.IterationResult
	startTime     time.Time
}

func newSessionState(query string, config *models.SearchConfig, start time.Time) *sessionState {
	return &sessionState{
		originalQuery: query,
		currentQuery:  query,
		searchConfig:  config,
		seenChunkIDs:  make(map[string]struct{}),
		startTime:     start,
	}
}

// addUniqueChunks merges newly returned chunks into the accumulated evidence.
// First sight wins: a chunk identifier seen in an earlier round is skipped and
// its later scores are discarded. Returns the chunks that were actually added.
func (s *sessionState) addUniqueChunks(chunks []*models.Chunk) []*models.Chunk {
	var added []*models.Chunk
	for _, chunk := range chunks {
		id := chunk.Metadata.ChunkID
		if _, seen := s.seenChunkIDs[id]; seen {
			continue
		}
		s.seenChunkIDs[id] = struct{}{}
		s.allChunks = append(s.allChunks, chunk)
		added = append(added, chunk)
	}
	return added
}

// bestChunks returns up to topK accumulated chunks ranked by effective score,
// descending; ties keep discovery order.
func (s *sessionState) bestChunks(topK int) []*models.Chunk {
	ranked := make([]*models.Chunk, len(s.allChunks))
	copy(ranked, s.allChunks)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].EffectiveScore() > ranked[j].EffectiveScore()
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

// chunkStats summarizes one round's chunks.
type chunkStats struct {
	Count         int
	RelevantCount int
	AvgScore      float64
	MaxScore      float64
	MinScore      float64
}

func computeChunkStats(chunks []*models.Chunk, relevanceThreshold float64) chunkStats {
	if len(chunks) == 0 {
		return chunkStats{}
	}

	stats := chunkStats{Count: len(chunks)}
	sum := 0.0
	for i, chunk := range chunks {
		score := chunk.EffectiveScore()
		sum += score
		if i == 0 || score > stats.MaxScore {
			stats.MaxScore = score
		}
		if i == 0 || score < stats.MinScore {
			stats.MinScore = score
		}
		if score >= relevanceThreshold {
			stats.RelevantCount++
		}
	}
	stats.AvgScore = sum / float64(len(chunks))
	return stats
}
