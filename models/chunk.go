// Why this file: ./models/chunk.go
// A Chunk is the unit of evidence everything else passes around: a fragment of
// a source file plus the scores the retrieval and rerank stages attached to it.

package models

import "path/filepath"

// ChunkMetadata locates a chunk inside the indexed repository snapshot.
type ChunkMetadata struct {
	ChunkID   string `json:"chunk_id"`
	Filepath  string `json:"filepath"`
	StartLine int    `json:"start_line_no"`
	EndLine   int    `json:"end_line_no"`
	Language  string `json:"language,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	LineCount int    `json:"line_count,omitempty"`
}

// FileName returns the base name of the chunk's file.
func (m ChunkMetadata) FileName() string {
	return filepath.Base(m.Filepath)
}

// Chunk is a retrieved code fragment. The scores are optional: retrieval
// attaches RetrievalScore, a later rerank pass may attach RerankScore.
// Apart from attaching a rerank score a chunk is never mutated.
type Chunk struct {
	Content        string        `json:"content"`
	Metadata       ChunkMetadata `json:"metadata"`
	RetrievalScore *float64      `json:"retrieval_relevance_score,omitempty"`
	RerankScore    *float64      `json:"reranker_relevance_score,omitempty"`
}

// EffectiveScore is the rerank score if present, else the retrieval score,
// else zero.
func (c *Chunk) EffectiveScore() float64 {
	if c.RerankScore != nil {
		return *c.RerankScore
	}
	if c.RetrievalScore != nil {
		return *c.RetrievalScore
	}
	return 0
}

// Float is a convenience for building optional score fields.
func Float(v float64) *float64 { return &v }

// Int is a convenience for building optional adjustment fields.
func Int(v int) *int { return &v }
