// Why this file: ./models/agent_model.go
// Types for the iterative search agent: its configuration, the tagged action
// the analyzer produces each round, and the per-iteration history records.

package models

import "time"

// ActionType tags the analyzer's decision for the next round.
type ActionType string

const (
	ActionStopSuccess    ActionType = "stop_success"
	ActionStopLimit      ActionType = "stop_limit"
	ActionRefineQuery    ActionType = "refine_query"
	ActionExpandSearch   ActionType = "expand_search"
	ActionNarrowSearch   ActionType = "narrow_search"
	ActionAdjustFilters  ActionType = "adjust_filters"
	ActionCombinedAction ActionType = "combined_action"
)

// Valid reports whether t is one of the known action kinds.
func (t ActionType) Valid() bool {
	switch t {
	case ActionStopSuccess, ActionStopLimit, ActionRefineQuery,
		ActionExpandSearch, ActionNarrowSearch, ActionAdjustFilters,
		ActionCombinedAction:
		return true
	}
	return false
}

// SearchAdjustments carries deltas for the retrieval/rerank configuration.
// Nil fields leave the current value untouched.
type SearchAdjustments struct {
	RetrieverSize      *int     `json:"retriever_size,omitempty"`
	RetrieverThreshold *float64 `json:"retriever_threshold,omitempty"`
	BM25Weight         *float64 `json:"bm25_weight,omitempty"`
	RerankerTopK       *int     `json:"reranker_top_k,omitempty"`
	RerankerThreshold  *float64 `json:"reranker_threshold,omitempty"`
}

// Empty reports whether no delta field is set.
func (a *SearchAdjustments) Empty() bool {
	return a == nil || (a.RetrieverSize == nil && a.RetrieverThreshold == nil &&
		a.BM25Weight == nil && a.RerankerTopK == nil && a.RerankerThreshold == nil)
}

// TouchesReranker reports whether any rerank delta is set; the reranker is
// force-enabled when it is adjusted but was previously absent.
func (a *SearchAdjustments) TouchesReranker() bool {
	return a != nil && (a.RerankerTopK != nil || a.RerankerThreshold != nil)
}

// FilterAdjustments describes how to rebuild the filter tree.
type FilterAdjustments struct {
	Languages        []string `json:"languages,omitempty"`
	IncludeFilepaths []string `json:"include_filepaths,omitempty"`
	ExcludeFilepaths []string `json:"exclude_filepaths,omitempty"`
}

// Empty reports whether the adjustments would produce no conditions.
func (a *FilterAdjustments) Empty() bool {
	return a == nil || (len(a.Languages) == 0 &&
		len(a.IncludeFilepaths) == 0 && len(a.ExcludeFilepaths) == 0)
}

// AgentAction is one decision: exactly one action kind, a confidence in [0,1],
// a rationale, and optional payloads. Payloads irrelevant to the kind are
// ignored by the controller.
type AgentAction struct {
	Type              ActionType         `json:"action_type"`
	Confidence        float64            `json:"confidence"`
	Reasoning         string             `json:"reasoning"`
	RefinedQuery      string             `json:"refined_query,omitempty"`
	SearchAdjustments *SearchAdjustments `json:"search_adjustments,omitempty"`
	FilterAdjustments *FilterAdjustments `json:"filter_adjustments,omitempty"`
	FocusAreas        []string           `json:"focus_areas,omitempty"`
}

// AgentConfig bounds and tunes one agent session.
type AgentConfig struct {
	MaxIterations           int     `json:"max_iterations"`
	MaxTimeSeconds          float64 `json:"max_time_seconds"`
	ConfidenceThreshold     float64 `json:"confidence_threshold"`
	MinRelevantChunks       int     `json:"min_relevant_chunks"`
	RelevanceScoreThreshold float64 `json:"relevance_score_threshold"`

	EnableQueryRefinement     bool `json:"enable_query_refinement"`
	EnableFilterAdjustment    bool `json:"enable_filter_adjustment"`
	EnableRetrieverAdjustment bool `json:"enable_retriever_adjustment"`

	// GenerateFinalAnswer asks for LLM synthesis over the selected evidence.
	// Without an LLM config the session still completes with formatted sources.
	GenerateFinalAnswer bool       `json:"generate_final_answer"`
	LLM                 *LLMConfig `json:"llm_config,omitempty"`

	InitialSearchConfig *SearchConfig `json:"initial_search_config,omitempty"`

	// MaxFinalChunks caps the evidence returned to the caller; 0 means the
	// default of 10.
	MaxFinalChunks int `json:"max_final_chunks,omitempty"`
}

// IterationResult is the append-only record of one round.
type IterationResult struct {
	Iteration      int           `json:"iteration"`
	QueryUsed      string        `json:"query_used"`
	ChunksFound    int           `json:"chunks_found"`
	RelevantChunks int           `json:"relevant_chunks_count"`
	AvgScore       float64       `json:"avg_relevance_score"`
	MaxScore       float64       `json:"max_relevance_score"`
	Action         AgentAction   `json:"action"`
	Duration       time.Duration `json:"duration"`
	SearchConfig   *SearchConfig `json:"search_config_snapshot"`
}

// SessionStatus is the terminal status of an agent session.
type SessionStatus string

const (
	StatusNoRelevantSources SessionStatus = "no_relevance_sources"
	StatusLLMRAG            SessionStatus = "llm_rag"
	StatusNoLLM             SessionStatus = "no_llm"
)

// AgentResult is what a caller of the agent receives.
type AgentResult struct {
	Status     SessionStatus     `json:"status"`
	Answer     string            `json:"answer"`
	Sources    []*Chunk          `json:"sources"`
	Iterations []IterationResult `json:"iterations"`
	Duration   time.Duration     `json:"duration"`
}
