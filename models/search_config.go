// Why this file: ./models/search_config.go
// The search configuration is the knob set the agent turns between iterations:
// retrieval size/threshold/keyword blend, rerank top-k/threshold, and an
// optional boolean filter tree over chunk metadata.

package models

// RetrieverConfig controls the vector retrieval stage.
type RetrieverConfig struct {
	Size       int     `json:"size"`
	Threshold  float64 `json:"threshold"`
	BM25Weight float64 `json:"bm25_weight"`
}

// RerankerConfig controls the rerank stage that runs on retrieval output.
type RerankerConfig struct {
	Enabled   bool    `json:"enabled"`
	TopK      int     `json:"top_k"`
	Threshold float64 `json:"threshold"`
}

// QaConfig controls answer synthesis inside the single-pass search pipeline.
// The agent keeps it disabled and synthesizes its own final answer.
type QaConfig struct {
	Enabled bool       `json:"enabled"`
	LLM     *LLMConfig `json:"llm_config,omitempty"`
}

// FilterOperator enumerates leaf comparison operators and group combinators.
type FilterOperator string

const (
	OpEq       FilterOperator = "eq"
	OpNeq      FilterOperator = "neq"
	OpGt       FilterOperator = "gt"
	OpGte      FilterOperator = "gte"
	OpLt       FilterOperator = "lt"
	OpLte      FilterOperator = "lte"
	OpIn       FilterOperator = "in"
	OpWildcard FilterOperator = "wildcard"
	OpContains FilterOperator = "contains"

	OpAnd FilterOperator = "and"
	OpOr  FilterOperator = "or"
	OpNot FilterOperator = "not"
)

// FilterNode is either a FilterCondition or a FilterGroup.
type FilterNode interface {
	filterNode()
}

// FilterCondition compares one metadata field against a value.
type FilterCondition struct {
	Name     string         `json:"name"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// FilterGroup combines child nodes with and/or, or negates them with not.
type FilterGroup struct {
	Operator FilterOperator `json:"operator"`
	Values   []FilterNode   `json:"values"`
}

func (*FilterCondition) filterNode() {}
func (*FilterGroup) filterNode()     {}

// FilteringConfig gates filtered search; Filter is ignored unless Enabled.
type FilteringConfig struct {
	Enabled bool       `json:"enabled"`
	Filter  FilterNode `json:"filter,omitempty"`
}

// SearchConfig is the full configuration consumed by the search pipeline.
// Sub-configs are optional; nil means the stage runs with its defaults or is
// skipped where the stage has an Enabled flag.
type SearchConfig struct {
	Retriever *RetrieverConfig `json:"retriever,omitempty"`
	Reranker  *RerankerConfig  `json:"reranker,omitempty"`
	Filtering *FilteringConfig `json:"filtering,omitempty"`
	Qa        *QaConfig        `json:"qa,omitempty"`
}

// Clone returns a deep copy so per-iteration snapshots stay accurate after the
// live configuration is replaced.
func (c *SearchConfig) Clone() *SearchConfig {
	if c == nil {
		return nil
	}
	out := &SearchConfig{}
	if c.Retriever != nil {
		r := *c.Retriever
		out.Retriever = &r
	}
	if c.Reranker != nil {
		r := *c.Reranker
		out.Reranker = &r
	}
	if c.Filtering != nil {
		f := *c.Filtering
		out.Filtering = &f // filter trees are never mutated in place
	}
	if c.Qa != nil {
		q := *c.Qa
		out.Qa = &q
	}
	return out
}

// Normalize clamps thresholds to [0,1] and sizes to non-negative values.
func (c *SearchConfig) Normalize() {
	if c.Retriever != nil {
		if c.Retriever.Size < 0 {
			c.Retriever.Size = 0
		}
		c.Retriever.Threshold = clamp01(c.Retriever.Threshold)
		c.Retriever.BM25Weight = clamp01(c.Retriever.BM25Weight)
	}
	if c.Reranker != nil {
		if c.Reranker.TopK < 0 {
			c.Reranker.TopK = 0
		}
		c.Reranker.Threshold = clamp01(c.Reranker.Threshold)
	}
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

// LLMConfig selects and tunes an OpenAI-compatible completion endpoint.
type LLMConfig struct {
	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model_name"`
	BaseURL      string  `json:"base_url,omitempty"`
	APIKey       string  `json:"-"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// Equal reports structural equality; the agent rebuilds its cached LLM client
// only when this changes.
func (c *LLMConfig) Equal(o *LLMConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	return *c == *o
}
