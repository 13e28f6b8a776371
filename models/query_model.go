// Why this file: ./models/query_model.go
// Request/response shapes for the single-pass search pipeline. The agent
// drives the same pipeline once per iteration, substituting its current query
// as the final user message.

package models

// Message is one turn of the conversation passed to search.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueryRequest targets one indexed repository with a conversation.
type QueryRequest struct {
	Repo      string    `json:"repo"`
	RequestID string    `json:"request_id,omitempty"`
	Messages  []Message `json:"messages"`
}

// LastUserMessage returns the content of the final user turn, or "".
func (r *QueryRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// WithUserMessage returns a copy of the request whose final user turn is
// replaced by content. The original request is left untouched.
func (r *QueryRequest) WithUserMessage(content string) *QueryRequest {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	for i := len(out.Messages) - 1; i >= 0; i-- {
		if out.Messages[i].Role == "user" {
			out.Messages[i].Content = content
			break
		}
	}
	return &out
}

// LLMUsage is the token accounting reported by a completion call.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// QueryResponse is the output of one search pass: ranked chunks and, when the
// pipeline's QA stage is enabled, a synthesized answer. The agent only uses
// Sources.
type QueryResponse struct {
	Answer  string    `json:"answer,omitempty"`
	Sources []*Chunk  `json:"sources"`
	Usage   *LLMUsage `json:"llm_usage,omitempty"`
}
