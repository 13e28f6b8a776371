// Why this file: ./internal/llm/client.go
// One OpenAI-compatible client covers every model call in the system: the
// analyzer's structured decisions, final answer synthesis, the QA stage of the
// search pipeline, and query/chunk embeddings. A custom base URL points it at
// OpenRouter-style gateways or local vLLM/Ollama endpoints.

package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"repoagent/models"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultTemperature = 0.1
	defaultMaxTokens   = 2048
	defaultEmbedModel  = "text-embedding-3-small"
)

// CompletionService is the narrow contract the agent consumes.
type CompletionService interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// EmbeddingService is the contract the retriever and indexer consume.
type EmbeddingService interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client wraps an OpenAI-compatible API endpoint.
type Client struct {
	api        *openai.Client
	config     models.LLMConfig
	embedModel string
	logger     *zap.Logger
}

// Option tweaks client construction.
type Option func(*Client)

// WithEmbeddingModel overrides the embedding model name.
func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.embedModel = model
		}
	}
}

// NewClient builds a client for the given LLM configuration. The API key falls
// back to OPENROUTER_API_KEY, then OPENAI_API_KEY.
func NewClient(cfg *models.LLMConfig, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is nil")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key provided for LLM client")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	clientConfig.BaseURL = baseURL

	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		api:        openai.NewClientWithConfig(clientConfig),
		config:     *cfg,
		embedModel: defaultEmbedModel,
		logger:     logger.Named("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete runs one system+user chat completion and returns the raw text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	text, _, err := c.ChatCompletion(ctx, systemPrompt, userPrompt)
	return text, err
}

// ChatCompletion runs one system+user chat completion and reports token usage.
func (c *Client) ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, models.LLMUsage, error) {
	temperature := c.config.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	maxTokens := c.config.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	request := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: float32(temperature),
		MaxTokens:   maxTokens,
	}

	response, err := c.api.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", models.LLMUsage{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", models.LLMUsage{}, fmt.Errorf("chat completion returned no choices")
	}

	usage := models.LLMUsage{
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
	}
	c.logger.Debug("chat completion done",
		zap.String("model", c.config.Model),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens))

	return response.Choices[0].Message.Content, usage, nil
}

// Embed vectorizes a batch of texts.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	response, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embedModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(response.Data), len(texts))
	}

	vectors := make([][]float32, len(response.Data))
	for i, item := range response.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}
