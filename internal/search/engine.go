// Why this file: ./internal/search/engine.go
// The single-pass search pipeline: preprocess -> embed -> filtered vector
// retrieval with keyword blending -> lexical rerank -> optional QA answer.
// The iterative agent drives this engine once per round with its current
// configuration; on its own it backs the plain `ask` command.

package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"repoagent/internal/llm"
	"repoagent/models"
)

const maxQueryLength = 5000

// VectorStore is the retrieval backend contract.
type VectorStore interface {
	Search(ctx context.Context, repo string, vector []float32, limit int, filter models.FilterNode) ([]*models.Chunk, error)
}

// CompletionFactory builds a completion client for a QA configuration.
type CompletionFactory func(cfg *models.LLMConfig) (llm.CompletionService, error)

// usageReporter is the widened completion contract of clients that report
// token usage per call. The QA stage prefers it so QueryResponse.Usage is
// populated whenever the underlying client can account for tokens.
type usageReporter interface {
	ChatCompletion(ctx context.Context, systemPrompt, userPrompt string) (string, models.LLMUsage, error)
}

// Engine runs one retrieval pass per call. It is stateless across calls and
// safe for concurrent use as long as the store and embedder are.
type Engine struct {
	store         VectorStore
	embedder      llm.EmbeddingService
	newCompletion CompletionFactory
	logger        *zap.Logger
}

// NewEngine wires the pipeline. newCompletion may be nil when the QA stage is
// never enabled.
func NewEngine(store VectorStore, embedder llm.EmbeddingService, newCompletion CompletionFactory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:         store,
		embedder:      embedder,
		newCompletion: newCompletion,
		logger:        logger.Named("search"),
	}
}

// Search executes the pipeline for the final user message of the request.
func (e *Engine) Search(ctx context.Context, request *models.QueryRequest, config *models.SearchConfig) (*models.QueryResponse, error) {
	query := preprocess(request.LastUserMessage())
	if query == "" {
		return nil, fmt.Errorf("no user query in request")
	}

	cfg := config.Clone()
	if cfg == nil {
		cfg = &models.SearchConfig{}
	}
	cfg.Normalize()

	chunks, err := e.retrieve(ctx, request.Repo, query, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Reranker != nil && cfg.Reranker.Enabled {
		chunks = rerank(query, chunks, cfg.Reranker)
	}

	response := &models.QueryResponse{Sources: chunks}

	if cfg.Qa != nil && cfg.Qa.Enabled && cfg.Qa.LLM != nil && len(chunks) > 0 {
		answer, usage, err := e.answer(ctx, query, chunks, cfg.Qa.LLM)
		if err != nil {
			e.logger.Warn("QA stage failed, returning sources only", zap.Error(err))
		} else {
			response.Answer = answer
			response.Usage = usage
		}
	}

	e.logger.Debug("search pass completed",
		zap.String("repo", request.Repo),
		zap.Int("sources", len(chunks)))
	return response, nil
}

// preprocess collapses whitespace and caps the query length. The cap counts
// runes so a multi-byte character is never split.
func preprocess(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if runes := []rune(query); len(runes) > maxQueryLength {
		query = string(runes[:maxQueryLength])
	}
	return query
}

func (e *Engine) retrieve(ctx context.Context, repo, query string, cfg *models.SearchConfig) ([]*models.Chunk, error) {
	retriever := cfg.Retriever
	if retriever == nil {
		retriever = &models.RetrieverConfig{Size: 10}
	}
	size := retriever.Size
	if size <= 0 {
		size = 10
	}

	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Over-fetch when keyword blending may promote lower-ranked hits.
	fetchLimit := size
	if retriever.BM25Weight > 0 {
		fetchLimit = size * 2
	}

	var filter models.FilterNode
	if cfg.Filtering != nil && cfg.Filtering.Enabled {
		filter = cfg.Filtering.Filter
	}

	chunks, err := e.store.Search(ctx, repo, vectors[0], fetchLimit, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	terms := queryTerms(query)
	kept := make([]*models.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		score := chunk.EffectiveScore()
		if w := retriever.BM25Weight; w > 0 {
			score = (1-w)*score + w*keywordScore(terms, chunk)
		}
		chunk.RetrievalScore = models.Float(score)
		if score >= retriever.Threshold {
			kept = append(kept, chunk)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return *kept[i].RetrievalScore > *kept[j].RetrievalScore
	})
	if len(kept) > size {
		kept = kept[:size]
	}
	return kept, nil
}

// rerank scores chunks by lexical overlap with the query, drops everything
// below the threshold and keeps the top-k.
func rerank(query string, chunks []*models.Chunk, cfg *models.RerankerConfig) []*models.Chunk {
	terms := queryTerms(query)
	for _, chunk := range chunks {
		overlap := keywordScore(terms, chunk)
		// Blend with the retrieval score so rerank refines rather than
		// replaces the vector ranking.
		score := 0.5*chunk.EffectiveScore() + 0.5*overlap
		chunk.RerankScore = models.Float(score)
	}

	kept := make([]*models.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if *chunk.RerankScore >= cfg.Threshold {
			kept = append(kept, chunk)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return *kept[i].RerankScore > *kept[j].RerankScore
	})

	topK := cfg.TopK
	if topK <= 0 {
		topK = len(kept)
	}
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?()[]{}\"'`")
		if len(f) > 2 {
			terms = append(terms, f)
		}
	}
	return terms
}

// keywordScore is the fraction of query terms present in the chunk, over its
// content and filepath.
func keywordScore(terms []string, chunk *models.Chunk) float64 {
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(chunk.Content + " " + chunk.Metadata.Filepath)
	hits := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func (e *Engine) answer(ctx context.Context, query string, chunks []*models.Chunk, cfg *models.LLMConfig) (string, *models.LLMUsage, error) {
	if e.newCompletion == nil {
		return "", nil, fmt.Errorf("no completion factory configured")
	}
	client, err := e.newCompletion(cfg)
	if err != nil {
		return "", nil, err
	}

	var contexts strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&contexts, "Filepath: %s, start line number: %d, end line number: %d\n\n%s\n\n",
			chunk.Metadata.Filepath, chunk.Metadata.StartLine, chunk.Metadata.EndLine, chunk.Content)
		if i >= 9 {
			break
		}
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = "You are an assistant answering questions about a code repository. " +
			"You are given a user question and relevant code fragments from the repository."
	}
	user := fmt.Sprintf("Question: %s\nRetrieved sources:\n%s", query, contexts.String())

	// Clients that report token usage (llm.Client does) surface it on the
	// response; the plain Complete path stays available for clients that don't.
	if reporter, ok := client.(usageReporter); ok {
		text, usage, err := reporter.ChatCompletion(ctx, system, user)
		if err != nil {
			return "", nil, err
		}
		return text, &usage, nil
	}

	text, err := client.Complete(ctx, system, user)
	if err != nil {
		return "", nil, err
	}
	return text, nil, nil
}
