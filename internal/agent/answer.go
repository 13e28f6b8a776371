package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"repoagent/models"
)

// buildAnswer produces the session's answer text. Synthesis always runs over
// the original query, never a refined one: refinement serves retrieval, not
// the user's actual question.
func (c *Controller) buildAnswer(ctx context.Context, state *sessionState, config *models.AgentConfig, worker *analyzer, chunks []*models.Chunk) string {
	switch {
	case config.GenerateFinalAnswer && len(chunks) > 0:
		return c.generateFinalAnswer(ctx, state.originalQuery, chunks, config, worker)
	case len(chunks) > 0:
		return fmt.Sprintf("Found %d relevant code fragments.", len(chunks))
	default:
		return "No relevant code fragments were found for your question."
	}
}

// generateFinalAnswer asks the LLM to synthesize an answer from the selected
// evidence. Without an LLM configuration, or when the call fails, it degrades
// to the deterministic source listing.
func (c *Controller) generateFinalAnswer(ctx context.Context, query string, chunks []*models.Chunk, config *models.AgentConfig, worker *analyzer) string {
	sources := formatSources(chunks)
	if config.LLM == nil {
		return sources
	}

	client, err := worker.getClient(config.LLM)
	if err != nil {
		c.logger.Error("failed to build LLM client for final answer", zap.Error(err))
		return sources
	}

	prompt := fmt.Sprintf(finalAnswerUserTemplate, query, sources)
	answer, err := client.Complete(ctx, finalAnswerSystemPrompt, prompt)
	if err != nil {
		c.logger.Error("failed to generate final answer", zap.Error(err))
		return sources
	}
	return answer
}

// formatSources renders the evidence as a deterministic markdown listing:
// filepath, line range, language and a fenced code block per source.
func formatSources(chunks []*models.Chunk) string {
	if len(chunks) == 0 {
		return "No sources found."
	}

	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		language := chunk.Metadata.Language
		display := language
		if display == "" {
			display = "unknown"
		}
		parts = append(parts, fmt.Sprintf(
			"### Source %d\n**File:** `%s` (lines %d-%d)\n**Language:** %s\n\n```%s\n%s\n```",
			i+1, chunk.Metadata.Filepath, chunk.Metadata.StartLine, chunk.Metadata.EndLine,
			display, language, chunk.Content))
	}
	return strings.Join(parts, "\n\n---\n\n")
}
