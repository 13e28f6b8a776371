package agent

import (
	"fmt"
	"strings"

	"repoagent/models"
)

// Preview bounds for the analysis prompt. Unbounded chunk dumps blow the
// context window, so only the first previewMaxChunks chunks go in, truncated
// to previewMaxContentLen characters each.
const (
	previewMaxChunks     = 5
	previewMaxContentLen = 300
	historyMaxEntries    = 3
)

const agentSystemPrompt = `You are a search strategist for a code repository search system.
Each round you receive the current query, the search configuration, statistics
about the chunks the round returned, and a short history of prior rounds.
Decide the single best next action and answer with JSON only, no prose:

{
  "action_type": "stop_success" | "stop_limit" | "refine_query" | "expand_search" | "narrow_search" | "adjust_filters" | "combined_action",
  "confidence": <float 0..1>,
  "reasoning": "<one or two sentences>",
  "refined_query": "<only for refine_query / combined_action>",
  "search_adjustments": {
    "retriever_size": <int|null>,
    "retriever_threshold": <float|null>,
    "bm25_weight": <float|null>,
    "reranker_top_k": <int|null>,
    "reranker_threshold": <float|null>
  },
  "filter_adjustments": {
    "languages": [<string>...],
    "include_filepaths": [<glob>...],
    "exclude_filepaths": [<glob>...]
  },
  "focus_areas": [<string>...]
}

Omit fields that do not apply. Stop with stop_success when the evidence answers
the query; stop with stop_limit when more rounds are unlikely to help.`

const analysisPromptTemplate = `## Search task
Original query: %s
Current query: %s
Iteration %d of %d, %.0f seconds of budget remaining.
Goal: at least %d chunks scoring >= %.2f, average score >= %.2f.

## Current configuration
Retriever: size=%d, threshold=%.2f, bm25_weight=%.2f
Reranker: enabled=%t, top_k=%d
Filters: %s

## This round
Chunks returned: %d (relevant: %d at threshold %.2f)
Average score: %.3f, max score: %.3f

## Retrieved chunks
%s

## Recent history
%s`

const finalAnswerSystemPrompt = `You are an assistant answering questions about a code repository.
Use only the provided sources. Reference files and line ranges explicitly.
If the sources do not contain the answer, say so.`

const finalAnswerUserTemplate = `Question: %s

Sources:
%s`

// buildChunksSummary renders a bounded preview of this round's chunks for the
// analysis prompt. Content is truncated and newlines are indented so chunk
// bodies cannot break the surrounding prompt structure.
func buildChunksSummary(chunks []*models.Chunk) string {
	if len(chunks) == 0 {
		return "No chunks found."
	}

	var b strings.Builder
	for i, chunk := range chunks {
		if i >= previewMaxChunks {
			break
		}
		content := strings.TrimSpace(chunk.Content)
		// Truncation counts runes so multi-byte characters stay intact.
		if runes := []rune(content); len(runes) > previewMaxContentLen {
			content = string(runes[:previewMaxContentLen]) + "..."
		}
		content = strings.ReplaceAll(content, "\n", "\n   ")

		language := chunk.Metadata.Language
		if language == "" {
			language = "unknown"
		}
		fmt.Fprintf(&b, "### Chunk %d\n- File: `%s`\n- Lines: %d-%d\n- Language: %s\n- Score: %.3f\n```\n%s\n```\n\n",
			i+1, chunk.Metadata.Filepath, chunk.Metadata.StartLine, chunk.Metadata.EndLine,
			language, chunk.EffectiveScore(), content)
	}

	summary := strings.TrimRight(b.String(), "\n")
	if len(chunks) > previewMaxChunks {
		summary += fmt.Sprintf("\n\n... and %d more chunks", len(chunks)-previewMaxChunks)
	}
	return summary
}

// buildHistorySummary renders a compact view of the last few iterations.
func buildHistorySummary(iterations []models.IterationResult) string {
	if len(iterations) == 0 {
		return "This is the first iteration."
	}

	start := 0
	if len(iterations) > historyMaxEntries {
		start = len(iterations) - historyMaxEntries
	}

	lines := make([]string, 0, historyMaxEntries)
	for _, it := range iterations[start:] {
		lines = append(lines, fmt.Sprintf(
			"- Iteration %d: %d chunks found, %d relevant, avg_score=%.3f, action: %s",
			it.Iteration, it.ChunksFound, it.RelevantChunks, it.AvgScore, it.Action.Type))
	}
	return strings.Join(lines, "\n")
}

func describeFilters(cfg *models.SearchConfig) string {
	if cfg == nil || cfg.Filtering == nil || !cfg.Filtering.Enabled || cfg.Filtering.Filter == nil {
		return "none"
	}
	return describeFilterNode(cfg.Filtering.Filter)
}

func describeFilterNode(node models.FilterNode) string {
	switch n := node.(type) {
	case *models.FilterCondition:
		return fmt.Sprintf("%s %s %v", n.Name, n.Operator, n.Value)
	case *models.FilterGroup:
		parts := make([]string, 0, len(n.Values))
		for _, child := range n.Values {
			parts = append(parts, describeFilterNode(child))
		}
		return fmt.Sprintf("%s(%s)", n.Operator, strings.Join(parts, ", "))
	default:
		return "unknown"
	}
}
