package agent

import "repoagent/models"

// defaultSearchConfig is the built-in starting point when the caller supplies
// no initial search configuration.
func defaultSearchConfig() *models.SearchConfig {
	return &models.SearchConfig{
		Retriever: &models.RetrieverConfig{
			Size:       10,
			Threshold:  0.3,
			BM25Weight: 0.3,
		},
		Reranker: &models.RerankerConfig{
			Enabled:   true,
			TopK:      5,
			Threshold: 0.4,
		},
		Qa: &models.QaConfig{Enabled: false},
	}
}

// applySearchAdjustments returns a new configuration with non-nil delta fields
// applied to the retrieval/rerank stages. The input configuration is not
// mutated, so earlier iteration snapshots stay accurate. A rerank delta
// force-enables the reranker when it was previously absent.
func applySearchAdjustments(config *models.SearchConfig, adjustments *models.SearchAdjustments) *models.SearchConfig {
	if adjustments.Empty() {
		return config
	}

	out := config.Clone()
	if out == nil {
		out = &models.SearchConfig{}
	}

	if out.Retriever == nil {
		out.Retriever = &models.RetrieverConfig{}
	}
	if adjustments.RetrieverSize != nil {
		out.Retriever.Size = *adjustments.RetrieverSize
	}
	if adjustments.RetrieverThreshold != nil {
		out.Retriever.Threshold = *adjustments.RetrieverThreshold
	}
	if adjustments.BM25Weight != nil {
		out.Retriever.BM25Weight = *adjustments.BM25Weight
	}

	if adjustments.TouchesReranker() {
		if out.Reranker == nil {
			out.Reranker = &models.RerankerConfig{Enabled: true}
		}
		if adjustments.RerankerTopK != nil {
			out.Reranker.TopK = *adjustments.RerankerTopK
		}
		if adjustments.RerankerThreshold != nil {
			out.Reranker.Threshold = *adjustments.RerankerThreshold
		}
	}

	out.Normalize()
	return out
}

// applyFilterAdjustments returns a new configuration whose filter tree is
// rebuilt from scratch (not incrementally) from the three delta inputs:
// a language allow-list, include-path globs, and exclude-path globs. Exclude
// globs are negated groups so matching paths are dropped from retrieval.
func applyFilterAdjustments(config *models.SearchConfig, adjustments *models.FilterAdjustments) *models.SearchConfig {
	if adjustments.Empty() {
		return config
	}

	out := config.Clone()
	if out == nil {
		out = &models.SearchConfig{}
	}

	var conditions []models.FilterNode

	if len(adjustments.Languages) > 0 {
		conditions = append(conditions, &models.FilterCondition{
			Name:     "language",
			Operator: models.OpIn,
			Value:    adjustments.Languages,
		})
	}

	for _, pattern := range adjustments.IncludeFilepaths {
		conditions = append(conditions, &models.FilterCondition{
			Name:     "filepath",
			Operator: models.OpWildcard,
			Value:    pattern,
		})
	}

	for _, pattern := range adjustments.ExcludeFilepaths {
		conditions = append(conditions, &models.FilterGroup{
			Operator: models.OpNot,
			Values: []models.FilterNode{&models.FilterCondition{
				Name:     "filepath",
				Operator: models.OpWildcard,
				Value:    pattern,
			}},
		})
	}

	if len(conditions) == 0 {
		return out
	}

	var root models.FilterNode
	if len(conditions) == 1 {
		root = conditions[0]
	} else {
		root = &models.FilterGroup{Operator: models.OpAnd, Values: conditions}
	}

	out.Filtering = &models.FilteringConfig{Enabled: true, Filter: root}
	return out
}
