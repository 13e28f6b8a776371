// Why this file: ./internal/vectordb/filter.go
// Translates the filter tree from models (and/or/not groups over metadata
// conditions) into Qdrant's two wire forms: typed gRPC conditions and the
// JSON shape of the HTTP API. The agent rebuilds these trees between
// iterations, so translation has to be total over every operator we accept.

package vectordb

import (
	"fmt"
	"math"

	qdrant "github.com/qdrant/go-client/qdrant"

	"repoagent/models"
)

// grpcFilter converts a filter node into a top-level Qdrant filter.
func grpcFilter(node models.FilterNode) (*qdrant.Filter, error) {
	if node == nil {
		return nil, nil
	}
	if group, ok := node.(*models.FilterGroup); ok {
		conditions := make([]*qdrant.Condition, 0, len(group.Values))
		for _, child := range group.Values {
			cond, err := grpcCondition(child)
			if err != nil {
				return nil, err
			}
			conditions = append(conditions, cond)
		}
		switch group.Operator {
		case models.OpAnd:
			return &qdrant.Filter{Must: conditions}, nil
		case models.OpOr:
			return &qdrant.Filter{Should: conditions}, nil
		case models.OpNot:
			return &qdrant.Filter{MustNot: conditions}, nil
		default:
			return nil, fmt.Errorf("unknown group operator %q", group.Operator)
		}
	}

	cond, err := grpcCondition(node)
	if err != nil {
		return nil, err
	}
	return &qdrant.Filter{Must: []*qdrant.Condition{cond}}, nil
}

// grpcCondition converts one node into a Qdrant condition, recursing into
// nested groups.
func grpcCondition(node models.FilterNode) (*qdrant.Condition, error) {
	switch n := node.(type) {
	case *models.FilterGroup:
		sub, err := grpcFilter(n)
		if err != nil {
			return nil, err
		}
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{Filter: sub},
		}, nil

	case *models.FilterCondition:
		return grpcLeaf(n)

	default:
		return nil, fmt.Errorf("unknown filter node %T", node)
	}
}

func grpcLeaf(cond *models.FilterCondition) (*qdrant.Condition, error) {
	field := &qdrant.FieldCondition{Key: cond.Name}

	switch cond.Operator {
	case models.OpEq, models.OpNeq:
		match, err := grpcMatchValue(cond.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", cond.Name, err)
		}
		field.Match = match

	case models.OpIn:
		strs, ok := stringSlice(cond.Value)
		if !ok {
			return nil, fmt.Errorf("field %q: 'in' needs a list of strings", cond.Name)
		}
		field.Match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
			Keywords: &qdrant.RepeatedStrings{Strings: strs},
		}}

	case models.OpWildcard, models.OpContains:
		s, ok := cond.Value.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: %q needs a string value", cond.Name, cond.Operator)
		}
		field.Match = &qdrant.Match{MatchValue: &qdrant.Match_Text{Text: s}}

	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		v, ok := floatValue(cond.Value)
		if !ok {
			return nil, fmt.Errorf("field %q: range operator needs a numeric value", cond.Name)
		}
		r := &qdrant.Range{}
		switch cond.Operator {
		case models.OpGt:
			r.Gt = &v
		case models.OpGte:
			r.Gte = &v
		case models.OpLt:
			r.Lt = &v
		case models.OpLte:
			r.Lte = &v
		}
		field.Range = r

	default:
		return nil, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}

	c := &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{Field: field},
	}
	if cond.Operator == models.OpNeq {
		c = &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{Filter: &qdrant.Filter{
				MustNot: []*qdrant.Condition{c},
			}},
		}
	}
	return c, nil
}

func grpcMatchValue(value any) (*qdrant.Match, error) {
	switch v := value.(type) {
	case string:
		return &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}, nil
	case bool:
		return &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}, nil
	case int:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}, nil
	case int64:
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}, nil
	case float64:
		// Qdrant matches have no float form; only integral values can be
		// carried losslessly, anything else must not be silently truncated.
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("cannot match on non-integral float %v, use a range operator", v)
		}
		return &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}, nil
	default:
		return nil, fmt.Errorf("unsupported match value %T", value)
	}
}

// httpFilter converts a filter node into the JSON filter of the HTTP API.
func httpFilter(node models.FilterNode) (map[string]any, error) {
	if node == nil {
		return nil, nil
	}
	switch n := node.(type) {
	case *models.FilterGroup:
		children := make([]any, 0, len(n.Values))
		for _, child := range n.Values {
			c, err := httpCondition(child)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		switch n.Operator {
		case models.OpAnd:
			return map[string]any{"must": children}, nil
		case models.OpOr:
			return map[string]any{"should": children}, nil
		case models.OpNot:
			return map[string]any{"must_not": children}, nil
		default:
			return nil, fmt.Errorf("unknown group operator %q", n.Operator)
		}

	case *models.FilterCondition:
		leaf, err := httpCondition(n)
		if err != nil {
			return nil, err
		}
		return map[string]any{"must": []any{leaf}}, nil

	default:
		return nil, fmt.Errorf("unknown filter node %T", node)
	}
}

func httpCondition(node models.FilterNode) (map[string]any, error) {
	switch n := node.(type) {
	case *models.FilterGroup:
		return httpFilter(n)

	case *models.FilterCondition:
		switch n.Operator {
		case models.OpEq:
			if err := validMatchValue(n.Value); err != nil {
				return nil, fmt.Errorf("field %q: %w", n.Name, err)
			}
			return map[string]any{"key": n.Name, "match": map[string]any{"value": n.Value}}, nil
		case models.OpNeq:
			if err := validMatchValue(n.Value); err != nil {
				return nil, fmt.Errorf("field %q: %w", n.Name, err)
			}
			return map[string]any{"must_not": []any{
				map[string]any{"key": n.Name, "match": map[string]any{"value": n.Value}},
			}}, nil
		case models.OpIn:
			strs, ok := stringSlice(n.Value)
			if !ok {
				return nil, fmt.Errorf("field %q: 'in' needs a list of strings", n.Name)
			}
			return map[string]any{"key": n.Name, "match": map[string]any{"any": strs}}, nil
		case models.OpWildcard, models.OpContains:
			return map[string]any{"key": n.Name, "match": map[string]any{"text": n.Value}}, nil
		case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
			v, ok := floatValue(n.Value)
			if !ok {
				return nil, fmt.Errorf("field %q: range operator needs a numeric value", n.Name)
			}
			return map[string]any{"key": n.Name, "range": map[string]any{string(n.Operator): v}}, nil
		default:
			return nil, fmt.Errorf("unknown condition operator %q", n.Operator)
		}

	default:
		return nil, fmt.Errorf("unknown filter node %T", node)
	}
}

// validMatchValue rejects eq/neq values that cannot survive the match wire
// forms losslessly. Keeps the gRPC and HTTP translations in agreement.
func validMatchValue(value any) error {
	if f, ok := value.(float64); ok && f != math.Trunc(f) {
		return fmt.Errorf("cannot match on non-integral float %v, use a range operator", f)
	}
	return nil
}

func stringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func floatValue(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
