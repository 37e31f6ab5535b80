package query

import (
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// DefaultForbidden are the operators that run server-side JavaScript.
var DefaultForbidden = []string{"$where", "$function", "$accumulator"}

// DefaultOperations are the read operations a query may use.
var DefaultOperations = []string{OpFind, OpAggregate}

// Validator is the denylist check applied to every query before it runs.
// Zero-value fields fall back to the defaults.
type Validator struct {
	Forbidden  []string
	Operations []string
}

func (v Validator) forbidden() []string {
	if len(v.Forbidden) == 0 {
		return DefaultForbidden
	}
	return v.Forbidden
}

func (v Validator) operations() []string {
	if len(v.Operations) == 0 {
		return DefaultOperations
	}
	return v.Operations
}

// Validate rejects a query that names no collection, uses an operation
// outside the allow-list, or contains a forbidden operator at any depth.
func (v Validator) Validate(q *Query) error {
	if q == nil || q.Collection == "" {
		return fmt.Errorf("%w: missing collection", ErrInvalidQuery)
	}
	if !slices.Contains(v.operations(), q.Operation) {
		return fmt.Errorf("%w: %q", ErrUnsupportedOperation, q.Operation)
	}
	if q.Operation == OpAggregate && q.Pipeline != nil {
		if _, ok := q.Pipeline.([]any); !ok {
			return fmt.Errorf("%w: pipeline must be a list", ErrInvalidQuery)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}

	deny := v.forbidden()
	for _, part := range []struct {
		name  string
		value any
	}{
		{"filter", q.Filter},
		{"projection", q.Projection},
		{"pipeline", q.Pipeline},
	} {
		if key, ok := findKey(part.value, deny); ok {
			return fmt.Errorf("%w: %s in %s", ErrForbiddenOperator, key, part.name)
		}
	}
	return nil
}

// findKey walks v and reports the first mapping key found in deny.
func findKey(v any, deny []string) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if slices.Contains(deny, k) {
				return k, true
			}
			if key, ok := findKey(child, deny); ok {
				return key, true
			}
		}
	case bson.M:
		return findKey(map[string]any(t), deny)
	case bson.D:
		for _, e := range t {
			if slices.Contains(deny, e.Key) {
				return e.Key, true
			}
			if key, ok := findKey(e.Value, deny); ok {
				return key, true
			}
		}
	case []any:
		for _, child := range t {
			if key, ok := findKey(child, deny); ok {
				return key, true
			}
		}
	case bson.A:
		return findKey([]any(t), deny)
	case []map[string]any:
		for _, child := range t {
			if key, ok := findKey(child, deny); ok {
				return key, true
			}
		}
	}
	return "", false
}
