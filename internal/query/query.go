package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuery is returned for malformed query records.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrForbiddenOperator is returned when a query uses a denied operator.
	ErrForbiddenOperator = errors.New("forbidden operator")
	// ErrUnsupportedOperation is returned for operations other than the allowed reads.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Operations.
const (
	OpFind      = "find"
	OpAggregate = "aggregate"
)

// Query is a structured read against one collection, the record a
// translator produces from a natural-language question.
type Query struct {
	Collection string         `json:"collection"`
	Operation  string         `json:"operation"`
	Filter     map[string]any `json:"filter,omitempty"`
	Projection map[string]any `json:"projection,omitempty"`
	// Pipeline is kept untyped until validation so a non-list is reported
	// instead of failing to decode.
	Pipeline any   `json:"pipeline,omitempty"`
	Limit    int64 `json:"limit,omitempty"`
}

// Parse decodes a query record. Translators often wrap the JSON in a
// markdown code fence; the fence is stripped.
func Parse(data []byte) (*Query, error) {
	data = stripFence(bytes.TrimSpace(data))
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var q Query
	if err := dec.Decode(&q); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if q.Operation == "" {
		q.Operation = OpFind
	}
	return &q, nil
}

func stripFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	if nl := bytes.IndexByte(b, '\n'); nl >= 0 {
		b = b[nl+1:]
	}
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}
