package query

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Translator turns a natural-language question into a query record. The
// implementation is an external model; the query is never trusted and
// always passes the validator before it runs.
type Translator interface {
	Translate(ctx context.Context, prompt string) ([]byte, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, prompt string) ([]byte, error)

func (f TranslatorFunc) Translate(ctx context.Context, prompt string) ([]byte, error) {
	return f(ctx, prompt)
}

const basePrompt = `You translate questions about a document database into a single query record.
Answer with JSON only, using this shape:
{"collection": "<name>", "operation": "find" | "aggregate", "filter": {...}, "projection": {...}, "pipeline": [...], "limit": <n>}
Use Extended JSON for dates ({"$date": "2020-01-31T00:00:00Z"}). Never use $where, $function or $accumulator.`

// BuildPrompt assembles the translator prompt. The schema description is
// optional.
func BuildPrompt(question, schema string) string {
	parts := []string{basePrompt}
	if schema = strings.TrimSpace(schema); schema != "" {
		parts = append(parts, "Database schema:\n"+schema)
	}
	parts = append(parts, "Question: "+strings.TrimSpace(question))
	return strings.Join(parts, "\n\n")
}

// Answer is the outcome of one question.
type Answer struct {
	Query     *Query   `json:"query"`
	Documents []bson.M `json:"documents"`
}

// Pipeline answers questions end to end: describe the schema, translate,
// validate and execute.
type Pipeline struct {
	Translator Translator
	Inspector  Inspector
	Executor   *Executor
}

// Ask runs one question. Schema inspection is skipped when no inspector is set.
func (p *Pipeline) Ask(ctx context.Context, question string) (*Answer, error) {
	var schema string
	if p.Inspector != nil {
		ov, err := BuildOverview(ctx, p.Inspector)
		if err != nil {
			return nil, fmt.Errorf("schema overview: %w", err)
		}
		schema = ov.String()
	}

	raw, err := p.Translator.Translate(ctx, BuildPrompt(question, schema))
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}
	q, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	docs, err := p.Executor.Execute(ctx, q)
	if err != nil {
		return &Answer{Query: q}, err
	}
	return &Answer{Query: q, Documents: docs}, nil
}
