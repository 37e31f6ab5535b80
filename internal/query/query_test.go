package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ─────────────────────────────────────────────────────────────
// Parse
// ─────────────────────────────────────────────────────────────

func TestParse(t *testing.T) {
	q, err := Parse([]byte("```json\n{\"collection\": \"selskap\", \"filter\": {\"navn\": \"Acme\"}, \"limit\": 5}\n```"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Collection != "selskap" || q.Operation != OpFind || q.Limit != 5 {
		t.Errorf("unexpected query: %+v", q)
	}
	if q.Filter["navn"] != "Acme" {
		t.Errorf("filter = %v", q.Filter)
	}

	if _, err := Parse([]byte("not json")); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// Validator
// ─────────────────────────────────────────────────────────────

func mustParse(t *testing.T, s string) *Query {
	t.Helper()
	q, err := Parse([]byte(s))
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return q
}

func TestValidator(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  error
	}{
		{"plain find", `{"collection": "person", "filter": {"navn": {"$regex": "^Kari"}}}`, nil},
		{"plain aggregate", `{"collection": "person", "operation": "aggregate", "pipeline": [{"$match": {"x": 1}}, {"$count": "n"}]}`, nil},
		{"where at top", `{"collection": "person", "filter": {"$where": "this.a > 1"}}`, ErrForbiddenOperator},
		{"function nested", `{"collection": "person", "filter": {"a": {"$expr": {"$function": {"body": "x"}}}}}`, ErrForbiddenOperator},
		{"inside list", `{"collection": "person", "filter": {"$or": [{"a": 1}, {"$where": "1"}]}}`, ErrForbiddenOperator},
		{"accumulator in pipeline", `{"collection": "p", "operation": "aggregate", "pipeline": [{"$group": {"_id": 1, "x": {"$accumulator": {}}}}]}`, ErrForbiddenOperator},
		{"deep in list of lists", `{"collection": "p", "operation": "aggregate", "pipeline": [{"$match": {"$and": [[{"$where": "1"}]]}}]}`, ErrForbiddenOperator},
		{"write op", `{"collection": "person", "operation": "deleteMany"}`, ErrUnsupportedOperation},
		{"missing collection", `{"filter": {}}`, ErrInvalidQuery},
		{"pipeline not list", `{"collection": "p", "operation": "aggregate", "pipeline": {"$match": {}}}`, ErrInvalidQuery},
		{"negative limit", `{"collection": "p", "limit": -1}`, ErrInvalidQuery},
	}
	var v Validator
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(mustParse(t, tc.query))
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidator_CustomLists(t *testing.T) {
	v := Validator{Forbidden: []string{"$lookup"}, Operations: []string{OpAggregate}}
	if err := v.Validate(mustParse(t, `{"collection": "p"}`)); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("find should be refused, got %v", err)
	}
	q := mustParse(t, `{"collection": "p", "operation": "aggregate", "pipeline": [{"$lookup": {}}]}`)
	if err := v.Validate(q); !errors.Is(err, ErrForbiddenOperator) {
		t.Errorf("$lookup should be refused, got %v", err)
	}
}

func TestFindKey_BSONTypes(t *testing.T) {
	v := bson.D{{Key: "a", Value: bson.A{bson.M{"b": bson.D{{Key: "$function", Value: 1}}}}}}
	if key, ok := findKey(v, DefaultForbidden); !ok || key != "$function" {
		t.Errorf("findKey = %q %v", key, ok)
	}
	if _, ok := findKey(bson.D{{Key: "where", Value: "$where"}}, DefaultForbidden); ok {
		t.Error("values are not keys")
	}
}

// ─────────────────────────────────────────────────────────────
// Executor
// ─────────────────────────────────────────────────────────────

type fakeStore struct {
	coll       string
	filter     any
	projection any
	limit      int64
	pipeline   any
	calls      int
}

func (f *fakeStore) Find(ctx context.Context, coll string, filter, projection any, limit int64) ([]bson.M, error) {
	f.calls++
	f.coll, f.filter, f.projection, f.limit = coll, filter, projection, limit
	return []bson.M{{"navn": "Acme"}}, nil
}

func (f *fakeStore) Aggregate(ctx context.Context, coll string, pipeline any) ([]bson.M, error) {
	f.calls++
	f.coll, f.pipeline = coll, pipeline
	return []bson.M{{"n": 2}}, nil
}

func TestExecutor_FindConvertsExtendedJSON(t *testing.T) {
	store := &fakeStore{}
	ex := &Executor{Store: store}

	q := mustParse(t, `{"collection": "person", "filter": {"foedselsdato": {"$gte": {"$date": "1980-01-01T00:00:00Z"}}}, "projection": {"navn": 1}, "limit": 10}`)
	docs, err := ex.Execute(context.Background(), q)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(docs) != 1 || store.coll != "person" || store.limit != 10 {
		t.Errorf("unexpected call: %+v", store)
	}

	filter := store.filter.(bson.D)
	gte := filter[0].Value.(bson.D)[0]
	dt, ok := gte.Value.(bson.DateTime)
	if !ok {
		t.Fatalf("$date should become bson.DateTime, got %T", gte.Value)
	}
	if !dt.Time().Equal(time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", dt.Time())
	}
	if store.projection == nil {
		t.Error("projection should be passed through")
	}
}

func TestExecutor_LimitCaps(t *testing.T) {
	store := &fakeStore{}
	ex := &Executor{Store: store, Limit: 50}
	if _, err := ex.Execute(context.Background(), mustParse(t, `{"collection": "p", "limit": 1000}`)); err != nil {
		t.Fatal(err)
	}
	if store.limit != 50 {
		t.Errorf("limit = %d, want 50", store.limit)
	}
	if _, err := ex.Execute(context.Background(), mustParse(t, `{"collection": "p"}`)); err != nil {
		t.Fatal(err)
	}
	if store.limit != 50 {
		t.Errorf("default limit = %d, want 50", store.limit)
	}
}

func TestExecutor_AggregateAppendsLimit(t *testing.T) {
	store := &fakeStore{}
	ex := &Executor{Store: store}
	q := mustParse(t, `{"collection": "eierskap", "operation": "aggregate", "pipeline": [{"$match": {"year": 2021}}]}`)
	if _, err := ex.Execute(context.Background(), q); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p := store.pipeline.(bson.A)
	if len(p) != 2 {
		t.Fatalf("pipeline = %v", p)
	}
	last := p[1].(bson.D)
	if last[0].Key != "$limit" || last[0].Value != int64(DefaultLimit) {
		t.Errorf("last stage = %v", last)
	}
}

func TestExecutor_AggregateCapsOwnLimit(t *testing.T) {
	store := &fakeStore{}
	ex := &Executor{Store: store, Limit: 50}
	q := mustParse(t, `{"collection": "eierskap", "operation": "aggregate", "pipeline": [{"$limit": 1000000}]}`)
	if _, err := ex.Execute(context.Background(), q); err != nil {
		t.Fatalf("execute: %v", err)
	}
	p := store.pipeline.(bson.A)
	if len(p) != 2 {
		t.Fatalf("pipeline = %v", p)
	}
	last := p[len(p)-1].(bson.D)
	if last[0].Key != "$limit" || last[0].Value != int64(50) {
		t.Errorf("a pipeline $limit above the ceiling must still be capped, last stage = %v", last)
	}
}

func TestExecutor_RefusesBeforeStore(t *testing.T) {
	store := &fakeStore{}
	ex := &Executor{Store: store}
	_, err := ex.Execute(context.Background(), mustParse(t, `{"collection": "p", "filter": {"$where": "sleep(1000)"}}`))
	if !errors.Is(err, ErrForbiddenOperator) {
		t.Fatalf("expected ErrForbiddenOperator, got %v", err)
	}
	if store.calls != 0 {
		t.Error("refused query must not reach the store")
	}
}

// ─────────────────────────────────────────────────────────────
// Schema overview and pipeline
// ─────────────────────────────────────────────────────────────

type fakeInspector struct {
	samples map[string]bson.D
}

func (f *fakeInspector) ListCollections(ctx context.Context) ([]string, error) {
	names := make([]string, 0, len(f.samples))
	for n := range f.samples {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeInspector) SampleDocument(ctx context.Context, c string) (bson.D, error) {
	return f.samples[c], nil
}

func (f *fakeInspector) IndexNames(ctx context.Context, c string) ([]string, error) {
	return []string{"_id_"}, nil
}

func TestBuildOverview(t *testing.T) {
	ins := &fakeInspector{samples: map[string]bson.D{
		"selskap": {{Key: "orgnr", Value: "100"}},
		"empty":   nil,
	}}
	ov, err := BuildOverview(context.Background(), ins)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(ov.Collections) != 2 || ov.Collections[0].Name != "empty" {
		t.Fatalf("collections should be sorted: %+v", ov.Collections)
	}
	text := ov.String()
	for _, want := range []string{"Collection selskap", `"orgnr": "100"`, "(empty)", "indexes: _id_"} {
		if !strings.Contains(text, want) {
			t.Errorf("overview missing %q:\n%s", want, text)
		}
	}
}

func TestPipeline_Ask(t *testing.T) {
	var prompt string
	p := &Pipeline{
		Translator: TranslatorFunc(func(ctx context.Context, in string) ([]byte, error) {
			prompt = in
			return []byte(`{"collection": "selskap", "filter": {"navn": "Acme"}}`), nil
		}),
		Inspector: &fakeInspector{samples: map[string]bson.D{"selskap": {{Key: "navn", Value: "x"}}}},
		Executor:  &Executor{Store: &fakeStore{}},
	}
	ans, err := p.Ask(context.Background(), "Which companies are called Acme?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(ans.Documents) != 1 || ans.Query.Collection != "selskap" {
		t.Errorf("answer = %+v", ans)
	}
	if !strings.Contains(prompt, "Collection selskap") || !strings.Contains(prompt, "Question: Which companies") {
		t.Errorf("prompt missing schema or question:\n%s", prompt)
	}
}

func TestPipeline_RefusesForbiddenTranslation(t *testing.T) {
	store := &fakeStore{}
	p := &Pipeline{
		Translator: TranslatorFunc(func(ctx context.Context, in string) ([]byte, error) {
			return []byte(`{"collection": "selskap", "filter": {"$where": "true"}}`), nil
		}),
		Executor: &Executor{Store: store},
	}
	ans, err := p.Ask(context.Background(), "anything")
	if !errors.Is(err, ErrForbiddenOperator) {
		t.Fatalf("expected ErrForbiddenOperator, got %v", err)
	}
	if ans == nil || ans.Query == nil || store.calls != 0 {
		t.Error("refused query should be returned for inspection and never executed")
	}
}
