package query

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// DefaultLimit caps result sets when the query sets none.
const DefaultLimit = 100

// Store runs reads against the document store.
type Store interface {
	Find(ctx context.Context, collection string, filter, projection any, limit int64) ([]bson.M, error)
	Aggregate(ctx context.Context, collection string, pipeline any) ([]bson.M, error)
}

// Executor validates and runs queries.
type Executor struct {
	Store     Store
	Validator Validator
	// Limit caps results; zero means DefaultLimit.
	Limit int64
}

func (e *Executor) limit(q *Query) int64 {
	ceiling := e.Limit
	if ceiling <= 0 {
		ceiling = DefaultLimit
	}
	if q.Limit > 0 && q.Limit < ceiling {
		return q.Limit
	}
	return ceiling
}

// Execute runs q after validation. Extended JSON values such as {"$date": ...}
// and {"$oid": ...} are converted to their BSON types first.
func (e *Executor) Execute(ctx context.Context, q *Query) ([]bson.M, error) {
	if err := e.Validator.Validate(q); err != nil {
		return nil, err
	}
	limit := e.limit(q)
	log.WithFields(log.Fields{"collection": q.Collection, "operation": q.Operation, "limit": limit}).Debug("executing query")

	switch q.Operation {
	case OpFind:
		filter, err := toBSON(q.Filter)
		if err != nil {
			return nil, err
		}
		var projection any
		if len(q.Projection) > 0 {
			if projection, err = toBSON(q.Projection); err != nil {
				return nil, err
			}
		}
		return e.Store.Find(ctx, q.Collection, filter, projection, limit)

	case OpAggregate:
		stages, _ := q.Pipeline.([]any)
		pipeline := make(bson.A, 0, len(stages)+1)
		for i, s := range stages {
			m, ok := s.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: pipeline stage %d is not a document", ErrInvalidQuery, i)
			}
			stage, err := toBSON(m)
			if err != nil {
				return nil, err
			}
			pipeline = append(pipeline, stage)
		}
		// The cap goes last even when the pipeline has its own $limit,
		// which can only narrow it further.
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
		return e.Store.Aggregate(ctx, q.Collection, pipeline)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, q.Operation)
	}
}

// toBSON re-encodes a decoded JSON object and parses it as relaxed
// Extended JSON.
func toBSON(field map[string]any) (bson.D, error) {
	if len(field) == 0 {
		return bson.D{}, nil
	}
	raw, err := json.Marshal(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("%w: extended json: %v", ErrInvalidQuery, err)
	}
	return doc, nil
}
