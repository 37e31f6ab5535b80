package etl

import (
	"time"

	"github.com/golang-sql/civil"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ── Row Normalizer ─────────────────────────────────────────
// The target has no date-only type: calendar dates become instants at
// midnight UTC. Everything else passes through untouched, so running the
// normalizer twice is the same as running it once.

// Normalize converts every date-only value reachable from v.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case civil.Date:
		return midnightUTC(val)
	case *civil.Date:
		if val == nil {
			return nil
		}
		return midnightUTC(*val)
	case bson.DateTime:
		return val.Time().UTC()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = Normalize(inner)
		}
		return out
	case bson.M:
		out := make(bson.M, len(val))
		for k, inner := range val {
			out[k] = Normalize(inner)
		}
		return out
	case bson.D:
		out := make(bson.D, len(val))
		for i, e := range val {
			out[i] = bson.E{Key: e.Key, Value: Normalize(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, inner := range val {
			out[i] = Normalize(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Normalize(inner)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, inner := range val {
			out[i] = Normalize(inner).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// NormalizeRecord returns a copy of r with every field normalized.
func NormalizeRecord(r Record) Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = Normalize(v)
	}
	return Record{Data: data}
}

func midnightUTC(d civil.Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}
