package etl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// castTargets lists the types Cast converts to.
var castTargets = map[string]bool{
	"int": true, "float": true, "number": true, "string": true, "bool": true, "date": true,
}

// dateLayouts are tried in order when a string is cast to a date.
var dateLayouts = []string{
	time.DateOnly,
	"02.01.2006", // Norwegian exports
	time.RFC3339,
	time.DateTime,
}

// Cast converts v to the named type. Null stays null, and a value that
// does not convert becomes null. Unknown targets return v unchanged.
func Cast(to string, v any) any {
	if v == nil {
		return nil
	}
	switch to {
	case "int":
		f, ok := asFloat(v)
		if !ok {
			return nil
		}
		return int64(math.Trunc(f))
	case "float", "number":
		f, ok := asFloat(v)
		if !ok {
			return nil
		}
		return f
	case "string":
		if ts, ok := v.(time.Time); ok {
			if ts.Equal(ts.Truncate(24 * time.Hour)) {
				return ts.Format(time.DateOnly)
			}
			return ts.Format(time.RFC3339)
		}
		return fmt.Sprint(v)
	case "bool":
		return toBool(v)
	case "date":
		ts, ok := asTime(v)
		if !ok {
			return nil
		}
		return ts
	}
	return v
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "ja", "j", "y", "1":
			return true
		}
		return false
	default:
		f, ok := asFloat(v)
		return ok && f != 0
	}
}

// compareValues orders a against b. Times compare as times, values that
// both read as numbers compare numerically, anything else as text. Null
// only equals null; ok is false when the pair cannot be ordered.
func compareValues(a, b any) (c int, ok bool) {
	if a == nil || b == nil {
		return 0, a == nil && b == nil
	}
	if ta, isTime := a.(time.Time); isTime {
		tb, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, f := range list {
			out = append(out, fmt.Sprint(f))
		}
		return out
	}
	return nil
}

func anyList(v any) []any {
	switch list := v.(type) {
	case []any:
		return list
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	case nil:
		return nil
	}
	return []any{v}
}
