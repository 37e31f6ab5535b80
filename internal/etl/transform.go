package etl

import (
	"fmt"
	"sort"
	"strings"
)

// ── Transforms ─────────────────────────────────────────────
// Flat copies may reshape rows in flight. Transforms run after the row
// normalizer, so date columns arrive as UTC time.Time values.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(Record) (Record, bool)

func (f TransformerFunc) Transform(r Record) (Record, bool) { return f(r) }

// TransformConfig is a declarative transform definition from a version file.
type TransformConfig struct {
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config" json:"config"`
}

// FilterTransform keeps records whose field satisfies Op against Value.
// A missing field compares as null.
type FilterTransform struct {
	Field string
	Op    string
	Value any
}

var filterOps = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"contains": true, "in": true, "null": true, "not_null": true,
}

func (t *FilterTransform) Transform(r Record) (Record, bool) {
	v := r.Data[t.Field]
	switch t.Op {
	case "null":
		return r, v == nil
	case "not_null":
		return r, v != nil
	case "contains":
		return r, v != nil && strings.Contains(fmt.Sprint(v), fmt.Sprint(t.Value))
	case "in":
		for _, want := range anyList(t.Value) {
			if c, ok := compareValues(v, want); ok && c == 0 {
				return r, true
			}
		}
		return r, false
	}

	c, ok := compareValues(v, t.Value)
	if !ok {
		return r, t.Op == "neq"
	}
	switch t.Op {
	case "eq":
		return r, c == 0
	case "neq":
		return r, c != 0
	case "gt":
		return r, c > 0
	case "gte":
		return r, c >= 0
	case "lt":
		return r, c < 0
	case "lte":
		return r, c <= 0
	}
	return r, true
}

// RenameTransform renames fields in a record.
type RenameTransform struct {
	Mapping map[string]string // old name → new name
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	moved := make(map[string]any, len(t.Mapping))
	for from, to := range t.Mapping {
		if v, ok := r.Data[from]; ok {
			moved[to] = v
			delete(r.Data, from)
		}
	}
	for k, v := range moved {
		r.Data[k] = v
	}
	return r, true
}

// SelectTransform keeps only the listed fields.
type SelectTransform struct {
	Fields []string
}

func (t *SelectTransform) Transform(r Record) (Record, bool) {
	keep := make(map[string]any, len(t.Fields))
	for _, f := range t.Fields {
		if v, ok := r.Data[f]; ok {
			keep[f] = v
		}
	}
	r.Data = keep
	return r, true
}

// DropTransform removes the listed fields.
type DropTransform struct {
	Fields []string
}

func (t *DropTransform) Transform(r Record) (Record, bool) {
	for _, f := range t.Fields {
		delete(r.Data, f)
	}
	return r, true
}

// CastTransform converts one field to int, float, string, bool or date.
// Values that do not convert become null.
type CastTransform struct {
	Field string
	To    string
}

func (t *CastTransform) Transform(r Record) (Record, bool) {
	if v, ok := r.Data[t.Field]; ok {
		r.Data[t.Field] = Cast(t.To, v)
	}
	return r, true
}

// ── Building ───────────────────────────────────────────────

type transformBuilder func(cfg map[string]any) (Transformer, error)

var transformBuilders = map[string]transformBuilder{
	"filter": func(cfg map[string]any) (Transformer, error) {
		field, _ := cfg["field"].(string)
		op, _ := cfg["op"].(string)
		if field == "" || op == "" {
			return nil, fmt.Errorf("filter needs field and op")
		}
		if !filterOps[op] {
			return nil, fmt.Errorf("filter: unknown op %q", op)
		}
		return &FilterTransform{Field: field, Op: op, Value: cfg["value"]}, nil
	},
	"rename": func(cfg map[string]any) (Transformer, error) {
		mapping, _ := cfg["mapping"].(map[string]any)
		if len(mapping) == 0 {
			return nil, fmt.Errorf("rename needs a mapping")
		}
		m := make(map[string]string, len(mapping))
		for from, to := range mapping {
			m[from] = fmt.Sprint(to)
		}
		return &RenameTransform{Mapping: m}, nil
	},
	"select": func(cfg map[string]any) (Transformer, error) {
		fields := stringList(cfg["fields"])
		if len(fields) == 0 {
			return nil, fmt.Errorf("select needs fields")
		}
		return &SelectTransform{Fields: fields}, nil
	},
	"drop": func(cfg map[string]any) (Transformer, error) {
		fields := stringList(cfg["fields"])
		if len(fields) == 0 {
			return nil, fmt.Errorf("drop needs fields")
		}
		return &DropTransform{Fields: fields}, nil
	},
	"type_cast": func(cfg map[string]any) (Transformer, error) {
		field, _ := cfg["field"].(string)
		to, _ := cfg["to"].(string)
		if to == "" {
			to, _ = cfg["castType"].(string)
		}
		if field == "" || to == "" {
			return nil, fmt.Errorf("type_cast needs field and to")
		}
		if !castTargets[to] {
			return nil, fmt.Errorf("type_cast: cannot cast to %q", to)
		}
		return &CastTransform{Field: field, To: to}, nil
	},
}

// TransformTypes lists the transform names a version file may use.
func TransformTypes() []string {
	names := make([]string, 0, len(transformBuilders))
	for name := range transformBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildTransformers converts declarative configs into Transformer instances.
// Unknown or incomplete configs are rejected so a typo in a version file
// does not silently copy untransformed rows.
func BuildTransformers(configs []TransformConfig) ([]Transformer, error) {
	ts := make([]Transformer, 0, len(configs))
	for i, tc := range configs {
		build, ok := transformBuilders[tc.Type]
		if !ok {
			return nil, fmt.Errorf("transform %d: unknown type %q (want one of %s)", i, tc.Type, strings.Join(TransformTypes(), ", "))
		}
		t, err := build(tc.Config)
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
		ts = append(ts, t)
	}
	return ts, nil
}

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		if r, keep = t.Transform(r); !keep {
			return r, false
		}
	}
	return r, true
}
