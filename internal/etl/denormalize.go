package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ── Denormalizer ───────────────────────────────────────────
// Turns flat rows into nested documents. Every output field is declared
// up front in a FieldSpec tree: undeclared columns never reach the target.

// Mode selects how rows become documents.
type Mode string

const (
	ModeCopy    Mode = "copy"    // one document per row, every column
	ModeReshape Mode = "reshape" // one document per row, declared fields only
	ModeGroup   Mode = "group"   // rows sharing a key fold into one document with a child array
	ModeEmbed   Mode = "embed"   // parents from one source, children joined from another by foreign key
)

// ErrInvalidEntity wraps every entity validation failure.
var ErrInvalidEntity = errors.New("invalid entity")

// FieldSpec declares one output field. A spec with nested Fields produces a
// sub-document; otherwise the value comes from Column (defaulting to Name).
type FieldSpec struct {
	Name    string      `yaml:"name" json:"name"`
	Column  string      `yaml:"column" json:"column,omitempty"`
	Convert string      `yaml:"convert" json:"convert,omitempty"` // a Cast target
	Fields  []FieldSpec `yaml:"fields" json:"fields,omitempty"`
}

// F declares a field copied from the column of the same name.
func F(name string) FieldSpec { return FieldSpec{Name: name} }

// FC declares a field copied from a differently named column.
func FC(name, column string) FieldSpec { return FieldSpec{Name: name, Column: column} }

// Nested declares a sub-document.
func Nested(name string, fields ...FieldSpec) FieldSpec {
	return FieldSpec{Name: name, Fields: fields}
}

func (f FieldSpec) column() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// EmbedSpec declares the child array of a group or embed entity.
type EmbedSpec struct {
	// As is the name of the array field on the parent.
	As string `yaml:"as" json:"as"`
	// Source and ForeignKey are used in embed mode; group mode reads children
	// from the same rows as the parent.
	Source     SourceDescriptor `yaml:"source" json:"source"`
	ForeignKey string           `yaml:"foreign_key" json:"foreignKey,omitempty"`
	// Children are sub-documents built from Fields, or scalars taken from
	// the Value column when it is set.
	Fields []FieldSpec `yaml:"fields" json:"fields,omitempty"`
	Value  string      `yaml:"value" json:"value,omitempty"`
}

// Entity is one target collection and the recipe that fills it.
type Entity struct {
	TargetDescriptor `yaml:",inline"`

	Mode   Mode             `yaml:"mode" json:"mode"`
	Source SourceDescriptor `yaml:"source" json:"source"`
	// Key is the group key (group mode) or the parent's natural key matched
	// against EmbedSpec.ForeignKey (embed mode).
	Key        string            `yaml:"key" json:"key,omitempty"`
	Fields     []FieldSpec       `yaml:"fields" json:"fields,omitempty"`
	Embed      *EmbedSpec        `yaml:"embed" json:"embed,omitempty"`
	Transforms []TransformConfig `yaml:"transforms" json:"transforms,omitempty"`
}

// Validate checks the entity before anything is extracted.
func (e Entity) Validate() error {
	if err := ValidateFieldName(e.Collection); err != nil {
		return fmt.Errorf("%w: collection: %v", ErrInvalidEntity, err)
	}
	if e.Source.Name == "" {
		return fmt.Errorf("%w: %s: source name is required", ErrInvalidEntity, e.Collection)
	}
	for _, idx := range e.Indexes {
		if err := idx.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, e.Collection, err)
		}
	}

	switch e.Mode {
	case ModeCopy:
		return nil
	case ModeReshape:
		return e.validateFields(nil)
	case ModeGroup, ModeEmbed:
	default:
		return fmt.Errorf("%w: %s: unknown mode %q", ErrInvalidEntity, e.Collection, e.Mode)
	}

	if e.Key == "" {
		return fmt.Errorf("%w: %s: %s mode needs a key", ErrInvalidEntity, e.Collection, e.Mode)
	}
	if e.Embed == nil || e.Embed.As == "" {
		return fmt.Errorf("%w: %s: %s mode needs embed.as", ErrInvalidEntity, e.Collection, e.Mode)
	}
	if e.Mode == ModeEmbed && (e.Embed.Source.Name == "" || e.Embed.ForeignKey == "") {
		return fmt.Errorf("%w: %s: embed mode needs embed.source and embed.foreign_key", ErrInvalidEntity, e.Collection)
	}
	if e.Embed.Value == "" {
		if err := validateFieldList(e.Embed.Fields); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidEntity, e.Collection, e.Embed.As, err)
		}
	}
	return e.validateFields([]string{e.Embed.As})
}

func (e Entity) validateFields(reserved []string) error {
	fields := e.Fields
	for _, name := range reserved {
		fields = append(fields[:len(fields):len(fields)], FieldSpec{Name: name, Column: "-"})
	}
	if err := validateFieldList(fields); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, e.Collection, err)
	}
	return nil
}

func validateFieldList(fields []FieldSpec) error {
	if len(fields) == 0 {
		return errors.New("no fields declared")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if err := ValidateFieldName(f.Name); err != nil {
			return err
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if f.Convert != "" && !castTargets[f.Convert] {
			return fmt.Errorf("field %q: cannot convert to %q", f.Name, f.Convert)
		}
		if len(f.Fields) > 0 {
			if err := validateFieldList(f.Fields); err != nil {
				return fmt.Errorf("%s: %v", f.Name, err)
			}
		}
	}
	return nil
}

// ValidateFieldName rejects names the target would misread as operators or paths.
func ValidateFieldName(name string) error {
	switch {
	case name == "":
		return errors.New("empty name")
	case strings.HasPrefix(name, "$"):
		return fmt.Errorf("name %q starts with $", name)
	case strings.Contains(name, "."):
		return fmt.Errorf("name %q contains a dot", name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("name %q contains a NUL byte", name)
	}
	return nil
}

// ── Documents from rows ────────────────────────────────────

// BuildDocument lays out the declared fields of rec. Missing columns become null.
func BuildDocument(fields []FieldSpec, rec Record) Document {
	doc := make(Document, 0, len(fields))
	for _, f := range fields {
		doc = append(doc, bson.E{Key: f.Name, Value: fieldValue(f, rec)})
	}
	return doc
}

func fieldValue(f FieldSpec, rec Record) any {
	if len(f.Fields) > 0 {
		return BuildDocument(f.Fields, rec)
	}
	v := rec.Data[f.column()]
	if f.Convert != "" {
		return Cast(f.Convert, v)
	}
	return v
}

// childValue builds one element of a child array.
func childValue(e *EmbedSpec, rec Record) any {
	if e.Value != "" {
		return rec.Data[e.Value]
	}
	return BuildDocument(e.Fields, rec)
}

// KeyOf returns the canonical string form of a key value, prefixed by its
// kind so the string "1" and the number 1 stay distinct. Integral floats
// print like integers so numeric keys read back from different stores
// still match. A nil key reports false.
func KeyOf(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + k, true
	case []byte:
		return "s:" + string(k), true
	case float64:
		if k == math.Trunc(k) && math.Abs(k) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(k), 10), true
		}
		return "n:" + strconv.FormatFloat(k, 'g', -1, 64), true
	case float32:
		return KeyOf(float64(k))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "n:" + fmt.Sprint(k), true
	default:
		return fmt.Sprintf("%T:%v", k, k), true
	}
}

// DenormStats counts what the denormalizer read and what it had to drop.
type DenormStats struct {
	Rows      int `json:"rows"`      // parent rows read
	Children  int `json:"children"`  // child rows read (embed mode)
	NullKeys  int `json:"nullKeys"`  // rows skipped for a null key
	Unmatched int `json:"unmatched"` // children whose foreign key matched no parent
}

// ReshapeChunk maps a chunk one row to one document.
func ReshapeChunk(fields []FieldSpec, chunk *Chunk) []Document {
	docs := make([]Document, 0, len(chunk.Records))
	for _, rec := range chunk.Records {
		docs = append(docs, BuildDocument(fields, rec))
	}
	return docs
}

// groupAcc keeps parents in first-seen order. It lives for one call only.
type groupAcc struct {
	order    []string
	parents  map[string]Document
	children map[string]bson.A
}

func newGroupAcc() *groupAcc {
	return &groupAcc{parents: map[string]Document{}, children: map[string]bson.A{}}
}

func (g *groupAcc) documents(as string) []Document {
	docs := make([]Document, 0, len(g.order))
	for _, key := range g.order {
		kids := g.children[key]
		if kids == nil {
			kids = bson.A{}
		}
		docs = append(docs, append(g.parents[key], bson.E{Key: as, Value: kids}))
	}
	return docs
}

// Group folds every row sharing e.Key into one document. The first row of a
// key supplies the parent fields; each row contributes one child.
func Group(ctx context.Context, src ChunkSource, e Entity) ([]Document, DenormStats, error) {
	var stats DenormStats
	acc := newGroupAcc()

	err := eachRecord(ctx, src, func(rec Record) {
		stats.Rows++
		key, ok := KeyOf(rec.Data[e.Key])
		if !ok {
			stats.NullKeys++
			return
		}
		if _, exists := acc.parents[key]; !exists {
			acc.order = append(acc.order, key)
			acc.parents[key] = BuildDocument(e.Fields, rec)
		}
		acc.children[key] = append(acc.children[key], childValue(e.Embed, rec))
	})
	if err != nil {
		return nil, stats, err
	}
	return acc.documents(e.Embed.As), stats, nil
}

// Embed builds one document per parent row and attaches every child row whose
// foreign key equals the parent's key. Parents with no children get an empty
// array. Children pointing at no parent are dropped and counted.
func Embed(ctx context.Context, parents, children ChunkSource, e Entity) ([]Document, DenormStats, error) {
	var stats DenormStats
	acc := newGroupAcc()

	err := eachRecord(ctx, parents, func(rec Record) {
		stats.Rows++
		key, ok := KeyOf(rec.Data[e.Key])
		if !ok {
			stats.NullKeys++
			return
		}
		if _, exists := acc.parents[key]; exists {
			return
		}
		acc.order = append(acc.order, key)
		acc.parents[key] = BuildDocument(e.Fields, rec)
	})
	if err != nil {
		return nil, stats, err
	}

	err = eachRecord(ctx, children, func(rec Record) {
		stats.Children++
		key, ok := KeyOf(rec.Data[e.Embed.ForeignKey])
		if !ok {
			stats.Unmatched++
			return
		}
		if _, exists := acc.parents[key]; !exists {
			stats.Unmatched++
			return
		}
		acc.children[key] = append(acc.children[key], childValue(e.Embed, rec))
	})
	if err != nil {
		return nil, stats, err
	}

	if stats.Unmatched > 0 {
		log.WithFields(log.Fields{
			"collection":  e.Collection,
			"child":       e.Embed.Source.Name,
			"foreign_key": e.Embed.ForeignKey,
			"unmatched":   stats.Unmatched,
		}).Warn("child rows reference no parent")
	}
	return acc.documents(e.Embed.As), stats, nil
}

// eachRecord drains src, calling fn for every record.
func eachRecord(ctx context.Context, src ChunkSource, fn func(Record)) error {
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, rec := range chunk.Records {
			fn(rec)
		}
	}
}
