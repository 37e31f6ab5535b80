package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Inspector reads what a translator needs to know about the target.
type Inspector interface {
	ListCollections(ctx context.Context) ([]string, error)
	SampleDocument(ctx context.Context, collection string) (bson.D, error)
	IndexNames(ctx context.Context, collection string) ([]string, error)
}

// CollectionInfo is one collection in a schema overview.
type CollectionInfo struct {
	Name    string   `json:"name"`
	Indexes []string `json:"indexes"`
	// Sample is the first document rendered as relaxed Extended JSON, or
	// empty for an empty collection.
	Sample string `json:"sample_document,omitempty"`
}

// Overview describes every collection of the target database.
type Overview struct {
	Collections []CollectionInfo `json:"collections"`
}

// BuildOverview samples one document and lists the indexes of each collection.
func BuildOverview(ctx context.Context, ins Inspector) (*Overview, error) {
	names, err := ins.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	ov := &Overview{Collections: make([]CollectionInfo, 0, len(names))}
	for _, name := range names {
		info, err := Describe(ctx, ins, name)
		if err != nil {
			return nil, err
		}
		ov.Collections = append(ov.Collections, *info)
	}
	return ov, nil
}

// Describe inspects a single collection.
func Describe(ctx context.Context, ins Inspector, collection string) (*CollectionInfo, error) {
	info := &CollectionInfo{Name: collection}

	idx, err := ins.IndexNames(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("indexes of %s: %w", collection, err)
	}
	info.Indexes = idx

	doc, err := ins.SampleDocument(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("sample of %s: %w", collection, err)
	}
	if doc != nil {
		raw, err := bson.MarshalExtJSONIndent(doc, false, false, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("render sample of %s: %w", collection, err)
		}
		info.Sample = string(raw)
	}
	return info, nil
}

// String renders the overview for a prompt.
func (o *Overview) String() string {
	var b strings.Builder
	for i, c := range o.Collections {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Collection %s\n", c.Name)
		if len(c.Indexes) > 0 {
			fmt.Fprintf(&b, "  indexes: %s\n", strings.Join(c.Indexes, ", "))
		}
		if c.Sample == "" {
			b.WriteString("  (empty)\n")
			continue
		}
		b.WriteString("  sample document:\n")
		for _, line := range strings.Split(c.Sample, "\n") {
			b.WriteString("    " + line + "\n")
		}
	}
	return b.String()
}
