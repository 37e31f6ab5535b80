package etl

import (
	"context"

	"docload/internal/domain"
)

// ── Destination ────────────────────────────────────────────
// A Target is the document store a rebuild writes into. Collections are
// always dropped and rewritten whole; there is no append or merge mode.

// Target writes documents into named collections.
type Target interface {
	// Ping verifies the target is reachable.
	Ping(ctx context.Context) error

	// Drop removes a collection and its indexes. Missing collections are not an error.
	Drop(ctx context.Context, collection string) error

	// InsertMany writes docs as one unordered batch. Rejected documents are
	// reported in the outcome while the rest of the batch is kept.
	InsertMany(ctx context.Context, collection string, docs []Document) (domain.InsertOutcome, error)

	// CreateIndexes builds secondary indexes on a loaded collection.
	CreateIndexes(ctx context.Context, collection string, specs []domain.IndexSpec) error
}

// TargetDescriptor names the collection a job writes and the indexes built on it.
type TargetDescriptor struct {
	Collection string             `yaml:"collection" json:"collection"`
	Indexes    []domain.IndexSpec `yaml:"indexes" json:"indexes,omitempty"`
}
