package sources

import (
	"context"
	"fmt"

	"docload/internal/dbclient"
	"docload/internal/etl"
)

// ── Mongo Source ───────────────────────────────────────────
// Reads the flat copy database back as rows. The structured build uses it
// so the relational source is only scanned once per version.

// The document store is also the rebuild target.
var _ etl.Target = (*dbclient.MongoStore)(nil)

// MongoExtractor reads collections from one Mongo database.
type MongoExtractor struct {
	Store *dbclient.MongoStore
}

func NewMongoExtractor(store *dbclient.MongoStore) *MongoExtractor {
	return &MongoExtractor{Store: store}
}

func (e *MongoExtractor) Ping(ctx context.Context) error {
	return e.Store.Ping(ctx)
}

// Extract streams the collection named by src. Query is ignored.
func (e *MongoExtractor) Extract(ctx context.Context, src etl.SourceDescriptor, chunkSize int) (etl.ChunkSource, error) {
	cursor, err := e.Store.StreamCollection(ctx, src.Name, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("stream %s.%s: %w", e.Store.Name(), src.Name, err)
	}
	return newCursorSource(cursor), nil
}
