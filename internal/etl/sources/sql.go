package sources

import (
	"context"
	"fmt"

	"docload/internal/dbclient"
	"docload/internal/etl"

	log "github.com/sirupsen/logrus"
)

// ── SQL Source ─────────────────────────────────────────────
// Streams tables or queries from a relational source through a
// dbclient.Connector. Postgres reads run on a server-side cursor inside a
// read-only transaction, so memory stays bounded by the chunk size.

// SQLExtractor reads from one relational connection.
type SQLExtractor struct {
	Conn dbclient.Connector
}

// NewSQLExtractor wraps an open connector.
func NewSQLExtractor(conn dbclient.Connector) *SQLExtractor {
	return &SQLExtractor{Conn: conn}
}

func (e *SQLExtractor) Ping(ctx context.Context) error {
	return e.Conn.TestConnection(ctx)
}

func (e *SQLExtractor) Extract(ctx context.Context, src etl.SourceDescriptor, chunkSize int) (etl.ChunkSource, error) {
	query := src.SQL()
	log.WithFields(log.Fields{"source": src.Name, "chunk_size": chunkSize}).Debug("opening sql stream")

	cursor, err := e.Conn.Stream(ctx, query, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", src.Name, err)
	}
	return newCursorSource(cursor), nil
}
