package sources

import (
	"context"
	"sync"

	"docload/internal/dbclient"
	"docload/internal/etl"
)

// cursorSource adapts a dbclient row cursor to an etl.ChunkSource.
type cursorSource struct {
	mu     sync.Mutex
	cursor dbclient.RowCursor
	closed bool
}

func newCursorSource(c dbclient.RowCursor) *cursorSource {
	return &cursorSource{cursor: c}
}

func (s *cursorSource) Columns() []string { return s.cursor.Columns() }

func (s *cursorSource) Next(ctx context.Context) (*etl.Chunk, error) {
	page, err := s.cursor.Next(ctx)
	if err != nil {
		return nil, err
	}
	return etl.ChunkFromRows(page.Columns, page.Rows), nil
}

// Close is safe to call more than once.
func (s *cursorSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.cursor.Close()
}
