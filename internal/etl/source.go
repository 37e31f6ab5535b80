package etl

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ── Streaming Extractor ────────────────────────────────────
// An Extractor turns a SourceDescriptor into a pull-based stream of
// Chunks. Implementations over real stores live in etl/sources/.

// SourceDescriptor names a source table or collection and how to read it.
type SourceDescriptor struct {
	Name        string   `yaml:"name" json:"name"`
	Query       string   `yaml:"query" json:"query,omitempty"`
	DropColumns []string `yaml:"drop_columns" json:"dropColumns,omitempty"`
}

// SQL returns the query to run, defaulting to a full table scan.
func (d SourceDescriptor) SQL() string {
	if d.Query != "" {
		return d.Query
	}
	return "SELECT * FROM " + d.Name
}

// ChunkSource yields a single pass over a source. Next returns io.EOF once
// every row has been delivered; the stream cannot be restarted.
type ChunkSource interface {
	Columns() []string
	Next(ctx context.Context) (*Chunk, error)
	Close() error
}

// Extractor opens streams over one backing store.
type Extractor interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Extract opens a stream that yields at most chunkSize records per Next.
	Extract(ctx context.Context, src SourceDescriptor, chunkSize int) (ChunkSource, error)
}

// ── In-memory extractor ────────────────────────────────────

// MemTable is a fixed set of rows served by SliceExtractor.
type MemTable struct {
	Columns []string
	Rows    [][]any
}

// SliceExtractor serves tables held in memory. Useful for fixtures and
// for feeding already-materialized rows back through the pipeline.
type SliceExtractor struct {
	mu     sync.Mutex
	Tables map[string]MemTable
	// PingErr, when set, is returned from Ping.
	PingErr error
}

func (e *SliceExtractor) Ping(ctx context.Context) error { return e.PingErr }

func (e *SliceExtractor) Extract(ctx context.Context, src SourceDescriptor, chunkSize int) (ChunkSource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.Tables[src.Name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", src.Name)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &sliceSource{table: t, chunkSize: chunkSize}, nil
}

type sliceSource struct {
	table     MemTable
	chunkSize int
	pos       int
}

func (s *sliceSource) Columns() []string { return s.table.Columns }

func (s *sliceSource) Next(ctx context.Context) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.table.Rows) {
		return nil, io.EOF
	}
	end := min(s.pos+s.chunkSize, len(s.table.Rows))
	chunk := &Chunk{Columns: s.table.Columns, Records: make([]Record, 0, end-s.pos)}
	for _, row := range s.table.Rows[s.pos:end] {
		chunk.Records = append(chunk.Records, recordFromRow(s.table.Columns, row))
	}
	s.pos = end
	return chunk, nil
}

func (s *sliceSource) Close() error { return nil }

// ChunkFromRows wraps positional rows as a Chunk. Extractors over row
// cursors use it to hand pages to the pipeline.
func ChunkFromRows(columns []string, rows [][]any) *Chunk {
	chunk := &Chunk{Columns: columns, Records: make([]Record, 0, len(rows))}
	for _, row := range rows {
		chunk.Records = append(chunk.Records, recordFromRow(columns, row))
	}
	return chunk
}
