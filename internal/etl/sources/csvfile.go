package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"docload/internal/etl"
)

// ── CSV File Source ─────────────────────────────────────────
// Reads raw export files directly, without going through Postgres.
// Each table maps to one file under a base directory.

// CSVTable locates the file for one table.
type CSVTable struct {
	File      string // relative to the base directory; defaults to <name>.csv
	Delimiter rune   // defaults to ','
}

// CSVExtractor streams CSV files with a header row.
type CSVExtractor struct {
	Dir    string
	Tables map[string]CSVTable
}

func NewCSVExtractor(dir string, tables map[string]CSVTable) *CSVExtractor {
	return &CSVExtractor{Dir: dir, Tables: tables}
}

func (e *CSVExtractor) Ping(ctx context.Context) error {
	info, err := os.Stat(e.Dir)
	if err != nil {
		return fmt.Errorf("csv base path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("csv base path %s is not a directory", e.Dir)
	}
	return nil
}

func (e *CSVExtractor) path(name string) (string, rune) {
	t := e.Tables[name]
	file := t.File
	if file == "" {
		file = name + ".csv"
	}
	delim := t.Delimiter
	if delim == 0 {
		delim = ','
	}
	if filepath.IsAbs(file) {
		return file, delim
	}
	return filepath.Join(e.Dir, file), delim
}

func (e *CSVExtractor) Extract(ctx context.Context, src etl.SourceDescriptor, chunkSize int) (etl.ChunkSource, error) {
	path, delim := e.path(src.Name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := csv.NewReader(f)
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		f.Close()
		return nil, fmt.Errorf("empty csv file %s", path)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("parse csv header: %w", err)
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}
	if chunkSize <= 0 {
		chunkSize = etl.DefaultChunkSize
	}
	return &csvSource{file: f, reader: reader, columns: columns, chunkSize: chunkSize, path: path}, nil
}

type csvSource struct {
	file      *os.File
	reader    *csv.Reader
	columns   []string
	chunkSize int
	path      string
	done      bool
}

func (s *csvSource) Columns() []string { return s.columns }

func (s *csvSource) Next(ctx context.Context) (*etl.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, io.EOF
	}
	rows := make([][]any, 0, s.chunkSize)
	for len(rows) < s.chunkSize {
		rec, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
		row := make([]any, len(s.columns))
		for j := range s.columns {
			if j < len(rec) {
				row[j] = inferCSVValue(rec[j])
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return etl.ChunkFromRows(s.columns, rows), nil
}

func (s *csvSource) Close() error { return s.file.Close() }

// inferCSVValue parses a cell as an integer, float or bool, falling back to
// the trimmed string. Empty cells become nil.
func inferCSVValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	// Leading zeros carry meaning in identifiers such as postal codes.
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return s
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	// ParseFloat also reads "NaN" and "Inf", which are names here, not numbers.
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}

	switch strings.ToLower(s) {
	case "true", "yes":
		return true
	case "false", "no":
		return false
	}

	return s
}
