package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang-sql/civil"
)

// sqlConnector is the shared implementation for MySQL, Postgres, and SQLite.
type sqlConnector struct {
	driverName string
	db         *sql.DB
}

// newSQLConnector creates a generic SQL connector.
func newSQLConnector(driverName, dsn string) (*sqlConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	// One rebuild holds at most a couple of cursors open at a time.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlConnector{driverName: driverName, db: db}, nil
}

func (c *sqlConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

// isReadQuery detects if a query is a read (SELECT, WITH, SHOW, DESCRIBE, EXPLAIN, PRAGMA, TABLE).
func isReadQuery(query string) bool {
	q := strings.TrimSpace(query)
	q = strings.ToUpper(q)
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA", "TABLE"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

// Stream runs query once and pulls rows off the wire pageSize at a time.
func (c *sqlConnector) Stream(ctx context.Context, query string, pageSize int) (RowCursor, error) {
	if !isReadQuery(query) {
		return nil, fmt.Errorf("stream: refusing non-read query %q", truncateQuery(query))
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	cols, dates, err := describeRows(rows)
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &rowsCursor{rows: rows, columns: cols, dates: dates, pageSize: pageSize}, nil
}

// rowsCursor pages over an open *sql.Rows.
type rowsCursor struct {
	mu       sync.Mutex
	rows     *sql.Rows
	columns  []string
	dates    []bool
	pageSize int
	done     bool
}

func (r *rowsCursor) Columns() []string { return r.columns }

func (r *rowsCursor) Next(ctx context.Context) (*Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := scanRows(r.rows, r.pageSize, r.dates)
	if err != nil {
		r.closeLocked()
		return nil, err
	}
	if len(batch) < r.pageSize {
		r.closeLocked()
		if err := r.rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate: %w", err)
		}
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return &Page{Columns: r.columns, Rows: batch}, nil
}

func (r *rowsCursor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	return nil
}

func (r *rowsCursor) closeLocked() {
	if !r.done {
		r.rows.Close()
		r.done = true
	}
}

// describeRows returns the column names and which of them hold date-only values.
func describeRows(rows *sql.Rows) ([]string, []bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("columns: %w", err)
	}
	dates := make([]bool, len(cols))
	types, err := rows.ColumnTypes()
	if err == nil {
		for i, ct := range types {
			dates[i] = strings.EqualFold(ct.DatabaseTypeName(), "DATE")
		}
	}
	return cols, dates, nil
}

// scanRows reads up to limit rows from rows.
func scanRows(rows *sql.Rows, limit int, dates []bool) ([][]any, error) {
	numCols := len(dates)
	var out [][]any
	for len(out) < limit && rows.Next() {
		values := make([]any, numCols)
		ptrs := make([]any, numCols)
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for j, v := range values {
			values[j] = convertValue(v, dates[j])
		}
		out = append(out, values)
	}
	return out, nil
}

// convertValue maps driver values onto the types the pipeline understands.
// Date-only columns become civil.Date so they can be told apart from timestamps.
func convertValue(v any, isDate bool) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		s := string(val)
		if isDate {
			if d, err := civil.ParseDate(s); err == nil {
				return d
			}
		}
		return s
	case string:
		if isDate {
			if d, err := civil.ParseDate(strings.TrimSpace(val)); err == nil {
				return d
			}
		}
		return val
	case time.Time:
		if isDate {
			return civil.DateOf(val)
		}
		return val
	default:
		return val
	}
}

func truncateQuery(q string) string {
	q = strings.TrimSpace(q)
	if len(q) > 60 {
		return q[:60] + "..."
	}
	return q
}

func (c *sqlConnector) Close() error {
	return c.db.Close()
}
