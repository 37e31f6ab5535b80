package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"docload/internal/domain"

	"github.com/lib/pq"
)

// PostgresDSN constructs a keyword/value connection string understood by
// both lib/pq and pgx. Empty fields are left out so libpq defaults apply.
func PostgresDSN(conn *domain.DatabaseConnection, password string) string {
	return buildPostgresDSN(conn, password)
}

func buildPostgresDSN(conn *domain.DatabaseConnection, password string) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+quoteDSNValue(value))
		}
	}
	add("host", conn.Host)
	add("port", strconv.Itoa(port))
	add("user", conn.Username)
	add("password", password)
	add("dbname", conn.Database)
	add("sslmode", sslMode)
	return strings.Join(parts, " ")
}

// quoteDSNValue single-quotes values containing spaces, quotes or backslashes.
func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// postgresConnector streams through named server-side cursors so a large
// table never has to be materialized on either side of the wire.
type postgresConnector struct {
	*sqlConnector
}

func newPostgresConnector(conn *domain.DatabaseConnection, password string) (*postgresConnector, error) {
	base, err := newSQLConnector("postgres", buildPostgresDSN(conn, password))
	if err != nil {
		return nil, err
	}
	return &postgresConnector{sqlConnector: base}, nil
}

var cursorSeq atomic.Uint64

// Stream declares a NO SCROLL cursor inside a read-only transaction and
// issues FETCH FORWARD pageSize on every Next.
func (c *postgresConnector) Stream(ctx context.Context, query string, pageSize int) (RowCursor, error) {
	if !isReadQuery(query) {
		return nil, fmt.Errorf("stream: refusing non-read query %q", truncateQuery(query))
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only tx: %w", err)
	}

	name := fmt.Sprintf("docload_cur_%d", cursorSeq.Add(1))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", pq.QuoteIdentifier(name), query)); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("declare cursor: %w", err)
	}

	cur := &pgCursor{tx: tx, name: name, pageSize: pageSize}
	// The first page fixes the column set for the whole stream.
	first, err := cur.fetch(ctx)
	if err != nil {
		cur.Close()
		return nil, err
	}
	cur.pending = first
	return cur, nil
}

type pgCursor struct {
	mu       sync.Mutex
	tx       *sql.Tx
	name     string
	pageSize int
	columns  []string
	dates    []bool
	pending  *Page
	done     bool
	closed   bool
}

func (c *pgCursor) Columns() []string { return c.columns }

func (c *pgCursor) Next(ctx context.Context) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		p := c.pending
		c.pending = nil
		if len(p.Rows) == 0 {
			return nil, io.EOF
		}
		return p, nil
	}
	if c.done {
		return nil, io.EOF
	}
	p, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(p.Rows) == 0 {
		return nil, io.EOF
	}
	return p, nil
}

// fetch runs one FETCH FORWARD and marks the cursor done on a short page.
func (c *pgCursor) fetch(ctx context.Context) (*Page, error) {
	rows, err := c.tx.QueryContext(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", c.pageSize, pq.QuoteIdentifier(c.name)))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer rows.Close()

	if c.columns == nil {
		cols, dates, err := describeRows(rows)
		if err != nil {
			return nil, err
		}
		c.columns, c.dates = cols, dates
	}

	batch, err := scanRows(rows, c.pageSize, c.dates)
	if err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	if len(batch) < c.pageSize {
		c.done = true
	}
	return &Page{Columns: c.columns, Rows: batch}, nil
}

func (c *pgCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if _, err := c.tx.Exec(fmt.Sprintf("CLOSE %s", pq.QuoteIdentifier(c.name))); err != nil {
		c.tx.Rollback()
		return fmt.Errorf("close cursor: %w", err)
	}
	return c.tx.Commit()
}
