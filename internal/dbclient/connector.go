package dbclient

import (
	"context"
	"fmt"

	"docload/internal/domain"
)

// Page is a batch of rows fetched from a streaming cursor.
type Page struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// SchemaInfo describes the tables of a relational source.
type SchemaInfo struct {
	Tables []TableInfo `json:"tables"`
}

// TableInfo describes a table/collection.
type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns"`
}

// ColumnInfo describes a column/field.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RowCursor streams the result of a single read query in pages.
// It is single-pass: once Next returns io.EOF the cursor is spent.
type RowCursor interface {
	// Columns returns the result columns in query order.
	Columns() []string

	// Next returns up to the configured page size of rows, or io.EOF when exhausted.
	Next(ctx context.Context) (*Page, error)

	// Close releases the cursor and any transaction holding it open.
	Close() error
}

// Connector abstracts interaction with a relational source.
type Connector interface {
	// TestConnection verifies connectivity.
	TestConnection(ctx context.Context) error

	// Stream opens a cursor for query that yields at most pageSize rows per Next.
	Stream(ctx context.Context, query string, pageSize int) (RowCursor, error)

	// Introspect returns the tables and columns of the source.
	Introspect(ctx context.Context) (*SchemaInfo, error)

	// Close closes the connection pool.
	Close() error
}

// NewConnector creates a Connector for the given relational connection.
func NewConnector(conn *domain.DatabaseConnection, password string) (Connector, error) {
	switch conn.Driver {
	case domain.DatabaseDriverSQLite:
		return newSQLiteConnector(conn)
	case domain.DatabaseDriverMySQL:
		return newSQLConnector("mysql", buildMySQLDSN(conn, password))
	case domain.DatabaseDriverPostgres, "":
		return newPostgresConnector(conn, password)
	default:
		return nil, fmt.Errorf("unsupported source driver: %s", conn.Driver)
	}
}
