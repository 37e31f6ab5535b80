package dbclient

import (
	"context"
	"fmt"
	"time"
)

// catalogQueries list (table, column, type) for every table of the current
// schema, ordered by table and then column position.
var catalogQueries = map[string]string{
	"postgres": `SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		ORDER BY table_name, ordinal_position`,
	"mysql": `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
		ORDER BY TABLE_NAME, ORDINAL_POSITION`,
	"sqlite": `SELECT m.name, p.name, p.type
		FROM sqlite_master m JOIN pragma_table_info(m.name) p
		WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		ORDER BY m.name, p.cid`,
}

// Introspect reads the catalog in a single query.
func (c *sqlConnector) Introspect(ctx context.Context) (*SchemaInfo, error) {
	q, ok := catalogQueries[c.driverName]
	if !ok {
		return nil, fmt.Errorf("introspect: no catalog query for %s", c.driverName)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	defer rows.Close()

	schema := &SchemaInfo{}
	for rows.Next() {
		var table string
		var col ColumnInfo
		if err := rows.Scan(&table, &col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("introspect: %w", err)
		}
		if n := len(schema.Tables); n == 0 || schema.Tables[n-1].Name != table {
			schema.Tables = append(schema.Tables, TableInfo{Name: table})
		}
		last := &schema.Tables[len(schema.Tables)-1]
		last.Columns = append(last.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect: %w", err)
	}
	return schema, nil
}

// Table returns the named table, or nil.
func (s *SchemaInfo) Table(name string) *TableInfo {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// Missing returns the names that are not tables of the schema, in order.
func (s *SchemaInfo) Missing(names []string) []string {
	var out []string
	for _, n := range names {
		if s.Table(n) == nil {
			out = append(out, n)
		}
	}
	return out
}
