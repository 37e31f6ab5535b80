package dbclient

import (
	"strings"

	"docload/internal/domain"

	_ "modernc.org/sqlite"
)

// newSQLiteConnector opens a SQLite file as a read-only source. Host is the
// file path; ":memory:" and "file:" URIs are used as given.
func newSQLiteConnector(conn *domain.DatabaseConnection) (*sqlConnector, error) {
	dsn := conn.Host
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?mode=ro&_pragma=busy_timeout(5000)"
	}
	c, err := newSQLConnector("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if conn.Host == ":memory:" {
		// A private in-memory database only exists on the connection that created it.
		c.db.SetMaxOpenConns(1)
	}
	return c, nil
}
