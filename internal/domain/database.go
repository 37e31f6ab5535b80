package domain

import "fmt"

// DatabaseDriver represents the type of database engine.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverMongoDB  DatabaseDriver = "mongodb"
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
)

// DatabaseConnection holds the metadata for connecting to a relational source.
// The password is kept apart so it never ends up in logs or run history.
type DatabaseConnection struct {
	Driver   DatabaseDriver `yaml:"driver" json:"driver"`
	Host     string         `yaml:"host" json:"host"`         // hostname or file path (sqlite)
	Port     int            `yaml:"port" json:"port"`         // 0 for sqlite
	Database string         `yaml:"database" json:"database"` // db name or empty for sqlite
	Username string         `yaml:"username" json:"username"`
	SSLMode  string         `yaml:"ssl_mode" json:"sslMode"`
}

// String renders the connection without credentials.
func (c DatabaseConnection) String() string {
	if c.Driver == DatabaseDriverSQLite {
		return fmt.Sprintf("sqlite:%s", c.Host)
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s", c.Driver, c.Username, c.Host, c.Port, c.Database)
}

// ── Target descriptors ─────────────────────────────────────

// IndexKey is one field of a compound index. Order is 1 or -1.
type IndexKey struct {
	Field string `yaml:"field" json:"field"`
	Order int    `yaml:"order" json:"order"`
}

// IndexSpec describes a secondary index built on a collection after loading.
type IndexSpec struct {
	Name   string     `yaml:"name" json:"name,omitempty"`
	Keys   []IndexKey `yaml:"keys" json:"keys"`
	Unique bool       `yaml:"unique" json:"unique,omitempty"`
}

// Ascending is shorthand for a single-field ascending index.
func Ascending(field string) IndexSpec {
	return IndexSpec{Keys: []IndexKey{{Field: field, Order: 1}}}
}

// UniqueAscending is shorthand for a single-field unique ascending index.
func UniqueAscending(field string) IndexSpec {
	return IndexSpec{Keys: []IndexKey{{Field: field, Order: 1}}, Unique: true}
}

// Validate checks that every key names a field and has a usable order.
func (s IndexSpec) Validate() error {
	if len(s.Keys) == 0 {
		return fmt.Errorf("index %q has no keys", s.Name)
	}
	for _, k := range s.Keys {
		if k.Field == "" {
			return fmt.Errorf("index %q has an empty field", s.Name)
		}
		if k.Order != 1 && k.Order != -1 {
			return fmt.Errorf("index %q: order for %q must be 1 or -1, got %d", s.Name, k.Field, k.Order)
		}
	}
	return nil
}

// ── Write outcomes ─────────────────────────────────────────

// WriteFailure is a single document the target refused.
type WriteFailure struct {
	Index   int    `json:"index"` // position inside the batch
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InsertOutcome summarizes an unordered batch insert.
type InsertOutcome struct {
	Inserted int            `json:"inserted"`
	Failures []WriteFailure `json:"failures,omitempty"`
}
