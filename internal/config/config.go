package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"docload/internal/domain"
	"docload/internal/etl"

	"gopkg.in/yaml.v3"
)

var (
	// ErrVersionNotFound is returned when no version file matches a name.
	ErrVersionNotFound = errors.New("version not found")
	// ErrInvalidConfig wraps every validation failure of a version file.
	ErrInvalidConfig = errors.New("invalid config")
)

// Structured sources.
const (
	StructuredFromMongo = "mongo" // read the raw copy database
	StructuredFromSQL   = "sql"   // read the relational source directly
	StructuredFromCSV   = "csv"   // read the export files directly
)

// Version is one dataset version: where its files live, how they are
// seeded into Postgres, and which document databases it is rebuilt into.
type Version struct {
	Name string `yaml:"-"`
	Path string `yaml:"-"`

	// Database is the Postgres database seeded from the CSV files.
	Database string `yaml:"database"`
	// SourcePostgres is the database the copy build reads; defaults to Database.
	SourcePostgres string `yaml:"source_postgres"`
	// Source overrides the PG* environment with an explicit connection.
	Source      *domain.DatabaseConnection `yaml:"source"`
	PasswordEnv string                     `yaml:"password_env"`

	TargetMongoCopy       string `yaml:"target_mongo_copy"`
	TargetMongoStructured string `yaml:"target_mongo_structured"`

	ChunkSize int  `yaml:"chunk_size"`
	FailFast  bool `yaml:"fail_fast"`
	Strict    bool `yaml:"strict"`

	CSVBasePath    string   `yaml:"csv_base_path"`
	SchemaBasePath string   `yaml:"schema_base_path"`
	Tables         []Table  `yaml:"tables"`
	PostLoadSQL    []string `yaml:"post_load_sql"`

	Structured Structured `yaml:"structured"`

	// Schedule is a cron expression for unattended rebuilds.
	Schedule string `yaml:"schedule"`
	// Watch rebuilds when the CSV or schema files change.
	Watch bool `yaml:"watch"`
}

// Table is one relational table: its DDL, its CSV export and how it is
// copied into the raw document database.
type Table struct {
	Name        string                `yaml:"name"`
	Schema      string                `yaml:"schema"`
	File        string                `yaml:"file"`
	Delimiter   string                `yaml:"delimiter"`
	DropColumns []string              `yaml:"drop_columns"`
	DropCols    []string              `yaml:"drop_cols"` // older spelling of drop_columns
	DateStyle   string                `yaml:"date_style"`
	Query       string                `yaml:"query"`
	Indexes     []domain.IndexSpec    `yaml:"indexes"`
	Transforms  []etl.TransformConfig `yaml:"transforms"`
}

// Structured configures the structured build.
type Structured struct {
	Source string `yaml:"source"`
	// Entities replaces the built-in catalog when set.
	Entities []etl.Entity `yaml:"entities"`
}

// Load reads and validates a version file.
func Load(path string) (*Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read version file %s: %w", path, err)
	}

	var v Version
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse version file %s: %w", path, err)
	}
	v.Path = path
	v.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	v.applyDefaults(filepath.Dir(path))

	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// LoadVersion resolves <dir>/<name>.yaml.
func LoadVersion(dir, name string) (*Version, error) {
	path := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		available, _ := ListVersions(dir)
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrVersionNotFound, name, strings.Join(available, ", "))
	}
	return Load(path)
}

// ListVersions returns the version names found in dir, sorted.
func ListVersions(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

func (v *Version) applyDefaults(dir string) {
	if v.ChunkSize == 0 {
		v.ChunkSize = etl.DefaultChunkSize
	}
	if v.SourcePostgres == "" {
		v.SourcePostgres = v.Database
	}
	if v.Structured.Source == "" {
		v.Structured.Source = StructuredFromMongo
	}
	// Omitted base paths mean the version file's directory.
	if v.CSVBasePath == "" {
		v.CSVBasePath = "."
	}
	if v.SchemaBasePath == "" {
		v.SchemaBasePath = "."
	}
	v.CSVBasePath = resolve(dir, v.CSVBasePath)
	v.SchemaBasePath = resolve(dir, v.SchemaBasePath)

	for i := range v.Tables {
		t := &v.Tables[i]
		if t.Delimiter == "" {
			t.Delimiter = ","
		}
		if len(t.DropColumns) == 0 {
			t.DropColumns = t.DropCols
		}
		if t.Schema != "" {
			t.Schema = resolve(v.SchemaBasePath, t.Schema)
		}
		if t.File != "" {
			t.File = resolve(v.CSVBasePath, t.File)
		}
		defaultOrders(t.Indexes)
	}
	for i := range v.PostLoadSQL {
		v.PostLoadSQL[i] = resolve(dir, v.PostLoadSQL[i])
	}
	for i := range v.Structured.Entities {
		defaultOrders(v.Structured.Entities[i].Indexes)
	}
}

// defaultOrders makes an omitted index order mean ascending.
func defaultOrders(specs []domain.IndexSpec) {
	for i := range specs {
		for j := range specs[i].Keys {
			if specs[i].Keys[j].Order == 0 {
				specs[i].Keys[j].Order = 1
			}
		}
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

// Validate reports every problem in the version at once.
func (v *Version) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalidConfig, v.Name, fmt.Sprintf(format, args...)))
	}

	if v.TargetMongoCopy == "" && v.TargetMongoStructured == "" {
		add("no target database set")
	}
	for _, db := range []string{v.TargetMongoCopy, v.TargetMongoStructured} {
		if strings.ContainsAny(db, "$./\\ \"") {
			add("target database %q contains reserved characters", db)
		}
	}
	if v.ChunkSize < 1 {
		add("chunk_size must be at least 1, got %d", v.ChunkSize)
	}
	switch v.Structured.Source {
	case StructuredFromMongo, StructuredFromSQL, StructuredFromCSV:
	default:
		add("unknown structured source %q", v.Structured.Source)
	}
	// The structured build drops its collections before reading the raw copy.
	if v.Structured.Source == StructuredFromMongo && v.TargetMongoCopy != "" &&
		v.TargetMongoCopy == v.TargetMongoStructured {
		add("target_mongo_copy and target_mongo_structured are both %q; the structured build would drop the copy it reads", v.TargetMongoCopy)
	}

	seen := map[string]bool{}
	for i, t := range v.Tables {
		if t.Name == "" {
			add("table %d has no name", i)
			continue
		}
		if seen[t.Name] {
			add("table %s listed twice", t.Name)
		}
		seen[t.Name] = true
		if len(t.Delimiter) != 1 {
			add("table %s: delimiter must be a single character, got %q", t.Name, t.Delimiter)
		}
		if err := t.Entity().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, v.Name, err))
		}
		if _, err := etl.BuildTransformers(t.Transforms); err != nil {
			add("table %s: %v", t.Name, err)
		}
	}
	for _, e := range v.Structured.Entities {
		if err := e.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, v.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ── Derived values ─────────────────────────────────────────

// Source returns the descriptor the copy build reads.
func (t Table) Source() etl.SourceDescriptor {
	return etl.SourceDescriptor{Name: t.Name, Query: t.Query, DropColumns: t.DropColumns}
}

// Entity returns the flat copy entity for the table.
func (t Table) Entity() etl.Entity {
	return etl.Entity{
		TargetDescriptor: etl.TargetDescriptor{Collection: t.Name, Indexes: t.Indexes},
		Mode:             etl.ModeCopy,
		Source:           t.Source(),
		Transforms:       t.Transforms,
	}
}

// Delim returns the CSV delimiter as a rune.
func (t Table) Delim() rune {
	if t.Delimiter == "" {
		return ','
	}
	return rune(t.Delimiter[0])
}

// Entities returns the structured catalog for the version.
func (v *Version) Entities() []etl.Entity {
	if len(v.Structured.Entities) > 0 {
		return v.Structured.Entities
	}
	return etl.DefaultEntities()
}

// TableNames lists the configured tables in order.
func (v *Version) TableNames() []string {
	names := make([]string, len(v.Tables))
	for i, t := range v.Tables {
		names[i] = t.Name
	}
	return names
}

// WatchPaths returns the files and directories whose changes should
// trigger a rebuild.
func (v *Version) WatchPaths() []string {
	var paths []string
	if v.CSVBasePath != "" {
		paths = append(paths, v.CSVBasePath)
	}
	if v.SchemaBasePath != "" && v.SchemaBasePath != v.CSVBasePath {
		paths = append(paths, v.SchemaBasePath)
	}
	if len(paths) == 0 && v.Path != "" {
		paths = append(paths, filepath.Dir(v.Path))
	}
	return paths
}
