package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"docload/internal/domain"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultMongoURI is used when neither the environment nor config.yaml set one.
const DefaultMongoURI = "mongodb://localhost:27017"

// LoadDotEnv loads a .env file from dir if one exists. Variables already
// set in the environment win.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	log.WithField("path", path).Debug("loaded environment file")
	return nil
}

// PostgresFromEnv builds a connection from the PG* variables. A non-empty
// dbname overrides PGDATABASE.
func PostgresFromEnv(dbname string) (*domain.DatabaseConnection, string) {
	conn := &domain.DatabaseConnection{
		Driver:   domain.DatabaseDriverPostgres,
		Host:     os.Getenv("PGHOST"),
		Username: os.Getenv("PGUSER"),
		Database: os.Getenv("PGDATABASE"),
		SSLMode:  os.Getenv("PGSSLMODE"),
	}
	if p, err := strconv.Atoi(os.Getenv("PGPORT")); err == nil {
		conn.Port = p
	}
	if dbname != "" {
		conn.Database = dbname
	}
	return conn, os.Getenv("PGPASSWORD")
}

// SourceConnection returns the relational source for the copy build and
// its password.
func (v *Version) SourceConnection() (*domain.DatabaseConnection, string) {
	if v.Source != nil {
		conn := *v.Source
		if conn.Database == "" && conn.Driver != domain.DatabaseDriverSQLite {
			conn.Database = v.SourcePostgres
		}
		return &conn, os.Getenv(v.PasswordEnv)
	}
	return PostgresFromEnv(v.SourcePostgres)
}

// SeedConnection returns the Postgres database that CSV files are seeded into.
func (v *Version) SeedConnection() (*domain.DatabaseConnection, string) {
	return PostgresFromEnv(v.Database)
}

type globalConfig struct {
	MongoURI string `yaml:"mongo_uri"`
}

// MongoURI resolves the document store address: MONGO_URI, then mongo_uri
// in <dir>/config.yaml, then DefaultMongoURI.
func MongoURI(dir string) string {
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		return uri
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err == nil {
		var cfg globalConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.WithError(err).Warn("ignoring unreadable config.yaml")
		} else if cfg.MongoURI != "" {
			return cfg.MongoURI
		}
	}
	return DefaultMongoURI
}
