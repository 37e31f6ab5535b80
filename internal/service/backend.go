package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"docload/internal/config"
	"docload/internal/dbclient"
	"docload/internal/etl"
	"docload/internal/etl/sources"
	"docload/internal/secret"
	"docload/internal/seed"

	log "github.com/sirupsen/logrus"
)

// ─────────────────────────────────────────────────────────────
// Backend — the stores one run talks to
// ─────────────────────────────────────────────────────────────

// Backend hands out the stores of one version. A run opens one Backend and
// closes it when done, so connections are made once per run.
type Backend interface {
	// Source is the relational database the copy build reads.
	Source(ctx context.Context) (etl.Extractor, error)
	// Files reads the CSV exports directly.
	Files() etl.Extractor
	// Database returns a document database as a write target and as a
	// read source.
	Database(name string) (etl.Target, etl.Extractor)
	// Seeder opens the Postgres session CSV files are seeded through.
	Seeder(ctx context.Context) (*seed.Seeder, error)
	// Schema reads the source catalog.
	Schema(ctx context.Context) (*dbclient.SchemaInfo, error)
	Close() error
}

// Dialer opens a Backend for a version.
type Dialer func(ctx context.Context, v *config.Version) (Backend, error)

// MongoDialer connects to the document store at uri. Relational
// connections are opened lazily the first time they are asked for.
func MongoDialer(uri string) Dialer {
	return func(ctx context.Context, v *config.Version) (Backend, error) {
		client, err := dbclient.ConnectMongo(uri)
		if err != nil {
			return nil, err
		}
		return &liveBackend{version: v, mongo: client, secrets: secret.Default()}, nil
	}
}

type liveBackend struct {
	version *config.Version
	mongo   *dbclient.MongoClient
	secrets secret.Store

	mu      sync.Mutex
	source  dbclient.Connector
	session seed.Session
}

func (b *liveBackend) Source(ctx context.Context) (etl.Extractor, error) {
	c, err := b.connector()
	if err != nil {
		return nil, err
	}
	return sources.NewSQLExtractor(c), nil
}

func (b *liveBackend) Schema(ctx context.Context) (*dbclient.SchemaInfo, error) {
	c, err := b.connector()
	if err != nil {
		return nil, err
	}
	return c.Introspect(ctx)
}

func (b *liveBackend) connector() (dbclient.Connector, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.source != nil {
		return b.source, nil
	}
	conn, password := b.version.SourceConnection()
	c, err := dbclient.NewConnector(conn, b.password(conn.Database, password))
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	b.source = c
	return c, nil
}

func (b *liveBackend) Files() etl.Extractor {
	tables := make(map[string]sources.CSVTable, len(b.version.Tables))
	for _, t := range b.version.Tables {
		tables[t.Name] = sources.CSVTable{File: t.File, Delimiter: t.Delim()}
	}
	return sources.NewCSVExtractor(b.version.CSVBasePath, tables)
}

func (b *liveBackend) Database(name string) (etl.Target, etl.Extractor) {
	store := b.mongo.Store(name)
	return store, sources.NewMongoExtractor(store)
}

func (b *liveBackend) Seeder(ctx context.Context) (*seed.Seeder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		conn, password := b.version.SeedConnection()
		password = b.password(conn.Database, password)
		s, err := seed.Connect(ctx, conn, password)
		if err != nil {
			return nil, err
		}
		b.session = s
	}
	return &seed.Seeder{Session: b.session}, nil
}

// password falls back to the secret store, keyed by database name, when
// the environment has none.
func (b *liveBackend) password(database, fromEnv string) string {
	if fromEnv != "" || b.secrets == nil || database == "" {
		return fromEnv
	}
	v, err := b.secrets.Get(database)
	if err != nil {
		log.WithField("database", database).WithError(err).Warn("password lookup failed")
		return ""
	}
	return string(v)
}

func (b *liveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	if b.session != nil {
		errs = append(errs, b.session.Close(context.Background()))
	}
	if b.source != nil {
		errs = append(errs, b.source.Close())
	}
	errs = append(errs, b.mongo.Close())
	return errors.Join(errs...)
}
