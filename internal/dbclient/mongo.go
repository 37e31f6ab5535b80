package dbclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"docload/internal/domain"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoClient is a connected document-store client shared by every
// database a rebuild touches.
type MongoClient struct {
	client *mongo.Client
}

// ConnectMongo creates a client for uri. The driver connects lazily, so a
// bad host only surfaces on Ping.
func ConnectMongo(uri string) (*MongoClient, error) {
	log.WithField("uri", maskURI(uri)).Debug("[MONGO] connecting")

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &MongoClient{client: client}, nil
}

// Ping verifies the server is reachable.
func (m *MongoClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

// Store returns a handle on the named database.
func (m *MongoClient) Store(dbName string) *MongoStore {
	return &MongoStore{db: m.client.Database(dbName)}
}

func (m *MongoClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// maskURI hides the credentials part of a connection string.
func maskURI(uri string) string {
	scheme := strings.Index(uri, "://")
	at := strings.LastIndex(uri, "@")
	if scheme == -1 || at == -1 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}

// ── MongoStore ─────────────────────────────────────────────

// MongoStore is one database: the rebuild target, the raw copy read back
// as a source, and the store structured queries run against.
type MongoStore struct {
	db *mongo.Database
}

// Name returns the database name.
func (s *MongoStore) Name() string { return s.db.Name() }

func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.db.Client().Ping(ctx, nil)
}

// Drop removes a collection. Dropping a missing collection is not an error.
func (s *MongoStore) Drop(ctx context.Context, collection string) error {
	if err := s.db.Collection(collection).Drop(ctx); err != nil {
		return fmt.Errorf("drop %s.%s: %w", s.db.Name(), collection, err)
	}
	return nil
}

// InsertMany writes docs as one unordered batch. Per-document rejections are
// reported in the outcome; only transport or server failures return an error.
func (s *MongoStore) InsertMany(ctx context.Context, collection string, docs []bson.D) (domain.InsertOutcome, error) {
	if len(docs) == 0 {
		return domain.InsertOutcome{}, nil
	}
	_, err := s.db.Collection(collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return domain.InsertOutcome{Inserted: len(docs)}, nil
	}
	return splitBulkError(len(docs), err)
}

// splitBulkError separates document rejections from batch-level failures.
func splitBulkError(batchSize int, err error) (domain.InsertOutcome, error) {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return domain.InsertOutcome{}, fmt.Errorf("insert many: %w", err)
	}
	out := domain.InsertOutcome{Inserted: batchSize - len(bwe.WriteErrors)}
	for _, we := range bwe.WriteErrors {
		out.Failures = append(out.Failures, domain.WriteFailure{
			Index:   we.Index,
			Code:    we.Code,
			Message: we.Message,
		})
	}
	return out, nil
}

// CreateIndexes builds every spec on collection in a single call.
func (s *MongoStore) CreateIndexes(ctx context.Context, collection string, specs []domain.IndexSpec) error {
	if len(specs) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		keys := bson.D{}
		for _, k := range spec.Keys {
			keys = append(keys, bson.E{Key: k.Field, Value: k.Order})
		}
		opts := options.Index()
		if spec.Unique {
			opts.SetUnique(true)
		}
		if spec.Name != "" {
			opts.SetName(spec.Name)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: opts})
	}
	if _, err := s.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes on %s: %w", collection, err)
	}
	return nil
}

// ListCollections returns the collection names of the database.
func (s *MongoStore) ListCollections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	names, err := s.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

// SampleDocument returns the first document of a collection, or nil when empty.
func (s *MongoStore) SampleDocument(ctx context.Context, collection string) (bson.D, error) {
	var doc bson.D
	err := s.db.Collection(collection).FindOne(ctx, bson.M{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", collection, err)
	}
	return doc, nil
}

// IndexNames lists the index names on a collection.
func (s *MongoStore) IndexNames(ctx context.Context, collection string) ([]string, error) {
	cursor, err := s.db.Collection(collection).Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list indexes on %s: %w", collection, err)
	}
	var specs []bson.M
	if err := cursor.All(ctx, &specs); err != nil {
		return nil, fmt.Errorf("decode indexes on %s: %w", collection, err)
	}
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		if name, ok := spec["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Find runs a filtered find. A zero limit means no limit.
func (s *MongoStore) Find(ctx context.Context, collection string, filter, projection any, limit int64) ([]bson.M, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := options.Find()
	if projection != nil {
		opts.SetProjection(projection)
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}
	if filter == nil {
		filter = bson.M{}
	}
	cursor, err := s.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return docs, nil
}

// Aggregate runs pipeline against collection.
func (s *MongoStore) Aggregate(ctx context.Context, collection string, pipeline any) ([]bson.M, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if pipeline == nil {
		pipeline = bson.A{}
	}
	cursor, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return docs, nil
}

// ── Collection as a row source ─────────────────────────────

// StreamCollection reads a flat collection back as rows. The field order of
// the first document fixes the columns; _id is left out.
func (s *MongoStore) StreamCollection(ctx context.Context, collection string, pageSize int) (RowCursor, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	opts := options.Find().
		SetBatchSize(int32(pageSize)).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}

	mc := &mongoCursor{cursor: cursor, pageSize: pageSize}
	if cursor.Next(ctx) {
		var first bson.D
		if err := cursor.Decode(&first); err != nil {
			cursor.Close(ctx)
			return nil, fmt.Errorf("decode: %w", err)
		}
		for _, e := range first {
			if e.Key != "_id" {
				mc.columns = append(mc.columns, e.Key)
			}
		}
		mc.pending = first
	} else {
		if err := cursor.Err(); err != nil {
			cursor.Close(ctx)
			return nil, fmt.Errorf("cursor: %w", err)
		}
		mc.done = true
	}
	return mc, nil
}

type mongoCursor struct {
	mu       sync.Mutex
	cursor   *mongo.Cursor
	pageSize int
	columns  []string
	pending  bson.D
	done     bool
}

func (c *mongoCursor) Columns() []string { return c.columns }

func (c *mongoCursor) Next(ctx context.Context) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rows [][]any
	if c.pending != nil {
		rows = append(rows, c.row(c.pending))
		c.pending = nil
	}
	for !c.done && len(rows) < c.pageSize {
		if !c.cursor.Next(ctx) {
			c.done = true
			if err := c.cursor.Err(); err != nil {
				return nil, fmt.Errorf("cursor: %w", err)
			}
			break
		}
		var doc bson.D
		if err := c.cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		rows = append(rows, c.row(doc))
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	return &Page{Columns: c.columns, Rows: rows}, nil
}

// row projects doc onto the fixed columns; missing fields become nil.
func (c *mongoCursor) row(doc bson.D) []any {
	byKey := make(map[string]any, len(doc))
	for _, e := range doc {
		byKey[e.Key] = e.Value
	}
	row := make([]any, len(c.columns))
	for i, col := range c.columns {
		row[i] = byKey[col]
	}
	return row
}

func (c *mongoCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	return c.cursor.Close(context.Background())
}
