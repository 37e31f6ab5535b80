package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"docload/internal/config"
	"docload/internal/dbclient"
	"docload/internal/domain"
	"docload/internal/etl"
	"docload/internal/seed"
	"docload/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ─────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────

// memDB is an in-memory document database that can be read back as a source.
type memDB struct {
	mu    sync.Mutex
	colls map[string][]etl.Document
}

func newMemDB() *memDB { return &memDB{colls: map[string][]etl.Document{}} }

func (m *memDB) Ping(ctx context.Context) error { return nil }

func (m *memDB) Drop(ctx context.Context, c string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls, c)
	return nil
}

func (m *memDB) InsertMany(ctx context.Context, c string, docs []etl.Document) (domain.InsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.colls[c] = append(m.colls[c], docs...)
	return domain.InsertOutcome{Inserted: len(docs)}, nil
}

func (m *memDB) CreateIndexes(ctx context.Context, c string, specs []domain.IndexSpec) error { return nil }

func (m *memDB) Extract(ctx context.Context, src etl.SourceDescriptor, chunkSize int) (etl.ChunkSource, error) {
	m.mu.Lock()
	docs, ok := m.colls[src.Name]
	m.mu.Unlock()
	if !ok {
		return nil, errors.New("no collection " + src.Name)
	}

	var table etl.MemTable
	pos := map[string]int{}
	for _, d := range docs {
		for _, e := range d {
			if _, seen := pos[e.Key]; !seen {
				pos[e.Key] = len(table.Columns)
				table.Columns = append(table.Columns, e.Key)
			}
		}
	}
	for _, d := range docs {
		row := make([]any, len(table.Columns))
		for _, e := range d {
			row[pos[e.Key]] = e.Value
		}
		table.Rows = append(table.Rows, row)
	}
	ex := &etl.SliceExtractor{Tables: map[string]etl.MemTable{src.Name: table}}
	return ex.Extract(ctx, src, chunkSize)
}

func (m *memDB) docs(c string) []etl.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]etl.Document(nil), m.colls[c]...)
}

type fakeSession struct {
	mu    sync.Mutex
	stmts []string
}

func (f *fakeSession) Exec(ctx context.Context, sql string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)
	return nil
}

func (f *fakeSession) CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, sql)
	lines := strings.Count(strings.TrimSpace(string(b)), "\n")
	return int64(lines), nil
}

func (f *fakeSession) Close(ctx context.Context) error { return nil }

func (f *fakeSession) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stmts...)
}

type fakeBackend struct {
	mu      sync.Mutex
	source  *etl.SliceExtractor
	dbs     map[string]*memDB
	session *fakeSession
	closed  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		source: &etl.SliceExtractor{Tables: map[string]etl.MemTable{
			"companies": {
				Columns: []string{"id", "name"},
				Rows:    [][]any{{int64(1), "A"}, {int64(2), "B"}},
			},
			"persons": {
				Columns: []string{"company_id", "name"},
				Rows:    [][]any{{int64(1), "X"}, {int64(1), "Y"}, {int64(2), "Z"}},
			},
		}},
		dbs:     map[string]*memDB{},
		session: &fakeSession{},
	}
}

func (b *fakeBackend) Source(ctx context.Context) (etl.Extractor, error) { return b.source, nil }

func (b *fakeBackend) Files() etl.Extractor { return b.source }

func (b *fakeBackend) Database(name string) (etl.Target, etl.Extractor) {
	db := b.db(name)
	return db, db
}

func (b *fakeBackend) db(name string) *memDB {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, ok := b.dbs[name]
	if !ok {
		db = newMemDB()
		b.dbs[name] = db
	}
	return db
}

func (b *fakeBackend) Seeder(ctx context.Context) (*seed.Seeder, error) {
	return &seed.Seeder{Session: b.session}, nil
}

func (b *fakeBackend) Schema(ctx context.Context) (*dbclient.SchemaInfo, error) {
	schema := &dbclient.SchemaInfo{}
	for name, t := range b.source.Tables {
		info := dbclient.TableInfo{Name: name}
		for _, c := range t.Columns {
			info.Columns = append(info.Columns, dbclient.ColumnInfo{Name: c})
		}
		schema.Tables = append(schema.Tables, info)
	}
	return schema, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBackend) dialer() Dialer {
	return func(ctx context.Context, v *config.Version) (Backend, error) { return b, nil }
}

const versionYAML = `
database: brreg
target_mongo_copy: raw
target_mongo_structured: docs
chunk_size: 2
schedule: "@every 1h"
tables:
  - name: companies
    file: companies.csv
  - name: persons
    file: persons.csv
structured:
  entities:
    - collection: companies
      mode: embed
      source: {name: companies}
      key: id
      fields: [{name: id}, {name: name}]
      embed:
        as: people
        source: {name: persons}
        foreign_key: company_id
        value: name
`

// setup writes a version file plus its CSV exports and returns a service
// wired to backend and an on-disk history.
func setup(t *testing.T, body string, backend *fakeBackend) (*RebuildService, *MockEmitter, *storage.RunStore, string) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"v1.yaml":       body,
		"companies.csv": "id,name\n1,A\n2,B\n",
		"persons.csv":   "company_id,name\n1,X\n1,Y\n2,Z\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	db, err := storage.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	history := storage.NewRunStore(db)
	em := &MockEmitter{}
	return NewRebuildService(dir, history, em, backend.dialer()), em, history, dir
}

// ─────────────────────────────────────────────────────────────
// Plans
// ─────────────────────────────────────────────────────────────

func TestCopyPlan(t *testing.T) {
	v := &config.Version{Name: "v1", ChunkSize: 10, Strict: true, Tables: []config.Table{
		{Name: "companies", Delimiter: ","},
		{Name: "persons", Delimiter: ";", DropColumns: []string{"fnr"}},
	}}
	plan := CopyPlan(v)
	if plan.Name != "v1/copy" || plan.ChunkSize != 10 || !plan.Strict {
		t.Errorf("unexpected plan header: %+v", plan)
	}
	if got := plan.Collections(); !reflect.DeepEqual(got, []string{"companies", "persons"}) {
		t.Errorf("collections = %v", got)
	}
	if plan.Jobs[1].Entity.Mode != etl.ModeCopy || len(plan.Jobs[1].Entity.Source.DropColumns) != 1 {
		t.Errorf("unexpected job: %+v", plan.Jobs[1])
	}
}

func TestStructuredPlan_DefaultCatalog(t *testing.T) {
	v := &config.Version{Name: "v1", ChunkSize: 10}
	plan := StructuredPlan(v)
	if len(plan.Jobs) != len(etl.DefaultEntities()) {
		t.Fatalf("jobs = %d, want %d", len(plan.Jobs), len(etl.DefaultEntities()))
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("default catalog should validate: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// Run
// ─────────────────────────────────────────────────────────────

func TestRun_AllCopiesThenStructures(t *testing.T) {
	backend := newFakeBackend()
	s, em, history, _ := setup(t, versionYAML, backend)

	out, err := s.Run(context.Background(), "v1", ModeAll)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := out.Err(); err != nil {
		t.Fatalf("run errors: %v", err)
	}
	if len(out.Builds) != 2 {
		t.Fatalf("builds = %d, want 2", len(out.Builds))
	}

	raw := backend.db("raw")
	if len(raw.docs("companies")) != 2 || len(raw.docs("persons")) != 3 {
		t.Fatalf("raw copy incomplete: %d/%d", len(raw.docs("companies")), len(raw.docs("persons")))
	}

	docs := backend.db("docs").docs("companies")
	if len(docs) != 2 {
		t.Fatalf("structured companies = %d, want 2", len(docs))
	}
	var people any
	for _, e := range docs[0] {
		if e.Key == "people" {
			people = e.Value
		}
	}
	if !reflect.DeepEqual(people, bson.A{"X", "Y"}) {
		t.Errorf("people = %v, want [X Y]", people)
	}

	if out.Inserted() != 7 {
		t.Errorf("inserted = %d, want 7", out.Inserted())
	}
	if backend.closed != 1 {
		t.Errorf("backend closed %d times, want 1", backend.closed)
	}

	runs, err := history.ListRuns("v1", 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].State != "done" || runs[0].Inserted != 7 {
		t.Fatalf("unexpected history: %+v", runs)
	}
	entities, err := history.ListEntityRuns(runs[0].ID)
	if err != nil {
		t.Fatalf("list entity runs: %v", err)
	}
	if len(entities) != 3 {
		t.Errorf("entity runs = %d, want 3", len(entities))
	}

	if got := em.Named(EventCompleted); len(got) != 1 {
		t.Errorf("completed events = %d, want 1", len(got))
	}
	if len(em.Named(EventProgress)) == 0 {
		t.Error("expected progress events")
	}
}

func TestRun_Seed(t *testing.T) {
	backend := newFakeBackend()
	s, _, history, _ := setup(t, versionYAML, backend)

	out, err := s.Run(context.Background(), "v1", ModeSeed)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if out.Seed == nil || len(out.Seed.Tables) != 2 || out.Seed.Rows() != 5 {
		t.Fatalf("unexpected seed report: %+v", out.Seed)
	}
	if len(out.Builds) != 0 {
		t.Errorf("seed should not build, got %d builds", len(out.Builds))
	}

	stmts := backend.session.statements()
	if stmts[0] != "BEGIN" || stmts[len(stmts)-1] != "COMMIT" {
		t.Errorf("seed should run in one transaction: %v", stmts)
	}

	runs, _ := history.ListRuns("v1", 0)
	entities, _ := history.ListEntityRuns(runs[0].ID)
	if len(entities) != 2 || entities[0].Mode != ModeSeed || entities[0].Inserted != 2 {
		t.Errorf("unexpected seed history: %+v", entities)
	}
}

func TestRun_SourceUnreachableFails(t *testing.T) {
	backend := newFakeBackend()
	backend.source.PingErr = errors.New("connection refused")
	s, em, history, _ := setup(t, versionYAML, backend)

	out, err := s.Run(context.Background(), "v1", ModeCopy)
	if !errors.Is(err, etl.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if !out.Failed() {
		t.Error("outcome should be failed")
	}

	runs, _ := history.ListRuns("v1", 0)
	if len(runs) != 1 || runs[0].State != "failed" || runs[0].Error == "" {
		t.Errorf("unexpected history: %+v", runs)
	}
	done := em.Named(EventCompleted)
	if len(done) != 1 || done[0].Data.(map[string]any)["failed"] != true {
		t.Errorf("completed event should report failure: %+v", done)
	}
}

func TestRun_CopyFailureSkipsStructured(t *testing.T) {
	backend := newFakeBackend()
	backend.source.PingErr = errors.New("connection refused")
	s, _, _, _ := setup(t, versionYAML, backend)

	out, err := s.Run(context.Background(), "v1", ModeAll)
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(out.Builds) != 1 || out.Builds[0].State != etl.StateFailed {
		t.Fatalf("structured build should not start after a failed copy: %+v", out.Builds)
	}
}

func TestRun_MissingTarget(t *testing.T) {
	body := strings.Replace(versionYAML, "target_mongo_copy: raw\n", "", 1)
	s, _, _, _ := setup(t, body, newFakeBackend())

	if _, err := s.Run(context.Background(), "v1", ModeCopy); !errors.Is(err, ErrNothingToBuild) {
		t.Fatalf("expected ErrNothingToBuild, got %v", err)
	}
}

func TestRun_UnknownVersionAndMode(t *testing.T) {
	s, _, _, _ := setup(t, versionYAML, newFakeBackend())

	if _, err := s.Run(context.Background(), "nope", ModeCopy); !errors.Is(err, config.ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
	if _, err := s.Run(context.Background(), "v1", "delta"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
}

func TestCheck_ReportsMissingTables(t *testing.T) {
	backend := newFakeBackend()
	delete(backend.source.Tables, "persons")
	s, _, _, _ := setup(t, versionYAML, backend)

	report, err := s.Check(context.Background(), "v1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.OK() || !reflect.DeepEqual(report.Missing, []string{"persons"}) {
		t.Errorf("missing = %v, want [persons]", report.Missing)
	}
	if report.Tables["companies"] != 2 {
		t.Errorf("companies columns = %d, want 2", report.Tables["companies"])
	}
	if backend.closed != 1 {
		t.Errorf("backend closed %d times, want 1", backend.closed)
	}
}

func TestRun_RejectsConcurrentRunOfSameVersion(t *testing.T) {
	backend := newFakeBackend()
	s, _, _, _ := setup(t, versionYAML, backend)

	release := make(chan struct{})
	s.dial = func(ctx context.Context, v *config.Version) (Backend, error) {
		<-release
		return backend, nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), "v1", ModeCopy)
		errc <- err
	}()

	deadline := time.Now().Add(time.Second)
	for !s.Running("v1") {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.Run(context.Background(), "v1", ModeCopy); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// Triggers
// ─────────────────────────────────────────────────────────────

func TestSchedule(t *testing.T) {
	s, _, _, dir := setup(t, versionYAML, newFakeBackend())

	if err := s.Schedule(context.Background(), []string{"v1"}, ModeAll); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if s.cronSched == nil || len(s.cronSched.Entries()) != 1 {
		t.Fatal("expected one cron entry")
	}
	s.Stop()
	if s.cronSched != nil {
		t.Error("Stop should clear the scheduler")
	}

	bad := strings.Replace(versionYAML, `schedule: "@every 1h"`, `schedule: "not a cron"`, 1)
	if err := os.WriteFile(filepath.Join(dir, "v2.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(context.Background(), []string{"v2"}, ModeAll); err == nil {
		t.Error("expected invalid schedule to fail")
	}
}

func TestWatch_RebuildsOnceAfterBurst(t *testing.T) {
	backend := newFakeBackend()
	s, em, _, dir := setup(t, versionYAML, backend)
	s.debounce = 50 * time.Millisecond

	if err := s.Watch(context.Background(), "v1"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "persons.csv"), []byte("company_id,name\n1,X\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Not a watched extension.
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(em.Named(EventCompleted)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never rebuilt")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	s.WaitRunning(context.Background())

	done := em.Named(EventCompleted)
	if len(done) != 1 {
		t.Fatalf("expected one rebuild for a burst of writes, got %d", len(done))
	}
	if done[0].Data.(map[string]any)["mode"] != ModeFull {
		t.Errorf("watch should run a full rebuild, got %v", done[0].Data)
	}
	if len(backend.session.statements()) == 0 {
		t.Error("full rebuild should seed first")
	}
}

func TestStop_Idempotent(t *testing.T) {
	s := NewRebuildService(t.TempDir(), nil, nil, nil)
	s.Stop()
	s.Stop()
}

func TestWaitRunning_ReturnsImmediately(t *testing.T) {
	s := NewRebuildService(t.TempDir(), nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.WaitRunning(ctx)
	if ctx.Err() != nil {
		t.Error("WaitRunning should not block with nothing running")
	}
}

type mapSecrets map[string]string

func (m mapSecrets) Get(key string) ([]byte, error) { return []byte(m[key]), nil }

func TestLiveBackend_PasswordFallsBackToSecrets(t *testing.T) {
	b := &liveBackend{secrets: mapSecrets{"brreg": "from-store"}}
	if got := b.password("brreg", "from-env"); got != "from-env" {
		t.Errorf("environment should win, got %q", got)
	}
	if got := b.password("brreg", ""); got != "from-store" {
		t.Errorf("expected secret store fallback, got %q", got)
	}
	if got := b.password("", ""); got != "" {
		t.Errorf("no database means no lookup, got %q", got)
	}
}
