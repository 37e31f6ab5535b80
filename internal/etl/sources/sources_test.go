package sources

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"docload/internal/dbclient"
	"docload/internal/domain"
	"docload/internal/etl"
)

func drain(t *testing.T, src etl.ChunkSource) ([]int, []etl.Record) {
	t.Helper()
	var sizes []int
	var all []etl.Record
	for {
		chunk, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return sizes, all
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		sizes = append(sizes, chunk.Len())
		all = append(all, chunk.Records...)
	}
}

// ─────────────────────────────────────────────────────────────
// SQL
// ─────────────────────────────────────────────────────────────

func TestSQLExtractor_Chunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE politikere (navn TEXT, parti TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	tx, _ := db.Begin()
	for i := 0; i < 2500; i++ {
		if _, err := tx.Exec(`INSERT INTO politikere VALUES (?, ?)`, fmt.Sprintf("p%d", i), "A"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	db.Close()

	conn, err := dbclient.NewConnector(&domain.DatabaseConnection{Driver: domain.DatabaseDriverSQLite, Host: path}, "")
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	defer conn.Close()

	ex := NewSQLExtractor(conn)
	if err := ex.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	src, err := ex.Extract(context.Background(), etl.SourceDescriptor{Name: "politikere"}, 1000)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	defer src.Close()

	if !reflect.DeepEqual(src.Columns(), []string{"navn", "parti"}) {
		t.Errorf("columns = %v", src.Columns())
	}
	sizes, recs := drain(t, src)
	if fmt.Sprint(sizes) != "[1000 1000 500]" {
		t.Errorf("chunk sizes = %v, want [1000 1000 500]", sizes)
	}
	if recs[0].Data["navn"] != "p0" {
		t.Errorf("first record = %v", recs[0].Data)
	}
	// A spent stream stays spent.
	if _, err := src.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after exhaustion, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────
// CSV
// ─────────────────────────────────────────────────────────────

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCSVExtractor_StreamsWithDelimiter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "roller.csv", "\ufefforgnr;navn;postnummer;aktiv\n100;Acme;0150;true\n200;Beta;;no\n300;Gamma;5003;yes\n")

	ex := NewCSVExtractor(dir, map[string]CSVTable{"person": {File: "roller.csv", Delimiter: ';'}})
	if err := ex.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	src, err := ex.Extract(context.Background(), etl.SourceDescriptor{Name: "person"}, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	defer src.Close()

	if !reflect.DeepEqual(src.Columns(), []string{"orgnr", "navn", "postnummer", "aktiv"}) {
		t.Fatalf("columns = %q", src.Columns())
	}
	sizes, recs := drain(t, src)
	if fmt.Sprint(sizes) != "[2 1]" {
		t.Errorf("chunk sizes = %v, want [2 1]", sizes)
	}
	first := recs[0].Data
	if first["orgnr"] != int64(100) || first["postnummer"] != "0150" || first["aktiv"] != true {
		t.Errorf("first record = %v", first)
	}
	if recs[1].Data["postnummer"] != nil || recs[1].Data["aktiv"] != false {
		t.Errorf("second record = %v", recs[1].Data)
	}
}

func TestCSVExtractor_DefaultsToTableName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "selskap.csv", "orgnr,navn\n1,A\n")
	src, err := NewCSVExtractor(dir, nil).Extract(context.Background(), etl.SourceDescriptor{Name: "selskap"}, 10)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	defer src.Close()
	_, recs := drain(t, src)
	if len(recs) != 1 || recs[0].Data["navn"] != "A" {
		t.Errorf("records = %v", recs)
	}
}

func TestCSVExtractor_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.csv", "")
	ex := NewCSVExtractor(dir, nil)

	if _, err := ex.Extract(context.Background(), etl.SourceDescriptor{Name: "missing"}, 10); err == nil {
		t.Error("missing file should fail")
	}
	if _, err := ex.Extract(context.Background(), etl.SourceDescriptor{Name: "empty"}, 10); err == nil {
		t.Error("empty file should fail")
	}
	if err := NewCSVExtractor(filepath.Join(dir, "nope"), nil).Ping(context.Background()); err == nil {
		t.Error("missing base path should fail ping")
	}
}

func TestInferCSVValue(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"", nil},
		{"  ", nil},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.5", 3.5},
		{"0.25", 0.25},
		{"0", int64(0)},
		{"0042", "0042"},
		{"TRUE", true},
		{"no", false},
		{" Oslo ", "Oslo"},
		{"Nan", "Nan"},
		{"inf", "inf"},
		{"-Infinity", "-Infinity"},
		{"1e400", "1e400"},
	}
	for _, tc := range cases {
		if got := inferCSVValue(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("inferCSVValue(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

// End to end: CSV files through the rebuild into an in-memory target.
func TestCSVExtractor_FeedsRebuild(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "items.csv", "id,name\n1,a\n2,b\n3,c\n")

	target := &memTarget{docs: map[string][]etl.Document{}}
	r := &etl.Rebuilder{Extractor: NewCSVExtractor(dir, nil), Target: target}
	plan := etl.Plan{ChunkSize: 2, Jobs: []etl.Job{{Entity: etl.Entity{
		TargetDescriptor: etl.TargetDescriptor{Collection: "items"},
		Mode:             etl.ModeCopy,
		Source:           etl.SourceDescriptor{Name: "items"},
	}}}}
	res, err := r.Run(context.Background(), plan)
	if err != nil || res.Err() != nil {
		t.Fatalf("run: %v / %v", err, res.Err())
	}
	if len(target.docs["items"]) != 3 || res.Entities[0].Chunks != 2 {
		t.Errorf("docs=%d chunks=%d", len(target.docs["items"]), res.Entities[0].Chunks)
	}
}

type memTarget struct{ docs map[string][]etl.Document }

func (m *memTarget) Ping(ctx context.Context) error { return nil }

func (m *memTarget) Drop(ctx context.Context, c string) error {
	delete(m.docs, c)
	return nil
}

func (m *memTarget) InsertMany(ctx context.Context, c string, docs []etl.Document) (domain.InsertOutcome, error) {
	m.docs[c] = append(m.docs[c], docs...)
	return domain.InsertOutcome{Inserted: len(docs)}, nil
}

func (m *memTarget) CreateIndexes(ctx context.Context, c string, specs []domain.IndexSpec) error {
	return nil
}
