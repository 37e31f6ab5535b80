package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"docload/internal/etl"
)

func newTestStore(t *testing.T) (*RunStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history", "runs.db")
	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRunStore(db), path
}

func TestRunLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	run, err := s.CreateRun("v2", "all")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.ID == "" || run.State != "running" || run.FinishedAt != nil {
		t.Fatalf("unexpected new run: %+v", run)
	}

	results := []etl.EntityResult{
		{Collection: "selskap", Mode: etl.ModeEmbed, Status: "success", RowsRead: 10, Inserted: 10, Unmatched: 2, Chunks: 1, Duration: 1500 * time.Millisecond},
		{Collection: "person", Mode: etl.ModeGroup, Status: "error", RowsRead: 4, Inserted: 3, Skipped: 1, NullKeys: 1, Error: "boom", IndexError: "dup key"},
	}
	if err := s.AddEntityResults(run.ID, results); err != nil {
		t.Fatalf("add results: %v", err)
	}

	run.State = string(etl.StateDone)
	run.Inserted, run.Skipped = 13, 1
	if err := s.FinishRun(run); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != "DONE" || got.Inserted != 13 || got.Skipped != 1 || got.FinishedAt == nil {
		t.Errorf("unexpected stored run: %+v", got)
	}
	if got.Duration() < 0 {
		t.Errorf("negative duration %v", got.Duration())
	}

	ents, err := s.ListEntityRuns(run.ID)
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(ents) != 2 || ents[0].Collection != "selskap" || ents[1].Collection != "person" {
		t.Fatalf("entity runs out of order: %+v", ents)
	}
	if ents[0].Unmatched != 2 || ents[0].Duration != 1500*time.Millisecond || ents[0].Mode != "embed" {
		t.Errorf("selskap = %+v", ents[0])
	}
	if ents[1].IndexError != "dup key" || ents[1].NullKeys != 1 || ents[1].Error != "boom" {
		t.Errorf("person = %+v", ents[1])
	}
}

func TestListRuns_FilterAndOrder(t *testing.T) {
	s, _ := newTestStore(t)
	for _, v := range []string{"v1", "v2", "v1"} {
		if _, err := s.CreateRun(v, "copy"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.ListRuns("", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
	if !all[0].StartedAt.After(all[2].StartedAt) {
		t.Errorf("runs should be newest first: %v, %v", all[0].StartedAt, all[2].StartedAt)
	}

	v1, err := s.ListRuns("v1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(v1) != 2 {
		t.Errorf("v1 runs = %d, want 2", len(v1))
	}

	limited, _ := s.ListRuns("", 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestRunNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.GetRun("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("get: expected ErrRunNotFound, got %v", err)
	}
	if err := s.FinishRun(&Run{ID: "nope"}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("finish: expected ErrRunNotFound, got %v", err)
	}
}

func TestNew_ReopenKeepsHistory(t *testing.T) {
	s, path := newTestStore(t)
	if _, err := s.CreateRun("v1", "seed"); err != nil {
		t.Fatal(err)
	}
	s.db.Close()

	db, err := New(path)
	if err != nil {
		t.Fatalf("reopen should tolerate applied migrations: %v", err)
	}
	defer db.Close()
	runs, err := NewRunStore(db).ListRuns("v1", 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs after reopen = %v, %v", runs, err)
	}
}
