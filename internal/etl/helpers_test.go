package etl_test

import (
	"context"
	"fmt"
	"sync"

	"docload/internal/domain"
	"docload/internal/etl"
)

// fakeTarget is an in-memory document store. Collections listed in unique
// reject documents whose value for that field was already inserted.
type fakeTarget struct {
	mu          sync.Mutex
	collections map[string][]etl.Document
	unique      map[string]string
	batches     map[string][]int
	indexes     map[string][]domain.IndexSpec
	dropped     []string
	pingErr     error
	indexErr    map[string]error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		collections: map[string][]etl.Document{},
		unique:      map[string]string{},
		batches:     map[string][]int{},
		indexes:     map[string][]domain.IndexSpec{},
		indexErr:    map[string]error{},
	}
}

func (f *fakeTarget) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeTarget) Drop(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, collection)
	delete(f.collections, collection)
	delete(f.indexes, collection)
	return nil
}

func (f *fakeTarget) InsertMany(ctx context.Context, collection string, docs []etl.Document) (domain.InsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[collection] = append(f.batches[collection], len(docs))

	var out domain.InsertOutcome
	field := f.unique[collection]
	seen := map[string]bool{}
	if field != "" {
		for _, d := range f.collections[collection] {
			seen[fmt.Sprint(lookup(d, field))] = true
		}
	}
	for i, d := range docs {
		if field != "" {
			key := fmt.Sprint(lookup(d, field))
			if seen[key] {
				out.Failures = append(out.Failures, domain.WriteFailure{Index: i, Code: 11000, Message: "duplicate key " + key})
				continue
			}
			seen[key] = true
		}
		f.collections[collection] = append(f.collections[collection], d)
		out.Inserted++
	}
	return out, nil
}

func (f *fakeTarget) CreateIndexes(ctx context.Context, collection string, specs []domain.IndexSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.indexErr[collection]; err != nil {
		return err
	}
	f.indexes[collection] = append(f.indexes[collection], specs...)
	return nil
}

func (f *fakeTarget) docs(collection string) []etl.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]etl.Document(nil), f.collections[collection]...)
}

func lookup(d etl.Document, key string) any {
	for _, e := range d {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

// numberedRows returns n rows of (id, name).
func numberedRows(n int) etl.MemTable {
	t := etl.MemTable{Columns: []string{"id", "name"}}
	for i := 1; i <= n; i++ {
		t.Rows = append(t.Rows, []any{int64(i), fmt.Sprintf("row-%d", i)})
	}
	return t
}

func copyJob(name string) etl.Job {
	return etl.Job{Entity: etl.Entity{
		TargetDescriptor: etl.TargetDescriptor{Collection: name},
		Mode:             etl.ModeCopy,
		Source:           etl.SourceDescriptor{Name: name},
	}}
}
