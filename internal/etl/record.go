package etl

import (
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// Extractors emit Records in Chunks, the loader consumes Documents.

// Record is a single row of data flowing through the pipeline.
type Record struct {
	Data map[string]any `json:"data"`
}

// Chunk is one bounded batch of rows from a source. Columns are fixed for
// the whole job and shared by every chunk.
type Chunk struct {
	Columns []string
	Records []Record
}

// Len returns the number of records in the chunk.
func (c *Chunk) Len() int { return len(c.Records) }

// Document is an ordered mapping written to the target store.
type Document = bson.D

// recordFromRow zips a positional row with its column names.
func recordFromRow(columns []string, row []any) Record {
	data := make(map[string]any, len(columns))
	for i, col := range columns {
		if i < len(row) {
			data[col] = row[i]
		} else {
			data[col] = nil
		}
	}
	return Record{Data: data}
}

// documentFromRecord lays a record out in column order. Fields a transform
// added after extraction follow in name order.
func documentFromRecord(columns []string, rec Record) Document {
	doc := make(Document, 0, len(rec.Data))
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		v, ok := rec.Data[col]
		if !ok {
			continue
		}
		seen[col] = true
		doc = append(doc, bson.E{Key: col, Value: v})
	}
	if len(seen) == len(rec.Data) {
		return doc
	}
	var extra []string
	for k := range rec.Data {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		doc = append(doc, bson.E{Key: k, Value: rec.Data[k]})
	}
	return doc
}
