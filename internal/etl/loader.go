package etl

import (
	"context"
	"errors"
	"fmt"

	"docload/internal/domain"

	log "github.com/sirupsen/logrus"
)

// ErrRejected is returned by a strict loader when the target refused documents.
var ErrRejected = errors.New("documents rejected by target")

// LoadResult is the running tally for one collection.
type LoadResult struct {
	Inserted int                   `json:"inserted"`
	Skipped  int                   `json:"skipped"`
	Failures []domain.WriteFailure `json:"failures,omitempty"`
}

// Progress is reported after every chunk written.
type Progress struct {
	Collection string `json:"collection"`
	Chunk      int    `json:"chunk"`
	Inserted   int    `json:"inserted"` // running total
	Skipped    int    `json:"skipped"`  // running total
}

// maxKeptFailures bounds how many rejections a result keeps for reporting.
const maxKeptFailures = 100

// Loader writes chunks of documents into one collection and keeps a
// running total. Each chunk is a single unordered batch, so one bad
// document never blocks the rest of its chunk.
type Loader struct {
	Target     Target
	Collection string
	// Strict turns any rejected document into a job error.
	Strict bool
	// OnProgress, when set, is called after each chunk.
	OnProgress func(Progress)

	chunks int
	result LoadResult
}

// Load inserts one chunk. An empty chunk is a no-op.
func (l *Loader) Load(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := l.Target.InsertMany(ctx, l.Collection, docs)
	if err != nil {
		return fmt.Errorf("load %s chunk %d: %w", l.Collection, l.chunks+1, err)
	}
	l.chunks++
	l.result.Inserted += out.Inserted
	skipped := len(docs) - out.Inserted
	l.result.Skipped += skipped
	for _, f := range out.Failures {
		if len(l.result.Failures) >= maxKeptFailures {
			break
		}
		l.result.Failures = append(l.result.Failures, f)
	}

	entry := log.WithFields(log.Fields{
		"collection": l.Collection,
		"chunk":      l.chunks,
		"inserted":   l.result.Inserted,
	})
	if skipped > 0 {
		first := ""
		if len(out.Failures) > 0 {
			first = out.Failures[0].Message
		}
		entry.WithFields(log.Fields{"skipped": skipped, "first_error": first}).Warn("documents rejected")
	} else {
		entry.Debug("chunk written")
	}

	if l.OnProgress != nil {
		l.OnProgress(Progress{
			Collection: l.Collection,
			Chunk:      l.chunks,
			Inserted:   l.result.Inserted,
			Skipped:    l.result.Skipped,
		})
	}

	if l.Strict && skipped > 0 {
		return fmt.Errorf("load %s chunk %d: %d of %d: %w", l.Collection, l.chunks, skipped, len(docs), ErrRejected)
	}
	return nil
}

// LoadAll writes docs in chunks of chunkSize.
func (l *Loader) LoadAll(ctx context.Context, docs []Document, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	for start := 0; start < len(docs); start += chunkSize {
		end := min(start+chunkSize, len(docs))
		if err := l.Load(ctx, docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Result returns the totals so far.
func (l *Loader) Result() LoadResult { return l.result }

// Chunks returns how many chunks have been written.
func (l *Loader) Chunks() int { return l.chunks }
