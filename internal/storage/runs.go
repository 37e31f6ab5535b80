package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"docload/internal/etl"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded seed or rebuild.
type Run struct {
	ID         string     `json:"id"`
	Version    string     `json:"version"`
	Mode       string     `json:"mode"`
	State      string     `json:"state"`
	Inserted   int        `json:"inserted"`
	Skipped    int        `json:"skipped"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Duration is zero for a run that has not finished.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// EntityRun is the recorded outcome of one collection within a run.
type EntityRun struct {
	ID         string        `json:"id"`
	RunID      string        `json:"runId"`
	Collection string        `json:"collection"`
	Mode       string        `json:"mode"`
	Status     string        `json:"status"`
	RowsRead   int           `json:"rowsRead"`
	Inserted   int           `json:"inserted"`
	Skipped    int           `json:"skipped"`
	NullKeys   int           `json:"nullKeys"`
	Unmatched  int           `json:"unmatched"`
	Chunks     int           `json:"chunks"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	IndexError string        `json:"indexError,omitempty"`
}

// RunStore persists run history.
type RunStore struct {
	db *DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// ── Runs ───────────────────────────────────────────────────

// CreateRun records the start of a run.
func (s *RunStore) CreateRun(version, mode string) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Version:   version,
		Mode:      mode,
		State:     "running",
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.conn.Exec(
		`INSERT INTO runs (id, version, mode, state, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Version, run.Mode, run.State, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// FinishRun stores the final state and totals of run.
func (s *RunStore) FinishRun(run *Run) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	res, err := s.db.conn.Exec(
		`UPDATE runs SET state=?, inserted=?, skipped=?, error=?, finished_at=? WHERE id=?`,
		run.State, run.Inserted, run.Skipped, run.Error, now, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

// GetRun loads a single run.
func (s *RunStore) GetRun(id string) (*Run, error) {
	row := s.db.conn.QueryRow(
		`SELECT id, version, mode, state, inserted, skipped, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// ListRuns returns the most recent runs first. An empty version lists all.
func (s *RunStore) ListRuns(version string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.conn.Query(
		`SELECT id, version, mode, state, inserted, skipped, error, started_at, finished_at
		 FROM runs WHERE (? = '' OR version = ?) ORDER BY started_at DESC LIMIT ?`,
		version, version, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var finished sql.NullTime
	if err := sc.Scan(&run.ID, &run.Version, &run.Mode, &run.State, &run.Inserted, &run.Skipped,
		&run.Error, &run.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// ── Entity results ─────────────────────────────────────────

// AddEntityResults stores the per-collection outcomes of a run in order.
func (s *RunStore) AddEntityResults(runID string, results []etl.EntityResult) error {
	tx, err := s.db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, r := range results {
		_, err := tx.Exec(
			`INSERT INTO entity_runs (id, run_id, collection, mode, status, rows_read, inserted, skipped,
			 null_keys, unmatched, chunks, duration_ms, error, index_error, sort_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), runID, r.Collection, string(r.Mode), r.Status, r.RowsRead, r.Inserted, r.Skipped,
			r.NullKeys, r.Unmatched, r.Chunks, r.Duration.Milliseconds(), r.Error, r.IndexError, i,
		)
		if err != nil {
			return fmt.Errorf("add entity result %s: %w", r.Collection, err)
		}
	}
	return tx.Commit()
}

// ListEntityRuns returns the entity outcomes of one run in the order they ran.
func (s *RunStore) ListEntityRuns(runID string) ([]EntityRun, error) {
	rows, err := s.db.conn.Query(
		`SELECT id, run_id, collection, mode, status, rows_read, inserted, skipped,
		 null_keys, unmatched, chunks, duration_ms, error, index_error
		 FROM entity_runs WHERE run_id = ? ORDER BY sort_order ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityRun
	for rows.Next() {
		var e EntityRun
		var ms int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Collection, &e.Mode, &e.Status, &e.RowsRead, &e.Inserted,
			&e.Skipped, &e.NullKeys, &e.Unmatched, &e.Chunks, &ms, &e.Error, &e.IndexError); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}
