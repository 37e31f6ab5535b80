package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// ── Rebuild Orchestrator ───────────────────────────────────
// A rebuild walks START → DROP_TARGETS → LOAD_ENTITY* → INDEX → DONE.
// Connection problems abort before anything is dropped. A failing entity
// is recorded and the run moves on, unless the plan is fail-fast.

// DefaultChunkSize is used when neither the job nor the plan sets one.
const DefaultChunkSize = 5000

// ErrConnection marks failures to reach the source or the target.
var ErrConnection = errors.New("connection failed")

// State is a step of the rebuild state machine.
type State string

const (
	StateStart       State = "START"
	StateDropTargets State = "DROP_TARGETS"
	StateLoadEntity  State = "LOAD_ENTITY"
	StateIndex       State = "INDEX"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Job is one entity to rebuild.
type Job struct {
	Entity Entity
	// ChunkSize overrides the plan's chunk size when positive.
	ChunkSize int
}

// Plan is an ordered list of jobs run as one rebuild.
type Plan struct {
	Name      string
	Jobs      []Job
	ChunkSize int
	FailFast  bool
	Strict    bool
}

// Collections returns the distinct target collections in job order.
func (p Plan) Collections() []string {
	seen := map[string]bool{}
	var out []string
	for _, j := range p.Jobs {
		c := j.Entity.Collection
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// Validate checks every job before a run touches any store.
func (p Plan) Validate() error {
	var errs []error
	for _, j := range p.Jobs {
		if err := j.Entity.Validate(); err != nil {
			errs = append(errs, err)
		}
		if _, err := BuildTransformers(j.Entity.Transforms); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrInvalidEntity, j.Entity.Collection, err))
		}
	}
	return errors.Join(errs...)
}

// EntityResult is the outcome for one collection.
type EntityResult struct {
	Collection string        `json:"collection"`
	Mode       Mode          `json:"mode"`
	Status     string        `json:"status"` // "success" | "error"
	RowsRead   int           `json:"rowsRead"`
	Children   int           `json:"children,omitempty"`
	Inserted   int           `json:"inserted"`
	Skipped    int           `json:"skipped"`
	NullKeys   int           `json:"nullKeys,omitempty"`
	Unmatched  int           `json:"unmatched,omitempty"`
	Chunks     int           `json:"chunks"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	IndexError string        `json:"indexError,omitempty"`

	err      error
	indexErr error
}

// Err joins the load and index errors of the entity.
func (r *EntityResult) Err() error { return errors.Join(r.err, r.indexErr) }

// RunResult is the outcome of a whole rebuild.
type RunResult struct {
	Plan       string         `json:"plan"`
	State      State          `json:"state"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Entities   []EntityResult `json:"entities"`
}

// Duration is the wall time of the run.
func (r *RunResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Inserted sums inserted documents across entities.
func (r *RunResult) Inserted() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Inserted
	}
	return n
}

// Skipped sums rejected documents across entities.
func (r *RunResult) Skipped() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Skipped
	}
	return n
}

// Err joins every entity and index error of the run.
func (r *RunResult) Err() error {
	var errs []error
	for i := range r.Entities {
		if err := r.Entities[i].Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Entities[i].Collection, err))
		}
	}
	return errors.Join(errs...)
}

// Rebuilder runs plans from one extractor into one target.
type Rebuilder struct {
	Extractor Extractor
	Target    Target
	// OnProgress, when set, receives every chunk written.
	OnProgress func(Progress)
	// OnState, when set, is told about every state transition.
	OnState func(State)
}

// Run executes plan. The returned error is non-nil only when the run ended
// in FAILED; per-entity errors of a completed run are in RunResult.Err.
func (r *Rebuilder) Run(ctx context.Context, plan Plan) (*RunResult, error) {
	res := &RunResult{Plan: plan.Name, StartedAt: time.Now()}
	logger := log.WithField("plan", plan.Name)

	fail := func(err error) (*RunResult, error) {
		r.enter(res, StateFailed)
		res.FinishedAt = time.Now()
		logger.WithError(err).Error("rebuild failed")
		return res, err
	}

	r.enter(res, StateStart)
	if err := plan.Validate(); err != nil {
		return fail(err)
	}
	if err := r.Extractor.Ping(ctx); err != nil {
		return fail(fmt.Errorf("%w: source: %v", ErrConnection, err))
	}
	if err := r.Target.Ping(ctx); err != nil {
		return fail(fmt.Errorf("%w: target: %v", ErrConnection, err))
	}

	r.enter(res, StateDropTargets)
	for _, coll := range plan.Collections() {
		if err := r.Target.Drop(ctx, coll); err != nil {
			return fail(err)
		}
	}

	for _, job := range plan.Jobs {
		r.enter(res, StateLoadEntity)
		er := r.runJob(ctx, plan, job)
		res.Entities = append(res.Entities, er)
		if er.err != nil {
			logger.WithFields(log.Fields{"collection": er.Collection}).WithError(er.err).Error("entity failed")
			if plan.FailFast || ctx.Err() != nil {
				return fail(fmt.Errorf("%s: %w", er.Collection, er.err))
			}
		}
	}

	r.enter(res, StateIndex)
	for i := range res.Entities {
		er := &res.Entities[i]
		specs := plan.Jobs[i].Entity.Indexes
		if len(specs) == 0 || er.err != nil {
			continue
		}
		if err := r.Target.CreateIndexes(ctx, er.Collection, specs); err != nil {
			er.indexErr = err
			er.IndexError = err.Error()
			er.Status = "error"
			logger.WithField("collection", er.Collection).WithError(err).Error("index build failed")
		}
	}

	r.enter(res, StateDone)
	res.FinishedAt = time.Now()
	logger.WithFields(log.Fields{
		"entities": len(res.Entities),
		"inserted": res.Inserted(),
		"skipped":  res.Skipped(),
		"duration": res.Duration().Round(time.Millisecond),
	}).Info("rebuild done")
	return res, nil
}

func (r *Rebuilder) enter(res *RunResult, s State) {
	res.State = s
	if r.OnState != nil {
		r.OnState(s)
	}
}

// runJob extracts, shapes and loads one entity.
func (r *Rebuilder) runJob(ctx context.Context, plan Plan, job Job) EntityResult {
	e := job.Entity
	start := time.Now()
	er := EntityResult{Collection: e.Collection, Mode: e.Mode}

	chunkSize := job.ChunkSize
	if chunkSize <= 0 {
		chunkSize = plan.ChunkSize
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	loader := &Loader{
		Target:     r.Target,
		Collection: e.Collection,
		Strict:     plan.Strict,
		OnProgress: r.OnProgress,
	}

	logger := log.WithFields(log.Fields{"collection": e.Collection, "mode": e.Mode, "source": e.Source.Name})
	logger.Info("loading entity")

	stats, err := r.fill(ctx, e, chunkSize, loader)
	lr := loader.Result()
	er.RowsRead = stats.Rows
	er.Children = stats.Children
	er.NullKeys = stats.NullKeys
	er.Unmatched = stats.Unmatched
	er.Inserted = lr.Inserted
	er.Skipped = lr.Skipped
	er.Chunks = loader.Chunks()
	er.Duration = time.Since(start)

	if err != nil {
		er.err = err
		er.Error = err.Error()
		er.Status = "error"
		return er
	}
	er.Status = "success"
	logger.WithFields(log.Fields{
		"rows":     er.RowsRead,
		"inserted": er.Inserted,
		"skipped":  er.Skipped,
		"chunks":   er.Chunks,
	}).Info("entity loaded")
	return er
}

func (r *Rebuilder) fill(ctx context.Context, e Entity, chunkSize int, loader *Loader) (DenormStats, error) {
	var stats DenormStats

	src, err := r.open(ctx, e.Source, chunkSize)
	if err != nil {
		return stats, err
	}
	defer src.Close()

	switch e.Mode {
	case ModeCopy, ModeReshape:
		transforms, err := BuildTransformers(e.Transforms)
		if err != nil {
			return stats, err
		}
		if len(e.Source.DropColumns) > 0 {
			transforms = append([]Transformer{&DropTransform{Fields: e.Source.DropColumns}}, transforms...)
		}
		for {
			chunk, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			if err != nil {
				return stats, fmt.Errorf("extract %s: %w", e.Source.Name, err)
			}
			stats.Rows += chunk.Len()
			docs := make([]Document, 0, chunk.Len())
			for _, rec := range chunk.Records {
				rec, keep := ApplyTransformers(rec, transforms)
				if !keep {
					continue
				}
				if e.Mode == ModeCopy {
					docs = append(docs, documentFromRecord(chunk.Columns, rec))
				} else {
					docs = append(docs, BuildDocument(e.Fields, rec))
				}
			}
			if err := loader.Load(ctx, docs); err != nil {
				return stats, err
			}
		}

	case ModeGroup:
		docs, gs, err := Group(ctx, src, e)
		stats = gs
		if err != nil {
			return stats, fmt.Errorf("extract %s: %w", e.Source.Name, err)
		}
		return stats, loader.LoadAll(ctx, docs, chunkSize)

	case ModeEmbed:
		children, err := r.open(ctx, e.Embed.Source, chunkSize)
		if err != nil {
			return stats, err
		}
		defer children.Close()
		docs, es, err := Embed(ctx, src, children, e)
		stats = es
		if err != nil {
			return stats, fmt.Errorf("extract %s/%s: %w", e.Source.Name, e.Embed.Source.Name, err)
		}
		return stats, loader.LoadAll(ctx, docs, chunkSize)

	default:
		return stats, fmt.Errorf("%w: unknown mode %q", ErrInvalidEntity, e.Mode)
	}
}

// open starts a normalized stream over src.
func (r *Rebuilder) open(ctx context.Context, src SourceDescriptor, chunkSize int) (ChunkSource, error) {
	cs, err := r.Extractor.Extract(ctx, src, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.Name, err)
	}
	return normalizedSource{cs}, nil
}

// normalizedSource runs every record through the row normalizer.
type normalizedSource struct {
	ChunkSource
}

func (n normalizedSource) Next(ctx context.Context) (*Chunk, error) {
	chunk, err := n.ChunkSource.Next(ctx)
	if err != nil {
		return nil, err
	}
	for i, rec := range chunk.Records {
		chunk.Records[i] = NormalizeRecord(rec)
	}
	return chunk, nil
}
