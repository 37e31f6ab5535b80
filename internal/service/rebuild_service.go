package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"docload/internal/config"
	"docload/internal/etl"
	"docload/internal/seed"
	"docload/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// Rebuild Service — seeds and rebuilds dataset versions
// ─────────────────────────────────────────────────────────────

// Modes accepted by Run.
const (
	ModeSeed       = "seed"       // CSV files into Postgres
	ModeCopy       = "copy"       // Postgres tables into the raw document database
	ModeStructured = "structured" // entities into the structured document database
	ModeAll        = "all"        // copy then structured
	ModeFull       = "full"       // seed then all
)

var (
	// ErrAlreadyRunning is returned when a version is already being rebuilt.
	ErrAlreadyRunning = errors.New("already running")
	// ErrUnknownMode is returned for a mode Run does not know.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrNothingToBuild is returned when a version lacks what a mode needs.
	ErrNothingToBuild = errors.New("nothing to build")
)

// ValidMode reports whether mode is accepted by Run.
func ValidMode(mode string) bool {
	switch mode {
	case ModeSeed, ModeCopy, ModeStructured, ModeAll, ModeFull:
		return true
	}
	return false
}

// RebuildService runs seeds and rebuilds for the versions in a directory.
type RebuildService struct {
	versionsDir string
	history     *storage.RunStore
	emitter     EventEmitter
	dial        Dialer
	running     VersionLocks

	// Timeout bounds a single run when positive.
	Timeout time.Duration

	// watcher / cron lifecycle
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
	debounce    time.Duration
}

// NewRebuildService creates a RebuildService. history may be nil, in which
// case runs are not recorded.
func NewRebuildService(versionsDir string, history *storage.RunStore, emitter EventEmitter, dial Dialer) *RebuildService {
	if emitter == nil {
		emitter = LogEmitter{}
	}
	return &RebuildService{
		versionsDir: versionsDir,
		history:     history,
		emitter:     emitter,
		dial:        dial,
		debounce:    500 * time.Millisecond,
	}
}

// ── Outcome ────────────────────────────────────────────────

// Outcome is everything one call to Run did.
type Outcome struct {
	RunID      string           `json:"runId,omitempty"`
	Version    string           `json:"version"`
	Mode       string           `json:"mode"`
	Seed       *seed.Report     `json:"seed,omitempty"`
	Builds     []*etl.RunResult `json:"builds"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`

	fatal error
}

// Failed reports whether a step aborted the run.
func (o *Outcome) Failed() bool { return o.fatal != nil }

// Err joins the fatal error with every table and entity error.
func (o *Outcome) Err() error {
	errs := []error{o.fatal}
	if o.Seed != nil {
		errs = append(errs, o.Seed.Err())
	}
	for _, b := range o.Builds {
		errs = append(errs, b.Err())
	}
	return errors.Join(errs...)
}

// Inserted sums inserted documents across builds.
func (o *Outcome) Inserted() int {
	n := 0
	for _, b := range o.Builds {
		n += b.Inserted()
	}
	return n
}

// Skipped sums rejected documents across builds.
func (o *Outcome) Skipped() int {
	n := 0
	for _, b := range o.Builds {
		n += b.Skipped()
	}
	return n
}

// Entities flattens seeded tables and built collections for the history.
func (o *Outcome) Entities() []etl.EntityResult {
	var out []etl.EntityResult
	if o.Seed != nil {
		for _, t := range o.Seed.Tables {
			er := etl.EntityResult{
				Collection: t.Name,
				Mode:       ModeSeed,
				Status:     "success",
				RowsRead:   int(t.Rows),
				Inserted:   int(t.Rows),
				Duration:   t.Duration,
				Error:      t.Error,
			}
			if t.Error != "" {
				er.Status = "error"
			}
			out = append(out, er)
		}
	}
	for _, b := range o.Builds {
		out = append(out, b.Entities...)
	}
	return out
}

// ── Plans ──────────────────────────────────────────────────

// CopyPlan copies every table of v into its raw document database.
func CopyPlan(v *config.Version) etl.Plan {
	plan := basePlan(v, ModeCopy)
	for _, t := range v.Tables {
		plan.Jobs = append(plan.Jobs, etl.Job{Entity: t.Entity()})
	}
	return plan
}

// StructuredPlan builds the structured entities of v.
func StructuredPlan(v *config.Version) etl.Plan {
	plan := basePlan(v, ModeStructured)
	for _, e := range v.Entities() {
		plan.Jobs = append(plan.Jobs, etl.Job{Entity: e})
	}
	return plan
}

func basePlan(v *config.Version, mode string) etl.Plan {
	return etl.Plan{
		Name:      v.Name + "/" + mode,
		ChunkSize: v.ChunkSize,
		FailFast:  v.FailFast,
		Strict:    v.Strict,
	}
}

// steps expands a mode into the primitive steps it runs.
func steps(mode string) []string {
	switch mode {
	case ModeAll:
		return []string{ModeCopy, ModeStructured}
	case ModeFull:
		return []string{ModeSeed, ModeCopy, ModeStructured}
	}
	return []string{mode}
}

// ── Run ────────────────────────────────────────────────────

// Run loads the named version and runs mode against it.
func (s *RebuildService) Run(ctx context.Context, version, mode string) (*Outcome, error) {
	v, err := config.LoadVersion(s.versionsDir, version)
	if err != nil {
		return nil, err
	}
	return s.RunVersion(ctx, v, mode)
}

// RunVersion runs mode against an already loaded version. The returned
// error is non-nil when the run could not start or a step aborted;
// table and entity errors of a finished run are in Outcome.Err.
func (s *RebuildService) RunVersion(ctx context.Context, v *config.Version, mode string) (*Outcome, error) {
	if !ValidMode(mode) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	release, ok := s.running.Acquire(v.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, v.Name)
	}
	defer release()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	logger := log.WithFields(log.Fields{"version": v.Name, "mode": mode})
	out := &Outcome{Version: v.Name, Mode: mode, StartedAt: time.Now()}

	var record *storage.Run
	if s.history != nil {
		r, err := s.history.CreateRun(v.Name, mode)
		if err != nil {
			logger.WithError(err).Warn("run history unavailable")
		} else {
			record = r
			out.RunID = r.ID
		}
	}

	out.fatal = s.execute(ctx, v, mode, out)
	out.FinishedAt = time.Now()

	if record != nil {
		s.record(record, out)
	}

	entry := logger.WithFields(log.Fields{
		"inserted": out.Inserted(),
		"skipped":  out.Skipped(),
		"duration": out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond),
	})
	if out.fatal != nil {
		entry.WithError(out.fatal).Error("run failed")
	} else if err := out.Err(); err != nil {
		entry.WithError(err).Warn("run finished with errors")
	} else {
		entry.Info("run finished")
	}

	s.emitter.Emit(ctx, EventCompleted, map[string]any{
		"version":  v.Name,
		"mode":     mode,
		"runId":    out.RunID,
		"failed":   out.Failed(),
		"inserted": out.Inserted(),
		"skipped":  out.Skipped(),
	})
	return out, out.fatal
}

func (s *RebuildService) execute(ctx context.Context, v *config.Version, mode string, out *Outcome) error {
	if s.dial == nil {
		return errors.New("no backend configured")
	}
	b, err := s.dial(ctx, v)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.WithField("version", v.Name).WithError(err).Warn("closing connections")
		}
	}()

	explicit := mode != ModeAll && mode != ModeFull
	for _, step := range steps(mode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch step {
		case ModeSeed:
			if v.Database == "" {
				if explicit {
					return fmt.Errorf("%w: %s has no database to seed", ErrNothingToBuild, v.Name)
				}
				continue
			}
			rep, err := s.seed(ctx, b, v)
			out.Seed = rep
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}

		case ModeCopy, ModeStructured:
			target := v.TargetMongoCopy
			if step == ModeStructured {
				target = v.TargetMongoStructured
			}
			if target == "" {
				if explicit {
					return fmt.Errorf("%w: %s has no %s target", ErrNothingToBuild, v.Name, step)
				}
				log.WithFields(log.Fields{"version": v.Name, "step": step}).Info("no target set, skipping")
				continue
			}
			res, err := s.build(ctx, b, v, step, target)
			if res != nil {
				out.Builds = append(out.Builds, res)
			}
			if err != nil {
				return fmt.Errorf("%s: %w", step, err)
			}
		}
	}
	return nil
}

func (s *RebuildService) seed(ctx context.Context, b Backend, v *config.Version) (*seed.Report, error) {
	seeder, err := b.Seeder(ctx)
	if err != nil {
		return nil, err
	}
	return seeder.Seed(ctx, v)
}

func (s *RebuildService) build(ctx context.Context, b Backend, v *config.Version, step, targetDB string) (*etl.RunResult, error) {
	target, _ := b.Database(targetDB)

	var (
		plan etl.Plan
		ex   etl.Extractor
		err  error
	)
	if step == ModeCopy {
		plan = CopyPlan(v)
		ex, err = b.Source(ctx)
	} else {
		plan = StructuredPlan(v)
		ex, err = s.structuredSource(ctx, b, v)
	}
	if err != nil {
		return nil, err
	}

	rb := &etl.Rebuilder{
		Extractor: ex,
		Target:    target,
		OnState: func(st etl.State) {
			s.emitter.Emit(ctx, EventState, map[string]string{"plan": plan.Name, "state": string(st)})
		},
		OnProgress: func(p etl.Progress) {
			s.emitter.Emit(ctx, EventProgress, p)
		},
	}
	return rb.Run(ctx, plan)
}

// structuredSource picks where the structured build reads from.
func (s *RebuildService) structuredSource(ctx context.Context, b Backend, v *config.Version) (etl.Extractor, error) {
	switch v.Structured.Source {
	case config.StructuredFromSQL:
		return b.Source(ctx)
	case config.StructuredFromCSV:
		return b.Files(), nil
	default:
		if v.TargetMongoCopy == "" {
			return nil, fmt.Errorf("%w: structured build reads the raw copy but %s has none", ErrNothingToBuild, v.Name)
		}
		_, ex := b.Database(v.TargetMongoCopy)
		return ex, nil
	}
}

func (s *RebuildService) record(run *storage.Run, out *Outcome) {
	run.State = "done"
	if out.fatal != nil {
		run.State = "failed"
	}
	run.Inserted = out.Inserted()
	run.Skipped = out.Skipped()
	if err := out.Err(); err != nil {
		run.Error = err.Error()
	}

	logger := log.WithFields(log.Fields{"version": out.Version, "run": run.ID})
	if err := s.history.AddEntityResults(run.ID, out.Entities()); err != nil {
		logger.WithError(err).Warn("recording entity results")
	}
	if err := s.history.FinishRun(run); err != nil {
		logger.WithError(err).Warn("recording run")
	}
}

// Running reports whether version is being rebuilt right now.
func (s *RebuildService) Running(version string) bool {
	_, held := s.running.Held(version)
	return held
}

// WaitRunning blocks until all running rebuilds finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *RebuildService) WaitRunning(ctx context.Context) {
	s.running.Wait(ctx)
}
