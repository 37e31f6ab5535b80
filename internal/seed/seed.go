package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"docload/internal/config"
	"docload/internal/dbclient"
	"docload/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
)

// ── Seeder ─────────────────────────────────────────────────
// Loads the CSV exports of a version into Postgres. Each table runs behind
// a savepoint, so one broken file leaves the others loaded. The whole seed
// commits once at the end.

// Session is the slice of a Postgres connection the seeder needs.
type Session interface {
	// Exec runs one or more statements with the simple protocol.
	Exec(ctx context.Context, sql string) error
	// CopyFrom streams r into a COPY ... FROM STDIN statement.
	CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error)
	Close(ctx context.Context) error
}

// TableReport is the outcome of one table.
type TableReport struct {
	Name     string        `json:"name"`
	Rows     int64         `json:"rows"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the outcome of a whole seed.
type Report struct {
	Database string        `json:"database"`
	Tables   []TableReport `json:"tables"`
	errs     []error
}

// Err joins the table errors.
func (r *Report) Err() error { return errors.Join(r.errs...) }

// Rows sums the rows copied across tables.
func (r *Report) Rows() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// Seeder loads versions through one session.
type Seeder struct {
	Session Session
}

// Seed loads every table of v and then runs its post-load scripts. Table
// failures are reported and rolled back individually; the returned error
// is non-nil only when the transaction itself could not be completed.
func (s *Seeder) Seed(ctx context.Context, v *config.Version) (*Report, error) {
	rep := &Report{Database: v.Database}
	logger := log.WithFields(log.Fields{"version": v.Name, "database": v.Database})
	logger.Info("seeding database")

	if err := s.Session.Exec(ctx, beginSQL); err != nil {
		return rep, fmt.Errorf("begin: %w", describe(err))
	}

	for _, t := range v.Tables {
		tr, err := s.loadTable(ctx, t)
		if err != nil {
			tr.Error = err.Error()
			rep.errs = append(rep.errs, fmt.Errorf("%s: %w", t.Name, err))
			logger.WithField("table", t.Name).WithError(err).Error("table load failed")
			if rbErr := s.Session.Exec(ctx, rollbackToSQL); rbErr != nil {
				s.abort(ctx)
				return rep, fmt.Errorf("rollback %s: %w", t.Name, describe(rbErr))
			}
		}
		rep.Tables = append(rep.Tables, tr)
	}

	for _, path := range v.PostLoadSQL {
		body, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			logger.WithField("file", path).Warn("post-load SQL file not found")
			continue
		}
		if err != nil {
			s.abort(ctx)
			return rep, fmt.Errorf("read %s: %w", path, err)
		}
		logger.WithField("file", path).Info("running post-load SQL")
		if err := s.Session.Exec(ctx, string(body)); err != nil {
			s.abort(ctx)
			return rep, fmt.Errorf("post-load %s: %w", path, describe(err))
		}
	}

	if err := s.Session.Exec(ctx, commitSQL); err != nil {
		return rep, fmt.Errorf("commit: %w", describe(err))
	}
	logger.WithFields(log.Fields{"tables": len(rep.Tables), "rows": rep.Rows()}).Info("database seeded")
	return rep, nil
}

func (s *Seeder) abort(ctx context.Context) {
	if err := s.Session.Exec(ctx, rollbackSQL); err != nil {
		log.WithError(err).Warn("rollback failed")
	}
}

func (s *Seeder) loadTable(ctx context.Context, t config.Table) (TableReport, error) {
	start := time.Now()
	tr := TableReport{Name: t.Name}
	logger := log.WithField("table", t.Name)
	logger.Info("loading table")

	if err := s.Session.Exec(ctx, savepointSQL); err != nil {
		return tr, describe(err)
	}
	if t.DateStyle != "" {
		if err := s.Session.Exec(ctx, dateStyleSQL(t.DateStyle)); err != nil {
			return tr, fmt.Errorf("set datestyle: %w", describe(err))
		}
	}
	if t.Schema != "" {
		ddl, err := os.ReadFile(t.Schema)
		if err != nil {
			return tr, fmt.Errorf("read schema: %w", err)
		}
		if err := s.Session.Exec(ctx, string(ddl)); err != nil {
			return tr, fmt.Errorf("schema: %w", describe(err))
		}
	}
	if err := s.Session.Exec(ctx, truncateSQL(t.Name)); err != nil {
		return tr, fmt.Errorf("truncate: %w", describe(err))
	}

	if t.File == "" {
		return tr, errors.New("no csv file configured")
	}
	f, err := os.Open(t.File)
	if err != nil {
		return tr, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	rows, err := s.Session.CopyFrom(ctx, f, copySQL(t.Name, t.Delim()))
	if err != nil {
		return tr, fmt.Errorf("copy: %w", describe(err))
	}
	tr.Rows = rows

	if len(t.DropColumns) > 0 {
		if err := s.Session.Exec(ctx, dropColumnsSQL(t.Name, t.DropColumns)); err != nil {
			return tr, fmt.Errorf("drop columns: %w", describe(err))
		}
	}
	if err := s.Session.Exec(ctx, releaseSQL); err != nil {
		return tr, describe(err)
	}

	tr.Duration = time.Since(start)
	logger.WithFields(log.Fields{"rows": rows, "duration": tr.Duration.Round(time.Millisecond)}).Info("table loaded")
	return tr, nil
}

// describe surfaces the server's detail line, which usually names the
// offending CSV line or column.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Detail != "" {
		return fmt.Errorf("%w (%s, %s)", err, pgErr.Detail, pgErr.SQLState())
	}
	return err
}

// ── pgx session ────────────────────────────────────────────

type pgxSession struct {
	conn *pgx.Conn
}

// Connect opens a pgx session on the given database.
func Connect(ctx context.Context, conn *domain.DatabaseConnection, password string) (Session, error) {
	cfg, err := pgx.ParseConfig(dbclient.PostgresDSN(conn, password))
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	c, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", conn, err)
	}
	return &pgxSession{conn: c}, nil
}

func (s *pgxSession) Exec(ctx context.Context, sql string) error {
	_, err := s.conn.PgConn().Exec(ctx, sql).ReadAll()
	return err
}

func (s *pgxSession) CopyFrom(ctx context.Context, r io.Reader, sql string) (int64, error) {
	tag, err := s.conn.PgConn().CopyFrom(ctx, r, sql)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgxSession) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
