package service

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"docload/internal/config"
)

// CheckReport is the outcome of a preflight against the relational source.
type CheckReport struct {
	Version string
	// Tables maps each source table to its column count.
	Tables map[string]int
	// Missing lists configured tables the source does not have.
	Missing []string
}

// OK reports whether every configured table exists in the source.
func (r *CheckReport) OK() bool { return len(r.Missing) == 0 }

// Check connects to the source of version and verifies that every
// configured table exists there. Nothing is written.
func (s *RebuildService) Check(ctx context.Context, version string) (*CheckReport, error) {
	v, err := config.LoadVersion(s.versionsDir, version)
	if err != nil {
		return nil, err
	}
	if s.dial == nil {
		return nil, errors.New("no backend configured")
	}
	backend, err := s.dial(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.WithField("version", v.Name).WithError(err).Warn("closing connections")
		}
	}()

	schema, err := backend.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: read source catalog: %w", v.Name, err)
	}

	names := make([]string, 0, len(v.Tables))
	for _, t := range v.Tables {
		names = append(names, t.Name)
	}
	report := &CheckReport{Version: v.Name, Tables: map[string]int{}, Missing: schema.Missing(names)}
	for _, name := range names {
		if t := schema.Table(name); t != nil {
			report.Tables[name] = len(t.Columns)
		}
	}
	log.WithFields(log.Fields{"version": v.Name, "tables": len(names), "missing": len(report.Missing)}).Info("check: done")
	return report, nil
}
