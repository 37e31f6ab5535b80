package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"docload/internal/config"
)

// ── Triggers (cron + file watch) ──────────────────────────

// Schedule registers a cron entry per version, using the version's
// schedule expression, that runs mode. It replaces any previous schedule.
func (s *RebuildService) Schedule(ctx context.Context, versions []string, mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}

	c := cron.New()
	var errs []error
	for _, name := range versions {
		v, err := config.LoadVersion(s.versionsDir, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v.Schedule == "" {
			errs = append(errs, fmt.Errorf("%s: no schedule set", name))
			continue
		}
		version := v.Name
		_, err = c.AddFunc(v.Schedule, func() {
			log.WithField("version", version).Info("cron: starting rebuild")
			if _, err := s.Run(ctx, version, mode); err != nil {
				log.WithField("version", version).WithError(err).Error("cron: rebuild failed")
			}
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid schedule %q: %w", name, v.Schedule, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.Start()
	s.cronSched = c
	log.WithField("versions", len(versions)).Info("cron: scheduled")
	return nil
}

// watchedExt lists the file types whose changes trigger a rebuild.
var watchedExt = map[string]bool{".csv": true, ".sql": true, ".yaml": true, ".yml": true}

// Watch re-seeds and rebuilds version whenever one of its CSV, schema or
// version files changes. Bursts of events within the debounce window
// cause a single run.
func (s *RebuildService) Watch(ctx context.Context, version string) error {
	v, err := config.LoadVersion(s.versionsDir, version)
	if err != nil {
		return err
	}
	if s.watcher != nil {
		s.stopWatch()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	dirs := append(v.WatchPaths(), filepath.Dir(v.Path))
	watched := map[string]bool{}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil || watched[abs] {
			continue
		}
		if err := watcher.Add(abs); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", abs, err)
		}
		watched[abs] = true
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.watcher = watcher

	go s.watchLoop(watchCtx, watcher, v.Name)

	log.WithFields(log.Fields{"version": v.Name, "dirs": len(watched)}).Info("watcher: started")
	return nil
}

func (s *RebuildService) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, version string) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			changed := event.Name
			timer = time.AfterFunc(s.debounce, func() {
				logger := log.WithFields(log.Fields{"version": version, "file": changed})
				logger.Info("watcher: files changed, rebuilding")
				if _, err := s.Run(ctx, version, ModeFull); err != nil {
					logger.WithError(err).Error("watcher: rebuild failed")
				}
			})
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithField("version", version).WithError(err).Warn("watcher: error")
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return watchedExt[strings.ToLower(filepath.Ext(event.Name))]
}

// Stop tears down all watchers and schedulers.
func (s *RebuildService) Stop() {
	s.stopWatch()
	if s.cronSched != nil {
		<-s.cronSched.Stop().Done()
		s.cronSched = nil
	}
}

func (s *RebuildService) stopWatch() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}
