package service

import (
	"context"
	"sync"
	"time"
)

// ─────────────────────────────────────────────────────────────
// VersionLocks — one rebuild per version at a time
// ─────────────────────────────────────────────────────────────

// VersionLocks holds a lock per version name. A rebuild drops the target
// collections first, so a second rebuild of the same version would wipe
// the first one's output mid-load. Different versions run freely.
// The zero value is ready to use.
type VersionLocks struct {
	mu    sync.Mutex
	since map[string]time.Time
	wg    sync.WaitGroup
}

// Acquire takes the lock for version. When another rebuild already holds it,
// ok is false. The release func is safe to call more than once.
func (l *VersionLocks) Acquire(version string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.since[version]; held {
		return func() {}, false
	}
	if l.since == nil {
		l.since = make(map[string]time.Time)
	}
	l.since[version] = time.Now()
	l.wg.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.since, version)
			l.mu.Unlock()
			l.wg.Done()
		})
	}, true
}

// Held reports whether version is locked and since when.
func (l *VersionLocks) Held(version string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.since[version]
	return t, ok
}

// Wait returns once no version is locked, or when ctx ends.
func (l *VersionLocks) Wait(ctx context.Context) {
	idle := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
	}
}
