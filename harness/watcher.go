package harness

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettleResult describes one wait for workspace quiescence.
type SettleResult struct {
	Quiet   bool          // false if the settle timeout elapsed first
	Waited  time.Duration
	Changed []string // root-relative paths touched since the watch began
}

// Settler watches client directories and reports when filesystem activity
// in them has stopped. It replaces a fixed sleep after concurrent syncs.
type Settler struct {
	root    string
	ignore  *IgnoreList
	queue   *ChangeQueue
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	lastEvent time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// WatchDirs starts watching dirs. Paths in SettleResult.Changed are relative
// to root. Call Close when done.
func WatchDirs(root string, dirs []string, ignore *IgnoreList) (*Settler, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return nil, &FixtureError{Op: "watch", Path: d, Err: err}
		}
	}

	s := &Settler{
		root:      root,
		ignore:    ignore,
		queue:     NewChangeQueue(),
		watcher:   w,
		lastEvent: time.Now(),
		done:      make(chan struct{}),
	}
	go s.loop()
	sub("watcher").Debug("watching", "dirs", len(dirs))
	return s, nil
}

func (s *Settler) loop() {
	defer close(s.done)
	l := sub("watcher")
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// Every event counts as activity, including the client's own
			// index writes; only user files are recorded as changes.
			s.mu.Lock()
			s.lastEvent = time.Now()
			s.mu.Unlock()

			if s.ignore.IsIgnored(filepath.Base(event.Name), false) {
				continue
			}
			s.queue.Push(s.relPath(event.Name))

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			l.Warn("watch error", "err", err)
		}
	}
}

func (s *Settler) relPath(abs string) string {
	if rel, err := filepath.Rel(s.root, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return abs
}

// WaitQuiet blocks until no event has arrived for quiet, or timeout elapses,
// or ctx ends. Hitting the timeout is not an error: the caller's assertions
// decide whether the state is acceptable.
func (s *Settler) WaitQuiet(ctx context.Context, quiet, timeout time.Duration) (SettleResult, error) {
	l := sub("watcher")
	start := time.Now()
	deadline := start.Add(timeout)
	poll := quiet / 4
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		last := s.lastEvent
		s.mu.Unlock()
		if last.Before(start) {
			last = start
		}

		now := time.Now()
		if now.Sub(last) >= quiet {
			res := SettleResult{Quiet: true, Waited: now.Sub(start), Changed: s.queue.Drain()}
			l.Debug("workspace quiet", "waited", res.Waited.Round(time.Millisecond), "changed", len(res.Changed))
			return res, nil
		}
		if now.After(deadline) {
			res := SettleResult{Quiet: false, Waited: now.Sub(start), Changed: s.queue.Drain()}
			l.Warn("workspace still busy at settle timeout", "timeout", timeout, "changed", len(res.Changed))
			return res, nil
		}

		select {
		case <-ctx.Done():
			return SettleResult{Waited: time.Since(start)}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the watch. Safe to call more than once.
func (s *Settler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
		<-s.done
	})
	return err
}
