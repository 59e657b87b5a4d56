// Package watcher keeps cached content hashes honest: when a file under the
// uploads directory is written, replaced or removed, the hash record of the
// attachment that owns it is dropped so the next scan recomputes it.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileResolver maps a path relative to the uploads directory to the
// attachment that owns it. Zero means no attachment.
type FileResolver interface {
	FindByFile(ctx context.Context, rel string) (int64, error)
}

// HashClearer drops the cached hash of an attachment.
type HashClearer interface {
	Clear(ctx context.Context, id int64) error
}

// Mode selects how changes are detected.
type Mode string

// Watch modes.
const (
	ModeAuto   Mode = "auto"
	ModeNotify Mode = "notify"
	ModePoll   Mode = "poll"
)

type fileStat struct {
	size    int64
	modTime int64
}

// Service watches the uploads directory tree and invalidates hashes of
// changed files.
type Service struct {
	root         string
	files        FileResolver
	hashes       HashClearer
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration
	mode         Mode

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	pending  map[string]struct{}
	snapshot map[string]fileStat
	invalid  int
}

// NewService creates a watcher for the uploads directory root.
func NewService(root string, files FileResolver, hashes HashClearer, logger *slog.Logger) *Service {
	return &Service{
		root:         filepath.Clean(root),
		files:        files,
		hashes:       hashes,
		logger:       logger.With(slog.String("component", "fs-watcher")),
		debounce:     2 * time.Second,
		pollInterval: time.Minute,
		mode:         ModeAuto,
		pending:      make(map[string]struct{}),
	}
}

// SetDebounce overrides the default debounce interval.
func (s *Service) SetDebounce(d time.Duration) {
	if d > 0 {
		s.debounce = d
	}
}

// SetPollInterval overrides how often the tree is rescanned in poll mode.
func (s *Service) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// SetMode forces notify or poll mode. Auto probes the root at start.
func (s *Service) SetMode(m Mode) {
	s.mode = m
}

// Invalidated returns how many hash records the watcher has dropped.
func (s *Service) Invalidated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Start blocks until ctx is canceled. It uses fsnotify when the uploads
// directory delivers events and falls back to periodic polling otherwise.
func (s *Service) Start(ctx context.Context) {
	info, err := os.Stat(s.root)
	if err != nil || !info.IsDir() {
		s.logger.Warn("uploads directory not watchable", "path", s.root, "error", err)
		return
	}

	mode := s.mode
	if mode == ModeAuto || mode == "" {
		var reason error
		mode, reason = DetectMode(s.root, 2*time.Second)
		if reason != nil {
			s.logger.Info("fsnotify probe failed, polling uploads", "path", s.root, "reason", reason)
		}
	}

	var eventCh <-chan fsnotify.Event
	var errCh <-chan error
	var pollCh <-chan time.Time

	if mode == ModeNotify {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.logger.Warn("fsnotify unavailable, polling instead", "error", err)
			mode = ModePoll
		} else {
			defer w.Close() //nolint:errcheck
			s.mu.Lock()
			s.watcher = w
			s.mu.Unlock()
			s.addTree(s.root)
			eventCh = w.Events
			errCh = w.Errors
		}
	}
	if mode == ModePoll {
		s.mu.Lock()
		s.snapshot = readTree(s.root)
		s.mu.Unlock()
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		pollCh = t.C
	}

	s.logger.Info("filesystem watcher starting", "path", s.root, "mode", string(mode))

	// Debounce timer coalescing bursts of writes. Starts stopped.
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("filesystem watcher stopping")
			return

		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if s.handleFSEvent(ev) {
				resetTimer(debounceTimer, s.debounce)
			}

		case err, ok := <-errCh:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)

		case <-pollCh:
			if s.poll() {
				resetTimer(debounceTimer, s.debounce)
			}

		case <-debounceTimer.C:
			s.flush(ctx)
		}
	}
}

// handleFSEvent records a changed file and reports whether anything is now
// pending. New directories are watched as they appear.
func (s *Service) handleFSEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if ignored(ev.Name) {
		return false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			s.addTree(ev.Name)
			return false
		}
	}

	s.mu.Lock()
	s.pending[ev.Name] = struct{}{}
	s.mu.Unlock()
	return true
}

// addTree watches dir and every directory below it. fsnotify is not
// recursive.
func (s *Service) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != s.root && ignored(path) {
			return filepath.SkipDir
		}
		s.mu.Lock()
		w := s.watcher
		s.mu.Unlock()
		if err := w.Add(path); err != nil {
			s.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// poll diffs the tree against the last snapshot, queueing every file that
// appeared, disappeared or changed size or modification time.
func (s *Service) poll() bool {
	next := readTree(s.root)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snapshot
	changed := false
	for path, st := range next {
		if old, ok := prev[path]; !ok || old != st {
			s.pending[path] = struct{}{}
			changed = true
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			s.pending[path] = struct{}{}
			changed = true
		}
	}
	s.snapshot = next
	return changed
}

// flush invalidates the hash of every attachment owning a pending path.
func (s *Service) flush(ctx context.Context) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.pending))
	for p := range s.pending {
		paths = append(paths, p)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	cleared := 0
	for _, p := range paths {
		rel, err := filepath.Rel(s.root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		id, err := s.files.FindByFile(ctx, filepath.ToSlash(rel))
		if err != nil {
			s.logger.Error("resolving changed file", "path", p, "error", err)
			continue
		}
		if id == 0 {
			continue
		}
		if err := s.hashes.Clear(ctx, id); err != nil {
			s.logger.Error("clearing hash for changed file", "attachment_id", id, "error", err)
			continue
		}
		cleared++
	}

	if cleared > 0 {
		s.mu.Lock()
		s.invalid += cleared
		s.mu.Unlock()
		s.logger.Info("invalidated hashes for changed files", "files", len(paths), "attachments", cleared)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// ignored reports whether a path is a dotfile or dot directory, which
// covers editor temp files and the notify probe.
func ignored(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// readTree returns size and modification time for every regular file
// below root.
func readTree(root string) map[string]fileStat {
	snap := make(map[string]fileStat)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != root && ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap[path] = fileStat{size: info.Size(), modTime: info.ModTime().UnixNano()}
		return nil
	})
	return snap
}
