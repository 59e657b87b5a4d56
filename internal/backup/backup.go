// Package backup takes point-in-time snapshots of the SQLite database with
// VACUUM INTO and prunes old snapshots by count and age.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "mediasweep-"
	timeLayout = "20060102-150405"
)

// filePattern matches snapshot names: mediasweep-YYYYMMDD-HHMMSS.db
var filePattern = regexp.MustCompile(`^mediasweep-\d{8}-\d{6}\.db$`)

// ErrInvalidName is returned for names that are not snapshot files.
var ErrInvalidName = errors.New("invalid backup filename")

// Info describes one snapshot file.
type Info struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Service manages database snapshots in one directory.
type Service struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger

	mu         sync.RWMutex
	retention  int
	maxAgeDays int

	now func() time.Time
}

// NewService creates a backup service keeping at most retention snapshots.
func NewService(db *sql.DB, dir string, retention int, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		dir:       dir,
		retention: max(retention, 1),
		logger:    logger.With(slog.String("component", "backup")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetMaxAgeDays sets the age after which snapshots are pruned. Zero
// disables age-based pruning.
func (s *Service) SetMaxAgeDays(days int) {
	s.mu.Lock()
	s.maxAgeDays = max(days, 0)
	s.mu.Unlock()
}

// Dir returns the snapshot directory.
func (s *Service) Dir() string {
	return s.dir
}

// Backup writes a new snapshot and returns its description.
func (s *Service) Backup(ctx context.Context) (*Info, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	now := s.now()
	name := filePrefix + now.Format(timeLayout) + ".db"
	dest := filepath.Join(s.dir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("backup %s already exists", name)
	}

	s.logger.Info("starting backup", slog.String("dest", dest))
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return nil, fmt.Errorf("VACUUM INTO: %w", err)
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat backup file: %w", err)
	}
	s.logger.Info("backup complete", slog.String("filename", name), slog.Int64("size", fi.Size()))
	return &Info{Filename: name, Size: fi.Size(), CreatedAt: now}, nil
}

// List returns all snapshots, newest first. A missing directory yields an
// empty list.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	out := []Info{}
	for _, e := range entries {
		if e.IsDir() || !filePattern.MatchString(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(e.Name(), filePrefix), ".db")
		created, err := time.Parse(timeLayout, stamp)
		if err != nil {
			created = fi.ModTime().UTC()
		}
		out = append(out, Info{Filename: e.Name(), Size: fi.Size(), CreatedAt: created})
	}
	slices.SortFunc(out, func(a, b Info) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// Delete removes one snapshot by name.
func (s *Service) Delete(name string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil { //nolint:gosec // name validated above
		return fmt.Errorf("removing backup: %w", err)
	}
	s.logger.Info("backup deleted", slog.String("filename", name))
	return nil
}

// Prune removes snapshots beyond the retention count and, when a maximum
// age is set, snapshots older than it. It returns how many were removed.
func (s *Service) Prune() (int, error) {
	s.mu.RLock()
	retention, maxAge := s.retention, s.maxAgeDays
	s.mu.RUnlock()

	list, err := s.List()
	if err != nil {
		return 0, err
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = s.now().AddDate(0, 0, -maxAge)
	}

	removed := 0
	for i, b := range list {
		if i < retention && (cutoff.IsZero() || !b.CreatedAt.Before(cutoff)) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, b.Filename)); err != nil {
			s.logger.Warn("failed to remove old backup", slog.String("filename", b.Filename), slog.Any("error", err))
			continue
		}
		removed++
		s.logger.Info("pruned backup", slog.String("filename", b.Filename))
	}
	return removed, nil
}

// StartScheduler takes a snapshot and prunes on a fixed interval until the
// context is canceled.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration) {
	s.logger.Info("backup scheduler started", slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Backup(ctx); err != nil {
				s.logger.Error("scheduled backup failed", slog.Any("error", err))
				continue
			}
			if _, err := s.Prune(); err != nil {
				s.logger.Error("backup prune failed", slog.Any("error", err))
			}
		}
	}
}

// ValidName reports whether name is a snapshot file name with no path
// components.
func ValidName(name string) bool {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filePattern.MatchString(name)
}
