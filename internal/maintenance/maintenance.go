// Package maintenance keeps the SQLite database compact and free of rows
// that point at attachments which no longer exist.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/sydlexius/mediasweep/internal/database"
)

// Settings keys.
const (
	keyLastOptimize = "maintenance.last_optimize_at"
	keyLastPrune    = "maintenance.last_prune_at"
	keyEnabled      = "maintenance.enabled"
	keyInterval     = "maintenance.interval_hours"
)

// Status holds database maintenance status information.
type Status struct {
	DBFileSize       int64  `json:"db_file_size"`
	WALFileSize      int64  `json:"wal_file_size"`
	PageCount        int64  `json:"page_count"`
	PageSize         int64  `json:"page_size"`
	LastOptimizeAt   string `json:"last_optimize_at,omitempty"`
	LastPruneAt      string `json:"last_prune_at,omitempty"`
	ScheduleEnabled  bool   `json:"schedule_enabled"`
	ScheduleInterval int    `json:"schedule_interval_hours"`
}

// ScheduleConfig holds the maintenance schedule settings.
type ScheduleConfig struct {
	Enabled       bool `json:"enabled"`
	IntervalHours int  `json:"interval_hours"`
}

// PruneFunc deletes stale rows and returns how many it removed.
type PruneFunc func(ctx context.Context) (int64, error)

type pruner struct {
	name string
	fn   PruneFunc
}

// Service provides database maintenance operations.
type Service struct {
	db       *sql.DB
	dbPath   string
	logger   *slog.Logger
	schedule ScheduleConfig
	pruners  []pruner
}

// NewService creates a maintenance service.
func NewService(db *sql.DB, dbPath string, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		dbPath:   dbPath,
		logger:   logger.With(slog.String("component", "maintenance")),
		schedule: ScheduleConfig{Enabled: true, IntervalHours: 24},
	}
}

// SetScheduleDefaults sets the schedule used when no override is stored in
// the settings table.
func (s *Service) SetScheduleDefaults(cfg ScheduleConfig) {
	s.schedule = cfg
}

// AddPruner registers a named prune step run by Prune, in registration
// order.
func (s *Service) AddPruner(name string, fn PruneFunc) {
	s.pruners = append(s.pruners, pruner{name: name, fn: fn})
}

// Schedule returns the effective schedule.
func (s *Service) Schedule(ctx context.Context) ScheduleConfig {
	return ScheduleConfig{
		Enabled:       s.getBoolSetting(ctx, keyEnabled, s.schedule.Enabled),
		IntervalHours: s.getIntSetting(ctx, keyInterval, s.schedule.IntervalHours),
	}
}

// Status returns current database maintenance status.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBFileSize = info.Size()
	}
	if info, err := os.Stat(s.dbPath + "-wal"); err == nil {
		st.WALFileSize = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&st.PageCount); err != nil {
		s.logger.Warn("reading page_count", "error", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&st.PageSize); err != nil {
		s.logger.Warn("reading page_size", "error", err)
	}

	st.LastOptimizeAt = s.getSetting(ctx, keyLastOptimize)
	st.LastPruneAt = s.getSetting(ctx, keyLastPrune)

	sched := s.Schedule(ctx)
	st.ScheduleEnabled = sched.Enabled
	st.ScheduleInterval = sched.IntervalHours

	return st, nil
}

// Optimize runs PRAGMA optimize followed by a WAL checkpoint.
func (s *Service) Optimize(ctx context.Context) error {
	s.logger.Info("running PRAGMA optimize")
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("PRAGMA optimize: %w", err)
	}

	s.logger.Info("running WAL checkpoint")
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint: %w", err)
	}

	s.record(ctx, keyLastOptimize)
	s.logger.Info("optimize complete")
	return nil
}

// Vacuum runs VACUUM to rebuild the database file.
func (s *Service) Vacuum(ctx context.Context) error {
	s.logger.Info("running VACUUM")
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("VACUUM: %w", err)
	}
	s.logger.Info("vacuum complete")
	return nil
}

// Prune runs every registered prune step and returns the rows each one
// removed. A failing step stops the run.
func (s *Service) Prune(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(s.pruners))
	for _, p := range s.pruners {
		n, err := p.fn(ctx)
		if err != nil {
			return out, fmt.Errorf("pruning %s: %w", p.name, err)
		}
		out[p.name] = n
	}
	s.record(ctx, keyLastPrune)
	s.logger.Info("prune complete", "removed", out)
	return out, nil
}

// StartScheduler runs prune and optimize on a fixed interval until the
// context is canceled.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration) {
	s.logger.Info("maintenance scheduler started",
		slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			if !s.Schedule(ctx).Enabled {
				continue
			}
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error("scheduled prune failed", slog.Any("error", err))
			}
			if err := s.Optimize(ctx); err != nil {
				s.logger.Error("scheduled optimize failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Service) record(ctx context.Context, key string) {
	now := database.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, now, now)
	if err != nil {
		s.logger.Warn("recording maintenance timestamp", "key", key, "error", err)
	}
}

func (s *Service) getSetting(ctx context.Context, key string) string {
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}

// getBoolSetting reads a boolean setting from the key-value table.
func (s *Service) getBoolSetting(ctx context.Context, key string, fallback bool) bool {
	v := s.getSetting(ctx, key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

// getIntSetting reads an integer setting from the key-value table.
func (s *Service) getIntSetting(ctx context.Context, key string, fallback int) int {
	n, err := strconv.Atoi(s.getSetting(ctx, key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
