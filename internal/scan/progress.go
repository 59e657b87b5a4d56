package scan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sydlexius/mediasweep/internal/database"
)

// load reads the persisted progress, or idle defaults when none exists.
func (s *Service) load(ctx context.Context) (*Progress, error) {
	var p Progress
	var types string
	var started, completed sql.NullString
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT scan_id, status, phase, total, processed, types, cursor_offset, batch_size,
			started_at, completed_at, updated_at, last_error
		FROM scan_progress WHERE id = 1
	`).Scan(&p.ScanID, &p.Status, &p.Phase, &p.Total, &p.Processed, &types, &p.Offset,
		&p.BatchSize, &started, &completed, &updated, &p.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return idleProgress(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading scan progress: %w", err)
	}
	if err := json.Unmarshal([]byte(types), &p.Types); err != nil || p.Types == nil {
		p.Types = []string{}
	}
	if started.Valid && started.String != "" {
		t := database.ParseTime(started.String)
		p.StartedAt = &t
	}
	if completed.Valid && completed.String != "" {
		t := database.ParseTime(completed.String)
		p.CompletedAt = &t
	}
	p.UpdatedAt = database.ParseTime(updated)
	if p.Total > 0 {
		p.Percent = min(100, p.Processed*100/p.Total)
	}
	return &p, nil
}

// save writes p unconditionally.
func (s *Service) save(ctx context.Context, p *Progress) error {
	types, err := json.Marshal(p.Types)
	if err != nil {
		return fmt.Errorf("encoding scan types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_progress (id, scan_id, status, phase, total, processed, types,
			cursor_offset, batch_size, started_at, completed_at, updated_at, last_error)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET scan_id = excluded.scan_id, status = excluded.status,
			phase = excluded.phase, total = excluded.total, processed = excluded.processed,
			types = excluded.types, cursor_offset = excluded.cursor_offset,
			batch_size = excluded.batch_size, started_at = excluded.started_at,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at,
			last_error = excluded.last_error
	`, p.ScanID, p.Status, p.Phase, p.Total, p.Processed, string(types), p.Offset, p.BatchSize,
		nullTime(p.StartedAt), nullTime(p.CompletedAt), database.Now(), p.Error)
	if err != nil {
		return fmt.Errorf("saving scan progress: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// advance moves the cursor of a running scan from p's position to
// (phase, offset), adding processed. It reports false when the scan was
// cancelled, restarted or moved on meanwhile, in which case nothing changes
// and the caller must not schedule further work.
func (s *Service) advance(ctx context.Context, ex execer, p *Progress, phase string, offset, processed int) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		UPDATE scan_progress
		SET phase = ?, cursor_offset = ?, processed = processed + ?, updated_at = ?
		WHERE id = 1 AND status = ? AND scan_id = ? AND phase = ? AND cursor_offset = ?
	`, phase, offset, processed, database.Now(), StatusRunning, p.ScanID, p.Phase, p.Offset)
	if err != nil {
		return false, fmt.Errorf("advancing scan progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advancing scan progress: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	p.Phase = phase
	p.Offset = offset
	p.Processed += processed
	return true, nil
}

// complete marks a running scan finished.
func (s *Service) complete(ctx context.Context, p *Progress) (bool, error) {
	now := database.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_progress SET status = ?, phase = ?, completed_at = ?, updated_at = ?
		WHERE id = 1 AND status = ? AND scan_id = ?
	`, StatusComplete, PhaseDone, now, now, StatusRunning, p.ScanID)
	if err != nil {
		return false, fmt.Errorf("completing scan: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// fail marks scanID failed with msg if it is still the running scan.
func (s *Service) fail(ctx context.Context, scanID, msg string) (bool, error) {
	now := database.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_progress SET status = ?, completed_at = ?, updated_at = ?, last_error = ?
		WHERE id = 1 AND status = ? AND scan_id = ?
	`, StatusFailed, now, now, msg, StatusRunning, scanID)
	if err != nil {
		return false, fmt.Errorf("failing scan: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
