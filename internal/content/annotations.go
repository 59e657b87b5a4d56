package content

import (
	"context"
	"fmt"

	"github.com/sydlexius/mediasweep/internal/database"
)

// Flag marks an attachment for review. Flagging twice refreshes the time.
func (s *Service) Flag(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachment_flags (attachment_id, flagged_at) VALUES (?, ?)
		ON CONFLICT(attachment_id) DO UPDATE SET flagged_at = excluded.flagged_at
	`, id, database.Now())
	if err != nil {
		return fmt.Errorf("flagging attachment %d: %w", id, err)
	}
	return nil
}

// Unflag clears the review flag. Unflagging an unflagged attachment is a
// no-op.
func (s *Service) Unflag(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachment_flags WHERE attachment_id = ?`, id); err != nil {
		return fmt.Errorf("unflagging attachment %d: %w", id, err)
	}
	return nil
}

// CountFlagged returns the number of flagged attachments.
func (s *Service) CountFlagged(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attachment_flags`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting flags: %w", err)
	}
	return n, nil
}

// SetPrimary clears the primary marker on every member of a duplicate group
// and sets it on primaryID.
func (s *Service) SetPrimary(ctx context.Context, primaryID int64, groupIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning set primary: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if len(groupIDs) > 0 {
		placeholders, args := inClause(groupIDs)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM duplicate_primaries WHERE attachment_id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("clearing primary markers: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO duplicate_primaries (attachment_id, marked_at) VALUES (?, ?)
		ON CONFLICT(attachment_id) DO UPDATE SET marked_at = excluded.marked_at
	`, primaryID, database.Now()); err != nil {
		return fmt.Errorf("setting primary marker: %w", err)
	}
	return tx.Commit()
}

// PrimaryMarked returns which of ids carry an operator-set primary marker.
func (s *Service) PrimaryMarked(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT attachment_id FROM duplicate_primaries WHERE attachment_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading primary markers: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning primary marker: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// PruneOrphans removes annotations whose attachment no longer exists and
// returns how many rows were removed.
func (s *Service) PruneOrphans(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range []string{"attachment_flags", "duplicate_primaries", "attachment_hashes"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE attachment_id NOT IN (SELECT id FROM attachments)`)
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
