package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sydlexius/mediasweep/internal/database"
)

// Service reads and mutates the content repository: attachments, content
// items, item metadata, site options, widgets and the annotation tables.
type Service struct {
	db         *sql.DB
	uploadsDir string
	uploadsURL string
}

// NewService creates a content service. uploadsDir is the directory
// attachment files are stored under; uploadsURL is its public base URL.
func NewService(db *sql.DB, uploadsDir, uploadsURL string) *Service {
	return &Service{
		db:         db,
		uploadsDir: uploadsDir,
		uploadsURL: strings.TrimRight(uploadsURL, "/"),
	}
}

// UploadsDir returns the directory attachment files live under.
func (s *Service) UploadsDir() string {
	return s.uploadsDir
}

// FilePath returns the absolute path of an attachment's file.
func (s *Service) FilePath(a *Attachment) string {
	if a == nil || a.File == "" {
		return ""
	}
	return filepath.Join(s.uploadsDir, filepath.FromSlash(a.File))
}

// URL returns the public URL of an attachment's file.
func (s *Service) URL(a *Attachment) string {
	if a == nil || a.File == "" || s.uploadsURL == "" {
		return ""
	}
	return s.uploadsURL + "/" + a.File
}

// RelativePath converts an absolute file path under the uploads directory
// to the slash-separated form stored on attachments. The second return is
// false when the path is outside the uploads directory.
func (s *Service) RelativePath(abs string) (string, bool) {
	rel, err := filepath.Rel(s.uploadsDir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

const attachmentColumns = `a.id, a.title, a.file, a.mime_type, a.status, a.folder, a.width, a.height,
	a.created_at, a.trashed_at, a.trashed_by_app, f.flagged_at`

const attachmentFrom = `FROM attachments a LEFT JOIN attachment_flags f ON f.attachment_id = a.id`

// CreateAttachment inserts an attachment. A zero ID lets the database
// assign one.
func (s *Service) CreateAttachment(ctx context.Context, a *Attachment) error {
	if a.Status == "" {
		a.Status = StatusActive
	}
	created := database.Now()
	if !a.CreatedAt.IsZero() {
		created = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	var id any
	if a.ID > 0 {
		id = a.ID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, title, file, mime_type, status, folder, width, height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, a.Title, a.File, a.MimeType, a.Status, a.Folder, a.Width, a.Height, created)
	if err != nil {
		return fmt.Errorf("creating attachment: %w", err)
	}
	if a.ID == 0 {
		if a.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading attachment id: %w", err)
		}
	}
	a.CreatedAt = database.ParseTime(created)
	return nil
}

// GetAttachment returns the attachment with the given ID or ErrNotFound.
func (s *Service) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` `+attachmentFrom+` WHERE a.id = ?`, id)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting attachment %d: %w", id, err)
	}
	return a, nil
}

// GetAttachments loads the attachments that exist among ids, keyed by ID.
func (s *Service) GetAttachments(ctx context.Context, ids []int64) (map[int64]*Attachment, error) {
	out := make(map[int64]*Attachment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attachmentColumns+` `+attachmentFrom+` WHERE a.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// Exists reports whether an attachment row exists, trashed or not.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM attachments WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking attachment %d: %w", id, err)
	}
	return true, nil
}

// CountAttachments returns the number of active attachments.
func (s *Service) CountAttachments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attachments WHERE status = ?`, StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting attachments: %w", err)
	}
	return n, nil
}

// ListAttachmentIDs returns one page of active attachment IDs in ascending
// order.
func (s *Service) ListAttachmentIDs(ctx context.Context, offset, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM attachments WHERE status = ? ORDER BY id LIMIT ? OFFSET ?
	`, StatusActive, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing attachment ids: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning attachment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindByFile returns the ID of the attachment stored at the given relative
// path, or 0 when none matches.
func (s *Service) FindByFile(ctx context.Context, rel string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM attachments WHERE file = ? ORDER BY id LIMIT 1`, rel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding attachment by file: %w", err)
	}
	return id, nil
}

// SetFolder moves an attachment into the named folder.
func (s *Service) SetFolder(ctx context.Context, id int64, folder string) error {
	return s.updateOne(ctx, `UPDATE attachments SET folder = ? WHERE id = ?`, folder, id)
}

// Trash moves an active attachment to the trash, remembering its previous
// status and marking it as trashed by this application. Attachments that
// are missing or already trashed are reported as ErrNotFound.
func (s *Service) Trash(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `
		UPDATE attachments
		SET previous_status = status, status = ?, trashed_at = ?, trashed_by_app = 1
		WHERE id = ? AND status != ?
	`, StatusTrashed, database.Now(), id, StatusTrashed)
}

// Restore takes a trashed attachment out of the trash. Attachments that
// are not trashed are reported as ErrNotFound.
func (s *Service) Restore(ctx context.Context, id int64) error {
	return s.updateOne(ctx, `
		UPDATE attachments
		SET status = COALESCE(NULLIF(previous_status, ''), ?), previous_status = NULL,
		    trashed_at = NULL, trashed_by_app = 0
		WHERE id = ? AND status = ?
	`, StatusActive, id, StatusTrashed)
}

// Delete permanently removes an attachment, its file and its annotations.
func (s *Service) Delete(ctx context.Context, id int64) error {
	a, err := s.GetAttachment(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM attachment_flags WHERE attachment_id = ?`,
		`DELETE FROM duplicate_primaries WHERE attachment_id = ?`,
		`DELETE FROM attachment_hashes WHERE attachment_id = ?`,
		`DELETE FROM attachments WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting attachment %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	if p := s.FilePath(a); p != "" {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing file for attachment %d: %w", id, err)
		}
	}
	return nil
}

// ListTrashedByApp returns one page of attachments this application moved
// to the trash, newest first, with the total count.
func (s *Service) ListTrashedByApp(ctx context.Context, offset, limit int) ([]Attachment, int, error) {
	return s.listPage(ctx, `a.status = ? AND a.trashed_by_app = 1`, []any{StatusTrashed},
		`a.trashed_at DESC, a.id DESC`, offset, limit)
}

// ListFlagged returns one page of active flagged attachments, newest first,
// with the total count.
func (s *Service) ListFlagged(ctx context.Context, offset, limit int) ([]Attachment, int, error) {
	return s.listPage(ctx, `a.status = ? AND f.flagged_at IS NOT NULL`, []any{StatusActive},
		`a.created_at DESC, a.id DESC`, offset, limit)
}

func (s *Service) listPage(ctx context.Context, where string, args []any, order string, offset, limit int) ([]Attachment, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) `+attachmentFrom+` WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting attachments: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attachmentColumns+` `+attachmentFrom+` WHERE `+where+` ORDER BY `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning attachment: %w", err)
		}
		out = append(out, *a)
	}
	return out, total, rows.Err()
}

func (s *Service) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating attachment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating attachment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAttachment(row interface{ Scan(...any) error }) (*Attachment, error) {
	var a Attachment
	var createdAt string
	var trashedAt, flaggedAt sql.NullString
	var byApp int
	err := row.Scan(&a.ID, &a.Title, &a.File, &a.MimeType, &a.Status, &a.Folder,
		&a.Width, &a.Height, &createdAt, &trashedAt, &byApp, &flaggedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = database.ParseTime(createdAt)
	a.TrashedByApp = byApp == 1
	if trashedAt.Valid {
		t := database.ParseTime(trashedAt.String)
		a.TrashedAt = &t
	}
	if flaggedAt.Valid {
		t := database.ParseTime(flaggedAt.String)
		a.FlaggedAt = &t
	}
	return &a, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
