package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/database"
)

// Attachments provides the annotation-backed listings and URLs.
type Attachments interface {
	ListFlagged(ctx context.Context, offset, limit int) ([]content.Attachment, int, error)
	ListTrashedByApp(ctx context.Context, offset, limit int) ([]content.Attachment, int, error)
	FilePath(a *content.Attachment) string
	URL(a *content.Attachment) string
}

// ReferenceCounter counts index records for an attachment.
type ReferenceCounter interface {
	ReferenceCount(ctx context.Context, id int64) (int, error)
}

// Store persists findings per type, keyed by attachment ID.
type Store struct {
	db          *sql.DB
	attachments Attachments
	refs        ReferenceCounter
}

// NewStore creates a results store. refs may be nil, in which case group
// members carry no reference count.
func NewStore(db *sql.DB, attachments Attachments, refs ReferenceCounter) *Store {
	return &Store{db: db, attachments: attachments, refs: refs}
}

// Merge upserts findings of one type. Existing findings for other
// attachments are kept; findings for the same attachment are replaced.
func (s *Store) Merge(ctx context.Context, typ string, findings map[int64]Finding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning results merge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.MergeTx(ctx, tx, typ, findings); err != nil {
		return err
	}
	return tx.Commit()
}

// MergeTx is Merge within the caller's transaction, so the findings commit
// or roll back together with the caller's other writes.
func (s *Store) MergeTx(ctx context.Context, tx *sql.Tx, typ string, findings map[int64]Finding) error {
	if len(findings) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_results (type, attachment_id, title, file_size, upload_date, hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, attachment_id) DO UPDATE SET title = excluded.title,
			file_size = excluded.file_size, upload_date = excluded.upload_date,
			hash = excluded.hash, payload = excluded.payload
	`)
	if err != nil {
		return fmt.Errorf("preparing results merge: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	ids := make([]int64, 0, len(findings))
	for id := range findings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		f := findings[id]
		f.Type = typ
		f.AttachmentID = id
		payload, err := json.Marshal(persisted(f))
		if err != nil {
			return fmt.Errorf("encoding finding %d: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, typ, id, f.Title, f.FileSize,
			f.UploadDate.UTC().Format(time.RFC3339), f.Hash, string(payload)); err != nil {
			return fmt.Errorf("storing finding %d: %w", id, err)
		}
	}
	return nil
}

// persisted strips read-time enrichment before storage.
func persisted(f Finding) Finding {
	f.IsFlagged = false
	f.IsTrashed = false
	f.FlaggedAt = nil
	f.TrashedAt = nil
	f.ReferenceCount = nil
	return f
}

// DeleteAll removes every finding.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_results`); err != nil {
		return fmt.Errorf("deleting results: %w", err)
	}
	return nil
}

// DeleteType removes every finding of one type.
func (s *Store) DeleteType(ctx context.Context, typ string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_results WHERE type = ?`, typ); err != nil {
		return fmt.Errorf("deleting %s results: %w", typ, err)
	}
	return nil
}

// DeleteAttachment removes every finding for one attachment.
func (s *Store) DeleteAttachment(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scan_results WHERE attachment_id = ?`, id); err != nil {
		return fmt.Errorf("deleting results for %d: %w", id, err)
	}
	return nil
}

// Counts returns the number of findings per type whose attachment still
// exists.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.type, COUNT(*) FROM scan_results r
		JOIN attachments a ON a.id = r.attachment_id
		GROUP BY r.type
	`)
	if err != nil {
		return nil, fmt.Errorf("counting results: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := map[string]int{TypeUnused: 0, TypeDuplicate: 0, TypeOversized: 0}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scanning result count: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}

// Count returns the number of findings of one type whose attachment still
// exists.
func (s *Store) Count(ctx context.Context, typ string) (int, error) {
	counts, err := s.Counts(ctx)
	if err != nil {
		return 0, err
	}
	return counts[typ], nil
}

// CountAll returns the number of findings across all types.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	counts, err := s.Counts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Has reports whether a finding of the given type exists for id.
func (s *Store) Has(ctx context.Context, typ string, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_results WHERE type = ? AND attachment_id = ?`, typ, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking finding %s/%d: %w", typ, id, err)
	}
	return n > 0, nil
}

// DistinctDuplicateHashes returns the number of distinct digests among
// duplicate findings.
func (s *Store) DistinctDuplicateHashes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT r.hash) FROM scan_results r
		JOIN attachments a ON a.id = r.attachment_id
		WHERE r.type = ? AND r.hash != ''
	`, TypeDuplicate).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting duplicate hashes: %w", err)
	}
	return n, nil
}

// TypesFor returns the finding types recorded for an attachment.
func (s *Store) TypesFor(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type FROM scan_results WHERE attachment_id = ? ORDER BY type`, id)
	if err != nil {
		return nil, fmt.Errorf("listing result types for %d: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck

	types := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning result type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// Get returns one stored finding, or nil when absent.
func (s *Store) Get(ctx context.Context, typ string, id int64) (*Finding, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM scan_results WHERE type = ? AND attachment_id = ?`, typ, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading finding %s/%d: %w", typ, id, err)
	}
	var f Finding
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("decoding finding %s/%d: %w", typ, id, err)
	}
	return &f, nil
}

// List returns one page of results. Findings whose attachment was deleted
// are filtered out, and every item carries its current flag and trash
// state.
func (s *Store) List(ctx context.Context, q Query) (*Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	switch q.Type {
	case TypeFlagged:
		return s.listAttachments(ctx, q, s.attachments.ListFlagged)
	case TypeTrash:
		return s.listAttachments(ctx, q, s.attachments.ListTrashedByApp)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scan_results r JOIN attachments a ON a.id = r.attachment_id
		WHERE r.type = ?
	`, q.Type).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting %s results: %w", q.Type, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.payload, a.status, a.trashed_at, f.flagged_at
		FROM scan_results r
		JOIN attachments a ON a.id = r.attachment_id
		LEFT JOIN attachment_flags f ON f.attachment_id = r.attachment_id
		WHERE r.type = ?
		ORDER BY `+q.orderClause()+`
		LIMIT ? OFFSET ?
	`, q.Type, q.PerPage, q.offset())
	if err != nil {
		return nil, fmt.Errorf("listing %s results: %w", q.Type, err)
	}
	defer rows.Close() //nolint:errcheck

	items := []Finding{}
	for rows.Next() {
		f, err := scanEnriched(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s results: %w", q.Type, err)
	}

	return &Page{
		Items:      items,
		Total:      total,
		Page:       q.Page,
		PerPage:    q.PerPage,
		TotalPages: totalPages(total, q.PerPage),
	}, nil
}

type listFunc func(ctx context.Context, offset, limit int) ([]content.Attachment, int, error)

func (s *Store) listAttachments(ctx context.Context, q Query, list listFunc) (*Page, error) {
	atts, total, err := list(ctx, q.offset(), q.PerPage)
	if err != nil {
		return nil, err
	}
	items := make([]Finding, 0, len(atts))
	for i := range atts {
		a := &atts[i]
		f := FromAttachment(q.Type, a, s.attachments.FilePath(a), s.attachments.URL(a))
		f.IsFlagged = a.FlaggedAt != nil
		f.FlaggedAt = a.FlaggedAt
		f.IsTrashed = a.IsTrashed()
		f.TrashedAt = a.TrashedAt
		items = append(items, f)
	}
	return &Page{
		Items:      items,
		Total:      total,
		Page:       q.Page,
		PerPage:    q.PerPage,
		TotalPages: totalPages(total, q.PerPage),
	}, nil
}

// Groups returns one page of duplicate groups. Deleted members are dropped,
// groups left with fewer than two members are omitted, and members carry
// their reference count and trash state.
func (s *Store) Groups(ctx context.Context, page, perPage int) (*GroupPage, error) {
	page, perPage, err := normalizeGroupPaging(page, perPage)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.payload, a.status, a.trashed_at, f.flagged_at
		FROM scan_results r
		JOIN attachments a ON a.id = r.attachment_id
		LEFT JOIN attachment_flags f ON f.attachment_id = r.attachment_id
		WHERE r.type = ? AND r.hash != ''
		ORDER BY r.hash, r.attachment_id
	`, TypeDuplicate)
	if err != nil {
		return nil, fmt.Errorf("listing duplicate results: %w", err)
	}

	byHash := make(map[string]*Group)
	var order []string
	for rows.Next() {
		f, err := scanEnriched(rows)
		if err != nil {
			rows.Close() //nolint:errcheck,gosec
			return nil, err
		}
		g, ok := byHash[f.Hash]
		if !ok {
			g = &Group{Hash: f.Hash}
			byHash[f.Hash] = g
			order = append(order, f.Hash)
		}
		g.Members = append(g.Members, *f)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("iterating duplicate results: %w", err)
	}
	rows.Close() //nolint:errcheck,gosec

	var groups []Group
	for _, h := range order {
		g := byHash[h]
		if len(g.Members) < 2 {
			continue
		}
		g.Count = len(g.Members)
		groups = append(groups, *g)
	}
	// Oldest groups first: by the smallest member ID.
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Members[0].AttachmentID < groups[j].Members[0].AttachmentID
	})

	total := len(groups)
	start := min((page-1)*perPage, total)
	end := min(start+perPage, total)
	pageGroups := groups[start:end]

	if s.refs != nil {
		for gi := range pageGroups {
			for mi := range pageGroups[gi].Members {
				m := &pageGroups[gi].Members[mi]
				n, err := s.refs.ReferenceCount(ctx, m.AttachmentID)
				if err != nil {
					return nil, err
				}
				m.ReferenceCount = &n
			}
		}
	}
	if pageGroups == nil {
		pageGroups = []Group{}
	}

	return &GroupPage{
		Groups:     pageGroups,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages(total, perPage),
	}, nil
}

func scanEnriched(rows *sql.Rows) (*Finding, error) {
	var payload, status string
	var trashedAt, flaggedAt sql.NullString
	if err := rows.Scan(&payload, &status, &trashedAt, &flaggedAt); err != nil {
		return nil, fmt.Errorf("scanning finding: %w", err)
	}
	var f Finding
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return nil, fmt.Errorf("decoding finding: %w", err)
	}
	f.IsTrashed = status == content.StatusTrashed
	if trashedAt.Valid {
		t := database.ParseTime(trashedAt.String)
		f.TrashedAt = &t
	}
	if flaggedAt.Valid {
		t := database.ParseTime(flaggedAt.String)
		f.IsFlagged = true
		f.FlaggedAt = &t
	}
	return &f, nil
}
