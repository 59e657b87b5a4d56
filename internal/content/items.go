package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sydlexius/mediasweep/internal/database"
)

// CreateItem inserts a content item. A zero ID lets the database assign one.
func (s *Service) CreateItem(ctx context.Context, it *Item) error {
	if it.Type == "" {
		it.Type = "post"
	}
	if it.Status == "" {
		it.Status = "publish"
	}
	created := database.Now()
	if !it.CreatedAt.IsZero() {
		created = it.CreatedAt.UTC().Format(time.RFC3339)
	}
	var id any
	if it.ID > 0 {
		id = it.ID
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, type, status, title, body, featured_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, it.Type, it.Status, it.Title, it.Body, it.FeaturedID, created)
	if err != nil {
		return fmt.Errorf("creating content item: %w", err)
	}
	if it.ID == 0 {
		if it.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading content item id: %w", err)
		}
	}
	return nil
}

// CountIndexableItems returns the number of items whose references count
// toward attachment usage.
func (s *Service) CountIndexableItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items WHERE status IN (?, ?, ?, ?)`,
		statusArgs()...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting content items: %w", err)
	}
	return n, nil
}

// ListIndexableItems returns one page of indexable items in ascending ID
// order.
func (s *Service) ListIndexableItems(ctx context.Context, offset, limit int) ([]Item, error) {
	args := append(statusArgs(), limit, offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, title, body, featured_id, created_at
		FROM content_items WHERE status IN (?, ?, ?, ?)
		ORDER BY id LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing content items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var items []Item
	for rows.Next() {
		var it Item
		var createdAt string
		if err := rows.Scan(&it.ID, &it.Type, &it.Status, &it.Title, &it.Body,
			&it.FeaturedID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning content item: %w", err)
		}
		it.CreatedAt = database.ParseTime(createdAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// ItemTitles returns the titles of the given items keyed by ID.
func (s *Service) ItemTitles(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title FROM content_items WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading item titles: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var id int64
		var title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("scanning item title: %w", err)
		}
		out[id] = title
	}
	return out, rows.Err()
}

// SetMeta upserts one metadata field on an item.
func (s *Service) SetMeta(ctx context.Context, itemID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_meta (item_id, meta_key, meta_value) VALUES (?, ?, ?)
		ON CONFLICT(item_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value
	`, itemID, key, value)
	if err != nil {
		return fmt.Errorf("setting meta %s on item %d: %w", key, itemID, err)
	}
	return nil
}

// Meta returns the non-empty values of the requested keys for an item.
func (s *Service) Meta(ctx context.Context, itemID int64, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, itemID)
	placeholders := ""
	for i, k := range keys {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT meta_key, meta_value FROM content_meta
		WHERE item_id = ? AND meta_value != '' AND meta_key IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading meta for item %d: %w", itemID, err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning meta: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Option returns a site option value, or "" when unset.
func (s *Service) Option(ctx context.Context, name string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM site_options WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading option %s: %w", name, err)
	}
	return v, nil
}

// OptionID returns a site option parsed as an attachment ID, or 0.
func (s *Service) OptionID(ctx context.Context, name string) (int64, error) {
	v, err := s.Option(ctx, name)
	if err != nil || v == "" {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, nil
	}
	return id, nil
}

// SetOption upserts a site option.
func (s *Service) SetOption(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO site_options (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("setting option %s: %w", name, err)
	}
	return nil
}

// SaveWidget upserts a widget instance.
func (s *Service) SaveWidget(ctx context.Context, w Widget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO widgets (id, sidebar, type, instance) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sidebar = excluded.sidebar, type = excluded.type,
			instance = excluded.instance
	`, w.ID, w.Sidebar, w.Type, w.Instance)
	if err != nil {
		return fmt.Errorf("saving widget %s: %w", w.ID, err)
	}
	return nil
}

// ActiveWidgets returns every widget placed in a rendered sidebar.
func (s *Service) ActiveWidgets(ctx context.Context) ([]Widget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sidebar, type, instance FROM widgets WHERE sidebar != ? ORDER BY sidebar, id
	`, InactiveSidebar)
	if err != nil {
		return nil, fmt.Errorf("listing widgets: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Widget
	for rows.Next() {
		var w Widget
		if err := rows.Scan(&w.ID, &w.Sidebar, &w.Type, &w.Instance); err != nil {
			return nil, fmt.Errorf("scanning widget: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func statusArgs() []any {
	args := make([]any, len(indexableStatuses))
	for i, st := range indexableStatuses {
		args[i] = st
	}
	return args
}
