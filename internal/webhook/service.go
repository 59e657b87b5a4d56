package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/google/uuid"

	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/event"
)

// Service manages webhook CRUD operations.
type Service struct {
	db *sql.DB
}

// NewService creates a webhook service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Validate checks a webhook before it is stored. An empty type defaults
// to generic.
func Validate(w *Webhook) error {
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if w.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalid)
	}
	if w.Type == "" {
		w.Type = TypeGeneric
	}
	if !validType(w.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, w.Type)
	}
	for _, e := range w.Events {
		if !event.Valid(event.Type(e)) {
			return fmt.Errorf("%w: unknown event %q", ErrInvalid, e)
		}
	}
	if w.Events == nil {
		w.Events = []string{}
	}
	return nil
}

// Create inserts a new webhook.
func (s *Service) Create(ctx context.Context, w *Webhook) error {
	if err := Validate(w); err != nil {
		return err
	}

	now := database.Now()
	w.ID = uuid.New().String()
	w.CreatedAt = database.ParseTime(now)
	w.UpdatedAt = w.CreatedAt

	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, name, url, type, events, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Name, w.URL, w.Type, string(eventsJSON), w.Enabled, now, now)
	if err != nil {
		return fmt.Errorf("inserting webhook: %w", err)
	}
	return nil
}

// GetByID returns a webhook by ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, type, events, enabled, created_at, updated_at
		FROM webhooks WHERE id = ?
	`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// List returns all webhooks ordered by name.
func (s *Service) List(ctx context.Context) ([]Webhook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, url, type, events, enabled, created_at, updated_at
		FROM webhooks ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	webhooks := []Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}

// ListByEvent returns all enabled webhooks subscribed to the given event type.
func (s *Service) ListByEvent(ctx context.Context, eventType string) ([]Webhook, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Webhook
	for _, w := range all {
		if w.Enabled && slices.Contains(w.Events, eventType) {
			matched = append(matched, w)
		}
	}
	return matched, nil
}

// Update modifies an existing webhook.
func (s *Service) Update(ctx context.Context, w *Webhook) error {
	if err := Validate(w); err != nil {
		return err
	}
	now := database.Now()
	w.UpdatedAt = database.ParseTime(now)

	eventsJSON, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET name = ?, url = ?, type = ?, events = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, w.Name, w.URL, w.Type, string(eventsJSON), w.Enabled, now, w.ID)
	if err != nil {
		return fmt.Errorf("updating webhook: %w", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a webhook by ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting webhook: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner interface for both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanWebhook(s scanner) (*Webhook, error) {
	var w Webhook
	var eventsJSON, createdAt, updatedAt string
	var enabled int

	if err := s.Scan(&w.ID, &w.Name, &w.URL, &w.Type, &eventsJSON, &enabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning webhook: %w", err)
	}

	w.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil || w.Events == nil {
		w.Events = []string{}
	}
	w.CreatedAt = database.ParseTime(createdAt)
	w.UpdatedAt = database.ParseTime(updatedAt)

	return &w, nil
}
