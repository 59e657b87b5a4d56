package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/hashing"
)

// ErrInvalid wraps validation failures so callers can report them as
// client errors.
var ErrInvalid = errors.New("invalid setting")

// Service reads and writes operator settings in the key/value table,
// falling back to the defaults it was built with.
type Service struct {
	db       *sql.DB
	defaults Settings
}

// NewService creates a settings service. Values missing from the table
// resolve to defaults.
func NewService(db *sql.DB, defaults Settings) *Service {
	return &Service{db: db, defaults: defaults}
}

// Get returns the effective settings.
func (s *Service) Get(ctx context.Context) (Settings, error) {
	out := s.defaults
	out.ExtraMetaKeys = append([]string{}, s.defaults.ExtraMetaKeys...)
	out.ProtectedPatterns = append([]string{}, s.defaults.ProtectedPatterns...)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return out, fmt.Errorf("loading settings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return out, fmt.Errorf("scanning setting: %w", err)
		}
		// Stored values were validated on write; anything unreadable keeps
		// the default.
		_ = apply(&out, k, v)
	}
	return out, rows.Err()
}

// Update validates and stores the given key/value pairs atomically. Keys
// not managed by this service are rejected.
func (s *Service) Update(ctx context.Context, values map[string]string) (Settings, error) {
	probe := s.defaults
	for k, v := range values {
		if err := apply(&probe, k, v); err != nil {
			return Settings{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Settings{}, fmt.Errorf("beginning settings update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := database.Now()
	for k, v := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, k, strings.TrimSpace(v), now)
		if err != nil {
			return Settings{}, fmt.Errorf("storing setting %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Settings{}, fmt.Errorf("committing settings: %w", err)
	}
	return s.Get(ctx)
}

// GetString reads a raw value from the settings table, or fallback.
func (s *Service) GetString(ctx context.Context, key, fallback string) string {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err != nil || v == "" {
		return fallback
	}
	return v
}

// SetString writes a raw value to the settings table without validation.
// Used for bookkeeping entries such as maintenance timestamps.
func (s *Service) SetString(ctx context.Context, key, value string) error {
	now := database.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("storing setting %s: %w", key, err)
	}
	return nil
}

func apply(st *Settings, key, raw string) error {
	v := strings.TrimSpace(raw)
	switch key {
	case KeyBatchSize:
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxBatchSize {
			return fmt.Errorf("%w: %s must be between 1 and %d", ErrInvalid, key, MaxBatchSize)
		}
		st.BatchSize = n
	case KeyHashAlgorithm:
		if !hashing.Supported(v) {
			return fmt.Errorf("%w: %s must be one of %s", ErrInvalid, key, strings.Join(hashing.Algorithms(), ", "))
		}
		st.HashAlgorithm = v
	case KeyImageThreshold, KeyVideoThreshold, KeyAudioThreshold, KeyDocumentThreshold:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: %s must be a positive byte count", ErrInvalid, key)
		}
		switch key {
		case KeyImageThreshold:
			st.Thresholds.Image = n
		case KeyVideoThreshold:
			st.Thresholds.Video = n
		case KeyAudioThreshold:
			st.Thresholds.Audio = n
		default:
			st.Thresholds.Document = n
		}
	case KeyArchiveFolder:
		if v == "" {
			return fmt.Errorf("%w: %s must not be empty", ErrInvalid, key)
		}
		st.ArchiveFolderName = v
	case KeyExtraMetaKeys:
		keys, err := parseList(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		st.ExtraMetaKeys = keys
	case KeyProtectedPatterns:
		patterns, err := parseList(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		for _, p := range patterns {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("%w: %s: bad pattern %q", ErrInvalid, key, p)
			}
		}
		st.ProtectedPatterns = patterns
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
	}
	return nil
}

// parseList accepts a JSON string array or a comma-separated list.
func parseList(v string) ([]string, error) {
	out := []string{}
	if v == "" {
		return out, nil
	}
	if strings.HasPrefix(v, "[") {
		var list []string
		if err := json.Unmarshal([]byte(v), &list); err != nil {
			return nil, err
		}
		v = strings.Join(list, ",")
	}
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
