// Package settingsio exports operator settings and webhooks to a
// passphrase-encrypted file and imports them into another instance.
package settingsio

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sydlexius/mediasweep/internal/encryption"
	"github.com/sydlexius/mediasweep/internal/settings"
	"github.com/sydlexius/mediasweep/internal/version"
	"github.com/sydlexius/mediasweep/internal/webhook"
)

// FormatVersion is the envelope format written by Export.
const FormatVersion = "1"

// portablePrefixes are the unvalidated settings keys carried alongside the
// managed ones. Bookkeeping keys such as maintenance timestamps stay behind.
var portablePrefixes = []string{"logging.", "maintenance.enabled", "maintenance.interval_hours"}

// ErrInvalidEnvelope is returned for exports that cannot be read.
var ErrInvalidEnvelope = errors.New("invalid settings export")

// Envelope is the outer JSON wrapper for an exported settings file.
type Envelope struct {
	Version    string `json:"version"`
	AppVersion string `json:"app_version"`
	CreatedAt  string `json:"created_at"`
	Salt       string `json:"salt"`
	Data       string `json:"data"`
}

// Payload is the decrypted content of an export.
type Payload struct {
	Settings map[string]string `json:"settings"`
	Webhooks []webhook.Webhook `json:"webhooks"`
}

// ImportResult summarizes what was imported.
type ImportResult struct {
	Settings int      `json:"settings"`
	Webhooks int      `json:"webhooks"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Service handles settings export and import.
type Service struct {
	db       *sql.DB
	settings *settings.Service
	webhooks *webhook.Service
}

// NewService creates a settings export/import service.
func NewService(db *sql.DB, st *settings.Service, wh *webhook.Service) *Service {
	return &Service{db: db, settings: st, webhooks: wh}
}

// Export collects settings and webhooks and seals them with a key derived
// from passphrase.
func (s *Service) Export(ctx context.Context, passphrase string) (*Envelope, error) {
	payload := Payload{Settings: map[string]string{}}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		if portable(k) {
			payload.Settings[k] = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating settings: %w", err)
	}

	payload.Webhooks, err = s.webhooks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}

	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	salt, err := encryption.NewSalt()
	if err != nil {
		return nil, err
	}
	enc, err := encryption.FromPassphrase(passphrase, salt)
	if err != nil {
		return nil, err
	}
	data, err := enc.Encrypt(plain)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	return &Envelope{
		Version:    FormatVersion,
		AppVersion: version.Version,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Data:       data,
	}, nil
}

// Import opens env with passphrase and applies its contents. Managed
// settings are validated as one update; webhooks are matched by name and
// URL and updated in place, otherwise created.
func (s *Service) Import(ctx context.Context, env *Envelope, passphrase string) (*ImportResult, error) {
	if env == nil || env.Data == "" {
		return nil, fmt.Errorf("%w: empty export data", ErrInvalidEnvelope)
	}
	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidEnvelope, env.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding salt: %v", ErrInvalidEnvelope, err)
	}
	enc, err := encryption.FromPassphrase(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := enc.Decrypt(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decrypting export data (wrong passphrase?): %w", err)
	}

	var payload Payload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("%w: parsing payload: %v", ErrInvalidEnvelope, err)
	}

	result := &ImportResult{}
	managed := map[string]string{}
	for k, v := range payload.Settings {
		switch {
		case settings.IsManaged(k):
			managed[k] = v
		case portable(k):
			if err := s.settings.SetString(ctx, k, v); err != nil {
				return nil, err
			}
			result.Settings++
		default:
			result.Skipped = append(result.Skipped, k)
		}
	}
	if len(managed) > 0 {
		if _, err := s.settings.Update(ctx, managed); err != nil {
			return nil, fmt.Errorf("applying settings: %w", err)
		}
		result.Settings += len(managed)
	}

	existing, err := s.webhooks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	for _, w := range payload.Webhooks {
		w.ID = ""
		for _, e := range existing {
			if e.Name == w.Name && e.URL == w.URL {
				w.ID = e.ID
				break
			}
		}
		if w.ID != "" {
			err = s.webhooks.Update(ctx, &w)
		} else {
			err = s.webhooks.Create(ctx, &w)
		}
		if err != nil {
			return nil, fmt.Errorf("importing webhook %q: %w", w.Name, err)
		}
		result.Webhooks++
	}
	return result, nil
}

func portable(key string) bool {
	if settings.IsManaged(key) {
		return true
	}
	for _, p := range portablePrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
