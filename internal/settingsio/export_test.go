package settingsio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/settings"
	"github.com/sydlexius/mediasweep/internal/webhook"
)

type instance struct {
	db       *sql.DB
	settings *settings.Service
	webhooks *webhook.Service
	io       *Service
}

func setupTestDB(t *testing.T) *instance {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	in := &instance{
		db:       db,
		settings: settings.NewService(db, settings.Defaults()),
		webhooks: webhook.NewService(db),
	}
	in.io = NewService(db, in.settings, in.webhooks)
	return in
}

func seed(t *testing.T, in *instance) {
	t.Helper()
	ctx := context.Background()
	_, err := in.settings.Update(ctx, map[string]string{
		settings.KeyBatchSize:         "75",
		settings.KeyProtectedPatterns: `["logos/**"]`,
	})
	if err != nil {
		t.Fatalf("updating settings: %v", err)
	}
	if err := in.settings.SetString(ctx, "logging.level", "debug"); err != nil {
		t.Fatal(err)
	}
	if err := in.settings.SetString(ctx, "maintenance.last_optimize_at", "2025-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	w := &webhook.Webhook{Name: "ops", URL: "https://hooks.example.com/token", Type: webhook.TypeSlack, Enabled: true}
	if err := in.webhooks.Create(ctx, w); err != nil {
		t.Fatalf("creating webhook: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t)
	seed(t, src)

	env, err := src.io.Export(ctx, "passphrase")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := setupTestDB(t)
	res, err := dst.io.Import(ctx, env, "passphrase")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Settings != 3 || res.Webhooks != 1 {
		t.Errorf("result = %+v, want 3 settings and 1 webhook", res)
	}

	st, err := dst.settings.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.BatchSize != 75 || len(st.ProtectedPatterns) != 1 {
		t.Errorf("imported settings = %+v", st)
	}
	if got := dst.settings.GetString(ctx, "logging.level", ""); got != "debug" {
		t.Errorf("logging.level = %q, want debug", got)
	}
	if got := dst.settings.GetString(ctx, "maintenance.last_optimize_at", ""); got != "" {
		t.Errorf("bookkeeping key was exported: %q", got)
	}

	hooks, _ := dst.webhooks.List(ctx)
	if len(hooks) != 1 || hooks[0].Type != webhook.TypeSlack {
		t.Errorf("imported webhooks = %+v", hooks)
	}
}

func TestImport_UpsertNoDuplication(t *testing.T) {
	ctx := context.Background()
	in := setupTestDB(t)
	seed(t, in)

	env, err := in.io.Export(ctx, "pw")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for range 2 {
		if _, err := in.io.Import(ctx, env, "pw"); err != nil {
			t.Fatalf("Import: %v", err)
		}
	}
	hooks, _ := in.webhooks.List(ctx)
	if len(hooks) != 1 {
		t.Errorf("webhooks = %d, want 1", len(hooks))
	}
}

func TestImport_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	in := setupTestDB(t)
	seed(t, in)

	env, err := in.io.Export(ctx, "right")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := in.io.Import(ctx, env, "wrong"); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestImport_InvalidEnvelope(t *testing.T) {
	in := setupTestDB(t)
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"nil", nil},
		{"empty data", &Envelope{Version: FormatVersion}},
		{"future version", &Envelope{Version: "9", Data: "x", Salt: "AAAA"}},
		{"bad salt", &Envelope{Version: FormatVersion, Data: "x", Salt: "%%%"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.io.Import(context.Background(), tt.env, "pw")
			if !errors.Is(err, ErrInvalidEnvelope) {
				t.Errorf("err = %v, want ErrInvalidEnvelope", err)
			}
		})
	}
}

func TestEnvelope_JSON(t *testing.T) {
	env := Envelope{Version: FormatVersion, AppVersion: "dev", CreatedAt: "2025-01-01T00:00:00Z", Salt: "c2FsdA==", Data: "ZGF0YQ=="}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"version", "app_version", "created_at", "salt", "data"} {
		if _, ok := m[k]; !ok {
			t.Errorf("missing key %q", k)
		}
	}
}
