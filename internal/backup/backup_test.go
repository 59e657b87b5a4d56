package backup

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/logging"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(context.Background(),
		`INSERT INTO settings (key, value, updated_at) VALUES ('scan.batch_size', '42', ?)`, database.Now())
	if err != nil {
		t.Fatalf("inserting row: %v", err)
	}
	return db
}

// clockService returns a service whose clock advances one minute per call.
func clockService(t *testing.T, retention int) *Service {
	t.Helper()
	svc := NewService(setupTestDB(t), filepath.Join(t.TempDir(), "backups"), retention, logging.Discard())
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	svc.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}
	return svc
}

func TestBackup(t *testing.T) {
	svc := clockService(t, 7)

	info, err := svc.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !ValidName(info.Filename) {
		t.Errorf("filename %q does not match the snapshot pattern", info.Filename)
	}
	if info.Size == 0 {
		t.Error("expected non-zero file size")
	}

	snap, err := sql.Open("sqlite", filepath.Join(svc.Dir(), info.Filename))
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer snap.Close() //nolint:errcheck

	var value string
	err = snap.QueryRowContext(context.Background(), `SELECT value FROM settings WHERE key = 'scan.batch_size'`).Scan(&value)
	if err != nil {
		t.Fatalf("querying backup: %v", err)
	}
	if value != "42" {
		t.Errorf("value = %q, want 42", value)
	}
}

func TestList_NewestFirst(t *testing.T) {
	svc := clockService(t, 7)
	for range 3 {
		if _, err := svc.Backup(context.Background()); err != nil {
			t.Fatalf("Backup: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(svc.Dir(), "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d backups, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if !list[i-1].CreatedAt.After(list[i].CreatedAt) {
			t.Errorf("backups not sorted newest first: %v then %v", list[i-1].CreatedAt, list[i].CreatedAt)
		}
	}
}

func TestList_MissingDir(t *testing.T) {
	svc := NewService(setupTestDB(t), filepath.Join(t.TempDir(), "absent"), 3, logging.Discard())
	list, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("list = %v, want empty slice", list)
	}
}

func TestPrune_Retention(t *testing.T) {
	svc := clockService(t, 2)
	for range 4 {
		if _, err := svc.Backup(context.Background()); err != nil {
			t.Fatalf("Backup: %v", err)
		}
	}

	removed, err := svc.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	list, _ := svc.List()
	if len(list) != 2 {
		t.Errorf("kept %d backups, want 2", len(list))
	}
}

func TestPrune_MaxAge(t *testing.T) {
	svc := clockService(t, 10)
	svc.SetMaxAgeDays(1)
	for range 2 {
		if _, err := svc.Backup(context.Background()); err != nil {
			t.Fatalf("Backup: %v", err)
		}
	}

	later := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return later }
	if _, err := svc.Backup(context.Background()); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	removed, err := svc.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 aged snapshots", removed)
	}
	list, _ := svc.List()
	if len(list) != 1 || !list[0].CreatedAt.Equal(later) {
		t.Errorf("remaining = %+v, want only the newest", list)
	}
}

func TestDelete(t *testing.T) {
	svc := clockService(t, 7)
	info, err := svc.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := svc.Delete(info.Filename); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(svc.Dir(), info.Filename)); !os.IsNotExist(err) {
		t.Error("expected backup file to be removed")
	}
	if err := svc.Delete("../mediasweep.db"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("traversal delete err = %v, want ErrInvalidName", err)
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"mediasweep-20250301-120000.db", true},
		{"mediasweep-2025-03-01.db", false},
		{"other-20250301-120000.db", false},
		{"../mediasweep-20250301-120000.db", false},
		{`sub\mediasweep-20250301-120000.db`, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.want {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
