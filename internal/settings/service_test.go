package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/sydlexius/mediasweep/internal/database"
)

func setupTestDB(t *testing.T) *Service {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db, Defaults())
}

func TestGet_Defaults(t *testing.T) {
	svc := setupTestDB(t)
	st, err := svc.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.BatchSize != 200 || st.HashAlgorithm != "sha256" || st.ArchiveFolderName != "Archive" {
		t.Errorf("defaults = %+v", st)
	}
	if st.Thresholds.Image != 2097152 || st.Thresholds.Video != 104857600 ||
		st.Thresholds.Audio != 20971520 || st.Thresholds.Document != 10485760 {
		t.Errorf("thresholds = %+v", st.Thresholds)
	}
}

func TestUpdate(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()

	st, err := svc.Update(ctx, map[string]string{
		KeyBatchSize:         "50",
		KeyHashAlgorithm:     "xxh64",
		KeyImageThreshold:    "1024",
		KeyExtraMetaKeys:     `["_my_builder", "gallery_ids"]`,
		KeyProtectedPatterns: "logos/**, **/*.svg",
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.BatchSize != 50 || st.HashAlgorithm != "xxh64" || st.Thresholds.Image != 1024 {
		t.Errorf("after update = %+v", st)
	}
	if len(st.ExtraMetaKeys) != 2 || st.ExtraMetaKeys[1] != "gallery_ids" {
		t.Errorf("extra meta keys = %v", st.ExtraMetaKeys)
	}
	if len(st.ProtectedPatterns) != 2 || st.ProtectedPatterns[0] != "logos/**" {
		t.Errorf("protected patterns = %v", st.ProtectedPatterns)
	}
	// Untouched values keep their defaults.
	if st.Thresholds.Video != DefaultVideoThreshold {
		t.Errorf("video threshold = %d", st.Thresholds.Video)
	}
}

func TestUpdate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]string
	}{
		{"batch zero", map[string]string{KeyBatchSize: "0"}},
		{"batch too big", map[string]string{KeyBatchSize: "5000"}},
		{"unknown algorithm", map[string]string{KeyHashAlgorithm: "crc32"}},
		{"negative threshold", map[string]string{KeyAudioThreshold: "-1"}},
		{"empty folder", map[string]string{KeyArchiveFolder: " "}},
		{"bad pattern", map[string]string{KeyProtectedPatterns: "[\"a/[b\"]"}},
		{"unknown key", map[string]string{"nope": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := setupTestDB(t)
			ctx := context.Background()
			_, err := svc.Update(ctx, mergeValid(tt.in))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("error = %v, want ErrInvalid", err)
			}
			st, _ := svc.Get(ctx)
			if st.ArchiveFolderName != "Archive" {
				t.Error("a rejected update must not store any value")
			}
		})
	}
}

// mergeValid adds a valid change alongside the invalid one so the test can
// check that nothing is written.
func mergeValid(in map[string]string) map[string]string {
	out := map[string]string{KeyArchiveFolder: "Old Stuff"}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func TestThresholdsFor(t *testing.T) {
	th := Defaults().Thresholds
	cases := map[string]int64{
		"image":       th.Image,
		"video":       th.Video,
		"audio":       th.Audio,
		"application": th.Document,
		"text":        th.Document,
	}
	for cat, want := range cases {
		if got := th.For(cat); got != want {
			t.Errorf("For(%q) = %d, want %d", cat, got, want)
		}
	}
}

func TestRawStrings(t *testing.T) {
	svc := setupTestDB(t)
	ctx := context.Background()
	if got := svc.GetString(ctx, "maintenance.last_optimize_at", "never"); got != "never" {
		t.Errorf("GetString fallback = %q", got)
	}
	if err := svc.SetString(ctx, "maintenance.last_optimize_at", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if got := svc.GetString(ctx, "maintenance.last_optimize_at", ""); got != "2024-01-01T00:00:00Z" {
		t.Errorf("GetString = %q", got)
	}
	// Raw bookkeeping keys are ignored by Get.
	if _, err := svc.Get(ctx); err != nil {
		t.Fatal(err)
	}
}
