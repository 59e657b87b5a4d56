package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeFiles resolves relative paths from a fixed map.
type fakeFiles map[string]int64

func (f fakeFiles) FindByFile(_ context.Context, rel string) (int64, error) {
	return f[rel], nil
}

// recordingHashes records cleared attachment IDs.
type recordingHashes struct {
	mu      sync.Mutex
	cleared []int64
}

func (r *recordingHashes) Clear(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, id)
	return nil
}

func (r *recordingHashes) has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cleared {
		if c == id {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestPollInvalidatesChangedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "2024/01/a.jpg"), "one")
	writeFile(t, filepath.Join(root, "2024/01/b.jpg"), "two")

	hashes := &recordingHashes{}
	svc := NewService(root, fakeFiles{"2024/01/a.jpg": 7, "2024/01/b.jpg": 8}, hashes, testLogger())
	svc.SetMode(ModePoll)
	svc.SetPollInterval(20 * time.Millisecond)
	svc.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	time.Sleep(50 * time.Millisecond) // let the first snapshot settle

	writeFile(t, filepath.Join(root, "2024/01/a.jpg"), "replaced content")

	if !waitFor(t, func() bool { return hashes.has(7) }) {
		t.Fatal("expected hash of attachment 7 to be cleared")
	}
	if hashes.has(8) {
		t.Error("unchanged attachment 8 was invalidated")
	}
	if svc.Invalidated() < 1 {
		t.Errorf("Invalidated = %d", svc.Invalidated())
	}
}

func TestPollDetectsRemovedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "gone.png")
	writeFile(t, path, "png")

	hashes := &recordingHashes{}
	svc := NewService(root, fakeFiles{"gone.png": 3}, hashes, testLogger())
	svc.snapshot = readTree(root)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !svc.poll() {
		t.Fatal("poll did not report the removal")
	}
	svc.flush(context.Background())
	if !hashes.has(3) {
		t.Error("expected hash of removed file to be cleared")
	}
}

func TestDotfilesIgnored(t *testing.T) {
	root := t.TempDir()
	hashes := &recordingHashes{}
	svc := NewService(root, fakeFiles{".tmp.jpg": 1, ".cache/x.jpg": 2}, hashes, testLogger())
	svc.snapshot = readTree(root)

	writeFile(t, filepath.Join(root, ".tmp.jpg"), "x")
	writeFile(t, filepath.Join(root, ".cache/x.jpg"), "x")
	if svc.poll() {
		t.Error("dotfiles should not be reported as changes")
	}
}

func TestUnknownFileIgnored(t *testing.T) {
	root := t.TempDir()
	hashes := &recordingHashes{}
	svc := NewService(root, fakeFiles{}, hashes, testLogger())
	svc.snapshot = readTree(root)

	writeFile(t, filepath.Join(root, "orphan.jpg"), "x")
	svc.poll()
	svc.flush(context.Background())
	if len(hashes.cleared) != 0 {
		t.Errorf("cleared = %v, want none", hashes.cleared)
	}
}

func TestNotifyInvalidatesFileInNewDirectory(t *testing.T) {
	root := t.TempDir()
	if mode, err := DetectMode(root, 2*time.Second); mode != ModeNotify {
		t.Skipf("fsnotify not delivering events in this environment: %v", err)
	}

	hashes := &recordingHashes{}
	svc := NewService(root, fakeFiles{"2025/02/new.jpg": 11}, hashes, testLogger())
	svc.SetMode(ModeNotify)
	svc.SetDebounce(30 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	time.Sleep(100 * time.Millisecond) // let watcher initialize

	if err := os.MkdirAll(filepath.Join(root, "2025/02"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // new directories are watched asynchronously
	writeFile(t, filepath.Join(root, "2025/02/new.jpg"), "data")

	if !waitFor(t, func() bool { return hashes.has(11) }) {
		t.Fatal("expected hash of attachment 11 to be cleared")
	}
}

func TestContextCancellation(t *testing.T) {
	root := t.TempDir()
	svc := NewService(root, fakeFiles{}, &recordingHashes{}, testLogger())
	svc.SetMode(ModePoll)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestMissingRootReturnsImmediately(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "missing"), fakeFiles{}, &recordingHashes{}, testLogger())

	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return when the root does not exist")
	}
}
