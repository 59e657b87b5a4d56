package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/mediasweep/internal/event"
)

func setupDispatcherTest(t *testing.T) (*Service, *slog.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return setupTestDB(t), logger
}

func addWebhook(t *testing.T, svc *Service, url, typ string, events ...string) {
	t.Helper()
	w := &Webhook{Name: typ + " hook", URL: url, Type: typ, Events: events, Enabled: true}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}
}

func TestDispatcher_GenericWebhook(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	var received map[string]any
	var userAgent string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		userAgent = r.UserAgent()
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addWebhook(t, svc, srv.URL, TypeGeneric, "scan.completed")

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"scan_id": "abc"},
	})
	dispatcher.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected to receive webhook payload")
	}
	if received["event"] != "scan.completed" {
		t.Errorf("event = %v, want scan.completed", received["event"])
	}
	data, _ := received["data"].(map[string]any)
	if data["scan_id"] != "abc" {
		t.Errorf("data = %v", received["data"])
	}
	if !strings.HasPrefix(userAgent, "MediaSweep-Webhook") {
		t.Errorf("User-Agent = %q", userAgent)
	}
}

func TestDispatcher_DiscordFormat(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addWebhook(t, svc, srv.URL, TypeDiscord, "scan.completed")

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"message": "Scan finished"},
	})
	dispatcher.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected to receive webhook payload")
	}
	embeds, ok := received["embeds"].([]any)
	if !ok || len(embeds) == 0 {
		t.Fatal("expected discord embeds array")
	}
	embed := embeds[0].(map[string]any)
	if embed["description"] != "Scan finished" {
		t.Errorf("description = %v, want 'Scan finished'", embed["description"])
	}
}

func TestFormatDescription_ScanCompleted(t *testing.T) {
	got := formatDescription(event.Event{
		Type: event.ScanCompleted,
		Data: map[string]any{
			"counts":   map[string]int{"unused": 4, "duplicate": 2},
			"duration": "3s",
		},
	})
	want := "Scan complete: duplicate 2, unused 4 (3s)"
	if got != want {
		t.Errorf("formatDescription = %q, want %q", got, want)
	}
}

func TestDispatcher_RetryOn500(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addWebhook(t, svc, srv.URL, TypeGeneric, "scan.completed")

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.SetBackoff(10 * time.Millisecond)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
	})
	dispatcher.Wait()

	if got := int(attempts.Load()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatcher_MaxRetries(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	addWebhook(t, svc, srv.URL, TypeGeneric, "media.deleted")

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.SetBackoff(10 * time.Millisecond)
	dispatcher.HandleEvent(event.Event{
		Type:      event.MediaDeleted,
		Timestamp: time.Now().UTC(),
	})
	dispatcher.Wait()

	if got := int(attempts.Load()); got != maxRetries {
		t.Errorf("attempts = %d, want %d (max retries)", got, maxRetries)
	}
}

func TestDispatcher_NoMatchingWebhooks(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer srv.Close()

	addWebhook(t, svc, srv.URL, TypeGeneric, "media.trashed")

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ScanCompleted,
		Timestamp: time.Now().UTC(),
	})
	dispatcher.Wait()

	if attempts.Load() != 0 {
		t.Errorf("attempts = %d, want 0", attempts.Load())
	}
}

func TestDispatcher_Test(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
	}))
	defer srv.Close()

	dispatcher := NewDispatcherWithHTTPClient(svc, srv.Client(), logger)
	if err := dispatcher.Test(context.Background(), &Webhook{URL: srv.URL, Type: TypeGotify}); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if !strings.Contains(received["message"].(string), "Test notification") {
		t.Errorf("message = %v", received["message"])
	}
}
