package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// Settings the router uses for scan, action, export and backup routes.
const (
	routerEvery = 100 * time.Millisecond
	routerBurst = 20
)

func limitedHandler(t *testing.T, every time.Duration, burst int) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRateLimiter(ctx, every, burst).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
}

func post(h http.Handler, path, remote string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_ScanStartBurst(t *testing.T) {
	h := limitedHandler(t, routerEvery, routerBurst)

	for i := range routerBurst {
		if w := post(h, "/api/v1/scan/start", "203.0.113.1:4000", nil); w.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i+1, w.Code)
		}
	}
	w := post(h, "/api/v1/scan/start", "203.0.113.1:4000", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request past burst: status = %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "too many requests") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	h := limitedHandler(t, 20*time.Millisecond, 1)

	if w := post(h, "/api/v1/actions/trash", "203.0.113.2:4000", nil); w.Code != http.StatusAccepted {
		t.Fatalf("first: status = %d", w.Code)
	}
	if w := post(h, "/api/v1/actions/trash", "203.0.113.2:4000", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status = %d, want 429", w.Code)
	}
	time.Sleep(40 * time.Millisecond)
	if w := post(h, "/api/v1/actions/trash", "203.0.113.2:4000", nil); w.Code != http.StatusAccepted {
		t.Errorf("after refill: status = %d, want 202", w.Code)
	}
}

func TestRateLimiter_ClientsBehindProxyAreSeparate(t *testing.T) {
	h := limitedHandler(t, time.Minute, 1)
	proxy := "10.0.0.5:4000"

	if w := post(h, "/api/v1/maintenance/backups", proxy, map[string]string{"X-Forwarded-For": "198.51.100.7"}); w.Code != http.StatusAccepted {
		t.Fatalf("client A: status = %d", w.Code)
	}
	if w := post(h, "/api/v1/maintenance/backups", proxy, map[string]string{"X-Forwarded-For": "198.51.100.7"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("client A again: status = %d, want 429", w.Code)
	}
	if w := post(h, "/api/v1/maintenance/backups", proxy, map[string]string{"X-Forwarded-For": "198.51.100.8"}); w.Code != http.StatusAccepted {
		t.Errorf("client B: status = %d, want 202", w.Code)
	}
}

func TestRateLimiter_SpoofedHeaderFromPublicPeer(t *testing.T) {
	h := limitedHandler(t, time.Minute, 1)

	post(h, "/api/v1/settings/export", "203.0.113.9:4000", map[string]string{"X-Forwarded-For": "198.51.100.1"})
	// Rotating the header does not earn a fresh bucket.
	w := post(h, "/api/v1/settings/export", "203.0.113.9:4000", map[string]string{"X-Forwarded-For": "198.51.100.2"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		header map[string]string
		want   string
	}{
		{"direct", "203.0.113.5:1234", nil, "203.0.113.5"},
		{"rightmost forwarded entry from private proxy", "127.0.0.1:1234",
			map[string]string{"X-Forwarded-For": "203.0.113.10, 10.0.0.1"}, "10.0.0.1"},
		{"forwarded ignored from public peer", "203.0.113.5:1234",
			map[string]string{"X-Forwarded-For": "198.51.100.1"}, "203.0.113.5"},
		{"real ip from private proxy", "192.168.1.1:1234",
			map[string]string{"X-Real-Ip": "203.0.113.20"}, "203.0.113.20"},
		{"remote without port", "203.0.113.6", nil, "203.0.113.6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/scan/status", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"169.254.1.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"203.0.113.1", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := isPrivateIP(tt.ip); got != tt.want {
			t.Errorf("isPrivateIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
