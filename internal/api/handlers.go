package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sydlexius/mediasweep/internal/actions"
	"github.com/sydlexius/mediasweep/internal/backup"
	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/encryption"
	"github.com/sydlexius/mediasweep/internal/hashing"
	"github.com/sydlexius/mediasweep/internal/results"
	"github.com/sydlexius/mediasweep/internal/scan"
	"github.com/sydlexius/mediasweep/internal/settings"
	"github.com/sydlexius/mediasweep/internal/settingsio"
	"github.com/sydlexius/mediasweep/internal/version"
	"github.com/sydlexius/mediasweep/internal/webhook"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// serviceError maps a service error onto a status code and writes it.
// Unrecognized errors are logged and reported as a generic 500.
func (r *Router) serviceError(w http.ResponseWriter, req *http.Request, op string, err error) {
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, content.ErrNotFound), errors.Is(err, webhook.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scan.ErrInvalidTypes),
		errors.Is(err, results.ErrInvalidQuery),
		errors.Is(err, actions.ErrNotConfirmed),
		errors.Is(err, actions.ErrNoIDs),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, webhook.ErrInvalid),
		errors.Is(err, hashing.ErrUnknownAlgorithm),
		errors.Is(err, backup.ErrInvalidName),
		errors.Is(err, settingsio.ErrInvalidEnvelope),
		errors.Is(err, encryption.ErrDecrypt):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error(op, "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	err := json.NewDecoder(req.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

// intParam parses an integer query parameter. A missing value yields 0.
func intParam(req *http.Request, name string) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func pathID(req *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(req.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
