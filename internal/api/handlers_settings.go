package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sydlexius/mediasweep/internal/settingsio"
)

func (r *Router) handleGetSettings(w http.ResponseWriter, req *http.Request) {
	st, err := r.settingsService.Get(req.Context())
	if err != nil {
		r.serviceError(w, req, "reading settings", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleUpdateSettings accepts a flat object of setting keys. Values may be
// strings, numbers, booleans or string arrays; arrays are stored as JSON.
func (r *Router) handleUpdateSettings(w http.ResponseWriter, req *http.Request) {
	var body map[string]json.RawMessage
	if !decodeBody(w, req, &body) {
		return
	}

	values := make(map[string]string, len(body))
	for key, raw := range body {
		v, ok := settingValue(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "unsupported value for "+key)
			return
		}
		values[key] = v
	}

	st, err := r.settingsService.Update(req.Context(), values)
	if err != nil {
		r.serviceError(w, req, "updating settings", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func settingValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out, _ := json.Marshal(list)
		return string(out), true
	}
	return "", false
}

func (r *Router) handleExportSettings(w http.ResponseWriter, req *http.Request) {
	if r.settingsIO == nil {
		writeError(w, http.StatusServiceUnavailable, "settings export not available")
		return
	}
	var body struct {
		Passphrase string `json:"passphrase"` //nolint:gosec // request field
	}
	if !decodeBody(w, req, &body) {
		return
	}
	if len(body.Passphrase) < 8 {
		writeError(w, http.StatusBadRequest, "passphrase must be at least 8 characters")
		return
	}
	env, err := r.settingsIO.Export(req.Context(), body.Passphrase)
	if err != nil {
		r.serviceError(w, req, "exporting settings", err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="mediasweep-settings.json"`)
	writeJSON(w, http.StatusOK, env)
}

func (r *Router) handleImportSettings(w http.ResponseWriter, req *http.Request) {
	if r.settingsIO == nil {
		writeError(w, http.StatusServiceUnavailable, "settings import not available")
		return
	}
	var body struct {
		Passphrase string               `json:"passphrase"` //nolint:gosec // request field
		Envelope   *settingsio.Envelope `json:"envelope"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	if body.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "passphrase is required")
		return
	}
	res, err := r.settingsIO.Import(req.Context(), body.Envelope, body.Passphrase)
	if err != nil {
		r.serviceError(w, req, "importing settings", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
