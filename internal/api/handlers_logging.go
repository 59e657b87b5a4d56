package api

import (
	"net/http"
	"strconv"

	"github.com/sydlexius/mediasweep/internal/logging"
)

func (r *Router) handleGetLogging(w http.ResponseWriter, req *http.Request) {
	if r.logManager == nil {
		writeError(w, http.StatusServiceUnavailable, "logging manager not available")
		return
	}
	writeJSON(w, http.StatusOK, r.logManager.Config())
}

func (r *Router) handleUpdateLogging(w http.ResponseWriter, req *http.Request) {
	if r.logManager == nil {
		writeError(w, http.StatusServiceUnavailable, "logging manager not available")
		return
	}

	var cfg logging.Config
	if !decodeBody(w, req, &cfg) {
		return
	}
	if cfg.Level != "" && !logging.ValidLevel(cfg.Level) {
		writeError(w, http.StatusBadRequest, "invalid level; must be debug, info, warn, or error")
		return
	}
	if cfg.Format != "" && !logging.ValidFormat(cfg.Format) {
		writeError(w, http.StatusBadRequest, "invalid format; must be text or json")
		return
	}

	// Only overwrite fields that are provided.
	current := r.logManager.Config()
	cfg.Console = current.Console
	if cfg.Level == "" {
		cfg.Level = current.Level
	}
	if cfg.Format == "" {
		cfg.Format = current.Format
	}
	if cfg.FileMaxSizeMB == 0 {
		cfg.FileMaxSizeMB = current.FileMaxSizeMB
	}
	if cfg.FileMaxFiles == 0 {
		cfg.FileMaxFiles = current.FileMaxFiles
	}
	if cfg.FileMaxAgeDays == 0 {
		cfg.FileMaxAgeDays = current.FileMaxAgeDays
	}

	for k, v := range map[string]string{
		"logging.level":             cfg.Level,
		"logging.format":            cfg.Format,
		"logging.file_path":         cfg.FilePath,
		"logging.file_max_size_mb":  strconv.Itoa(cfg.FileMaxSizeMB),
		"logging.file_max_files":    strconv.Itoa(cfg.FileMaxFiles),
		"logging.file_max_age_days": strconv.Itoa(cfg.FileMaxAgeDays),
	} {
		if err := r.settingsService.SetString(req.Context(), k, v); err != nil {
			r.serviceError(w, req, "persisting logging setting", err)
			return
		}
	}

	r.logManager.Reconfigure(cfg)
	r.logger.Info("logging reconfigured", "config", cfg.String())
	writeJSON(w, http.StatusOK, cfg)
}
