package api

import (
	"context"
	"net/http"
	"time"
)

func (r *Router) handleListBackups(w http.ResponseWriter, req *http.Request) {
	if r.backupService == nil {
		writeError(w, http.StatusServiceUnavailable, "backup service not available")
		return
	}
	list, err := r.backupService.List()
	if err != nil {
		r.serviceError(w, req, "listing backups", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (r *Router) handleCreateBackup(w http.ResponseWriter, req *http.Request) {
	if r.backupService == nil {
		writeError(w, http.StatusServiceUnavailable, "backup service not available")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Minute)
	defer cancel()

	info, err := r.backupService.Backup(ctx)
	if err != nil {
		r.logger.Error("backup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed: "+err.Error())
		return
	}
	if _, err := r.backupService.Prune(); err != nil {
		r.logger.Warn("pruning backups", "error", err)
	}
	writeJSON(w, http.StatusCreated, info)
}

func (r *Router) handleDeleteBackup(w http.ResponseWriter, req *http.Request) {
	if r.backupService == nil {
		writeError(w, http.StatusServiceUnavailable, "backup service not available")
		return
	}
	if err := r.backupService.Delete(req.PathValue("name")); err != nil {
		r.serviceError(w, req, "deleting backup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
