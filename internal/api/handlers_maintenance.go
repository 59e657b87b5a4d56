package api

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

func (r *Router) handleMaintenanceStatus(w http.ResponseWriter, req *http.Request) {
	if r.maintenanceService == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return
	}
	status, err := r.maintenanceService.Status(req.Context())
	if err != nil {
		r.serviceError(w, req, "getting maintenance status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleMaintenanceOptimize(w http.ResponseWriter, req *http.Request) {
	if r.maintenanceService == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()

	if err := r.maintenanceService.Optimize(ctx); err != nil {
		r.logger.Error("optimize failed", "error", err)
		writeError(w, http.StatusInternalServerError, "optimize failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "optimized"})
}

func (r *Router) handleMaintenanceVacuum(w http.ResponseWriter, req *http.Request) {
	if r.maintenanceService == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Minute)
	defer cancel()

	if err := r.maintenanceService.Vacuum(ctx); err != nil {
		r.logger.Error("vacuum failed", "error", err)
		writeError(w, http.StatusInternalServerError, "vacuum failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "vacuumed"})
}

func (r *Router) handleMaintenancePrune(w http.ResponseWriter, req *http.Request) {
	if r.maintenanceService == nil {
		writeError(w, http.StatusServiceUnavailable, "maintenance service not available")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Minute)
	defer cancel()

	removed, err := r.maintenanceService.Prune(ctx)
	if err != nil {
		r.logger.Error("prune failed", "error", err)
		writeError(w, http.StatusInternalServerError, "prune failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "pruned", "removed": removed})
}

func (r *Router) handleMaintenanceSchedule(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Enabled       bool `json:"enabled"`
		IntervalHours int  `json:"interval_hours"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	if body.IntervalHours < 1 {
		body.IntervalHours = 24
	}

	for k, v := range map[string]string{
		"maintenance.enabled":        strconv.FormatBool(body.Enabled),
		"maintenance.interval_hours": strconv.Itoa(body.IntervalHours),
	} {
		if err := r.settingsService.SetString(req.Context(), k, v); err != nil {
			r.serviceError(w, req, "persisting maintenance setting", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}
