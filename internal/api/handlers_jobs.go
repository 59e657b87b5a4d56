package api

import (
	"net/http"

	"github.com/sydlexius/mediasweep/internal/jobqueue"
)

func (r *Router) handleListJobs(w http.ResponseWriter, req *http.Request) {
	status := req.URL.Query().Get("status")
	switch status {
	case "", jobqueue.StatusPending, jobqueue.StatusRunning, jobqueue.StatusDone, jobqueue.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, err := intParam(req, "limit")
	if err != nil || limit < 0 || limit > 500 {
		writeError(w, http.StatusBadRequest, "limit must be between 0 and 500")
		return
	}
	jobs, err := r.queue.List(req.Context(), status, limit)
	if err != nil {
		r.serviceError(w, req, "listing jobs", err)
		return
	}
	if jobs == nil {
		jobs = []jobqueue.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}
