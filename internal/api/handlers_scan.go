package api

import (
	"net/http"

	"github.com/sydlexius/mediasweep/internal/results"
)

func (r *Router) handleScanStatus(w http.ResponseWriter, req *http.Request) {
	p, err := r.scanService.Status(req.Context())
	if err != nil {
		r.serviceError(w, req, "reading scan status", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleScanStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Types []string `json:"types"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	p, err := r.scanService.Start(req.Context(), body.Types)
	if err != nil {
		r.serviceError(w, req, "starting scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (r *Router) handleScanCancel(w http.ResponseWriter, req *http.Request) {
	p, err := r.scanService.Cancel(req.Context())
	if err != nil {
		r.serviceError(w, req, "cancelling scan", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleScanReset(w http.ResponseWriter, req *http.Request) {
	p, err := r.scanService.Reset(req.Context())
	if err != nil {
		r.serviceError(w, req, "resetting scan", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.scanService.Stats(req.Context())
	if err != nil {
		r.serviceError(w, req, "reading stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleListResults(w http.ResponseWriter, req *http.Request) {
	page, err := intParam(req, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	perPage, err := intParam(req, "per_page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "per_page must be an integer")
		return
	}
	q := req.URL.Query()
	res, err := r.scanService.Results(req.Context(), results.Query{
		Type:    q.Get("type"),
		Page:    page,
		PerPage: perPage,
		OrderBy: q.Get("orderby"),
		Order:   q.Get("order"),
	})
	if err != nil {
		r.serviceError(w, req, "listing results", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleGetResult(w http.ResponseWriter, req *http.Request) {
	id, ok := pathID(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid attachment id")
		return
	}
	d, err := r.scanService.Detail(req.Context(), id)
	if err != nil {
		r.serviceError(w, req, "reading attachment detail", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (r *Router) handleDuplicates(w http.ResponseWriter, req *http.Request) {
	page, err := intParam(req, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	perPage, err := intParam(req, "per_page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "per_page must be an integer")
		return
	}
	groups, err := r.scanService.DuplicateGroups(req.Context(), page, perPage)
	if err != nil {
		r.serviceError(w, req, "listing duplicate groups", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}
