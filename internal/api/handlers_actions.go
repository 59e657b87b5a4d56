package api

import (
	"net/http"

	"github.com/sydlexius/mediasweep/internal/actions"
)

func (r *Router) handleAction(w http.ResponseWriter, req *http.Request) {
	var body struct {
		IDs     []int64 `json:"ids"`
		Confirm bool    `json:"confirm"`
	}
	if !decodeBody(w, req, &body) {
		return
	}

	ctx := req.Context()
	var (
		res *actions.Result
		err error
	)
	action := req.PathValue("action")
	switch action {
	case actions.Archive:
		res, err = r.actionService.Archive(ctx, body.IDs, body.Confirm)
	case actions.Trash:
		res, err = r.actionService.Trash(ctx, body.IDs, body.Confirm)
	case actions.Delete:
		res, err = r.actionService.Delete(ctx, body.IDs, body.Confirm)
	case actions.Restore:
		res, err = r.actionService.Restore(ctx, body.IDs)
	case actions.Flag:
		res, err = r.actionService.Flag(ctx, body.IDs)
	case actions.Unflag:
		res, err = r.actionService.Unflag(ctx, body.IDs)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		r.serviceError(w, req, "running "+action, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleSetPrimary(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ID       int64   `json:"id"`
		GroupIDs []int64 `json:"group_ids"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	res, err := r.actionService.SetPrimary(req.Context(), body.ID, body.GroupIDs)
	if err != nil {
		r.serviceError(w, req, "setting primary", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
