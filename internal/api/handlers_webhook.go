package api

import (
	"net/http"

	"github.com/sydlexius/mediasweep/internal/webhook"
)

func (r *Router) handleListWebhooks(w http.ResponseWriter, req *http.Request) {
	webhooks, err := r.webhookService.List(req.Context())
	if err != nil {
		r.serviceError(w, req, "listing webhooks", err)
		return
	}
	writeJSON(w, http.StatusOK, webhooks)
}

func (r *Router) handleGetWebhook(w http.ResponseWriter, req *http.Request) {
	wh, err := r.webhookService.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		r.serviceError(w, req, "reading webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (r *Router) handleCreateWebhook(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name    string   `json:"name"`
		URL     string   `json:"url"`
		Type    string   `json:"type"`
		Events  []string `json:"events"`
		Enabled *bool    `json:"enabled"`
	}
	if !decodeBody(w, req, &body) {
		return
	}

	wh := &webhook.Webhook{
		Name:    body.Name,
		URL:     body.URL,
		Type:    body.Type,
		Events:  body.Events,
		Enabled: body.Enabled == nil || *body.Enabled,
	}
	if err := r.webhookService.Create(req.Context(), wh); err != nil {
		r.serviceError(w, req, "creating webhook", err)
		return
	}
	writeJSON(w, http.StatusCreated, wh)
}

func (r *Router) handleUpdateWebhook(w http.ResponseWriter, req *http.Request) {
	existing, err := r.webhookService.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		r.serviceError(w, req, "reading webhook", err)
		return
	}

	var body struct {
		Name    string   `json:"name"`
		URL     string   `json:"url"`
		Type    string   `json:"type"`
		Events  []string `json:"events"`
		Enabled *bool    `json:"enabled"`
	}
	if !decodeBody(w, req, &body) {
		return
	}

	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.URL != "" {
		existing.URL = body.URL
	}
	if body.Type != "" {
		existing.Type = body.Type
	}
	if body.Events != nil {
		existing.Events = body.Events
	}
	if body.Enabled != nil {
		existing.Enabled = *body.Enabled
	}

	if err := r.webhookService.Update(req.Context(), existing); err != nil {
		r.serviceError(w, req, "updating webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (r *Router) handleDeleteWebhook(w http.ResponseWriter, req *http.Request) {
	if err := r.webhookService.Delete(req.Context(), req.PathValue("id")); err != nil {
		r.serviceError(w, req, "deleting webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleTestWebhook(w http.ResponseWriter, req *http.Request) {
	if r.webhookDispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "webhook dispatcher not available")
		return
	}
	wh, err := r.webhookService.GetByID(req.Context(), req.PathValue("id"))
	if err != nil {
		r.serviceError(w, req, "reading webhook", err)
		return
	}
	if err := r.webhookDispatcher.Test(req.Context(), wh); err != nil {
		writeError(w, http.StatusBadGateway, "test delivery failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
