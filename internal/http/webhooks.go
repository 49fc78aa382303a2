package httpx

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	webhooksvc "github.com/splax/launchpad/internal/service/webhook"
	"github.com/splax/launchpad/internal/webhook"
)

type triggeredDeployment struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

// handleWebhook serves both the global and the project scoped delivery
// routes; the project id is empty on the global one.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	provider, ok := webhook.Lookup(chi.URLParam(req, "provider"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook provider")
		return
	}
	projectID := chi.URLParam(req, "projectID")
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	outcome, err := r.deps.Webhooks.Receive(req.Context(), provider, projectID, req.Header, body)
	switch {
	case errors.Is(err, webhook.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	case errors.Is(err, webhooksvc.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	case err != nil:
		r.writeServiceError(w, req, "failed to process webhook", err)
		return
	}
	if outcome.Ignored {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Event ignored"})
		return
	}
	triggered := make([]triggeredDeployment, 0, len(outcome.Deployments))
	for _, dep := range outcome.Deployments {
		triggered = append(triggered, triggeredDeployment{ID: dep.ID, ProjectID: dep.ProjectID, Status: string(dep.Status)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Webhook processed",
		"triggered":   outcome.Triggered,
		"deployments": triggered,
	})
}

func (r *Router) handleWebhookConfig(w http.ResponseWriter, req *http.Request) {
	setup, ok := webhooksvc.Instructions(chi.URLParam(req, "provider"), r.settings.PublicURL)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown webhook provider")
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	var payload struct {
		Secret string `json:"secret" validate:"required,min=16"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	projectID := chi.URLParam(req, "projectID")
	if err := r.deps.Webhooks.UpsertSecret(req.Context(), userID, projectID, strings.TrimSpace(payload.Secret)); err != nil {
		r.writeServiceError(w, req, "failed to store webhook secret", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleGenerateWebhookSecret(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	secret, err := r.deps.Webhooks.GenerateSecret(req.Context(), userID, chi.URLParam(req, "projectID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to generate webhook secret", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"secret": secret})
}
