package httpx

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/splax/launchpad/internal/service/deploy"
)

type createBuildRequest struct {
	ProjectID     string            `json:"projectId" validate:"required"`
	Source        string            `json:"source" validate:"omitempty,oneof=auto dockerfile buildpack image"`
	Context       string            `json:"context"`
	Dockerfile    string            `json:"dockerfile"`
	Image         string            `json:"image"`
	Tag           string            `json:"tag"`
	BuildArgs     map[string]string `json:"buildArgs"`
	EnvVars       map[string]string `json:"envVars"`
	BuildCommand  string            `json:"buildCommand"`
	GitURL        string            `json:"gitUrl" validate:"omitempty,url"`
	GitBranch     string            `json:"gitBranch"`
	GitCommitHash string            `json:"gitCommitHash" validate:"omitempty,hexadecimal"`
}

func (r *Router) handleCreateBuild(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	var payload createBuildRequest
	if !decodeJSON(w, req, &payload) {
		return
	}
	dep, err := r.deps.Deployments.Trigger(req.Context(), userID, deploy.TriggerInput{
		ProjectID:     payload.ProjectID,
		Source:        payload.Source,
		ContextPath:   payload.Context,
		Dockerfile:    payload.Dockerfile,
		Image:         payload.Image,
		Tag:           payload.Tag,
		BuildArgs:     payload.BuildArgs,
		EnvVars:       payload.EnvVars,
		BuildCommand:  payload.BuildCommand,
		GitURL:        payload.GitURL,
		GitBranch:     payload.GitBranch,
		GitCommitHash: payload.GitCommitHash,
	})
	if err != nil {
		r.writeServiceError(w, req, "failed to start build", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":    "Build started",
		"deployment": dep,
	})
}

func (r *Router) handleGetBuild(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	dep, err := r.deps.Deployments.Get(req.Context(), userID, chi.URLParam(req, "deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to load deployment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployment": dep})
}

func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	limit := defaultListLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	deployments, err := r.deps.Deployments.List(req.Context(), userID, chi.URLParam(req, "projectID"), limit)
	if err != nil {
		r.writeServiceError(w, req, "failed to list deployments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": deployments,
		"total":       len(deployments),
	})
}

func (r *Router) handleRedeploy(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	dep, err := r.deps.Deployments.Redeploy(req.Context(), userID, chi.URLParam(req, "deploymentID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to roll back deployment", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    "Rollback started",
		"deployment": dep,
	})
}

func (r *Router) handleDetect(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Context string `json:"context" validate:"required"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	det := r.deps.Detector.Detect(payload.Context)
	writeJSON(w, http.StatusOK, det)
}
