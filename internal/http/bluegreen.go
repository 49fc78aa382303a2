package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/service/bluegreen"
)

type portRequest struct {
	Host      int    `json:"host" validate:"min=0,max=65535"`
	Container int    `json:"container" validate:"required,min=1,max=65535"`
	Protocol  string `json:"protocol" validate:"omitempty,oneof=HTTP HTTPS TCP"`
}

type volumeRequest struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required,startswith=/"`
	Mode   string `json:"mode" validate:"omitempty,oneof=rw ro"`
}

type blueGreenRequest struct {
	ProjectID   string            `json:"projectId" validate:"required"`
	NewImage    string            `json:"newImage" validate:"required"`
	NewTag      string            `json:"newTag" validate:"required"`
	EnvVars     map[string]string `json:"envVars"`
	Ports       []portRequest     `json:"ports" validate:"dive"`
	Volumes     []volumeRequest   `json:"volumes" validate:"dive"`
	CPULimit    string            `json:"cpuLimit"`
	MemoryLimit string            `json:"memoryLimit"`

	HealthCheckURL     string `json:"healthCheckUrl" validate:"omitempty,url"`
	HealthCheckTimeout *int   `json:"healthCheckTimeout" validate:"omitnil,min=5,max=300"`
	SwitchoverDelay    *int   `json:"switchoverDelay" validate:"omitnil,min=0,max=300"`
	KeepOldContainer   *bool  `json:"keepOldContainer"`
	Async              bool   `json:"async"`
}

func (p blueGreenRequest) options() bluegreen.Options {
	opts := bluegreen.Options{
		ProjectID:        p.ProjectID,
		Image:            p.NewImage,
		Tag:              p.NewTag,
		EnvVars:          p.EnvVars,
		CPULimit:         p.CPULimit,
		MemoryLimit:      p.MemoryLimit,
		HealthCheckURL:   p.HealthCheckURL,
		KeepOldContainer: p.KeepOldContainer,
	}
	for _, port := range p.Ports {
		opts.Ports = append(opts.Ports, domain.PortMapping{Host: port.Host, Container: port.Container, Protocol: port.Protocol})
	}
	for _, v := range p.Volumes {
		mode := v.Mode
		if mode == "" {
			mode = "rw"
		}
		opts.Volumes = append(opts.Volumes, v.Source+":"+v.Target+":"+mode)
	}
	if p.HealthCheckTimeout != nil {
		opts.HealthCheckTimeout = time.Duration(*p.HealthCheckTimeout) * time.Second
	}
	if p.SwitchoverDelay != nil {
		d := time.Duration(*p.SwitchoverDelay) * time.Second
		opts.SwitchoverDelay = &d
	}
	return opts
}

func (r *Router) handleBlueGreen(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	var payload blueGreenRequest
	if !decodeJSON(w, req, &payload) {
		return
	}
	if !r.ownProject(w, req, userID, payload.ProjectID) {
		return
	}
	opts := payload.options()
	log := r.logger.With("project_id", opts.ProjectID, "image", opts.Image+":"+opts.Tag, "user_id", userID)
	log.Info("blue-green deployment requested")

	if payload.Async {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			res := r.deps.Releases.Deploy(context.WithoutCancel(req.Context()), opts)
			if !res.Success {
				log.Error("blue-green deployment failed", "error", res.Error)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"message": "Blue-green deployment started"})
		return
	}

	res := r.deps.Releases.Deploy(context.WithoutCancel(req.Context()), opts)
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Blue-green deployment failed",
			"details": res.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Blue-green deployment completed successfully",
		"deployment": res,
	})
}

func (r *Router) handleBlueGreenRollback(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	var payload struct {
		ProjectID      string `json:"projectId" validate:"required"`
		OldContainerID string `json:"oldContainerId" validate:"required"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if !r.ownProject(w, req, userID, payload.ProjectID) {
		return
	}
	r.logger.Info("blue-green rollback requested", "project_id", payload.ProjectID, "container_id", payload.OldContainerID, "user_id", userID)
	res := r.deps.Releases.Rollback(context.WithoutCancel(req.Context()), payload.ProjectID, payload.OldContainerID)
	if !res.Success {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Rollback failed",
			"details": res.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Rollback completed successfully"})
}
