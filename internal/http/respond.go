package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/domains"
	"github.com/splax/launchpad/internal/service/ingress"
	webhooksvc "github.com/splax/launchpad/internal/service/webhook"
	"github.com/splax/launchpad/internal/webhook"
)

// writeJSON encodes payload with the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps service sentinels to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, deploy.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, domains.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domains.ErrDomainExists), errors.Is(err, repository.ErrConflict),
		errors.Is(err, ingress.ErrNoRunningContainer):
		return http.StatusConflict
	case errors.Is(err, deploy.ErrNoBuildContext), errors.Is(err, deploy.ErrNotRedeployable),
		errors.Is(err, build.ErrUnsupportedSource), errors.Is(err, webhooksvc.ErrInvalidPayload),
		domains.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs unexpected failures and answers with the mapped status.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, msg string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		r.logger.Error(msg, "error", err, "path", req.URL.Path)
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}
