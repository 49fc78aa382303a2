package httpx

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/splax/launchpad/internal/service/domains"
)

type createDomainRequest struct {
	Name         string `json:"name" validate:"required,max=253,fqdn"`
	ProjectID    string `json:"projectId" validate:"required"`
	SSLEnabled   *bool  `json:"sslEnabled"`
	SSLAutoRenew *bool  `json:"sslAutoRenew"`
	DNSProvider  string `json:"dnsProvider" validate:"omitempty,oneof=cloudflare route53 digitalocean"`
}

type updateDomainRequest struct {
	Name         *string `json:"name" validate:"omitnil,max=253,fqdn"`
	SSLEnabled   *bool   `json:"sslEnabled"`
	SSLAutoRenew *bool   `json:"sslAutoRenew"`
	DNSProvider  *string `json:"dnsProvider" validate:"omitnil,oneof=cloudflare route53 digitalocean"`
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func (r *Router) handleListDomains(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	list, err := r.deps.Domains.ListByProject(req.Context(), userID, chi.URLParam(req, "projectID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to fetch domains", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": list})
}

func (r *Router) handleCreateDomain(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	var payload createDomainRequest
	if !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.deps.Domains.Create(req.Context(), userID, domains.CreateInput{
		ProjectID:    payload.ProjectID,
		Name:         payload.Name,
		SSLEnabled:   boolOr(payload.SSLEnabled, true),
		SSLAutoRenew: boolOr(payload.SSLAutoRenew, true),
		DNSProvider:  payload.DNSProvider,
	})
	if err != nil {
		r.writeServiceError(w, req, "failed to create domain", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"domain": d})
}

func (r *Router) handleGetDomain(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	d, err := r.deps.Domains.Get(req.Context(), userID, chi.URLParam(req, "domainID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to fetch domain", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": d})
}

func (r *Router) handleUpdateDomain(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	var payload updateDomainRequest
	if !decodeJSON(w, req, &payload) {
		return
	}
	d, err := r.deps.Domains.Update(req.Context(), userID, chi.URLParam(req, "domainID"), domains.UpdateInput{
		Name:         payload.Name,
		SSLEnabled:   payload.SSLEnabled,
		SSLAutoRenew: payload.SSLAutoRenew,
		DNSProvider:  payload.DNSProvider,
	})
	if err != nil {
		r.writeServiceError(w, req, "failed to update domain", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domain": d})
}

func (r *Router) handleDeleteDomain(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	if err := r.deps.Domains.Delete(req.Context(), userID, chi.URLParam(req, "domainID")); err != nil {
		r.writeServiceError(w, req, "failed to delete domain", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Domain deleted successfully"})
}

func (r *Router) handleVerifyDomain(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	d, err := r.deps.Domains.Verify(req.Context(), userID, chi.URLParam(req, "domainID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to verify domain", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  d,
		"message": "Domain verification in progress",
	})
}

func (r *Router) handleSSLStatus(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	status, err := r.deps.Domains.SSLStatus(req.Context(), userID, chi.URLParam(req, "domainID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to fetch SSL status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sslStatus": status})
}

func (r *Router) handleActivateDomain(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.userID(w, req)
	if !ok {
		return
	}
	d, err := r.deps.Domains.Activate(req.Context(), userID, chi.URLParam(req, "domainID"))
	if err != nil {
		r.writeServiceError(w, req, "failed to activate domain", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Domain activated successfully",
		"domain":  d,
	})
}

func (r *Router) handleSyncDomains(w http.ResponseWriter, req *http.Request) {
	synced, err := r.deps.Domains.Sync(req.Context())
	if err != nil {
		r.writeServiceError(w, req, "failed to sync domains", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Synced %d domain(s)", synced),
		"synced":  synced,
	})
}

func (r *Router) handleProxyStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.deps.Domains.ProxyStatus(req.Context()))
}
