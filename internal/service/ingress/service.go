package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/traefik"
)

var (
	// ErrNoRunningContainer is returned when a domain's project has nothing to route to.
	ErrNoRunningContainer = errors.New("no running container found for project")
	// ErrInvalidHost is returned for names that are not plain hostnames.
	ErrInvalidHost = errors.New("domain must be a valid hostname")
)

var hosts = validator.New()

// ValidHost reports whether host is a fully qualified hostname that is safe to
// embed in a Host rule.
func ValidHost(host string) bool {
	return len(host) <= 253 && hosts.Var(host, "fqdn") == nil
}

// Route binds a public hostname to a container.
type Route struct {
	ProjectID     string
	Domain        string
	ContainerName string
	ContainerPort int
	EnableSSL     bool
}

// Status reports the proxy as seen through its API.
type Status struct {
	Running  bool `json:"running"`
	Routers  int  `json:"routers"`
	Services int  `json:"services"`
}

// Service keeps the Traefik dynamic configuration in line with active domains.
type Service struct {
	store        *traefik.Store
	domains      repository.DomainRepository
	containers   repository.ContainerRepository
	certResolver string
	apiURL       string
	client       *http.Client
	redirect     string
	log          *slog.Logger
	now          func() time.Time
}

// New constructs the ingress service.
func New(store *traefik.Store, domains repository.DomainRepository, containers repository.ContainerRepository, certResolver, apiURL string, log *slog.Logger) *Service {
	if certResolver == "" {
		certResolver = "letsencrypt"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:        store,
		domains:      domains,
		containers:   containers,
		certResolver: certResolver,
		apiURL:       strings.TrimRight(apiURL, "/"),
		client:       &http.Client{Timeout: 5 * time.Second},
		log:          log.With("component", "ingress"),
		now:          time.Now,
	}
}

// HTTPSRedirectMiddleware is the middleware attached to the plain HTTP
// router of SSL domains once EnableHTTPSRedirect has run.
const HTTPSRedirectMiddleware = "launchpad-https-redirect"

// EnableHTTPSRedirect stores the redirect middleware and makes AddRoute give
// every SSL domain a web entry point router that redirects to https. Call it
// before routes are synced.
func (s *Service) EnableHTTPSRedirect(ctx context.Context) error {
	err := s.AddMiddleware(ctx, HTTPSRedirectMiddleware, map[string]any{
		"redirectScheme": map[string]any{"scheme": "https", "permanent": true},
	})
	if err != nil {
		return err
	}
	s.redirect = HTTPSRedirectMiddleware
	return nil
}

// RouterName derives the router key for a project hostname.
func RouterName(projectID, host string) string {
	return projectID + "-" + strings.ReplaceAll(host, ".", "-")
}

// ServiceName derives the backend service key for a project.
func ServiceName(projectID string) string {
	return projectID + "-service"
}

// AddRoute inserts or overwrites the router and service for a hostname.
func (s *Service) AddRoute(_ context.Context, r Route) error {
	if r.ProjectID == "" || r.Domain == "" || r.ContainerName == "" {
		return fmt.Errorf("project, domain and container are required")
	}
	if !ValidHost(r.Domain) {
		return fmt.Errorf("add route %q: %w", r.Domain, ErrInvalidHost)
	}
	if r.ContainerPort <= 0 {
		r.ContainerPort = 80
	}
	router := &traefik.Router{
		Rule:        fmt.Sprintf("Host(`%s`)", r.Domain),
		Service:     ServiceName(r.ProjectID),
		EntryPoints: []string{"web"},
	}
	if r.EnableSSL {
		router.EntryPoints = []string{"websecure"}
		router.TLS = &traefik.TLS{
			CertResolver: s.certResolver,
			Domains:      []traefik.TLSDomain{{Main: r.Domain}},
		}
	}
	changed, err := s.store.Update(func(doc *traefik.Document) error {
		name := RouterName(r.ProjectID, r.Domain)
		if existing, ok := doc.HTTP.Routers[name]; ok && existing != nil {
			router.Middlewares = existing.Middlewares
		}
		doc.HTTP.Routers[name] = router
		if r.EnableSSL && s.redirect != "" {
			doc.HTTP.Routers[name+"-http"] = &traefik.Router{
				Rule:        router.Rule,
				Service:     router.Service,
				EntryPoints: []string{"web"},
				Middlewares: []string{s.redirect},
			}
		} else {
			delete(doc.HTTP.Routers, name+"-http")
		}
		doc.HTTP.Services[ServiceName(r.ProjectID)] = &traefik.Service{
			LoadBalancer: traefik.LoadBalancer{
				Servers:        []traefik.Server{{URL: fmt.Sprintf("http://%s:%d", r.ContainerName, r.ContainerPort)}},
				PassHostHeader: true,
			},
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add route %s: %w", r.Domain, err)
	}
	if changed {
		s.log.Info("route added", "project_id", r.ProjectID, "domain", r.Domain, "container", r.ContainerName, "port", r.ContainerPort)
	}
	return nil
}

// RemoveRoute deletes the router for a hostname and the project service once
// no router references it.
func (s *Service) RemoveRoute(_ context.Context, projectID, host string) error {
	_, err := s.store.Update(func(doc *traefik.Document) error {
		name := RouterName(projectID, host)
		delete(doc.HTTP.Routers, name)
		delete(doc.HTTP.Routers, name+"-http")
		svc := ServiceName(projectID)
		if !doc.ServiceReferenced(svc) {
			delete(doc.HTTP.Services, svc)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove route %s: %w", host, err)
	}
	s.log.Info("route removed", "project_id", projectID, "domain", host)
	return nil
}

// UpdateDomain routes a domain to its project's running container and marks it ACTIVE.
func (s *Service) UpdateDomain(ctx context.Context, domainID string) (*domain.Domain, error) {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return nil, err
	}
	c, err := s.containers.GetRunningContainer(ctx, d.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoRunningContainer
		}
		return nil, err
	}
	if err := s.AddRoute(ctx, Route{
		ProjectID:     d.ProjectID,
		Domain:        d.Name,
		ContainerName: c.Name,
		ContainerPort: c.PrimaryPort(),
		EnableSSL:     d.SSLEnabled,
	}); err != nil {
		return nil, err
	}
	if d.Status != domain.DomainActive || d.VerifiedAt == nil {
		now := s.now().UTC()
		d.Status = domain.DomainActive
		d.VerifiedAt = &now
		d.UpdatedAt = now
		if err := s.domains.UpdateDomain(ctx, d); err != nil {
			return nil, fmt.Errorf("mark domain active: %w", err)
		}
	}
	return d, nil
}

// SyncAllDomains re-applies UpdateDomain to every ACTIVE or VERIFYING domain
// and returns how many succeeded.
func (s *Service) SyncAllDomains(ctx context.Context) (int, error) {
	domains, err := s.domains.ListDomainsByStatus(ctx, domain.DomainActive, domain.DomainVerifying)
	if err != nil {
		return 0, err
	}
	return s.syncDomains(ctx, domains), nil
}

// SyncProject re-routes a project's ACTIVE or VERIFYING domains, typically
// after its running container changed.
func (s *Service) SyncProject(ctx context.Context, projectID string) (int, error) {
	all, err := s.domains.ListDomainsByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	domains := make([]domain.Domain, 0, len(all))
	for _, d := range all {
		if d.Status == domain.DomainActive || d.Status == domain.DomainVerifying {
			domains = append(domains, d)
		}
	}
	return s.syncDomains(ctx, domains), nil
}

func (s *Service) syncDomains(ctx context.Context, domains []domain.Domain) int {
	synced := 0
	for _, d := range domains {
		if _, err := s.UpdateDomain(ctx, d.ID); err != nil {
			s.log.Warn("domain sync failed", "domain_id", d.ID, "domain", d.Name, "error", err)
			continue
		}
		synced++
	}
	return synced
}

// AddMiddleware stores a named middleware definition.
func (s *Service) AddMiddleware(_ context.Context, name string, config map[string]any) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("middleware name is required")
	}
	_, err := s.store.Update(func(doc *traefik.Document) error {
		doc.HTTP.Middlewares[name] = config
		return nil
	})
	if err != nil {
		return fmt.Errorf("add middleware %s: %w", name, err)
	}
	s.log.Info("middleware added", "middleware", name)
	return nil
}

// Status probes the proxy API. An unreachable proxy is reported, not returned as an error.
func (s *Service) Status(ctx context.Context) Status {
	if s.apiURL == "" {
		return Status{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.apiURL+"/ping", nil)
	if err != nil {
		return Status{}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Status{}
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Status{}
	}
	return Status{
		Running:  true,
		Routers:  s.count(ctx, "/http/routers"),
		Services: s.count(ctx, "/http/services"),
	}
}

func (s *Service) count(ctx context.Context, path string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+path, nil)
	if err != nil {
		return 0
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("proxy api request failed", "path", path, "error", err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0
	}
	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return 0
	}
	return len(items)
}
