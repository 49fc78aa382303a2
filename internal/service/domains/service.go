package domains

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/ingress"
)

var (
	// ErrForbidden is returned when the caller does not own the domain's project.
	ErrForbidden = errors.New("access denied")
	// ErrDomainExists is returned when the hostname is already registered.
	ErrDomainExists = errors.New("domain already exists")

	errInvalidName = errors.New("domain name is required")
)

// Router is the slice of the ingress service domains depend on.
type Router interface {
	RemoveRoute(ctx context.Context, projectID, host string) error
	UpdateDomain(ctx context.Context, domainID string) (*domain.Domain, error)
	SyncAllDomains(ctx context.Context) (int, error)
	Status(ctx context.Context) ingress.Status
}

// CreateInput carries the attributes of a new domain.
type CreateInput struct {
	ProjectID    string
	Name         string
	SSLEnabled   bool
	SSLAutoRenew bool
	DNSProvider  string
}

// UpdateInput carries optional domain changes.
type UpdateInput struct {
	Name         *string
	SSLEnabled   *bool
	SSLAutoRenew *bool
	DNSProvider  *string
}

// SSLStatus summarises certificate state for a domain.
type SSLStatus struct {
	Enabled    bool                `json:"enabled"`
	AutoRenew  bool                `json:"autoRenew"`
	ExpiresAt  *time.Time          `json:"expiresAt"`
	VerifiedAt *time.Time          `json:"verifiedAt"`
	Status     domain.DomainStatus `json:"status"`
}

// Service manages public hostnames bound to projects.
type Service struct {
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	router   Router
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a domain service.
func New(projects repository.ProjectRepository, domains repository.DomainRepository, router Router, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projects: projects,
		domains:  domains,
		router:   router,
		logger:   logger.With("component", "domains"),
		now:      time.Now,
	}
}

// ListByProject returns the domains of a project the user owns.
func (s *Service) ListByProject(ctx context.Context, userID, projectID string) ([]domain.Domain, error) {
	if err := s.authorize(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.domains.ListDomainsByProject(ctx, projectID)
}

// Create registers a PENDING domain.
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (*domain.Domain, error) {
	name := normaliseName(input.Name)
	if name == "" {
		return nil, errInvalidName
	}
	if !ingress.ValidHost(name) {
		return nil, ingress.ErrInvalidHost
	}
	if err := s.authorize(ctx, userID, input.ProjectID); err != nil {
		return nil, err
	}
	if err := s.ensureAvailable(ctx, name); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	d := &domain.Domain{
		ID:           uuid.NewString(),
		ProjectID:    input.ProjectID,
		Name:         name,
		SSLEnabled:   input.SSLEnabled,
		SSLAutoRenew: input.SSLAutoRenew,
		DNSProvider:  strings.TrimSpace(input.DNSProvider),
		Status:       domain.DomainPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.domains.CreateDomain(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDomainExists
		}
		return nil, fmt.Errorf("create domain: %w", err)
	}
	s.logger.Info("domain created", "domain_id", d.ID, "project_id", d.ProjectID, "domain", d.Name)
	return d, nil
}

// Get returns a domain the user owns.
func (s *Service) Get(ctx context.Context, userID, domainID string) (*domain.Domain, error) {
	return s.load(ctx, userID, domainID)
}

// Update applies changes. Routed domains are re-wired under their new name.
func (s *Service) Update(ctx context.Context, userID, domainID string, input UpdateInput) (*domain.Domain, error) {
	d, err := s.load(ctx, userID, domainID)
	if err != nil {
		return nil, err
	}
	oldName := d.Name
	routingChanged := false
	if input.Name != nil {
		name := normaliseName(*input.Name)
		if name == "" {
			return nil, errInvalidName
		}
		if !ingress.ValidHost(name) {
			return nil, ingress.ErrInvalidHost
		}
		if name != d.Name {
			if err := s.ensureAvailable(ctx, name); err != nil {
				return nil, err
			}
			d.Name = name
			routingChanged = true
		}
	}
	if input.SSLEnabled != nil && *input.SSLEnabled != d.SSLEnabled {
		d.SSLEnabled = *input.SSLEnabled
		routingChanged = true
	}
	if input.SSLAutoRenew != nil {
		d.SSLAutoRenew = *input.SSLAutoRenew
	}
	if input.DNSProvider != nil {
		d.DNSProvider = strings.TrimSpace(*input.DNSProvider)
	}
	d.UpdatedAt = s.now().UTC()
	if err := s.domains.UpdateDomain(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDomainExists
		}
		return nil, fmt.Errorf("update domain: %w", err)
	}
	if routingChanged && d.Status == domain.DomainActive {
		if oldName != d.Name {
			if err := s.router.RemoveRoute(ctx, d.ProjectID, oldName); err != nil {
				s.logger.Warn("remove stale route failed", "domain_id", d.ID, "domain", oldName, "error", err)
			}
		}
		if _, err := s.router.UpdateDomain(ctx, d.ID); err != nil {
			s.logger.Warn("re-route domain failed", "domain_id", d.ID, "domain", d.Name, "error", err)
		}
	}
	return d, nil
}

// Delete removes the domain and its route.
func (s *Service) Delete(ctx context.Context, userID, domainID string) error {
	d, err := s.load(ctx, userID, domainID)
	if err != nil {
		return err
	}
	if err := s.router.RemoveRoute(ctx, d.ProjectID, d.Name); err != nil {
		s.logger.Warn("remove route failed", "domain_id", d.ID, "domain", d.Name, "error", err)
	}
	if err := s.domains.DeleteDomain(ctx, d.ID); err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	s.logger.Info("domain deleted", "domain_id", d.ID, "domain", d.Name)
	return nil
}

// Verify moves the domain to VERIFYING so the next sync can activate it.
func (s *Service) Verify(ctx context.Context, userID, domainID string) (*domain.Domain, error) {
	d, err := s.load(ctx, userID, domainID)
	if err != nil {
		return nil, err
	}
	if d.Status == domain.DomainActive {
		return d, nil
	}
	d.Status = domain.DomainVerifying
	d.UpdatedAt = s.now().UTC()
	if err := s.domains.UpdateDomain(ctx, d); err != nil {
		return nil, fmt.Errorf("verify domain: %w", err)
	}
	return d, nil
}

// SSLStatus reports certificate settings and verification state.
func (s *Service) SSLStatus(ctx context.Context, userID, domainID string) (SSLStatus, error) {
	d, err := s.load(ctx, userID, domainID)
	if err != nil {
		return SSLStatus{}, err
	}
	return SSLStatus{
		Enabled:    d.SSLEnabled,
		AutoRenew:  d.SSLAutoRenew,
		ExpiresAt:  d.SSLExpiresAt,
		VerifiedAt: d.VerifiedAt,
		Status:     d.Status,
	}, nil
}

// Activate wires the domain to its project's running container.
func (s *Service) Activate(ctx context.Context, userID, domainID string) (*domain.Domain, error) {
	if _, err := s.load(ctx, userID, domainID); err != nil {
		return nil, err
	}
	return s.router.UpdateDomain(ctx, domainID)
}

// Sync re-applies routing for every active or verifying domain.
func (s *Service) Sync(ctx context.Context) (int, error) {
	return s.router.SyncAllDomains(ctx)
}

// ProxyStatus reports the proxy's reachability and object counts.
func (s *Service) ProxyStatus(ctx context.Context) ingress.Status {
	return s.router.Status(ctx)
}

func (s *Service) load(ctx context.Context, userID, domainID string) (*domain.Domain, error) {
	d, err := s.domains.GetDomainByID(ctx, domainID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, d.ProjectID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) authorize(ctx context.Context, userID, projectID string) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID != userID {
		return ErrForbidden
	}
	return nil
}

func (s *Service) ensureAvailable(ctx context.Context, name string) error {
	_, err := s.domains.GetDomainByName(ctx, name)
	switch {
	case err == nil:
		return ErrDomainExists
	case errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("lookup domain: %w", err)
	}
}

func normaliseName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// IsValidationError reports whether err was caused by bad input.
func IsValidationError(err error) bool {
	return errors.Is(err, errInvalidName) || errors.Is(err, ingress.ErrInvalidHost) || errors.Is(err, ErrDomainExists)
}
