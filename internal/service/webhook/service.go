package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/crypto"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/webhook"
)

// ErrInvalidPayload is returned when a push body cannot be parsed.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Starter runs a persisted PENDING deployment in the background.
type Starter interface {
	Start(dep *domain.Deployment, opts build.Options)
}

// Outcome summarises a webhook delivery.
type Outcome struct {
	Ignored     bool                `json:"ignored"`
	Triggered   int                 `json:"triggered"`
	Deployments []domain.Deployment `json:"deployments"`
}

// Service verifies webhook deliveries and triggers auto deployments.
type Service struct {
	projects      repository.ProjectRepository
	deployments   repository.DeploymentRepository
	webhooks      repository.WebhookRepository
	starter       Starter
	encryptionKey string
	globalSecret  string
	logger        *slog.Logger
	now           func() time.Time
}

// New constructs a webhook service. globalSecret verifies deliveries that are
// not scoped to a project.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, webhooks repository.WebhookRepository, starter Starter, encryptionKey, globalSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projects:      projects,
		deployments:   deployments,
		webhooks:      webhooks,
		starter:       starter,
		encryptionKey: encryptionKey,
		globalSecret:  globalSecret,
		logger:        logger.With("component", "webhook"),
		now:           time.Now,
	}
}

// UpsertSecret stores an encrypted secret for a project the user owns.
func (s *Service) UpsertSecret(ctx context.Context, userID, projectID, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	if err := s.authorize(ctx, userID, projectID); err != nil {
		return err
	}
	payload, err := crypto.EncryptString(s.encryptionKey, value)
	if err != nil {
		return err
	}
	return s.webhooks.UpsertWebhook(ctx, projectID, payload)
}

// GenerateSecret creates, stores and returns a random secret.
func (s *Service) GenerateSecret(ctx context.Context, userID, projectID string) (string, error) {
	secret, err := crypto.RandomToken(32)
	if err != nil {
		return "", err
	}
	if err := s.UpsertSecret(ctx, userID, projectID, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// Secret returns the secret used to verify deliveries for projectID. Projects
// without their own secret, and unscoped deliveries, use the global secret.
func (s *Service) Secret(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return s.globalSecret, nil
	}
	stored, err := s.webhooks.GetWebhookSecret(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.globalSecret, nil
		}
		return "", err
	}
	return crypto.DecryptToString(s.encryptionKey, stored)
}

// Receive verifies, parses and acts on one delivery. projectID is empty for
// the unscoped routes.
func (s *Service) Receive(ctx context.Context, provider webhook.Provider, projectID string, header http.Header, body []byte) (Outcome, error) {
	secret, err := s.Secret(ctx, projectID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load webhook secret: %w", err)
	}
	if !provider.Verify(body, header, secret) {
		s.logger.Warn("webhook signature verification failed", "provider", provider.Name(), "project_id", projectID)
		return Outcome{}, webhook.ErrInvalidSignature
	}
	if !provider.IsPush(header) {
		s.logger.Info("ignoring webhook event", "provider", provider.Name())
		return Outcome{Ignored: true}, nil
	}
	payload := provider.Parse(body)
	if payload == nil {
		s.logger.Warn("failed to parse webhook payload", "provider", provider.Name())
		return Outcome{}, ErrInvalidPayload
	}
	s.logger.Info("webhook received",
		"provider", provider.Name(),
		"repository", payload.Repository.FullName,
		"branch", payload.Branch(),
		"commits", len(payload.Commits),
	)
	deployments, err := s.HandlePush(ctx, payload, projectID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Triggered: len(deployments), Deployments: deployments}, nil
}

// HandlePush creates and starts a PENDING deployment for every auto-deploy
// project tracking the pushed repository and branch. When scope is set only
// that project is considered.
func (s *Service) HandlePush(ctx context.Context, payload *webhook.Payload, scope string) ([]domain.Deployment, error) {
	branch := payload.Branch()
	candidates, err := s.projects.ListAutoDeployProjects(ctx, branch)
	if err != nil {
		return nil, fmt.Errorf("list auto deploy projects: %w", err)
	}
	repoURL := webhook.NormalizeURL(payload.Repository.URL)
	commit := payload.LatestCommit()

	var triggered []domain.Deployment
	for _, project := range candidates {
		if !project.AutoDeploy || webhook.NormalizeURL(project.GitURL) != repoURL {
			continue
		}
		if scope != "" && project.ID != scope {
			continue
		}
		now := s.now().UTC()
		dep := &domain.Deployment{
			ID:        uuid.NewString(),
			ProjectID: project.ID,
			Version:   "v" + strconv.FormatInt(now.UnixMilli(), 10),
			Status:    domain.DeploymentPending,
			Source:    build.SourceAuto,
			GitURL:    project.GitURL,
			GitBranch: branch,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if commit != nil {
			dep.GitCommitHash = commit.ID
			dep.GitCommitMessage = commit.Message
			dep.GitAuthor = commit.Author.Name
		}
		if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
			s.logger.Error("failed to trigger deployment", "project_id", project.ID, "error", err)
			continue
		}
		s.logger.Info("triggered deployment", "deployment_id", dep.ID, "project_id", project.ID)
		if s.starter != nil {
			s.starter.Start(dep, build.Options{
				ProjectID: project.ID,
				Source:    build.SourceAuto,
				GitURL:    project.GitURL,
				GitBranch: branch,
				GitCommit: dep.GitCommitHash,
			})
		}
		triggered = append(triggered, *dep)
	}
	if len(triggered) == 0 {
		s.logger.Info("no projects matched push", "repository", payload.Repository.URL, "branch", branch)
	}
	return triggered, nil
}

func (s *Service) authorize(ctx context.Context, userID, projectID string) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID != userID {
		return repository.ErrNotFound
	}
	return nil
}

// Setup describes how to configure a provider to call this service.
type Setup struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers,omitempty"`
	Notes   []string          `json:"notes"`
}

// Instructions returns provider setup steps rooted at baseURL.
func Instructions(provider, baseURL string) (Setup, bool) {
	base := strings.TrimRight(baseURL, "/") + "/api/webhooks/"
	switch strings.ToLower(provider) {
	case "github":
		return Setup{
			URL:     base + "github",
			Events:  []string{"push"},
			Headers: map[string]string{"X-Hub-Signature-256": "Required for signature verification"},
			Notes: []string{
				"Set the webhook secret in the repository settings",
				"Content type: application/json",
			},
		}, true
	case "gitlab":
		return Setup{
			URL:     base + "gitlab",
			Events:  []string{"Push events"},
			Headers: map[string]string{"X-Gitlab-Token": "Required for authentication"},
			Notes:   []string{"Set the Secret Token in the project webhook settings"},
		}, true
	case "bitbucket":
		return Setup{
			URL:     base + "bitbucket",
			Events:  []string{"Repository push"},
			Headers: map[string]string{"X-Hub-Signature": "Required for signature verification"},
			Notes:   []string{"Set the webhook secret in the repository webhook settings"},
		}, true
	}
	return Setup{}, false
}
