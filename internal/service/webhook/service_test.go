package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/crypto"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/webhook"
)

const (
	testKey    = "encryption-key"
	testGlobal = "global-secret"
)

type fakeProjects struct {
	projects []domain.Project
}

func (f *fakeProjects) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	for _, p := range f.projects {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListAutoDeployProjects filters by branch only so the service's own checks are exercised.
func (f *fakeProjects) ListAutoDeployProjects(_ context.Context, branch string) ([]domain.Project, error) {
	var out []domain.Project
	for _, p := range f.projects {
		if p.GitBranch == branch {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakeProjects) ListProjectEnvVars(context.Context, string) ([]domain.ProjectEnvVar, error) {
	return nil, nil
}
func (f *fakeProjects) RecordRelease(context.Context, domain.ProjectRelease) error { return nil }

type fakeDeployments struct {
	mu      sync.Mutex
	created []domain.Deployment
}

func (f *fakeDeployments) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *d)
	return nil
}
func (f *fakeDeployments) UpdateDeployment(context.Context, *domain.Deployment) error { return nil }
func (f *fakeDeployments) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeDeployments) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

type fakeWebhooks struct {
	secrets map[string][]byte
}

func (f *fakeWebhooks) UpsertWebhook(_ context.Context, projectID string, secret []byte) error {
	f.secrets[projectID] = secret
	return nil
}
func (f *fakeWebhooks) GetWebhookSecret(_ context.Context, projectID string) ([]byte, error) {
	s, ok := f.secrets[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

type started struct {
	dep  domain.Deployment
	opts build.Options
}

type fakeStarter struct {
	runs []started
}

func (f *fakeStarter) Start(dep *domain.Deployment, opts build.Options) {
	f.runs = append(f.runs, started{dep: *dep, opts: opts})
}

type fixture struct {
	svc         *Service
	deployments *fakeDeployments
	webhooks    *fakeWebhooks
	starter     *fakeStarter
}

func newFixture() *fixture {
	f := &fixture{
		deployments: &fakeDeployments{},
		webhooks:    &fakeWebhooks{secrets: map[string][]byte{}},
		starter:     &fakeStarter{},
	}
	projects := &fakeProjects{projects: []domain.Project{
		{ID: "enabled", OwnerID: "alice", GitURL: "https://github.com/acme/shop.git", GitBranch: "main", AutoDeploy: true},
		{ID: "disabled", OwnerID: "alice", GitURL: "https://github.com/acme/shop", GitBranch: "main", AutoDeploy: false},
		{ID: "other-repo", OwnerID: "alice", GitURL: "https://github.com/acme/blog", GitBranch: "main", AutoDeploy: true},
		{ID: "other-branch", OwnerID: "alice", GitURL: "https://github.com/acme/shop", GitBranch: "develop", AutoDeploy: true},
	}}
	f.svc = New(projects, f.deployments, f.webhooks, f.starter, testKey, testGlobal, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

const githubPush = `{
  "ref": "refs/heads/main",
  "repository": {"full_name": "acme/shop", "clone_url": "https://github.com/acme/shop.git"},
  "pusher": {"name": "dev", "email": "dev@example.com"},
  "commits": [
    {"id": "111", "message": "first", "author": {"name": "Dev", "email": "dev@example.com"}, "timestamp": "2024-01-01T00:00:00Z"},
    {"id": "222", "message": "second", "author": {"name": "Dev", "email": "dev@example.com"}, "timestamp": "2024-01-01T00:01:00Z"}
  ]
}`

func signedHeader(body []byte, secret, event string) http.Header {
	h := http.Header{}
	h.Set("X-GitHub-Event", event)
	h.Set("X-Hub-Signature-256", "sha256="+webhook.Sign(body, secret))
	return h
}

func TestGitHubPushTriggersOnlyEnabledProject(t *testing.T) {
	f := newFixture()
	body := []byte(githubPush)

	out, err := f.svc.Receive(context.Background(), webhook.GitHub{}, "", signedHeader(body, testGlobal, "push"), body)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if out.Triggered != 1 || len(f.deployments.created) != 1 {
		t.Fatalf("expected exactly one deployment, got %d (%v)", out.Triggered, f.deployments.created)
	}
	dep := f.deployments.created[0]
	if dep.ProjectID != "enabled" || dep.Status != domain.DeploymentPending {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	if dep.GitCommitHash != "222" || dep.GitCommitMessage != "second" || dep.GitAuthor != "Dev" {
		t.Fatalf("expected latest commit provenance, got %+v", dep)
	}
	if len(f.starter.runs) != 1 || f.starter.runs[0].opts.GitBranch != "main" || f.starter.runs[0].opts.GitURL == "" {
		t.Fatalf("expected deployment to be started, got %+v", f.starter.runs)
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	f := newFixture()
	body := []byte(githubPush)
	header := signedHeader(body, "wrong-secret", "push")

	if _, err := f.svc.Receive(context.Background(), webhook.GitHub{}, "", header, body); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if len(f.deployments.created) != 0 {
		t.Fatalf("expected no deployments after signature failure")
	}
}

func TestReceiveIgnoresNonPushEvents(t *testing.T) {
	f := newFixture()
	body := []byte(`{"zen": "Keep it logically awesome."}`)
	out, err := f.svc.Receive(context.Background(), webhook.GitHub{}, "", signedHeader(body, testGlobal, "ping"), body)
	if err != nil || !out.Ignored {
		t.Fatalf("expected ignored event, got %+v (%v)", out, err)
	}
}

func TestReceiveRejectsUnparseablePush(t *testing.T) {
	f := newFixture()
	body := []byte(`{"invalid": "data"}`)
	if _, err := f.svc.Receive(context.Background(), webhook.GitHub{}, "", signedHeader(body, testGlobal, "push"), body); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestProjectScopedSecret(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.svc.UpsertSecret(ctx, "mallory", "enabled", "s3cret"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}
	if err := f.svc.UpsertSecret(ctx, "alice", "enabled", "s3cret"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if plain, err := crypto.DecryptToString(testKey, f.webhooks.secrets["enabled"]); err != nil || plain != "s3cret" {
		t.Fatalf("expected encrypted secret at rest, got %q (%v)", plain, err)
	}

	body := []byte(githubPush)
	if _, err := f.svc.Receive(ctx, webhook.GitHub{}, "enabled", signedHeader(body, testGlobal, "push"), body); !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Fatalf("expected global secret to be rejected for scoped project, got %v", err)
	}
	out, err := f.svc.Receive(ctx, webhook.GitHub{}, "enabled", signedHeader(body, "s3cret", "push"), body)
	if err != nil || out.Triggered != 1 {
		t.Fatalf("expected one deployment, got %+v (%v)", out, err)
	}
}

func TestGenerateSecret(t *testing.T) {
	f := newFixture()
	secret, err := f.svc.GenerateSecret(context.Background(), "alice", "enabled")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(secret) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(secret))
	}
	if got, _ := f.svc.Secret(context.Background(), "enabled"); got != secret {
		t.Fatalf("expected stored secret to round trip")
	}
}

func TestInstructions(t *testing.T) {
	setup, ok := Instructions("gitlab", "https://panel.example.com/")
	if !ok || setup.URL != "https://panel.example.com/api/webhooks/gitlab" {
		t.Fatalf("unexpected setup %+v", setup)
	}
	if _, ok := Instructions("gitea", "https://panel.example.com"); ok {
		t.Fatalf("expected unknown provider to be rejected")
	}
}
