package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/jwt"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/bluegreen"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/domains"
	"github.com/splax/launchpad/internal/service/ingress"
	webhooksvc "github.com/splax/launchpad/internal/service/webhook"
	"github.com/splax/launchpad/internal/webhook"
	"github.com/splax/launchpad/internal/ws"
)

const testSecret = "test-jwt-secret"

type deploymentsStub struct {
	mu         sync.Mutex
	triggerIn  deploy.TriggerInput
	triggerUID string
	triggerErr error
	listLimit  int
	getErr     error
}

func (s *deploymentsStub) Trigger(_ context.Context, userID string, in deploy.TriggerInput) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggerIn = in
	s.triggerUID = userID
	if s.triggerErr != nil {
		return nil, s.triggerErr
	}
	return &domain.Deployment{ID: "dep-1", ProjectID: in.ProjectID, Status: domain.DeploymentBuilding}, nil
}

func (s *deploymentsStub) Redeploy(_ context.Context, _, deploymentID string) (*domain.Deployment, error) {
	if deploymentID == "failed" {
		return nil, deploy.ErrNotRedeployable
	}
	return &domain.Deployment{ID: "dep-2", Version: "rollback-v1", Status: domain.DeploymentDeploying}, nil
}

func (s *deploymentsStub) List(_ context.Context, _, projectID string, limit int) ([]domain.Deployment, error) {
	s.mu.Lock()
	s.listLimit = limit
	s.mu.Unlock()
	return []domain.Deployment{{ID: "a", ProjectID: projectID}, {ID: "b", ProjectID: projectID}}, nil
}

func (s *deploymentsStub) Get(_ context.Context, _, deploymentID string) (*domain.Deployment, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return &domain.Deployment{ID: deploymentID}, nil
}

type detectorStub struct{}

func (detectorStub) Detect(string) build.Detection {
	return build.Detection{Type: "node", Buildpack: build.SourceBuildpack, Recommendations: map[string]bool{"buildpack": true, "dockerfile": false}}
}

type releasesStub struct {
	mu       sync.Mutex
	opts     []bluegreen.Options
	result   bluegreen.Result
	block    chan struct{}
	rollback bluegreen.RollbackResult
}

func (s *releasesStub) Deploy(_ context.Context, opts bluegreen.Options) bluegreen.Result {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = append(s.opts, opts)
	return s.result
}

func (s *releasesStub) Rollback(context.Context, string, string) bluegreen.RollbackResult {
	return s.rollback
}

func (s *releasesStub) calls() []bluegreen.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bluegreen.Options(nil), s.opts...)
}

type webhooksStub struct {
	projectID string
	outcome   webhooksvc.Outcome
	err       error
	secret    string
}

func (s *webhooksStub) Receive(_ context.Context, _ webhook.Provider, projectID string, _ http.Header, _ []byte) (webhooksvc.Outcome, error) {
	s.projectID = projectID
	return s.outcome, s.err
}

func (s *webhooksStub) UpsertSecret(_ context.Context, _, _, secret string) error {
	s.secret = secret
	return nil
}

func (s *webhooksStub) GenerateSecret(context.Context, string, string) (string, error) {
	return "generated", nil
}

type domainsStub struct {
	created domains.CreateInput
	err     error
}

func (s *domainsStub) ListByProject(context.Context, string, string) ([]domain.Domain, error) {
	return []domain.Domain{{ID: "d1"}}, s.err
}

func (s *domainsStub) Create(_ context.Context, _ string, in domains.CreateInput) (*domain.Domain, error) {
	s.created = in
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Domain{ID: "d1", Name: in.Name, Status: domain.DomainPending}, nil
}

func (s *domainsStub) Get(_ context.Context, _, id string) (*domain.Domain, error) {
	return &domain.Domain{ID: id}, s.err
}

func (s *domainsStub) Update(_ context.Context, _, id string, _ domains.UpdateInput) (*domain.Domain, error) {
	return &domain.Domain{ID: id}, s.err
}

func (s *domainsStub) Delete(context.Context, string, string) error { return s.err }

func (s *domainsStub) Verify(_ context.Context, _, id string) (*domain.Domain, error) {
	return &domain.Domain{ID: id, Status: domain.DomainVerifying}, s.err
}

func (s *domainsStub) SSLStatus(context.Context, string, string) (domains.SSLStatus, error) {
	return domains.SSLStatus{Enabled: true}, s.err
}

func (s *domainsStub) Activate(_ context.Context, _, id string) (*domain.Domain, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Domain{ID: id, Status: domain.DomainActive}, nil
}

func (s *domainsStub) Sync(context.Context) (int, error) { return 3, s.err }

func (s *domainsStub) ProxyStatus(context.Context) ingress.Status {
	return ingress.Status{Running: true, Routers: 2, Services: 1}
}

type projectsStub struct {
	projects map[string]domain.Project
}

func (p *projectsStub) GetProjectByID(_ context.Context, id string) (*domain.Project, error) {
	project, ok := p.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &project, nil
}

func (p *projectsStub) ListAutoDeployProjects(context.Context, string) ([]domain.Project, error) {
	return nil, nil
}

func (p *projectsStub) ListProjectEnvVars(context.Context, string) ([]domain.ProjectEnvVar, error) {
	return nil, nil
}

func (p *projectsStub) RecordRelease(context.Context, domain.ProjectRelease) error { return nil }

type eventsStub struct {
	registered   chan string
	unregistered chan string

	mu   sync.Mutex
	last ws.Subscriber
}

func (e *eventsStub) Register(projectID string, sub ws.Subscriber) {
	e.mu.Lock()
	e.last = sub
	e.mu.Unlock()
	e.registered <- projectID
}

func (e *eventsStub) subscriber() ws.Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *eventsStub) Unregister(projectID string, _ ws.Subscriber) { e.unregistered <- projectID }

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []string
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func (l *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	l.mu.Lock()
	l.calls = append(l.calls, key)
	l.mu.Unlock()
	if l.allowFn != nil {
		return l.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (l *rateLimiterStub) Close() {}

type fixture struct {
	router      *Router
	deployments *deploymentsStub
	releases    *releasesStub
	webhooks    *webhooksStub
	domains     *domainsStub
	events      *eventsStub
	limiter     *rateLimiterStub
	dbErr       error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		deployments: &deploymentsStub{},
		releases:    &releasesStub{result: bluegreen.Result{Success: true, NewContainerID: "green", OldContainerID: "blue"}, rollback: bluegreen.RollbackResult{Success: true}},
		webhooks:    &webhooksStub{},
		domains:     &domainsStub{},
		events:      &eventsStub{registered: make(chan string, 1), unregistered: make(chan string, 1)},
		limiter:     &rateLimiterStub{},
	}
	deps := Dependencies{
		Deployments: f.deployments,
		Detector:    detectorStub{},
		Releases:    f.releases,
		Webhooks:    f.webhooks,
		Domains:     f.domains,
		Events:      f.events,
		Projects: &projectsStub{projects: map[string]domain.Project{
			"proj-1": {ID: "proj-1", OwnerID: "user-1"},
			"proj-2": {ID: "proj-2", OwnerID: "someone-else"},
		}},
		Limiter: f.limiter,
		HealthChecks: map[string]func(context.Context) error{
			"database": func(context.Context) error { return f.dbErr },
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.router = NewRouter(logger, deps, Settings{JWTSecret: testSecret, PublicURL: "https://panel.example.com"})
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.GenerateToken(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	f.dbErr = errors.New("connection refused")
	rr = f.do(t, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if got := body["status"]; got != "degraded" {
		t.Fatalf("expected degraded got %v", got)
	}
	if checks, _ := body["checks"].(map[string]any); checks["database"] != "unavailable" {
		t.Fatalf("expected database unavailable got %v", body["checks"])
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"missing": "",
		"scheme":  "Basic abc",
		"forged":  "Bearer not-a-jwt",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/builds/dep-1", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			f.router.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 got %d", rr.Code)
			}
		})
	}
}

func TestAccessTokenQueryOnlyForGet(t *testing.T) {
	f := newFixture(t)
	tok := token(t, "user-1")

	req := httptest.NewRequest(http.MethodGet, "/api/builds/project/proj-1?access_token="+tok, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/domains/sync?access_token="+tok, nil)
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for query token on POST got %d", rr.Code)
	}
}

func TestCreateBuild(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/builds", map[string]any{
		"projectId": "proj-1",
		"source":    "dockerfile",
		"gitUrl":    "https://github.com/acme/app.git",
		"gitBranch": "develop",
		"buildArgs": map[string]string{"NODE_ENV": "production"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["message"] != "Build started" {
		t.Fatalf("unexpected message %v", body["message"])
	}
	if dep, ok := body["deployment"].(map[string]any); !ok || dep["id"] != "dep-1" {
		t.Fatalf("unexpected deployment %v", body["deployment"])
	}
	if f.deployments.triggerUID != "user-1" {
		t.Fatalf("expected caller user-1 got %q", f.deployments.triggerUID)
	}
	in := f.deployments.triggerIn
	if in.GitBranch != "develop" || in.Source != "dockerfile" || in.BuildArgs["NODE_ENV"] != "production" {
		t.Fatalf("unexpected trigger input %+v", in)
	}
}

func TestCreateBuildErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   any
		err    error
		status int
	}{
		{name: "invalid json", body: "{", status: http.StatusBadRequest},
		{name: "missing project", body: map[string]any{"source": "dockerfile"}, status: http.StatusBadRequest},
		{name: "unknown source", body: map[string]any{"projectId": "proj-1", "source": "heroku"}, status: http.StatusBadRequest},
		{name: "no context", body: map[string]any{"projectId": "proj-1"}, err: deploy.ErrNoBuildContext, status: http.StatusBadRequest},
		{name: "not owned", body: map[string]any{"projectId": "proj-2"}, err: deploy.ErrProjectNotFound, status: http.StatusNotFound},
		{name: "clone failure", body: map[string]any{"projectId": "proj-1"}, err: errors.New("clone repository: exit status 128"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.deployments.triggerErr = tc.err
			rr := f.do(t, http.MethodPost, "/api/builds", tc.body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestListBuildsLimit(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/builds/project/proj-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if f.deployments.listLimit != defaultListLimit {
		t.Fatalf("expected default limit got %d", f.deployments.listLimit)
	}
	if total := decodeBody(t, rr)["total"]; total != float64(2) {
		t.Fatalf("expected total 2 got %v", total)
	}

	f.do(t, http.MethodGet, "/api/builds/project/proj-1?limit=5", nil)
	if f.deployments.listLimit != 5 {
		t.Fatalf("expected limit 5 got %d", f.deployments.listLimit)
	}
	if rr := f.do(t, http.MethodGet, "/api/builds/project/proj-1?limit=abc", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit got %d", rr.Code)
	}
}

func TestGetBuildNotFound(t *testing.T) {
	f := newFixture(t)
	f.deployments.getErr = repository.ErrNotFound
	if rr := f.do(t, http.MethodGet, "/api/builds/dep-9", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestRedeploy(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(t, http.MethodPost, "/api/builds/dep-1/rollback", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/builds/failed/rollback", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-successful deployment got %d", rr.Code)
	}
}

func TestDetect(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/builds/detect", map[string]string{"context": "/srv/app"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["type"] != "node" || body["buildpack"] != "buildpack" {
		t.Fatalf("unexpected detection %v", body)
	}
	if rr := f.do(t, http.MethodPost, "/api/builds/detect", map[string]string{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without context got %d", rr.Code)
	}
}

func TestBlueGreenValidation(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{"projectId": "proj-1", "newImage": "acme/app", "newTag": "v2"}
	}
	cases := []struct {
		name   string
		mutate func(map[string]any)
		status int
	}{
		{name: "defaults", mutate: func(map[string]any) {}, status: http.StatusOK},
		{name: "timeout too small", mutate: func(b map[string]any) { b["healthCheckTimeout"] = 4 }, status: http.StatusBadRequest},
		{name: "timeout too large", mutate: func(b map[string]any) { b["healthCheckTimeout"] = 301 }, status: http.StatusBadRequest},
		{name: "zero switchover", mutate: func(b map[string]any) { b["switchoverDelay"] = 0 }, status: http.StatusOK},
		{name: "negative switchover", mutate: func(b map[string]any) { b["switchoverDelay"] = -1 }, status: http.StatusBadRequest},
		{name: "bad health url", mutate: func(b map[string]any) { b["healthCheckUrl"] = "not a url" }, status: http.StatusBadRequest},
		{name: "bad port", mutate: func(b map[string]any) { b["ports"] = []map[string]any{{"container": 0}} }, status: http.StatusBadRequest},
		{name: "missing tag", mutate: func(b map[string]any) { delete(b, "newTag") }, status: http.StatusBadRequest},
		{name: "not owner", mutate: func(b map[string]any) { b["projectId"] = "proj-2" }, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			body := base()
			tc.mutate(body)
			rr := f.do(t, http.MethodPost, "/api/builds/blue-green", body)
			if rr.Code != tc.status {
				t.Fatalf("expected %d got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestBlueGreenOptionsMapping(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/builds/blue-green", map[string]any{
		"projectId":          "proj-1",
		"newImage":           "acme/app",
		"newTag":             "v2",
		"healthCheckUrl":     "http://app:3000/health",
		"healthCheckTimeout": 60,
		"switchoverDelay":    0,
		"keepOldContainer":   false,
		"ports":              []map[string]any{{"host": 8080, "container": 3000}},
		"volumes":            []map[string]any{{"source": "data", "target": "/data"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	calls := f.releases.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one deploy got %d", len(calls))
	}
	opts := calls[0]
	if opts.HealthCheckTimeout != time.Minute {
		t.Fatalf("expected 1m health timeout got %s", opts.HealthCheckTimeout)
	}
	if opts.SwitchoverDelay == nil || *opts.SwitchoverDelay != 0 {
		t.Fatalf("expected explicit zero switchover got %v", opts.SwitchoverDelay)
	}
	if opts.KeepOldContainer == nil || *opts.KeepOldContainer {
		t.Fatalf("expected keepOldContainer false")
	}
	if len(opts.Ports) != 1 || opts.Ports[0].Container != 3000 || opts.Ports[0].Host != 8080 {
		t.Fatalf("unexpected ports %+v", opts.Ports)
	}
	if len(opts.Volumes) != 1 || opts.Volumes[0] != "data:/data:rw" {
		t.Fatalf("unexpected volumes %v", opts.Volumes)
	}
}

func TestBlueGreenFailureReportsDetails(t *testing.T) {
	f := newFixture(t)
	f.releases.result = bluegreen.Result{Success: false, Error: "health check failed"}
	rr := f.do(t, http.MethodPost, "/api/builds/blue-green", map[string]any{"projectId": "proj-1", "newImage": "acme/app", "newTag": "v2"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
	if details := decodeBody(t, rr)["details"]; details != "health check failed" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestBlueGreenAsync(t *testing.T) {
	f := newFixture(t)
	f.releases.block = make(chan struct{})
	rr := f.do(t, http.MethodPost, "/api/builds/blue-green", map[string]any{"projectId": "proj-1", "newImage": "acme/app", "newTag": "v2", "async": true})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", rr.Code)
	}
	if n := len(f.releases.calls()); n != 0 {
		t.Fatalf("expected deploy still running got %d finished", n)
	}
	close(f.releases.block)
	f.router.wg.Wait()
	if n := len(f.releases.calls()); n != 1 {
		t.Fatalf("expected detached deploy to finish got %d", n)
	}
}

func TestBlueGreenRollback(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/builds/rollback", map[string]string{"projectId": "proj-1", "oldContainerId": "abc"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	f.releases.rollback = bluegreen.RollbackResult{Error: "container not found"}
	rr = f.do(t, http.MethodPost, "/api/builds/rollback", map[string]string{"projectId": "proj-1", "oldContainerId": "abc"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
}

func TestWebhookDelivery(t *testing.T) {
	cases := []struct {
		name    string
		path    string
		outcome webhooksvc.Outcome
		err     error
		status  int
		message string
	}{
		{name: "bad signature", path: "/api/webhooks/github", err: webhook.ErrInvalidSignature, status: http.StatusUnauthorized},
		{name: "ignored", path: "/api/webhooks/gitlab", outcome: webhooksvc.Outcome{Ignored: true}, status: http.StatusOK, message: "Event ignored"},
		{name: "invalid payload", path: "/api/webhooks/bitbucket", err: webhooksvc.ErrInvalidPayload, status: http.StatusBadRequest},
		{name: "unknown provider", path: "/api/webhooks/gitea", status: http.StatusNotFound},
		{name: "processed", path: "/api/webhooks/github", outcome: webhooksvc.Outcome{Triggered: 1, Deployments: []domain.Deployment{{ID: "d", ProjectID: "p", Status: domain.DeploymentPending}}}, status: http.StatusOK, message: "Webhook processed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.webhooks.outcome = tc.outcome
			f.webhooks.err = tc.err
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(`{"ref":"refs/heads/main"}`))
			rr := httptest.NewRecorder()
			f.router.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if tc.message != "" {
				if got := decodeBody(t, rr)["message"]; got != tc.message {
					t.Fatalf("expected message %q got %v", tc.message, got)
				}
			}
		})
	}
}

func TestWebhookProjectScope(t *testing.T) {
	f := newFixture(t)
	f.webhooks.outcome = webhooksvc.Outcome{Triggered: 0}
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github/proj-1", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if f.webhooks.projectID != "proj-1" {
		t.Fatalf("expected scoped project got %q", f.webhooks.projectID)
	}
	if got := decodeBody(t, rr)["triggered"]; got != float64(0) {
		t.Fatalf("expected triggered 0 got %v", got)
	}
}

func TestWebhookConfig(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/api/webhooks/config/github", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if url := decodeBody(t, rr)["url"]; url != "https://panel.example.com/api/webhooks/github" {
		t.Fatalf("unexpected url %v", url)
	}
	if rr := f.do(t, http.MethodGet, "/api/webhooks/config/svn", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestWebhookSecret(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(t, http.MethodPut, "/api/projects/proj-1/webhook/secret", map[string]string{"secret": "short"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short secret got %d", rr.Code)
	}
	rr := f.do(t, http.MethodPut, "/api/projects/proj-1/webhook/secret", map[string]string{"secret": "  0123456789abcdef  "})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if f.webhooks.secret != "0123456789abcdef" {
		t.Fatalf("expected trimmed secret got %q", f.webhooks.secret)
	}
	rr = f.do(t, http.MethodPost, "/api/projects/proj-1/webhook/secret/generate", nil)
	if rr.Code != http.StatusCreated || decodeBody(t, rr)["secret"] != "generated" {
		t.Fatalf("unexpected generate response %d %s", rr.Code, rr.Body.String())
	}
}

func TestDomainRoutes(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/domains", map[string]any{"name": "app.example.com", "projectId": "proj-1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	if !f.domains.created.SSLEnabled || !f.domains.created.SSLAutoRenew {
		t.Fatalf("expected ssl defaults on got %+v", f.domains.created)
	}
	if rr := f.do(t, http.MethodPost, "/api/domains", map[string]any{"name": "ab", "projectId": "proj-1"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short name got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/domains", map[string]any{"name": "x`) || PathPrefix(`/", "projectId": "proj-1"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-hostname got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/domains", map[string]any{"name": "app.example.com", "projectId": "proj-1", "dnsProvider": "godaddy"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown dns provider got %d", rr.Code)
	}

	rr = f.do(t, http.MethodDelete, "/api/domains/d1", nil)
	if got := decodeBody(t, rr)["message"]; got != "Domain deleted successfully" {
		t.Fatalf("unexpected delete message %v", got)
	}
	rr = f.do(t, http.MethodPost, "/api/domains/d1/verify", nil)
	if got := decodeBody(t, rr)["message"]; got != "Domain verification in progress" {
		t.Fatalf("unexpected verify message %v", got)
	}
	rr = f.do(t, http.MethodPost, "/api/domains/sync", nil)
	if got := decodeBody(t, rr)["message"]; got != "Synced 3 domain(s)" {
		t.Fatalf("unexpected sync message %v", got)
	}
	rr = f.do(t, http.MethodGet, "/api/domains/traefik/status", nil)
	if body := decodeBody(t, rr); body["running"] != true || body["routers"] != float64(2) {
		t.Fatalf("unexpected proxy status %v", body)
	}
	rr = f.do(t, http.MethodGet, "/api/domains/d1/ssl-status", nil)
	if _, ok := decodeBody(t, rr)["sslStatus"]; !ok {
		t.Fatalf("expected sslStatus in %s", rr.Body.String())
	}
}

func TestDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domains.ErrForbidden, http.StatusForbidden},
		{domains.ErrDomainExists, http.StatusConflict},
		{repository.ErrNotFound, http.StatusNotFound},
		{ingress.ErrNoRunningContainer, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t)
		f.domains.err = tc.err
		if rr := f.do(t, http.MethodPost, "/api/domains/d1/activate", nil); rr.Code != tc.status {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func TestRateLimitExceeded(t *testing.T) {
	f := newFixture(t)
	reset := time.Unix(1_950_000_000, 0)
	f.limiter.allowFn = func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false, count: 60, windowEnd: reset}
	}
	rr := f.do(t, http.MethodPost, "/api/domains/sync", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	f.limiter.mu.Lock()
	defer f.limiter.mu.Unlock()
	if len(f.limiter.calls) != 1 || f.limiter.calls[0] != "domains.sync|user:user-1" {
		t.Fatalf("unexpected limiter keys %v", f.limiter.calls)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/builds/project/proj-1/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "user-1"))
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()

	select {
	case id := <-f.events.registered:
		if id != "proj-1" {
			t.Fatalf("expected proj-1 got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client was not registered")
	}
	conn.Close()
	select {
	case <-f.events.unregistered:
	case <-time.After(2 * time.Second):
		t.Fatalf("client was not unregistered")
	}

	_, resp, err = websocket.DefaultDialer.Dial(strings.Replace(url, "proj-1", "proj-2", 1), header)
	if err == nil {
		t.Fatalf("expected dial to foreign project to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign project")
	}
}

func TestEventStreamSSE(t *testing.T) {
	f := newFixture(t)
	f.router.heartbeat = 20 * time.Millisecond
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	if rec := f.do(t, http.MethodGet, "/api/builds/project/proj-2/stream", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign project got %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/builds/project/proj-1/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream got %q", ct)
	}

	select {
	case <-f.events.registered:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream was not registered")
	}
	if err := f.events.subscriber().Send([]byte(`{"type":"deployment.status"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	var sawData, sawPing bool
	deadline := time.After(2 * time.Second)
	for !sawData || !sawPing {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early")
			}
			switch line {
			case `data: {"type":"deployment.status"}`:
				sawData = true
			case ": ping":
				sawPing = true
			}
		case <-deadline:
			t.Fatalf("expected data and heartbeat frames, data=%v ping=%v", sawData, sawPing)
		}
	}

	cancel()
	select {
	case <-f.events.unregistered:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream was not unregistered")
	}
}
