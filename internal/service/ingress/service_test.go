package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/traefik"
)

type fakeDomainRepo struct {
	mu      sync.Mutex
	domains map[string]*domain.Domain
	updates int
}

func newFakeDomainRepo(domains ...domain.Domain) *fakeDomainRepo {
	r := &fakeDomainRepo{domains: map[string]*domain.Domain{}}
	for i := range domains {
		d := domains[i]
		r.domains[d.ID] = &d
	}
	return r
}

func (r *fakeDomainRepo) CreateDomain(_ context.Context, d *domain.Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.domains[d.ID] = &cp
	return nil
}

func (r *fakeDomainRepo) UpdateDomain(_ context.Context, d *domain.Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.domains[d.ID] = &cp
	r.updates++
	return nil
}

func (r *fakeDomainRepo) DeleteDomain(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.domains, id)
	return nil
}

func (r *fakeDomainRepo) GetDomainByID(_ context.Context, id string) (*domain.Domain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.domains[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeDomainRepo) GetDomainByName(_ context.Context, name string) (*domain.Domain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.domains {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDomainRepo) ListDomainsByProject(_ context.Context, projectID string) ([]domain.Domain, error) {
	return r.filter(func(d *domain.Domain) bool { return d.ProjectID == projectID }), nil
}

func (r *fakeDomainRepo) ListDomainsByStatus(_ context.Context, statuses ...domain.DomainStatus) ([]domain.Domain, error) {
	return r.filter(func(d *domain.Domain) bool {
		for _, s := range statuses {
			if d.Status == s {
				return true
			}
		}
		return false
	}), nil
}

func (r *fakeDomainRepo) filter(keep func(*domain.Domain) bool) []domain.Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Domain
	for _, d := range r.domains {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeContainerRepo struct {
	running map[string]*domain.Container
}

func (r *fakeContainerRepo) CreateContainer(context.Context, *domain.Container) error { return nil }
func (r *fakeContainerRepo) UpdateContainerStatus(context.Context, string, domain.ContainerStatus) error {
	return nil
}
func (r *fakeContainerRepo) UpdateContainerStatusByDockerID(context.Context, string, domain.ContainerStatus) error {
	return nil
}
func (r *fakeContainerRepo) DeleteContainer(context.Context, string) error { return nil }
func (r *fakeContainerRepo) ListProjectContainers(context.Context, string) ([]domain.Container, error) {
	return nil, nil
}
func (r *fakeContainerRepo) GetRunningContainer(_ context.Context, projectID string) (*domain.Container, error) {
	c, ok := r.running[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, domains *fakeDomainRepo, containers *fakeContainerRepo) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dynamic", "launchpad.yml")
	store := traefik.NewStore(path, discardLogger())
	return New(store, domains, containers, "", "", discardLogger()), path
}

func TestAddRouteWithSSL(t *testing.T) {
	svc, _ := newTestService(t, newFakeDomainRepo(), &fakeContainerRepo{})
	if err := svc.AddRoute(context.Background(), Route{ProjectID: "p1", Domain: "app.example.com", ContainerName: "web-1", ContainerPort: 3000, EnableSSL: true}); err != nil {
		t.Fatalf("add route: %v", err)
	}
	doc := svc.store.Read()
	router := doc.HTTP.Routers["p1-app-example-com"]
	if router == nil {
		t.Fatalf("expected router p1-app-example-com, got %v", doc.HTTP.Routers)
	}
	if router.Rule != "Host(`app.example.com`)" {
		t.Fatalf("unexpected rule %q", router.Rule)
	}
	if len(router.EntryPoints) != 1 || router.EntryPoints[0] != "websecure" {
		t.Fatalf("expected websecure entry point, got %v", router.EntryPoints)
	}
	if router.TLS == nil || router.TLS.CertResolver != "letsencrypt" || router.TLS.Domains[0].Main != "app.example.com" {
		t.Fatalf("unexpected tls config %+v", router.TLS)
	}
	svcCfg := doc.HTTP.Services["p1-service"]
	if svcCfg == nil || svcCfg.LoadBalancer.Servers[0].URL != "http://web-1:3000" || !svcCfg.LoadBalancer.PassHostHeader {
		t.Fatalf("unexpected service %+v", svcCfg)
	}
}

func TestAddRouteWithoutSSL(t *testing.T) {
	svc, _ := newTestService(t, newFakeDomainRepo(), &fakeContainerRepo{})
	if err := svc.AddRoute(context.Background(), Route{ProjectID: "p1", Domain: "plain.test", ContainerName: "web-1"}); err != nil {
		t.Fatalf("add route: %v", err)
	}
	router := svc.store.Read().HTTP.Routers["p1-plain-test"]
	if router.TLS != nil || router.EntryPoints[0] != "web" {
		t.Fatalf("expected plain web router, got %+v", router)
	}
	if url := svc.store.Read().HTTP.Services["p1-service"].LoadBalancer.Servers[0].URL; url != "http://web-1:80" {
		t.Fatalf("expected default port 80, got %s", url)
	}
}

func TestRemoveRouteKeepsSharedService(t *testing.T) {
	svc, _ := newTestService(t, newFakeDomainRepo(), &fakeContainerRepo{})
	ctx := context.Background()
	for _, host := range []string{"a.example.com", "b.example.com"} {
		if err := svc.AddRoute(ctx, Route{ProjectID: "p1", Domain: host, ContainerName: "web-1", ContainerPort: 8080}); err != nil {
			t.Fatalf("add route: %v", err)
		}
	}
	if err := svc.RemoveRoute(ctx, "p1", "a.example.com"); err != nil {
		t.Fatalf("remove route: %v", err)
	}
	doc := svc.store.Read()
	if _, ok := doc.HTTP.Services["p1-service"]; !ok {
		t.Fatalf("expected service to survive while b.example.com references it")
	}
	if err := svc.RemoveRoute(ctx, "p1", "b.example.com"); err != nil {
		t.Fatalf("remove route: %v", err)
	}
	doc = svc.store.Read()
	if len(doc.HTTP.Routers) != 0 || len(doc.HTTP.Services) != 0 {
		t.Fatalf("expected empty document, got routers=%v services=%v", doc.HTTP.Routers, doc.HTTP.Services)
	}
}

func TestUpdateDomainActivates(t *testing.T) {
	domains := newFakeDomainRepo(domain.Domain{ID: "d1", ProjectID: "p1", Name: "app.test", Status: domain.DomainVerifying})
	containers := &fakeContainerRepo{running: map[string]*domain.Container{
		"p1": {ID: "c1", ProjectID: "p1", Name: "app-green", Ports: []domain.PortMapping{{Container: 5000}}},
	}}
	svc, _ := newTestService(t, domains, containers)

	d, err := svc.UpdateDomain(context.Background(), "d1")
	if err != nil {
		t.Fatalf("update domain: %v", err)
	}
	if d.Status != domain.DomainActive || d.VerifiedAt == nil {
		t.Fatalf("expected ACTIVE with verifiedAt, got %+v", d)
	}
	if url := svc.store.Read().HTTP.Services["p1-service"].LoadBalancer.Servers[0].URL; url != "http://app-green:5000" {
		t.Fatalf("expected backend on primary port, got %s", url)
	}
}

func TestUpdateDomainWithoutContainer(t *testing.T) {
	domains := newFakeDomainRepo(domain.Domain{ID: "d1", ProjectID: "p1", Name: "app.test", Status: domain.DomainPending})
	svc, path := newTestService(t, domains, &fakeContainerRepo{})

	if _, err := svc.UpdateDomain(context.Background(), "d1"); err != ErrNoRunningContainer {
		t.Fatalf("expected ErrNoRunningContainer, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no config written, got %v", err)
	}
	if d, _ := domains.GetDomainByID(context.Background(), "d1"); d.Status != domain.DomainPending {
		t.Fatalf("expected status untouched, got %s", d.Status)
	}
}

func TestSyncAllDomainsIsIdempotent(t *testing.T) {
	domains := newFakeDomainRepo(
		domain.Domain{ID: "d1", ProjectID: "p1", Name: "one.test", Status: domain.DomainActive, SSLEnabled: true},
		domain.Domain{ID: "d2", ProjectID: "p2", Name: "two.test", Status: domain.DomainVerifying},
		domain.Domain{ID: "d3", ProjectID: "p3", Name: "three.test", Status: domain.DomainVerifying},
		domain.Domain{ID: "d4", ProjectID: "p1", Name: "pending.test", Status: domain.DomainPending},
	)
	containers := &fakeContainerRepo{running: map[string]*domain.Container{
		"p1": {ID: "c1", ProjectID: "p1", Name: "one"},
		"p2": {ID: "c2", ProjectID: "p2", Name: "two", Ports: []domain.PortMapping{{Container: 3000}}},
	}}
	svc, path := newTestService(t, domains, containers)
	ctx := context.Background()

	first, err := svc.SyncAllDomains(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if first != 2 {
		t.Fatalf("expected 2 synced domains, got %d", first)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	info, _ := os.Stat(path)
	updates := domains.updates

	second, err := svc.SyncAllDomains(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if second != first {
		t.Fatalf("expected %d synced domains on second run, got %d", first, second)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("expected unchanged document\nbefore:\n%s\nafter:\n%s", before, after)
	}
	info2, _ := os.Stat(path)
	if !info.ModTime().Equal(info2.ModTime()) {
		t.Fatalf("expected config file not to be rewritten")
	}
	if domains.updates != updates {
		t.Fatalf("expected no domain writes on second sync, got %d", domains.updates-updates)
	}
	if d, _ := domains.GetDomainByID(ctx, "d4"); d.Status != domain.DomainPending {
		t.Fatalf("expected pending domain to be skipped")
	}
}

func TestSyncProjectOnlyTouchesProject(t *testing.T) {
	domains := newFakeDomainRepo(
		domain.Domain{ID: "d1", ProjectID: "p1", Name: "one.test", Status: domain.DomainActive},
		domain.Domain{ID: "d2", ProjectID: "p2", Name: "two.test", Status: domain.DomainActive},
	)
	containers := &fakeContainerRepo{running: map[string]*domain.Container{
		"p1": {ID: "c1", ProjectID: "p1", Name: "one"},
		"p2": {ID: "c2", ProjectID: "p2", Name: "two"},
	}}
	svc, _ := newTestService(t, domains, containers)

	n, err := svc.SyncProject(context.Background(), "p1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 synced domain, got %d (%v)", n, err)
	}
	if _, ok := svc.store.Read().HTTP.Routers["p2-two-test"]; ok {
		t.Fatalf("expected p2 router untouched")
	}
}

func TestAddMiddleware(t *testing.T) {
	svc, _ := newTestService(t, newFakeDomainRepo(), &fakeContainerRepo{})
	ctx := context.Background()
	if err := svc.AddMiddleware(ctx, "redirect-https", map[string]any{"redirectScheme": map[string]any{"scheme": "https"}}); err != nil {
		t.Fatalf("add middleware: %v", err)
	}
	if err := svc.AddMiddleware(ctx, " ", nil); err == nil {
		t.Fatalf("expected error for empty middleware name")
	}
	if _, ok := svc.store.Read().HTTP.Middlewares["redirect-https"]; !ok {
		t.Fatalf("expected middleware to be stored")
	}
}

func TestAddRouteRejectsInvalidHost(t *testing.T) {
	svc, _ := newTestService(t, newFakeDomainRepo(), &fakeContainerRepo{})
	err := svc.AddRoute(context.Background(), Route{ProjectID: "p1", Domain: "x`) || PathPrefix(`/", ContainerName: "web-1", ContainerPort: 3000})
	if !errors.Is(err, ErrInvalidHost) {
		t.Fatalf("expected ErrInvalidHost got %v", err)
	}
	if doc := svc.store.Read(); len(doc.HTTP.Routers) != 0 {
		t.Fatalf("expected no routers written, got %v", doc.HTTP.Routers)
	}
}

func TestHTTPSRedirectRouter(t *testing.T) {
	svc, _ := newTestService(t, newFakeDomainRepo(), &fakeContainerRepo{})
	ctx := context.Background()
	if err := svc.EnableHTTPSRedirect(ctx); err != nil {
		t.Fatalf("enable redirect: %v", err)
	}
	route := Route{ProjectID: "p1", Domain: "app.example.com", ContainerName: "web-1", ContainerPort: 3000, EnableSSL: true}
	if err := svc.AddRoute(ctx, route); err != nil {
		t.Fatalf("add route: %v", err)
	}
	doc := svc.store.Read()
	plain := doc.HTTP.Routers["p1-app-example-com-http"]
	if plain == nil {
		t.Fatalf("expected http redirect router, got %v", doc.HTTP.Routers)
	}
	if len(plain.Middlewares) != 1 || plain.Middlewares[0] != HTTPSRedirectMiddleware {
		t.Fatalf("unexpected middlewares %v", plain.Middlewares)
	}
	if _, ok := doc.HTTP.Middlewares[HTTPSRedirectMiddleware]; !ok {
		t.Fatalf("expected redirect middleware definition")
	}

	route.EnableSSL = false
	if err := svc.AddRoute(ctx, route); err != nil {
		t.Fatalf("add route without ssl: %v", err)
	}
	if _, ok := svc.store.Read().HTTP.Routers["p1-app-example-com-http"]; ok {
		t.Fatalf("expected redirect router dropped when ssl is off")
	}

	route.EnableSSL = true
	if err := svc.AddRoute(ctx, route); err != nil {
		t.Fatalf("add route: %v", err)
	}
	if err := svc.RemoveRoute(ctx, "p1", "app.example.com"); err != nil {
		t.Fatalf("remove route: %v", err)
	}
	doc = svc.store.Read()
	if len(doc.HTTP.Routers) != 0 || len(doc.HTTP.Services) != 0 {
		t.Fatalf("expected routers and service removed, got %v %v", doc.HTTP.Routers, doc.HTTP.Services)
	}
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ping":
			w.WriteHeader(http.StatusOK)
		case "/api/http/routers":
			_, _ = w.Write([]byte(`[{"name":"a"},{"name":"b"}]`))
		case "/api/http/services":
			_, _ = w.Write([]byte(`[{"name":"a"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	store := traefik.NewStore(filepath.Join(t.TempDir(), "dyn.yml"), discardLogger())
	svc := New(store, newFakeDomainRepo(), &fakeContainerRepo{}, "", server.URL+"/api/", discardLogger())
	status := svc.Status(context.Background())
	if !status.Running || status.Routers != 2 || status.Services != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if status := svc.Status(ctx); status.Running {
		t.Fatalf("expected stopped proxy to report not running")
	}
}
