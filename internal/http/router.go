package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/service/bluegreen"
	"github.com/splax/launchpad/internal/service/deploy"
	"github.com/splax/launchpad/internal/service/domains"
	"github.com/splax/launchpad/internal/service/ingress"
	webhooksvc "github.com/splax/launchpad/internal/service/webhook"
	"github.com/splax/launchpad/internal/webhook"
	"github.com/splax/launchpad/internal/ws"
)

// Deployments runs and reads the deployment pipeline.
type Deployments interface {
	Trigger(ctx context.Context, userID string, in deploy.TriggerInput) (*domain.Deployment, error)
	Redeploy(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error)
	List(ctx context.Context, userID, projectID string, limit int) ([]domain.Deployment, error)
	Get(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error)
}

// Detector reports the build strategy for a context directory.
type Detector interface {
	Detect(contextPath string) build.Detection
}

// Releases performs blue-green switchovers.
type Releases interface {
	Deploy(ctx context.Context, opts bluegreen.Options) bluegreen.Result
	Rollback(ctx context.Context, projectID, oldContainerID string) bluegreen.RollbackResult
}

// Webhooks ingests git provider deliveries and manages project secrets.
type Webhooks interface {
	Receive(ctx context.Context, provider webhook.Provider, projectID string, header http.Header, body []byte) (webhooksvc.Outcome, error)
	UpsertSecret(ctx context.Context, userID, projectID, secret string) error
	GenerateSecret(ctx context.Context, userID, projectID string) (string, error)
}

// Domains manages public hostnames and their routes.
type Domains interface {
	ListByProject(ctx context.Context, userID, projectID string) ([]domain.Domain, error)
	Create(ctx context.Context, userID string, input domains.CreateInput) (*domain.Domain, error)
	Get(ctx context.Context, userID, domainID string) (*domain.Domain, error)
	Update(ctx context.Context, userID, domainID string, input domains.UpdateInput) (*domain.Domain, error)
	Delete(ctx context.Context, userID, domainID string) error
	Verify(ctx context.Context, userID, domainID string) (*domain.Domain, error)
	SSLStatus(ctx context.Context, userID, domainID string) (domains.SSLStatus, error)
	Activate(ctx context.Context, userID, domainID string) (*domain.Domain, error)
	Sync(ctx context.Context) (int, error)
	ProxyStatus(ctx context.Context) ingress.Status
}

// Events fans deployment events out to websocket subscribers.
type Events interface {
	Register(projectID string, client ws.Subscriber)
	Unregister(projectID string, client ws.Subscriber)
}

// Dependencies groups the services the router exposes.
type Dependencies struct {
	Deployments Deployments
	Detector    Detector
	Releases    Releases
	Webhooks    Webhooks
	Domains     Domains
	Events      Events
	Projects    repository.ProjectRepository
	Limiter     RateLimiter
	// HealthChecks are probed by /healthz, keyed by the name reported.
	HealthChecks map[string]func(context.Context) error
}

// Settings configures authentication and cross-origin access.
type Settings struct {
	JWTSecret   string
	CORSOrigins []string
	// PublicURL is the externally reachable base used in webhook setup instructions.
	PublicURL string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *chi.Mux
	logger   *slog.Logger
	deps     Dependencies
	settings Settings
	limiter  RateLimiter
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	// heartbeat paces SSE keep-alive comments.
	heartbeat time.Duration

	metricsOnce    sync.Once
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

const (
	healthCheckTimeout  = 2 * time.Second
	eventsPingInterval  = 30 * time.Second
	defaultListLimit    = 50
	maxWebhookBodyBytes = 5 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies, settings Settings) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      chi.NewRouter(),
		logger:   logger.With("component", "http"),
		deps:     deps,
		settings: settings,
		limiter:  deps.Limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeat: eventsPingInterval,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close waits for detached releases and releases background resources.
func (r *Router) Close() {
	r.wg.Wait()
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.settings.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	}))
	r.mux.Use(r.audit)
	r.mux.MethodNotAllowed(r.methodNotAllowed)
	r.mux.NotFound(r.notFound)

	r.mux.Get("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.Route("/api", func(api chi.Router) {
		api.Route("/builds", func(b chi.Router) {
			b.Post("/", r.handlerAuthRate("builds.create", policyWrite, r.handleCreateBuild))
			b.Post("/detect", r.handlerAuthRate("builds.detect", policyRead, r.handleDetect))
			b.Post("/blue-green", r.handlerAuthRate("builds.blue_green", policyWrite, r.handleBlueGreen))
			b.Post("/rollback", r.handlerAuthRate("builds.rollback", policyWrite, r.handleBlueGreenRollback))
			b.Get("/project/{projectID}", r.handlerAuthRate("builds.list", policyRead, r.handleListBuilds))
			b.Get("/project/{projectID}/events", r.handlerAuthRate("builds.events", policyRealtime, r.handleEvents))
			b.Get("/project/{projectID}/stream", r.handlerAuthRate("builds.stream", policyRealtime, r.handleEventStream))
			b.Get("/{deploymentID}", r.handlerAuthRate("builds.get", policyRead, r.handleGetBuild))
			b.Post("/{deploymentID}/rollback", r.handlerAuthRate("builds.redeploy", policyWrite, r.handleRedeploy))
		})

		api.Route("/webhooks", func(wh chi.Router) {
			wh.Get("/config/{provider}", r.handleWebhookConfig)
			wh.Post("/{provider}", r.withRateLimit("webhooks.receive", policyWebhook, rateLimitKeyIP, r.handleWebhook))
			wh.Post("/{provider}/{projectID}", r.withRateLimit("webhooks.receive", policyWebhook, rateLimitKeyIP, r.handleWebhook))
		})

		api.Put("/projects/{projectID}/webhook/secret", r.handlerAuthRate("webhooks.secret", policyWrite, r.handleWebhookSecret))
		api.Post("/projects/{projectID}/webhook/secret/generate", r.handlerAuthRate("webhooks.secret", policyWrite, r.handleGenerateWebhookSecret))

		api.Route("/domains", func(d chi.Router) {
			d.Post("/", r.handlerAuthRate("domains.create", policyWrite, r.handleCreateDomain))
			d.Post("/sync", r.handlerAuthRate("domains.sync", policyWrite, r.handleSyncDomains))
			d.Get("/traefik/status", r.handlerAuthRate("domains.proxy_status", policyRead, r.handleProxyStatus))
			d.Get("/project/{projectID}", r.handlerAuthRate("domains.list", policyRead, r.handleListDomains))
			d.Get("/{domainID}", r.handlerAuthRate("domains.get", policyRead, r.handleGetDomain))
			d.Put("/{domainID}", r.handlerAuthRate("domains.update", policyWrite, r.handleUpdateDomain))
			d.Delete("/{domainID}", r.handlerAuthRate("domains.delete", policyWrite, r.handleDeleteDomain))
			d.Post("/{domainID}/verify", r.handlerAuthRate("domains.verify", policyWrite, r.handleVerifyDomain))
			d.Get("/{domainID}/ssl-status", r.handlerAuthRate("domains.ssl_status", policyRead, r.handleSSLStatus))
			d.Post("/{domainID}/activate", r.handlerAuthRate("domains.activate", policyWrite, r.handleActivateDomain))
		})
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(r.deps.HealthChecks))
	for name, check := range r.deps.HealthChecks {
		if err := check(ctx); err != nil {
			r.logger.Error("health check failed", "check", name, "error", err)
			checks[name] = "unavailable"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// ownProject answers 404 and returns false unless userID owns projectID.
func (r *Router) ownProject(w http.ResponseWriter, req *http.Request, userID, projectID string) bool {
	project, err := r.deps.Projects.GetProjectByID(req.Context(), projectID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		r.logger.Error("load project failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return false
	}
	if project == nil || project.OwnerID != userID {
		writeError(w, http.StatusNotFound, "project not found")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := routePattern(req)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		} else if strings.HasPrefix(req.URL.Path, "/api/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

// routePattern returns the matched chi pattern, keeping metric labels bounded.
func routePattern(req *http.Request) string {
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
