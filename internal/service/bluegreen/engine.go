package bluegreen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/crypto"
	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/lock"
	"github.com/splax/launchpad/internal/repository"
)

const (
	DefaultHealthCheckTimeout = 30 * time.Second
	DefaultSwitchoverDelay    = 10 * time.Second
	DefaultCPULimit           = "1000m"
	DefaultMemoryLimit        = "512Mi"

	pollInterval   = 2 * time.Second
	requestTimeout = 5 * time.Second
	warmup         = 5 * time.Second
)

// Runtime manages containers on the host.
type Runtime interface {
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
}

// RouteSyncer re-points a project's domains at its running container.
type RouteSyncer interface {
	SyncProject(ctx context.Context, projectID string) (int, error)
}

// Options describes a blue-green release.
type Options struct {
	ProjectID   string
	Image       string
	Tag         string
	EnvVars     map[string]string
	Ports       []domain.PortMapping
	Volumes     []string
	CPULimit    string
	MemoryLimit string

	HealthCheckURL     string
	HealthCheckTimeout time.Duration
	// SwitchoverDelay defaults to DefaultSwitchoverDelay when nil.
	SwitchoverDelay *time.Duration
	// KeepOldContainer defaults to true when nil.
	KeepOldContainer *bool
}

// Result reports a blue-green release.
type Result struct {
	Success        bool       `json:"success"`
	NewContainerID string     `json:"newContainerId,omitempty"`
	OldContainerID string     `json:"oldContainerId,omitempty"`
	SwitchedAt     *time.Time `json:"switchedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// RollbackResult reports a rollback.
type RollbackResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Settings holds runtime knobs shared with the regular pipeline.
type Settings struct {
	Network       string
	EncryptionKey string
	StopTimeout   time.Duration
}

// Engine runs zero-downtime container switchovers.
type Engine struct {
	projects   repository.ProjectRepository
	containers repository.ContainerRepository
	runtime    Runtime
	routes     RouteSyncer
	locks      *lock.Keyed
	settings   Settings
	client     *http.Client
	log        *slog.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error

	pollInterval time.Duration
	warmup       time.Duration
}

// New constructs an Engine. locks should be shared with the deployment service.
func New(projects repository.ProjectRepository, containers repository.ContainerRepository, runtime Runtime, routes RouteSyncer, locks *lock.Keyed, settings Settings, log *slog.Logger) *Engine {
	if locks == nil {
		locks = lock.NewKeyed()
	}
	if log == nil {
		log = slog.Default()
	}
	if settings.StopTimeout <= 0 {
		settings.StopTimeout = 30 * time.Second
	}
	return &Engine{
		projects:     projects,
		containers:   containers,
		runtime:      runtime,
		routes:       routes,
		locks:        locks,
		settings:     settings,
		client:       &http.Client{Timeout: requestTimeout},
		log:          log.With("component", "bluegreen"),
		now:          time.Now,
		sleep:        sleepContext,
		pollInterval: pollInterval,
		warmup:       warmup,
	}
}

// Deploy starts a green container beside the running blue one, waits for it
// to become healthy, moves traffic and retires blue. Failures before the
// switch leave blue and routing untouched.
func (e *Engine) Deploy(ctx context.Context, opts Options) Result {
	opts = withDefaults(opts)
	log := e.log.With("project_id", opts.ProjectID, "image", opts.Image+":"+opts.Tag)
	if opts.ProjectID == "" || opts.Image == "" {
		return Result{Error: "project id and image are required"}
	}

	unlock, err := e.locks.Lock(ctx, opts.ProjectID)
	if err != nil {
		return Result{Error: fmt.Sprintf("wait for project lock: %v", err)}
	}
	defer unlock()

	log.Info("blue-green deployment started")
	project, err := e.projects.GetProjectByID(ctx, opts.ProjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{Error: "project not found: " + opts.ProjectID}
		}
		return Result{Error: err.Error()}
	}
	blue, err := e.containers.GetRunningContainer(ctx, project.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return Result{Error: fmt.Sprintf("find running container: %v", err)}
		}
		blue = nil
	}

	green, err := e.startGreen(ctx, project, opts)
	if err != nil {
		log.Error("green container failed to start", "error", err)
		return Result{Error: err.Error()}
	}
	log = log.With("green_container_id", green.DockerID)

	if !e.waitHealthy(ctx, opts, log) {
		log.Warn("health check failed, aborting deployment")
		e.discard(green)
		return Result{Error: "Health check failed on green container"}
	}

	// Traffic moves to green from here on; later failures are only logged and
	// the caller going away must not leave blue half retired.
	ctx = context.WithoutCancel(ctx)
	if blue != nil {
		if err := e.containers.UpdateContainerStatus(ctx, blue.ID, domain.ContainerStopped); err != nil {
			log.Warn("mark blue container stopped failed", "error", err)
		}
	}
	if err := e.containers.UpdateContainerStatus(ctx, green.ID, domain.ContainerRunning); err != nil {
		log.Warn("mark green container running failed", "error", err)
	}
	switchedAt := e.now().UTC()
	if e.routes != nil {
		if _, err := e.routes.SyncProject(ctx, project.ID); err != nil {
			log.Warn("route sync failed", "error", err)
		}
	}
	log.Info("traffic switched to green container")

	result := Result{Success: true, NewContainerID: green.DockerID, SwitchedAt: &switchedAt}
	if blue != nil {
		result.OldContainerID = blue.DockerID
		if err := e.sleep(ctx, *opts.SwitchoverDelay); err != nil {
			log.Warn("switchover delay interrupted", "error", err)
		}
		e.retire(ctx, blue, *opts.KeepOldContainer, log)
	}

	if err := e.projects.RecordRelease(ctx, domain.ProjectRelease{
		ProjectID:  project.ID,
		Image:      opts.Image,
		Tag:        opts.Tag,
		DeployedAt: e.now().UTC(),
	}); err != nil {
		log.Warn("record release failed", "error", err)
	}
	log.Info("blue-green deployment completed", "old_container_id", result.OldContainerID)
	return result
}

// Rollback stops the active container and restarts oldContainerID, the
// runtime id returned by a previous Deploy. No health check is run.
func (e *Engine) Rollback(ctx context.Context, projectID, oldContainerID string) RollbackResult {
	if projectID == "" || oldContainerID == "" {
		return RollbackResult{Error: "project id and old container id are required"}
	}
	unlock, err := e.locks.Lock(ctx, projectID)
	if err != nil {
		return RollbackResult{Error: fmt.Sprintf("wait for project lock: %v", err)}
	}
	defer unlock()

	log := e.log.With("project_id", projectID, "old_container_id", oldContainerID)
	log.Info("rolling back to previous container")
	if _, err := e.projects.GetProjectByID(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return RollbackResult{Error: "project not found: " + projectID}
		}
		return RollbackResult{Error: err.Error()}
	}

	known, err := e.containers.ListProjectContainers(ctx, projectID)
	if err != nil {
		return RollbackResult{Error: fmt.Sprintf("list containers: %v", err)}
	}
	if !hasDockerID(known, oldContainerID) {
		return RollbackResult{Error: "container " + oldContainerID + " does not belong to project"}
	}

	current, err := e.containers.GetRunningContainer(ctx, projectID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		current = nil
	case err != nil:
		return RollbackResult{Error: fmt.Sprintf("find running container: %v", err)}
	}
	if current != nil && current.DockerID != oldContainerID {
		if err := e.runtime.StopContainer(ctx, current.DockerID, e.settings.StopTimeout); err != nil {
			return RollbackResult{Error: fmt.Sprintf("stop current container: %v", err)}
		}
		if err := e.containers.UpdateContainerStatus(ctx, current.ID, domain.ContainerStopped); err != nil {
			return RollbackResult{Error: fmt.Sprintf("mark current container stopped: %v", err)}
		}
	}
	if err := e.runtime.StartContainer(ctx, oldContainerID); err != nil {
		return RollbackResult{Error: fmt.Sprintf("start old container: %v", err)}
	}
	if err := e.containers.UpdateContainerStatusByDockerID(ctx, oldContainerID, domain.ContainerRunning); err != nil {
		return RollbackResult{Error: fmt.Sprintf("mark old container running: %v", err)}
	}
	if e.routes != nil {
		if _, err := e.routes.SyncProject(ctx, projectID); err != nil {
			log.Warn("route sync failed", "error", err)
		}
	}
	log.Info("rollback completed")
	return RollbackResult{Success: true}
}

func (e *Engine) startGreen(ctx context.Context, project *domain.Project, opts Options) (*domain.Container, error) {
	env, err := e.environment(ctx, project.ID, opts.EnvVars)
	if err != nil {
		return nil, err
	}
	cpu := firstNonEmpty(opts.CPULimit, project.CPULimit, DefaultCPULimit)
	memory := firstNonEmpty(opts.MemoryLimit, project.MemoryLimit, DefaultMemoryLimit)
	ports := opts.Ports
	if len(ports) == 0 && project.Port > 0 {
		ports = []domain.PortMapping{{Container: project.Port, Protocol: "tcp"}}
	}
	specPorts := make([]docker.PortSpec, 0, len(ports))
	for _, p := range ports {
		specPorts = append(specPorts, docker.PortSpec{Container: p.Container, Host: p.Host, Protocol: p.Protocol})
	}

	prefix := project.Slug
	if prefix == "" {
		prefix = project.ID
	}
	name := fmt.Sprintf("%s-green-%d", prefix, e.now().UnixMilli())
	e.log.Info("creating green container", "project_id", project.ID, "name", name)
	dockerID, err := e.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:    name,
		Image:   opts.Image + ":" + opts.Tag,
		Env:     envList(env),
		Ports:   specPorts,
		Volumes: opts.Volumes,
		Network: e.settings.Network,
		CPU:     cpu,
		Memory:  memory,
		Labels: map[string]string{
			"launchpad.project": project.ID,
			"launchpad.color":   "green",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create green container: %w", err)
	}
	now := e.now().UTC()
	green := &domain.Container{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		DockerID:  dockerID,
		Name:      name,
		Image:     opts.Image,
		Tag:       opts.Tag,
		Status:    domain.ContainerCreated,
		Ports:     ports,
		Env:       env,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.containers.CreateContainer(ctx, green); err != nil {
		_ = e.runtime.RemoveContainer(context.Background(), dockerID)
		return nil, fmt.Errorf("record green container: %w", err)
	}
	if err := e.runtime.StartContainer(ctx, dockerID); err != nil {
		e.discard(green)
		return nil, fmt.Errorf("start green container: %w", err)
	}
	return green, nil
}

// waitHealthy polls the health URL until it answers 2xx or the timeout
// elapses. Without a URL it waits a fixed warm-up period.
func (e *Engine) waitHealthy(ctx context.Context, opts Options, log *slog.Logger) bool {
	if opts.HealthCheckURL == "" {
		return e.sleep(ctx, e.warmup) == nil
	}
	ctx, cancel := context.WithTimeout(ctx, opts.HealthCheckTimeout)
	defer cancel()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		if e.probe(ctx, opts.HealthCheckURL) {
			log.Info("health check passed", "url", opts.HealthCheckURL)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (e *Engine) probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Debug("health check attempt failed", "url", url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// discard tears down a green container that never took traffic.
func (e *Engine) discard(green *domain.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), e.settings.StopTimeout+10*time.Second)
	defer cancel()
	if err := e.runtime.StopContainer(ctx, green.DockerID, e.settings.StopTimeout); err != nil {
		e.log.Warn("stop green container failed", "container_id", green.DockerID, "error", err)
	}
	if err := e.runtime.RemoveContainer(ctx, green.DockerID); err != nil {
		e.log.Warn("remove green container failed", "container_id", green.DockerID, "error", err)
	}
	if err := e.containers.DeleteContainer(ctx, green.ID); err != nil {
		e.log.Warn("delete green container record failed", "container_id", green.DockerID, "error", err)
	}
}

func (e *Engine) retire(ctx context.Context, blue *domain.Container, keep bool, log *slog.Logger) {
	if err := e.runtime.StopContainer(ctx, blue.DockerID, e.settings.StopTimeout); err != nil {
		log.Warn("stop blue container failed", "container_id", blue.DockerID, "error", err)
	}
	if keep {
		log.Info("keeping old container for rollback", "container_id", blue.DockerID)
		return
	}
	if err := e.runtime.RemoveContainer(ctx, blue.DockerID); err != nil {
		log.Warn("remove blue container failed", "container_id", blue.DockerID, "error", err)
		return
	}
	if err := e.containers.DeleteContainer(ctx, blue.ID); err != nil {
		log.Warn("delete blue container record failed", "container_id", blue.DockerID, "error", err)
	}
}

func (e *Engine) environment(ctx context.Context, projectID string, overrides map[string]string) (map[string]string, error) {
	vars, err := e.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}
	env := make(map[string]string, len(vars)+len(overrides))
	for _, v := range vars {
		value, err := crypto.DecryptToString(e.settings.EncryptionKey, v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt env var %s: %w", v.Key, err)
		}
		env[v.Key] = value
	}
	for k, v := range overrides {
		env[k] = v
	}
	return env, nil
}

func withDefaults(opts Options) Options {
	opts.ProjectID = strings.TrimSpace(opts.ProjectID)
	opts.Image = strings.TrimSpace(opts.Image)
	if opts.Tag == "" {
		opts.Tag = "latest"
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	delay := DefaultSwitchoverDelay
	if opts.SwitchoverDelay != nil {
		delay = max(*opts.SwitchoverDelay, 0)
	}
	opts.SwitchoverDelay = &delay
	if opts.KeepOldContainer == nil {
		keep := true
		opts.KeepOldContainer = &keep
	}
	return opts
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func hasDockerID(containers []domain.Container, id string) bool {
	for _, c := range containers {
		if c.DockerID == id {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
