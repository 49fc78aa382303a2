package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/launchpad/internal/build"
	"github.com/splax/launchpad/internal/crypto"
	"github.com/splax/launchpad/internal/docker"
	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/git"
	"github.com/splax/launchpad/internal/lock"
	"github.com/splax/launchpad/internal/repository"
	"github.com/splax/launchpad/internal/ws"
)

var (
	// ErrNoBuildContext is returned when a request resolves to nothing buildable.
	ErrNoBuildContext = errors.New("build context or git URL is required")
	// ErrProjectNotFound is returned when the project is missing or not owned by the caller.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNotRedeployable is returned when rolling back to a deployment that never succeeded.
	ErrNotRedeployable = errors.New("can only roll back to successful deployments")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	persistTimeout   = 10 * time.Second
)

// Builder runs image builds.
type Builder interface {
	Build(ctx context.Context, opts build.Options) (build.Result, error)
}

// Runtime manages containers on the host.
type Runtime interface {
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
}

// Source fetches repositories into the workspace.
type Source interface {
	Clone(ctx context.Context, opts git.CloneOptions) (string, error)
	CommitInfo(repoPath string) (git.CommitInfo, error)
	Remove(path string) error
}

// RouteSyncer re-points a project's domains at its running container.
type RouteSyncer interface {
	SyncProject(ctx context.Context, projectID string) (int, error)
}

// Publisher receives pipeline events.
type Publisher interface {
	Publish(ev ws.Event)
}

// Settings holds runtime knobs for the pipeline.
type Settings struct {
	Network       string
	EncryptionKey string
	StopTimeout   time.Duration
	BuildTimeout  time.Duration
}

// TriggerInput is a user request to build and deploy a project.
type TriggerInput struct {
	ProjectID     string
	Source        string
	ContextPath   string
	Dockerfile    string
	Image         string
	Tag           string
	BuildArgs     map[string]string
	EnvVars       map[string]string
	BuildCommand  string
	GitURL        string
	GitBranch     string
	GitCommitHash string
}

// Service runs the deployment pipeline.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	containers  repository.ContainerRepository
	builder     Builder
	runtime     Runtime
	source      Source
	routes      RouteSyncer
	events      Publisher
	locks       *lock.Keyed
	settings    Settings
	logger      *slog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

// Dependencies groups collaborators of the deployment service.
type Dependencies struct {
	Projects    repository.ProjectRepository
	Deployments repository.DeploymentRepository
	Containers  repository.ContainerRepository
	Builder     Builder
	Runtime     Runtime
	Source      Source
	Routes      RouteSyncer
	Events      Publisher
	Locks       *lock.Keyed
}

// New returns a deployment service.
func New(deps Dependencies, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewKeyed()
	}
	if settings.StopTimeout <= 0 {
		settings.StopTimeout = 30 * time.Second
	}
	if settings.BuildTimeout <= 0 {
		settings.BuildTimeout = 30 * time.Minute
	}
	registerMetrics()
	return &Service{
		projects:    deps.Projects,
		deployments: deps.Deployments,
		containers:  deps.Containers,
		builder:     deps.Builder,
		runtime:     deps.Runtime,
		source:      deps.Source,
		routes:      deps.Routes,
		events:      deps.Events,
		locks:       deps.Locks,
		settings:    settings,
		logger:      logger.With("component", "deploy"),
		now:         time.Now,
	}
}

// Trigger validates ownership, resolves a build context and starts a deployment.
func (s *Service) Trigger(ctx context.Context, userID string, in TriggerInput) (*domain.Deployment, error) {
	project, err := s.ownedProject(ctx, userID, in.ProjectID)
	if err != nil {
		return nil, err
	}
	opts := build.Options{
		ProjectID:    project.ID,
		Source:       in.Source,
		ContextPath:  strings.TrimSpace(in.ContextPath),
		Dockerfile:   in.Dockerfile,
		Image:        in.Image,
		Tag:          in.Tag,
		BuildArgs:    in.BuildArgs,
		EnvVars:      in.EnvVars,
		BuildCommand: in.BuildCommand,
		GitURL:       in.GitURL,
		GitBranch:    in.GitBranch,
		GitCommit:    in.GitCommitHash,
	}
	cloned := false
	if opts.ContextPath == "" && opts.GitURL != "" {
		if opts.GitBranch == "" {
			opts.GitBranch = "main"
		}
		s.logger.Info("cloning repository", "project_id", project.ID, "git_url", opts.GitURL, "user_id", userID)
		path, err := s.source.Clone(ctx, git.CloneOptions{URL: opts.GitURL, Branch: opts.GitBranch, Depth: 1})
		if err != nil {
			return nil, fmt.Errorf("clone repository: %w", err)
		}
		opts.ContextPath = path
		cloned = true
		if opts.GitCommit == "" {
			if info, err := s.source.CommitInfo(path); err == nil {
				opts.GitCommit = info.Hash
			}
		}
	}
	if opts.ContextPath == "" && !(strings.EqualFold(opts.Source, build.SourceImage) && opts.Image != "") {
		return nil, ErrNoBuildContext
	}
	if opts.ContextPath != "" {
		if info, err := os.Stat(opts.ContextPath); err != nil || !info.IsDir() {
			if cloned {
				_ = s.source.Remove(opts.ContextPath)
			}
			return nil, ErrNoBuildContext
		}
	}
	dep, err := s.CreateDeployment(ctx, opts, cloned)
	if err != nil && cloned {
		_ = s.source.Remove(opts.ContextPath)
	}
	return dep, err
}

// CreateDeployment persists a BUILDING deployment and runs the pipeline in
// the background. cleanup removes opts.ContextPath once the run ends.
func (s *Service) CreateDeployment(ctx context.Context, opts build.Options, cleanup bool) (*domain.Deployment, error) {
	now := s.now().UTC()
	dep := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     opts.ProjectID,
		Version:       "v" + strconv.FormatInt(now.UnixMilli(), 10),
		Status:        domain.DeploymentBuilding,
		Source:        opts.Source,
		GitURL:        opts.GitURL,
		GitBranch:     opts.GitBranch,
		GitCommitHash: opts.GitCommit,
		StartedAt:     &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("deployment created", "deployment_id", dep.ID, "project_id", dep.ProjectID, "version", dep.Version)
	s.publish(dep, "deployment created")

	snapshot := *dep
	s.detach(&snapshot, func(ctx context.Context, d *domain.Deployment) {
		if cleanup {
			defer s.removeWorkspace(opts.ContextPath)
		}
		s.execute(ctx, d, opts)
	})
	return dep, nil
}

// Start runs an already persisted PENDING deployment, cloning its repository
// first when opts carries no context path.
func (s *Service) Start(dep *domain.Deployment, opts build.Options) {
	snapshot := *dep
	s.detach(&snapshot, func(ctx context.Context, d *domain.Deployment) {
		if opts.ContextPath == "" && opts.GitURL != "" {
			path, err := s.source.Clone(ctx, git.CloneOptions{URL: opts.GitURL, Branch: opts.GitBranch, Depth: 1})
			if err != nil {
				s.fail(ctx, d, fmt.Sprintf("clone repository: %v", err))
				return
			}
			defer s.removeWorkspace(path)
			opts.ContextPath = path
		}
		if !s.transition(ctx, d, domain.DeploymentBuilding, "") {
			return
		}
		s.execute(ctx, d, opts)
	})
}

// Redeploy starts a new deployment that runs the image of a previous
// successful deployment without rebuilding it.
func (s *Service) Redeploy(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error) {
	prev, err := s.Get(ctx, userID, deploymentID)
	if err != nil {
		return nil, err
	}
	if prev.Status != domain.DeploymentSuccess || prev.ImageTag == "" {
		return nil, ErrNotRedeployable
	}
	now := s.now().UTC()
	dep := &domain.Deployment{
		ID:               uuid.NewString(),
		ProjectID:        prev.ProjectID,
		Version:          "rollback-" + prev.Version,
		Status:           domain.DeploymentDeploying,
		Source:           build.SourceImage,
		ImageTag:         prev.ImageTag,
		GitURL:           prev.GitURL,
		GitBranch:        prev.GitBranch,
		GitCommitHash:    prev.GitCommitHash,
		GitCommitMessage: "[ROLLBACK] " + prev.GitCommitMessage,
		StartedAt:        &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Info("rollback deployment created", "deployment_id", dep.ID, "from_deployment_id", prev.ID, "image", prev.ImageTag)
	snapshot := *dep
	s.detach(&snapshot, func(ctx context.Context, d *domain.Deployment) {
		project, err := s.projects.GetProjectByID(ctx, d.ProjectID)
		if err != nil {
			s.fail(ctx, d, fmt.Sprintf("load project: %v", err))
			return
		}
		if err := s.replaceContainers(ctx, d, project, d.ImageTag); err != nil {
			s.fail(ctx, d, fmt.Sprintf("Rollback failed: %v", err))
			return
		}
		s.succeed(ctx, d, project, d.ImageTag)
	})
	return dep, nil
}

// List returns a project's deployments newest first.
func (s *Service) List(ctx context.Context, userID, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.ownedProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// Get returns a deployment whose project the user owns.
func (s *Service) Get(ctx context.Context, userID, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedProject(ctx, userID, dep.ProjectID); err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return dep, nil
}

// Wait blocks until all background pipelines have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) ownedProject(ctx context.Context, userID, projectID string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, ErrProjectNotFound
	}
	return project, nil
}

// detach runs fn on its own goroutine under the project lock. Panics and
// unfinished runs always end in FAILED.
func (s *Service) detach(dep *domain.Deployment, fn func(context.Context, *domain.Deployment)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.BuildTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("deployment panicked", "deployment_id", dep.ID, "panic", r)
				s.fail(context.Background(), dep, fmt.Sprintf("internal error: %v", r))
			}
		}()

		unlock, err := s.locks.Lock(ctx, dep.ProjectID)
		if err != nil {
			s.fail(context.Background(), dep, "timed out waiting for another deployment of this project")
			return
		}
		defer unlock()
		fn(ctx, dep)
		if !dep.Status.IsTerminal() {
			s.fail(context.Background(), dep, "deployment ended without a result")
		}
	}()
}

func (s *Service) execute(ctx context.Context, dep *domain.Deployment, opts build.Options) {
	started := s.now()
	project, err := s.projects.GetProjectByID(ctx, dep.ProjectID)
	if err != nil {
		s.fail(ctx, dep, fmt.Sprintf("load project: %v", err))
		return
	}
	if opts.GitCommit == "" && opts.ContextPath != "" && s.source != nil {
		if info, err := s.source.CommitInfo(opts.ContextPath); err != nil {
			if !git.IsNotRepository(err) {
				s.logger.Warn("read commit info failed", "deployment_id", dep.ID, "error", err)
			}
		} else {
			opts.GitCommit = info.Hash
			dep.GitCommitHash = info.Hash
			if dep.GitCommitMessage == "" {
				dep.GitCommitMessage = info.Message
			}
			if dep.GitAuthor == "" {
				dep.GitAuthor = info.Author
			}
		}
	}

	res, err := s.builder.Build(ctx, opts)
	if err != nil {
		s.fail(ctx, dep, err.Error())
		return
	}
	dep.BuildLogs = res.Logs
	dep.BuildDuration = s.now().Sub(started).Milliseconds()
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "build failed"
		}
		s.logger.Warn("build failed", "deployment_id", dep.ID, "strategy", res.Strategy, "tail", lastLines(res.Tail, 5))
		s.fail(ctx, dep, msg)
		return
	}
	dep.ImageTag = res.ImageTag
	if !s.transition(ctx, dep, domain.DeploymentDeploying, "") {
		return
	}
	if err := s.replaceContainers(ctx, dep, project, res.ImageTag); err != nil {
		s.fail(ctx, dep, err.Error())
		return
	}
	s.succeed(ctx, dep, project, res.ImageTag)
}

// replaceContainers stops and removes every existing container of the
// project (best effort), then creates and starts the new one. Containers that
// cannot be removed keep their record, marked STOPPED.
func (s *Service) replaceContainers(ctx context.Context, dep *domain.Deployment, project *domain.Project, ref string) error {
	existing, err := s.containers.ListProjectContainers(ctx, project.ID)
	if err != nil {
		s.logger.Warn("list project containers failed", "deployment_id", dep.ID, "project_id", project.ID, "error", err)
	}
	for _, c := range existing {
		log := s.logger.With("deployment_id", dep.ID, "container_id", c.DockerID)
		log.Info("stopping existing container")
		if err := s.runtime.StopContainer(ctx, c.DockerID, s.settings.StopTimeout); err != nil {
			log.Warn("stop existing container failed", "error", err)
		}
		if err := s.runtime.RemoveContainer(ctx, c.DockerID); err != nil {
			log.Warn("remove existing container failed", "error", err)
			if c.Status != domain.ContainerStopped {
				if err := s.containers.UpdateContainerStatus(ctx, c.ID, domain.ContainerStopped); err != nil {
					log.Warn("mark container stopped failed", "error", err)
				}
			}
			continue
		}
		if err := s.containers.DeleteContainer(ctx, c.ID); err != nil {
			log.Warn("delete container record failed", "error", err)
		}
	}

	env, err := s.projectEnv(ctx, project.ID)
	if err != nil {
		return err
	}
	port := project.Port
	if port <= 0 {
		port = 80
	}
	image, tag := SplitRef(ref)
	name := fmt.Sprintf("%s-%d", containerPrefix(project), s.now().UnixMilli())
	dockerID, err := s.runtime.CreateContainer(ctx, docker.ContainerSpec{
		Name:    name,
		Image:   ref,
		Env:     envList(env),
		Network: s.settings.Network,
		CPU:     project.CPULimit,
		Memory:  project.MemoryLimit,
		Ports:   []docker.PortSpec{{Container: port}},
		Labels: map[string]string{
			"launchpad.project":    project.ID,
			"launchpad.deployment": dep.ID,
		},
	})
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := s.runtime.StartContainer(ctx, dockerID); err != nil {
		_ = s.runtime.RemoveContainer(ctx, dockerID)
		return fmt.Errorf("start container: %w", err)
	}
	now := s.now().UTC()
	record := &domain.Container{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		DockerID:  dockerID,
		Name:      name,
		Image:     image,
		Tag:       tag,
		Status:    domain.ContainerRunning,
		Ports:     []domain.PortMapping{{Container: port, Protocol: "tcp"}},
		Env:       env,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.containers.CreateContainer(ctx, record); err != nil {
		return fmt.Errorf("record container: %w", err)
	}
	s.logger.Info("container deployed", "deployment_id", dep.ID, "project_id", project.ID, "container_id", dockerID)
	return nil
}

func (s *Service) succeed(ctx context.Context, dep *domain.Deployment, project *domain.Project, ref string) {
	if !s.transition(ctx, dep, domain.DeploymentSuccess, "") {
		return
	}
	image, tag := SplitRef(ref)
	if err := s.projects.RecordRelease(ctx, domain.ProjectRelease{ProjectID: project.ID, Image: image, Tag: tag, DeployedAt: s.now().UTC()}); err != nil {
		s.logger.Warn("record release failed", "project_id", project.ID, "error", err)
	}
	if s.routes != nil {
		if _, err := s.routes.SyncProject(ctx, project.ID); err != nil {
			s.logger.Warn("route sync failed", "project_id", project.ID, "error", err)
		}
	}
}

func (s *Service) fail(ctx context.Context, dep *domain.Deployment, reason string) {
	if dep.BuildLogs == "" {
		dep.BuildLogs = reason
	} else {
		dep.BuildLogs = strings.TrimRight(dep.BuildLogs, "\n") + "\n" + reason
	}
	s.logger.Error("deployment failed", "deployment_id", dep.ID, "project_id", dep.ProjectID, "error", reason)
	s.transition(ctx, dep, domain.DeploymentFailed, reason)
}

// transition moves dep forward and persists it. Backward or repeated moves are refused.
func (s *Service) transition(ctx context.Context, dep *domain.Deployment, next domain.DeploymentStatus, message string) bool {
	if !dep.Status.CanTransition(next) {
		s.logger.Warn("invalid deployment transition", "deployment_id", dep.ID, "from", dep.Status, "to", next)
		return false
	}
	now := s.now().UTC()
	dep.Status = next
	dep.UpdatedAt = now
	if next.IsTerminal() {
		dep.CompletedAt = &now
		recordOutcome(next)
		// The pipeline deadline may already have passed.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
	}
	if err := s.deployments.UpdateDeployment(ctx, dep); err != nil {
		s.logger.Error("update deployment failed", "deployment_id", dep.ID, "status", next, "error", err)
	}
	if message == "" {
		message = "deployment " + strings.ToLower(string(next))
	}
	s.publish(dep, message)
	return true
}

func (s *Service) publish(dep *domain.Deployment, message string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ws.Event{
		Type:         "deployment.status",
		ProjectID:    dep.ProjectID,
		DeploymentID: dep.ID,
		Status:       string(dep.Status),
		Message:      message,
		Timestamp:    s.now().UTC(),
	})
}

func (s *Service) projectEnv(ctx context.Context, projectID string) (map[string]string, error) {
	vars, err := s.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		value, err := crypto.DecryptToString(s.settings.EncryptionKey, v.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypt env var %s: %w", v.Key, err)
		}
		env[v.Key] = value
	}
	return env, nil
}

func (s *Service) removeWorkspace(path string) {
	if s.source == nil || path == "" {
		return
	}
	if err := s.source.Remove(path); err != nil {
		s.logger.Warn("remove workspace failed", "path", path, "error", err)
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

func containerPrefix(project *domain.Project) string {
	if project.Slug != "" {
		return project.Slug
	}
	return project.ID
}

// SplitRef splits image:tag, ignoring colons in a registry host port.
// Digest references are returned whole with an empty tag.
func SplitRef(ref string) (string, string) {
	if strings.Contains(ref, "@") {
		return ref, ""
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

func lastLines(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
