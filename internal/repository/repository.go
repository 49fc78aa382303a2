package repository

import (
	"context"

	"github.com/splax/launchpad/internal/domain"
)

// ProjectRepository reads project configuration and records releases.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListAutoDeployProjects(ctx context.Context, branch string) ([]domain.Project, error)
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error)
	RecordRelease(ctx context.Context, release domain.ProjectRelease) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}

// ContainerRepository stores container records backing projects.
type ContainerRepository interface {
	CreateContainer(ctx context.Context, container *domain.Container) error
	UpdateContainerStatus(ctx context.Context, containerID string, status domain.ContainerStatus) error
	UpdateContainerStatusByDockerID(ctx context.Context, dockerID string, status domain.ContainerStatus) error
	DeleteContainer(ctx context.Context, containerID string) error
	ListProjectContainers(ctx context.Context, projectID string) ([]domain.Container, error)
	// GetRunningContainer returns the newest RUNNING container of the project.
	GetRunningContainer(ctx context.Context, projectID string) (*domain.Container, error)
}

// DomainRepository stores public hostnames.
type DomainRepository interface {
	CreateDomain(ctx context.Context, d *domain.Domain) error
	UpdateDomain(ctx context.Context, d *domain.Domain) error
	DeleteDomain(ctx context.Context, domainID string) error
	GetDomainByID(ctx context.Context, domainID string) (*domain.Domain, error)
	GetDomainByName(ctx context.Context, name string) (*domain.Domain, error)
	ListDomainsByProject(ctx context.Context, projectID string) ([]domain.Domain, error)
	ListDomainsByStatus(ctx context.Context, statuses ...domain.DomainStatus) ([]domain.Domain, error)
}

// WebhookRepository stores encrypted webhook secrets.
type WebhookRepository interface {
	UpsertWebhook(ctx context.Context, projectID string, secret []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
