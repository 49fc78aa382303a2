package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.ContainerRepository  = (*Repository)(nil)
	_ repository.DomainRepository     = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

const projectColumns = `id, owner_id, name, slug, git_url, git_branch, git_auto_deploy, docker_image, docker_tag,
	port, cpu_limit, memory_limit, status, last_deployed_at, created_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Slug, &p.GitURL, &p.GitBranch, &p.AutoDeploy, &p.DockerImage, &p.DockerTag,
		&p.Port, &p.CPULimit, &p.MemoryLimit, &p.Status, &p.LastDeployedAt, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectByID retrieves a project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListAutoDeployProjects returns projects tracking branch with auto deploy enabled.
func (r *Repository) ListAutoDeployProjects(ctx context.Context, branch string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE git_branch = $1 AND git_auto_deploy = TRUE ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// ListProjectEnvVars returns encrypted environment variables.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.ProjectEnvVar, 0)
	for rows.Next() {
		var v domain.ProjectEnvVar
		if err := rows.Scan(&v.ProjectID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// RecordRelease stores the image a project now serves.
func (r *Repository) RecordRelease(ctx context.Context, release domain.ProjectRelease) error {
	const query = `UPDATE projects SET docker_image = $2, docker_tag = $3, last_deployed_at = $4, status = $5 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, release.ProjectID, release.Image, release.Tag, release.DeployedAt, domain.ProjectStatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const deploymentColumns = `id, project_id, version, status, source, image_tag, git_url, git_branch, git_commit_hash,
	git_commit_message, git_author, build_logs, build_duration_ms, started_at, completed_at, created_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Version, &status, &d.Source, &d.ImageTag, &d.GitURL, &d.GitBranch, &d.GitCommitHash,
		&d.GitCommitMessage, &d.GitAuthor, &d.BuildLogs, &d.BuildDuration, &d.StartedAt, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	query := `INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.ProjectID, d.Version, string(d.Status), d.Source, d.ImageTag, d.GitURL, d.GitBranch, d.GitCommitHash,
		d.GitCommitMessage, d.GitAuthor, d.BuildLogs, d.BuildDuration, d.StartedAt, d.CompletedAt, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDeployment persists the mutable fields of a deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `UPDATE deployments SET status = $2, image_tag = $3, git_commit_hash = $4, git_commit_message = $5,
		git_author = $6, build_logs = $7, build_duration_ms = $8, started_at = $9, completed_at = $10, updated_at = $11
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, d.ID, string(d.Status), d.ImageTag, d.GitCommitHash, d.GitCommitMessage,
		d.GitAuthor, d.BuildLogs, d.BuildDuration, d.StartedAt, d.CompletedAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID returns a deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	d, err := scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeploymentsByProject returns the newest deployments first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

const containerColumns = `id, project_id, docker_id, name, image, tag, status, ports, created_at, updated_at`

func scanContainer(row pgx.Row) (*domain.Container, error) {
	var c domain.Container
	var status string
	var ports []byte
	if err := row.Scan(&c.ID, &c.ProjectID, &c.DockerID, &c.Name, &c.Image, &c.Tag, &status, &ports, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.ContainerStatus(status)
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &c.Ports); err != nil {
			return nil, fmt.Errorf("decode container ports: %w", err)
		}
	}
	return &c, nil
}

// CreateContainer inserts a container record. Only env keys are stored.
func (r *Repository) CreateContainer(ctx context.Context, c *domain.Container) error {
	ports, err := json.Marshal(c.Ports)
	if err != nil {
		return fmt.Errorf("encode container ports: %w", err)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envKeys, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode env keys: %w", err)
	}
	const query = `INSERT INTO containers (id, project_id, docker_id, name, image, tag, status, ports, env_keys, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query, c.ID, c.ProjectID, c.DockerID, c.Name, c.Image, c.Tag, string(c.Status), ports, envKeys, c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateContainerStatus changes the status of a container record.
func (r *Repository) UpdateContainerStatus(ctx context.Context, containerID string, status domain.ContainerStatus) error {
	const query = `UPDATE containers SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, containerID, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateContainerStatusByDockerID changes the status of records matching a runtime id.
func (r *Repository) UpdateContainerStatusByDockerID(ctx context.Context, dockerID string, status domain.ContainerStatus) error {
	const query = `UPDATE containers SET status = $2, updated_at = $3 WHERE docker_id = $1`
	tag, err := r.pool.Exec(ctx, query, dockerID, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteContainer removes a container record.
func (r *Repository) DeleteContainer(ctx context.Context, containerID string) error {
	const query = `DELETE FROM containers WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, containerID)
	return err
}

// ListProjectContainers returns every container record of a project.
func (r *Repository) ListProjectContainers(ctx context.Context, projectID string) ([]domain.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE project_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	containers := make([]domain.Container, 0)
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		containers = append(containers, *c)
	}
	return containers, rows.Err()
}

// GetRunningContainer returns the newest running container of a project.
func (r *Repository) GetRunningContainer(ctx context.Context, projectID string) (*domain.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE project_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1`
	c, err := scanContainer(r.pool.QueryRow(ctx, query, projectID, string(domain.ContainerRunning)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

const domainColumns = `id, project_id, name, ssl_enabled, ssl_auto_renew, dns_provider, status, verified_at, ssl_expires_at, created_at, updated_at`

func scanDomain(row pgx.Row) (*domain.Domain, error) {
	var d domain.Domain
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.SSLEnabled, &d.SSLAutoRenew, &d.DNSProvider, &status, &d.VerifiedAt, &d.SSLExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = domain.DomainStatus(status)
	return &d, nil
}

// CreateDomain inserts a domain; duplicate names yield ErrConflict.
func (r *Repository) CreateDomain(ctx context.Context, d *domain.Domain) error {
	query := `INSERT INTO domains (` + domainColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.ProjectID, d.Name, d.SSLEnabled, d.SSLAutoRenew, d.DNSProvider, string(d.Status), d.VerifiedAt, d.SSLExpiresAt, d.CreatedAt, d.UpdatedAt)
	return mapWriteError(err)
}

// UpdateDomain persists domain fields.
func (r *Repository) UpdateDomain(ctx context.Context, d *domain.Domain) error {
	const query = `UPDATE domains SET name = $2, ssl_enabled = $3, ssl_auto_renew = $4, dns_provider = $5, status = $6,
		verified_at = $7, ssl_expires_at = $8, updated_at = $9 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, d.ID, d.Name, d.SSLEnabled, d.SSLAutoRenew, d.DNSProvider, string(d.Status), d.VerifiedAt, d.SSLExpiresAt, d.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteDomain removes a domain.
func (r *Repository) DeleteDomain(ctx context.Context, domainID string) error {
	const query = `DELETE FROM domains WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, domainID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDomainByID returns a domain.
func (r *Repository) GetDomainByID(ctx context.Context, domainID string) (*domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = $1`
	d, err := scanDomain(r.pool.QueryRow(ctx, query, domainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// GetDomainByName returns a domain by hostname.
func (r *Repository) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE name = $1`
	d, err := scanDomain(r.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDomainsByProject returns a project's domains, newest first.
func (r *Repository) ListDomainsByProject(ctx context.Context, projectID string) ([]domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE project_id = $1 ORDER BY created_at DESC`
	return r.queryDomains(ctx, query, projectID)
}

// ListDomainsByStatus returns domains in any of the given statuses.
func (r *Repository) ListDomainsByStatus(ctx context.Context, statuses ...domain.DomainStatus) ([]domain.Domain, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}
	query := `SELECT ` + domainColumns + ` FROM domains WHERE status = ANY($1) ORDER BY created_at`
	return r.queryDomains(ctx, query, values)
}

func (r *Repository) queryDomains(ctx context.Context, query string, args ...any) ([]domain.Domain, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	domains := make([]domain.Domain, 0)
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, *d)
	}
	return domains, rows.Err()
}

// UpsertWebhook stores an encrypted webhook secret for a project.
func (r *Repository) UpsertWebhook(ctx context.Context, projectID string, secret []byte) error {
	const query = `INSERT INTO project_webhooks (project_id, secret, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, projectID, secret, time.Now().UTC())
	return err
}

// GetWebhookSecret returns the encrypted webhook secret for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM project_webhooks WHERE project_id = $1`
	var secret []byte
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
