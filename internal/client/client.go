package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/launchpad/internal/domain"
)

// Client provides typed access to the launchpad API for command line tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	Details string
}

func (e APIError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if msg == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return APIError{Status: status}
	}
	var payload struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return APIError{Status: status, Message: strings.TrimSpace(string(data))}
	}
	return APIError{Status: status, Message: strings.TrimSpace(payload.Error), Details: payload.Details}
}

// BuildRequest mirrors the build trigger body.
type BuildRequest struct {
	ProjectID     string            `json:"projectId"`
	Source        string            `json:"source,omitempty"`
	Context       string            `json:"context,omitempty"`
	Dockerfile    string            `json:"dockerfile,omitempty"`
	Image         string            `json:"image,omitempty"`
	Tag           string            `json:"tag,omitempty"`
	BuildArgs     map[string]string `json:"buildArgs,omitempty"`
	EnvVars       map[string]string `json:"envVars,omitempty"`
	GitURL        string            `json:"gitUrl,omitempty"`
	GitBranch     string            `json:"gitBranch,omitempty"`
	GitCommitHash string            `json:"gitCommitHash,omitempty"`
}

type deploymentEnvelope struct {
	Message    string             `json:"message"`
	Deployment *domain.Deployment `json:"deployment"`
}

// TriggerBuild starts a build and deploy for a project.
func (c *Client) TriggerBuild(ctx context.Context, in BuildRequest) (*domain.Deployment, error) {
	var resp deploymentEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/builds", in, &resp); err != nil {
		return nil, err
	}
	return resp.Deployment, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	var resp deploymentEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/builds/"+url.PathEscape(deploymentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployment, nil
}

// ListDeployments fetches recent deployments for a project, newest first.
func (c *Client) ListDeployments(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	path := "/api/builds/project/" + url.PathEscape(projectID)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Deployments []domain.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// RollbackDeployment redeploys the image of a previous successful deployment.
func (c *Client) RollbackDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	var resp deploymentEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/builds/"+url.PathEscape(deploymentID)+"/rollback", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployment, nil
}

// BlueGreenRequest mirrors the blue-green deploy body.
type BlueGreenRequest struct {
	ProjectID          string            `json:"projectId"`
	NewImage           string            `json:"newImage"`
	NewTag             string            `json:"newTag"`
	EnvVars            map[string]string `json:"envVars,omitempty"`
	HealthCheckURL     string            `json:"healthCheckUrl,omitempty"`
	HealthCheckTimeout *int              `json:"healthCheckTimeout,omitempty"`
	SwitchoverDelay    *int              `json:"switchoverDelay,omitempty"`
	KeepOldContainer   *bool             `json:"keepOldContainer,omitempty"`
	Async              bool              `json:"async,omitempty"`
}

// BlueGreenResult reports the outcome of a synchronous release.
type BlueGreenResult struct {
	Success        bool       `json:"success"`
	NewContainerID string     `json:"newContainerId"`
	OldContainerID string     `json:"oldContainerId"`
	SwitchedAt     *time.Time `json:"switchedAt"`
}

// BlueGreenDeploy runs a zero-downtime release. Async requests return a
// zero result once the release is accepted.
func (c *Client) BlueGreenDeploy(ctx context.Context, in BlueGreenRequest) (BlueGreenResult, error) {
	var resp struct {
		Deployment BlueGreenResult `json:"deployment"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/builds/blue-green", in, &resp); err != nil {
		return BlueGreenResult{}, err
	}
	return resp.Deployment, nil
}

// BlueGreenRollback restarts a previously retired container.
func (c *Client) BlueGreenRollback(ctx context.Context, projectID, oldContainerID string) error {
	body := map[string]string{"projectId": projectID, "oldContainerId": oldContainerID}
	return c.do(ctx, http.MethodPost, "/api/builds/rollback", body, nil)
}

// ListDomains returns the domains of a project.
func (c *Client) ListDomains(ctx context.Context, projectID string) ([]domain.Domain, error) {
	var resp struct {
		Domains []domain.Domain `json:"domains"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/domains/project/"+url.PathEscape(projectID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Domains, nil
}

// CreateDomain registers a hostname for a project.
func (c *Client) CreateDomain(ctx context.Context, projectID, name string, ssl bool) (*domain.Domain, error) {
	body := map[string]any{"projectId": projectID, "name": name, "sslEnabled": ssl}
	var resp struct {
		Domain *domain.Domain `json:"domain"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/domains", body, &resp); err != nil {
		return nil, err
	}
	return resp.Domain, nil
}

// ActivateDomain wires a domain to the running container of its project.
func (c *Client) ActivateDomain(ctx context.Context, domainID string) (*domain.Domain, error) {
	var resp struct {
		Domain *domain.Domain `json:"domain"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/domains/"+url.PathEscape(domainID)+"/activate", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Domain, nil
}

// SyncDomains re-wires every active or verifying domain.
func (c *Client) SyncDomains(ctx context.Context) (int, error) {
	var resp struct {
		Synced int `json:"synced"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/domains/sync", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Synced, nil
}
