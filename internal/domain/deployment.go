package domain

import "time"

// DeploymentStatus tracks a deployment through its lifecycle.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "PENDING"
	DeploymentBuilding  DeploymentStatus = "BUILDING"
	DeploymentDeploying DeploymentStatus = "DEPLOYING"
	DeploymentSuccess   DeploymentStatus = "SUCCESS"
	DeploymentFailed    DeploymentStatus = "FAILED"
)

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentPending:   {DeploymentBuilding, DeploymentFailed},
	DeploymentBuilding:  {DeploymentDeploying, DeploymentFailed},
	DeploymentDeploying: {DeploymentSuccess, DeploymentFailed},
	DeploymentSuccess:   {},
	DeploymentFailed:    {},
}

// CanTransition reports whether moving from s to next keeps the lifecycle moving forward.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentSuccess || s == DeploymentFailed
}

// Deployment captures a single build and release attempt.
type Deployment struct {
	ID               string           `json:"id"`
	ProjectID        string           `json:"projectId"`
	Version          string           `json:"version"`
	Status           DeploymentStatus `json:"status"`
	Source           string           `json:"source,omitempty"`
	ImageTag         string           `json:"imageTag,omitempty"`
	GitURL           string           `json:"gitUrl,omitempty"`
	GitBranch        string           `json:"gitBranch,omitempty"`
	GitCommitHash    string           `json:"gitCommitHash,omitempty"`
	GitCommitMessage string           `json:"gitCommitMessage,omitempty"`
	GitAuthor        string           `json:"gitAuthor,omitempty"`
	BuildLogs        string           `json:"buildLogs"`
	BuildDuration    int64            `json:"buildDuration"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}
