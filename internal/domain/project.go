package domain

import "time"

// Project describes a deployable unit owned by a user.
type Project struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	GitURL         string     `json:"gitUrl,omitempty"`
	GitBranch      string     `json:"gitBranch,omitempty"`
	AutoDeploy     bool       `json:"gitAutoDeployEnabled"`
	DockerImage    string     `json:"dockerImage,omitempty"`
	DockerTag      string     `json:"dockerTag,omitempty"`
	Port           int        `json:"port"`
	CPULimit       string     `json:"cpuLimit,omitempty"`
	MemoryLimit    string     `json:"memoryLimit,omitempty"`
	Status         string     `json:"status"`
	LastDeployedAt *time.Time `json:"lastDeployedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ProjectEnvVar stores an encrypted environment variable.
type ProjectEnvVar struct {
	ProjectID string
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// ProjectRelease records the image a project currently serves.
type ProjectRelease struct {
	ProjectID  string
	Image      string
	Tag        string
	DeployedAt time.Time
}

const ProjectStatusActive = "ACTIVE"
