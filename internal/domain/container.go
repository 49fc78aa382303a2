package domain

import "time"

// ContainerStatus is the control plane's view of a container.
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "CREATED"
	ContainerRunning ContainerStatus = "RUNNING"
	ContainerStopped ContainerStatus = "STOPPED"
)

// PortMapping binds a container port, optionally published on the host.
type PortMapping struct {
	Host      int    `json:"host,omitempty"`
	Container int    `json:"container"`
	Protocol  string `json:"protocol,omitempty"`
}

// Container is a unit backing a project.
type Container struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId"`
	DockerID  string            `json:"dockerId"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Tag       string            `json:"tag"`
	Status    ContainerStatus   `json:"status"`
	Ports     []PortMapping     `json:"ports"`
	Env       map[string]string `json:"-"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// PrimaryPort returns the first container port, falling back to 80.
func (c Container) PrimaryPort() int {
	for _, p := range c.Ports {
		if p.Container > 0 {
			return p.Container
		}
	}
	return 80
}
