package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// PortSpec exposes a container port, optionally published on the host.
type PortSpec struct {
	Container int
	Host      int
	Protocol  string
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name    string
	Image   string
	Cmd     []string
	Env     []string
	Labels  map[string]string
	Ports   []PortSpec
	Volumes []string
	Network string
	// CPU accepts Kubernetes style quantities such as "500m" or "2".
	CPU string
	// Memory accepts sizes such as "512Mi" or "1g".
	Memory        string
	RestartPolicy string
}

// CreateContainer creates, but does not start, a container and returns its id.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	resources, err := ParseResources(spec.CPU, spec.Memory)
	if err != nil {
		return "", err
	}
	exposed, bindings, err := portMaps(spec.Ports)
	if err != nil {
		return "", err
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	restart := container.RestartPolicyUnlessStopped
	if spec.RestartPolicy != "" {
		restart = container.RestartPolicyMode(spec.RestartPolicy)
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Binds:         spec.Volumes,
		Resources:     resources,
		RestartPolicy: container.RestartPolicy{Name: restart},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{spec.Network: {}},
		}
	}

	resp, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", wrapNotFound(err, "container create %s", spec.Name)
	}
	return resp.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return wrapNotFound(err, "container start %s", id)
	}
	return nil
}

// StopContainer stops a container, waiting up to timeout before the daemon kills it.
// Missing containers are treated as already stopped.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	if err := c.inner.ContainerStop(ctx, id, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ContainerRunning reports whether the container is currently running.
func (c *Client) ContainerRunning(ctx context.Context, id string) (bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		return false, wrapNotFound(err, "container inspect %s", id)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func portMaps(ports []PortSpec) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		if p.Container <= 0 {
			continue
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.Container))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %d/%s: %w", p.Container, proto, err)
		}
		exposed[port] = struct{}{}
		if p.Host > 0 {
			bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(p.Host)})
		}
	}
	return exposed, bindings, nil
}
