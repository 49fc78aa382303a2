package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// DefaultBuildExcludes are never sent to the daemon as build context.
var DefaultBuildExcludes = []string{".git", "node_modules", ".env", ".DS_Store"}

// OutputCallback is invoked with incremental daemon messages.
type OutputCallback func(string)

// BuildSpec describes an image build from a local directory.
type BuildSpec struct {
	ContextDir string
	// Dockerfile is relative to ContextDir; empty means "Dockerfile".
	Dockerfile string
	Tags       []string
	BuildArgs  map[string]*string
	Labels     map[string]string
	Excludes   []string
}

// ImageInfo is the subset of image metadata the control plane records.
type ImageInfo struct {
	ID   string
	Tags []string
	Size int64
}

// BuildImage tars the context and streams the daemon build output to onOutput.
func (c *Client) BuildImage(ctx context.Context, spec BuildSpec, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if spec.ContextDir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if len(spec.Tags) == 0 {
		return fmt.Errorf("image tag cannot be empty")
	}
	excludes := spec.Excludes
	if excludes == nil {
		excludes = DefaultBuildExcludes
	}
	buildCtx, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        spec.Tags,
		Dockerfile:  spec.Dockerfile,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   spec.BuildArgs,
		Labels:      spec.Labels,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	if err := streamMessages(resp.Body, onOutput); err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	return nil
}

// PullImage pulls ref and streams progress to onOutput.
func (c *Client) PullImage(ctx context.Context, ref string, onOutput OutputCallback) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapNotFound(err, "docker image pull %s", ref)
	}
	defer rc.Close()
	if err := streamMessages(rc, onOutput); err != nil {
		return fmt.Errorf("docker image pull %s: %w", ref, err)
	}
	return nil
}

// InspectImage returns metadata for a local image.
func (c *Client) InspectImage(ctx context.Context, ref string) (ImageInfo, error) {
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ImageInfo{}, wrapNotFound(err, "inspect image %s", ref)
	}
	return ImageInfo{ID: inspect.ID, Tags: inspect.RepoTags, Size: inspect.Size}, nil
}

func streamMessages(r io.Reader, onOutput OutputCallback) error {
	decoder := json.NewDecoder(r)
	for {
		var msg jsonMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode daemon output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("%s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

type jsonMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]any `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

func (m jsonMessage) errorMessage() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m jsonMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && m.ProgressDetail.Total > 0 {
			progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v", id)
	}
	return ""
}
