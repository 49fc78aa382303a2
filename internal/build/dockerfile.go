package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/launchpad/internal/docker"
)

// DockerfileStrategy builds a context that ships its own Dockerfile.
type DockerfileStrategy struct {
	images ImageBuilder
}

// NewDockerfileStrategy constructs a DockerfileStrategy.
func NewDockerfileStrategy(images ImageBuilder) *DockerfileStrategy {
	return &DockerfileStrategy{images: images}
}

// Name implements Strategy.
func (s *DockerfileStrategy) Name() string { return SourceDockerfile }

// Detect reports whether contextPath/Dockerfile exists.
func (s *DockerfileStrategy) Detect(contextPath string) bool {
	if contextPath == "" {
		return false
	}
	return fileExists(filepath.Join(contextPath, "Dockerfile"))
}

// Build implements Strategy.
func (s *DockerfileStrategy) Build(ctx context.Context, opts Options) Result {
	started := time.Now()
	logs := NewLogs(nil)
	if opts.ContextPath == "" {
		return failed(s.Name(), logs, started, errors.New("build context is required"))
	}
	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if !fileExists(filepath.Join(opts.ContextPath, dockerfile)) {
		return failed(s.Name(), logs, started, fmt.Errorf("dockerfile not found: %s", dockerfile))
	}
	logs.Add(fmt.Sprintf("Building %s from %s using %s", opts.Ref(), opts.ContextPath, dockerfile))
	return buildAndInspect(ctx, s.images, s.Name(), opts, dockerfile, logs, started)
}

func buildAndInspect(ctx context.Context, images ImageBuilder, strategy string, opts Options, dockerfile string, logs *Logs, started time.Time) Result {
	spec := docker.BuildSpec{
		ContextDir: opts.ContextPath,
		Dockerfile: dockerfile,
		Tags:       []string{opts.Ref()},
		BuildArgs:  buildArgs(opts.BuildArgs),
		Labels: map[string]string{
			"launchpad.project": opts.ProjectID,
		},
	}
	if opts.GitCommit != "" {
		spec.Labels["launchpad.commit"] = opts.GitCommit
	}
	if err := images.BuildImage(ctx, spec, logs.Add); err != nil {
		return failed(strategy, logs, started, err)
	}
	info, err := images.InspectImage(ctx, opts.Ref())
	if err != nil {
		return failed(strategy, logs, started, err)
	}
	logs.Add(fmt.Sprintf("Successfully built %s", opts.Ref()))
	return Result{
		Success:  true,
		Strategy: strategy,
		ImageID:  info.ID,
		ImageTag: opts.Ref(),
		Logs:     logs.String(),
		Duration: time.Since(started),
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
