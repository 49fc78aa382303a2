package build

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/splax/launchpad/internal/docker"
)

// Build sources accepted by the orchestrator.
const (
	SourceAuto       = "auto"
	SourceDockerfile = "dockerfile"
	SourceBuildpack  = "buildpack"
	SourceImage      = "image"
)

// ErrUnsupportedSource is returned when Options.Source names no strategy.
var ErrUnsupportedSource = errors.New("unsupported build source")

// Options describes one build request.
type Options struct {
	ProjectID   string
	Source      string
	ContextPath string
	// Dockerfile is relative to ContextPath.
	Dockerfile   string
	Image        string
	Tag          string
	BuildArgs    map[string]string
	EnvVars      map[string]string
	BuildCommand string

	GitURL    string
	GitBranch string
	GitCommit string
}

// Ref returns image:tag.
func (o Options) Ref() string {
	return o.Image + ":" + o.Tag
}

// Result is the outcome of a build. Runtime failures are reported through
// Success and Error rather than a Go error.
type Result struct {
	Success  bool          `json:"success"`
	Strategy string        `json:"strategy"`
	ImageID  string        `json:"imageId,omitempty"`
	ImageTag string        `json:"imageTag,omitempty"`
	Logs     string        `json:"logs"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	// Tail holds the last output lines of a failed build.
	Tail []string `json:"tail,omitempty"`
}

// Strategy is a pluggable build backend.
type Strategy interface {
	Name() string
	// Detect must return false, never fail, when contextPath is unusable.
	Detect(contextPath string) bool
	Build(ctx context.Context, opts Options) Result
}

// ImageBuilder is the container runtime surface used by strategies.
type ImageBuilder interface {
	BuildImage(ctx context.Context, spec docker.BuildSpec, onOutput docker.OutputCallback) error
	PullImage(ctx context.Context, ref string, onOutput docker.OutputCallback) error
	InspectImage(ctx context.Context, ref string) (docker.ImageInfo, error)
}

// DefaultTag returns the tag used when a request carries none.
func DefaultTag(now time.Time) string {
	return "build-" + strconv.FormatInt(now.UnixMilli(), 10)
}

// DefaultImage returns <prefix>/<projectID>.
func DefaultImage(prefix, projectID string) string {
	if prefix == "" {
		return projectID
	}
	return prefix + "/" + projectID
}

func failed(strategy string, logs *Logs, started time.Time, err error) Result {
	logs.Add(fmt.Sprintf("Error: %v", err))
	return Result{
		Success:  false,
		Strategy: strategy,
		Logs:     logs.String(),
		Duration: time.Since(started),
		Error:    err.Error(),
		Tail:     logs.Tail(),
	}
}

func buildArgs(args map[string]string) map[string]*string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]*string, len(args))
	for k, v := range args {
		v := v
		out[k] = &v
	}
	return out
}
