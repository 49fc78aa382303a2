package build

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Detection describes what a build context looks like.
type Detection struct {
	Type            string          `json:"type"`
	Buildpack       string          `json:"buildpack"`
	Recommendations map[string]bool `json:"recommendations"`
}

// Orchestrator selects and runs build strategies.
type Orchestrator struct {
	strategies  []Strategy
	puller      *ImagePuller
	imagePrefix string
	log         *slog.Logger
	now         func() time.Time
}

// NewOrchestrator registers strategies in detection priority order.
func NewOrchestrator(puller *ImagePuller, imagePrefix string, log *slog.Logger, strategies ...Strategy) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		strategies:  strategies,
		puller:      puller,
		imagePrefix: imagePrefix,
		log:         log.With("component", "build"),
		now:         time.Now,
	}
}

// NewDefault wires the dockerfile and buildpack strategies plus the image path.
func NewDefault(images ImageBuilder, imagePrefix string, log *slog.Logger) *Orchestrator {
	return NewOrchestrator(NewImagePuller(images), imagePrefix, log,
		NewDockerfileStrategy(images),
		NewBuildpackStrategy(images),
	)
}

func (o *Orchestrator) strategy(name string) Strategy {
	for _, s := range o.strategies {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Detect applies the priority policy: Dockerfile, then a recognised
// buildpack project, then buildpack with type unknown.
func (o *Orchestrator) Detect(contextPath string) Detection {
	det := Detection{Type: TypeUnknown, Buildpack: SourceBuildpack}
	for _, s := range o.strategies {
		if !s.Detect(contextPath) {
			continue
		}
		det.Buildpack = s.Name()
		if s.Name() == SourceDockerfile {
			det.Type = TypeDocker
		} else {
			det.Type = detectProjectType(contextPath)
		}
		break
	}
	det.Recommendations = make(map[string]bool, len(o.strategies))
	for _, s := range o.strategies {
		det.Recommendations[s.Name()] = s.Name() == det.Buildpack
	}
	return det
}

// Build dispatches opts to the requested strategy. ErrUnsupportedSource is
// the only error; build failures are reported in the Result.
func (o *Orchestrator) Build(ctx context.Context, opts Options) (Result, error) {
	opts = o.withDefaults(opts)
	source := strings.ToLower(strings.TrimSpace(opts.Source))
	log := o.log.With("project_id", opts.ProjectID, "source", source)

	if source == SourceImage {
		log.Info("pulling image", "image", opts.Image)
		res := o.puller.Pull(ctx, opts)
		o.logResult(log, res)
		return res, nil
	}
	if source == "" || source == SourceAuto {
		source = o.Detect(opts.ContextPath).Buildpack
		log = log.With("detected", source)
	}
	s := o.strategy(source)
	if s == nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedSource, opts.Source)
	}
	log.Info("build started", "image", opts.Ref())
	res := s.Build(ctx, opts)
	o.logResult(log, res)
	return res, nil
}

// withDefaults fills image and tag. The image source keeps its own name.
func (o *Orchestrator) withDefaults(opts Options) Options {
	if opts.Tag == "" && !strings.EqualFold(opts.Source, SourceImage) {
		opts.Tag = DefaultTag(o.now())
	}
	if opts.Image == "" && !strings.EqualFold(opts.Source, SourceImage) {
		opts.Image = DefaultImage(o.imagePrefix, opts.ProjectID)
	}
	return opts
}

func (o *Orchestrator) logResult(log *slog.Logger, res Result) {
	if res.Success {
		log.Info("build completed", "image", res.ImageTag, "duration_ms", res.Duration.Milliseconds())
		return
	}
	log.Warn("build failed", "error", res.Error, "duration_ms", res.Duration.Milliseconds())
}
