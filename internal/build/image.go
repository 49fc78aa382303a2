package build

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
)

// ImagePuller resolves a prebuilt registry image instead of building one.
type ImagePuller struct {
	images ImageBuilder
}

// NewImagePuller constructs an ImagePuller.
func NewImagePuller(images ImageBuilder) *ImagePuller {
	return &ImagePuller{images: images}
}

// Pull fetches opts.Image (optionally tagged by opts.Tag) and inspects it.
func (p *ImagePuller) Pull(ctx context.Context, opts Options) Result {
	started := time.Now()
	logs := NewLogs(nil)
	if opts.Image == "" {
		return failed(SourceImage, logs, started, errors.New("image name is required"))
	}
	ref, err := normaliseReference(opts.Image, opts.Tag)
	if err != nil {
		return failed(SourceImage, logs, started, err)
	}
	logs.Add(fmt.Sprintf("Pulling image %s", ref))
	if err := p.images.PullImage(ctx, ref, logs.Add); err != nil {
		return failed(SourceImage, logs, started, err)
	}
	info, err := p.images.InspectImage(ctx, ref)
	if err != nil {
		return failed(SourceImage, logs, started, err)
	}
	logs.Add(fmt.Sprintf("Image %s ready", ref))
	return Result{
		Success:  true,
		Strategy: SourceImage,
		ImageID:  info.ID,
		ImageTag: ref,
		Logs:     logs.String(),
		Duration: time.Since(started),
	}
}

// normaliseReference validates image and applies tag unless image already
// carries a tag or digest.
func normaliseReference(image, tag string) (string, error) {
	ref, err := name.ParseReference(image, name.WithDefaultTag("latest"))
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	if _, isDigest := ref.(name.Digest); isDigest {
		return ref.Name(), nil
	}
	if tag != "" && ref.Identifier() == "latest" && !hasExplicitTag(image) {
		tagged, err := name.NewTag(ref.Context().Name()+":"+tag, name.WeakValidation)
		if err != nil {
			return "", fmt.Errorf("invalid image tag %q: %w", tag, err)
		}
		return tagged.Name(), nil
	}
	return ref.Name(), nil
}

func hasExplicitTag(image string) bool {
	for i := len(image) - 1; i >= 0; i-- {
		switch image[i] {
		case ':':
			return true
		case '/':
			return false
		}
	}
	return false
}
