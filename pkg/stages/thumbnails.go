package stages

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/pipeline"
)

// thumbnail presets: bounding box edge in pixels. Fit never upscales, so
// small originals pass through at their own size.
var thumbnailPresets = []int{150, 400, 800}

const thumbnailQuality = 85

// Thumbnails renders the preset sizes with Lanczos resampling, honoring
// EXIF orientation
type Thumbnails struct{}

func NewThumbnails() *Thumbnails { return &Thumbnails{} }

func (t *Thumbnails) Name() string { return pipeline.StageThumbnails }

func (t *Thumbnails) Run(ctx context.Context, pc *pipeline.PhotoContext) (*pipeline.StageResult, error) {
	img, err := imaging.Decode(bytes.NewReader(pc.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStageFatal, err, "image does not decode")
	}

	artifacts := make([]pipeline.ArtifactData, 0, len(thumbnailPresets))
	for i, edge := range thumbnailPresets {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		thumb := imaging.Fit(img, edge, edge, imaging.Lanczos)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
			return nil, errdefs.Wrap(errdefs.KindInternal, err, "encode %dpx thumbnail", edge)
		}

		artifacts = append(artifacts, pipeline.ArtifactData{
			Role:        fmt.Sprintf("thumb_%d", edge),
			Bytes:       buf.Bytes(),
			Width:       thumb.Bounds().Dx(),
			Height:      thumb.Bounds().Dy(),
			ContentType: "image/jpeg",
		})
		report(pc, (i+1)*100/len(thumbnailPresets))
	}

	return &pipeline.StageResult{Artifacts: artifacts}, nil
}
