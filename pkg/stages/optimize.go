package stages

import (
	"bytes"
	"context"
	"strconv"

	"github.com/disintegration/imaging"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/pipeline"
)

const optimizeQuality = 85

// Optimization re-encodes the original at a delivery-friendly quality and
// keeps the result only when it is actually smaller than what the client
// sent
type Optimization struct{}

func NewOptimization() *Optimization { return &Optimization{} }

func (o *Optimization) Name() string { return pipeline.StageOptimize }

func (o *Optimization) Run(ctx context.Context, pc *pipeline.PhotoContext) (*pipeline.StageResult, error) {
	img, err := imaging.Decode(bytes.NewReader(pc.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStageFatal, err, "image does not decode")
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(optimizeQuality)); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "re-encode original")
	}
	report(pc, 100)

	if buf.Len() >= len(pc.Data) {
		return &pipeline.StageResult{
			Metadata: map[string]string{"optimized": "false"},
		}, nil
	}

	return &pipeline.StageResult{
		Artifacts: []pipeline.ArtifactData{{
			Role:        "optimized",
			Bytes:       buf.Bytes(),
			Width:       img.Bounds().Dx(),
			Height:      img.Bounds().Dy(),
			ContentType: "image/jpeg",
		}},
		Metadata: map[string]string{
			"optimized":       "true",
			"optimized_bytes": strconv.Itoa(buf.Len()),
		},
	}, nil
}
