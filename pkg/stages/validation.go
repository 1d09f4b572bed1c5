package stages

import (
	"bytes"
	"context"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/pipeline"
)

// Validation proves the blob is a decodable image before anything else
// touches it. Failures here are fatal: a corrupt upload never becomes
// valid by retrying.
type Validation struct{}

func NewValidation() *Validation { return &Validation{} }

func (v *Validation) Name() string { return pipeline.StageValidation }

func (v *Validation) Run(ctx context.Context, pc *pipeline.PhotoContext) (*pipeline.StageResult, error) {
	if len(pc.Data) == 0 {
		return nil, errdefs.New(errdefs.KindStageFatal, "blob is empty")
	}

	mt := mimetype.Detect(pc.Data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, errdefs.New(errdefs.KindStageFatal, "blob sniffs as %s, not an image", mt.String())
	}

	if _, err := imaging.Decode(bytes.NewReader(pc.Data)); err != nil {
		return nil, errdefs.Wrap(errdefs.KindStageFatal, err, "image does not decode")
	}

	return &pipeline.StageResult{
		Metadata: map[string]string{"sniffed_type": mt.String()},
	}, nil
}
