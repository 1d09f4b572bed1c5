package stages

import (
	"bytes"
	"context"
	"image"
	"strconv"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/pipeline"
)

// MetadataExtraction reads image facts from the header without decoding
// pixels
type MetadataExtraction struct{}

func NewMetadataExtraction() *MetadataExtraction { return &MetadataExtraction{} }

func (m *MetadataExtraction) Name() string { return pipeline.StageMetadata }

func (m *MetadataExtraction) Run(ctx context.Context, pc *pipeline.PhotoContext) (*pipeline.StageResult, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(pc.Data))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStageFatal, err, "image header does not parse")
	}

	md := map[string]string{
		"width":      strconv.Itoa(cfg.Width),
		"height":     strconv.Itoa(cfg.Height),
		"format":     format,
		"megapixels": strconv.FormatFloat(float64(cfg.Width)*float64(cfg.Height)/1e6, 'f', 2, 64),
	}
	return &pipeline.StageResult{Metadata: md}, nil
}
