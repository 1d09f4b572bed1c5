package stages

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/pipeline"
	"github.com/cuemby/darkroom/pkg/types"
)

// pngBytes renders a test image. Noise defeats PNG's deflate so a lossy
// re-encode reliably shrinks it; flat color is the opposite.
func pngBytes(t *testing.T, w, h int, noisy bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(42))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if noisy {
				img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
			} else {
				img.Set(x, y, color.RGBA{40, 90, 200, 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func photoCtx(data []byte) *pipeline.PhotoContext {
	return &pipeline.PhotoContext{
		Photo:   &types.PhotoRecord{ID: "p1"},
		Data:    data,
		Sniffed: "image/png",
	}
}

func TestValidationAcceptsRealImage(t *testing.T) {
	res, err := NewValidation().Run(context.Background(), photoCtx(pngBytes(t, 64, 48, false)))
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.Metadata["sniffed_type"])
}

func TestValidationRejectsNonImages(t *testing.T) {
	v := NewValidation()

	_, err := v.Run(context.Background(), photoCtx(nil))
	assert.True(t, errdefs.IsStageFatal(err), "empty blob: %v", err)

	_, err = v.Run(context.Background(), photoCtx([]byte("just some text pretending to be a photo")))
	assert.True(t, errdefs.IsStageFatal(err), "text blob: %v", err)
}

func TestValidationRejectsTruncatedImage(t *testing.T) {
	// valid PNG signature, garbage body
	data := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, bytes.Repeat([]byte{0xAB}, 64)...)
	_, err := NewValidation().Run(context.Background(), photoCtx(data))
	assert.True(t, errdefs.IsStageFatal(err))
}

func TestMetadataExtraction(t *testing.T) {
	res, err := NewMetadataExtraction().Run(context.Background(), photoCtx(pngBytes(t, 64, 48, false)))
	require.NoError(t, err)
	assert.Equal(t, "64", res.Metadata["width"])
	assert.Equal(t, "48", res.Metadata["height"])
	assert.Equal(t, "png", res.Metadata["format"])
}

func TestMetadataExtractionRejectsGarbage(t *testing.T) {
	_, err := NewMetadataExtraction().Run(context.Background(), photoCtx([]byte("nope")))
	assert.True(t, errdefs.IsStageFatal(err))
}

func TestThumbnailsRenderPresets(t *testing.T) {
	pc := photoCtx(pngBytes(t, 1000, 600, true))
	var percents []int
	pc.Progress = func(p int) { percents = append(percents, p) }

	res, err := NewThumbnails().Run(context.Background(), pc)
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 3)

	byRole := map[string]pipeline.ArtifactData{}
	for _, a := range res.Artifacts {
		byRole[a.Role] = a
		assert.Equal(t, "image/jpeg", a.ContentType)
		assert.NotEmpty(t, a.Bytes)
	}

	assert.Equal(t, 150, byRole["thumb_150"].Width)
	assert.Equal(t, 90, byRole["thumb_150"].Height)
	assert.Equal(t, 400, byRole["thumb_400"].Width)
	assert.Equal(t, 240, byRole["thumb_400"].Height)
	assert.Equal(t, 800, byRole["thumb_800"].Width)
	assert.Equal(t, 480, byRole["thumb_800"].Height)

	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
}

func TestThumbnailsNeverUpscale(t *testing.T) {
	res, err := NewThumbnails().Run(context.Background(), photoCtx(pngBytes(t, 100, 80, false)))
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 3)
	for _, a := range res.Artifacts {
		assert.Equal(t, 100, a.Width, "%s must not upscale", a.Role)
		assert.Equal(t, 80, a.Height, "%s must not upscale", a.Role)
	}
}

func TestThumbnailsHonorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewThumbnails().Run(ctx, photoCtx(pngBytes(t, 200, 200, false)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThumbnailsRejectCorruptImage(t *testing.T) {
	_, err := NewThumbnails().Run(context.Background(), photoCtx([]byte("garbage")))
	assert.True(t, errdefs.IsStageFatal(err))
}

func TestOptimizationShrinksNoisyOriginal(t *testing.T) {
	original := pngBytes(t, 400, 300, true)
	res, err := NewOptimization().Run(context.Background(), photoCtx(original))
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	art := res.Artifacts[0]
	assert.Equal(t, "optimized", art.Role)
	assert.Less(t, len(art.Bytes), len(original))
	assert.Equal(t, "true", res.Metadata["optimized"])
	assert.Equal(t, 400, art.Width)
	assert.Equal(t, 300, art.Height)
}

func TestOptimizationKeepsCompactOriginal(t *testing.T) {
	// a flat PNG is already smaller than any quality-85 JPEG of it
	res, err := NewOptimization().Run(context.Background(), photoCtx(pngBytes(t, 50, 50, false)))
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, "false", res.Metadata["optimized"])
}

func TestAllCoversBuiltinPipelines(t *testing.T) {
	reg := pipeline.NewRegistry()
	for _, s := range All() {
		require.NoError(t, reg.RegisterStage(s))
	}

	stages, err := reg.Resolve(types.PipelineFull)
	require.NoError(t, err)
	require.Len(t, stages, 4)

	stages, err = reg.Resolve(types.PipelineQuick)
	require.NoError(t, err)
	require.Len(t, stages, 3)
}
