package pipeline

import (
	"context"

	"github.com/cuemby/darkroom/pkg/types"
)

// Stage is one unit of photo processing. Implementations must be safe for
// concurrent use across photos and must honor context cancellation; the
// engine enforces the stage timeout through the context it passes in.
type Stage interface {
	// Name identifies the stage in pipelines, progress maps and metrics
	Name() string

	// Run processes the photo. Returning an error classified as
	// retryable reschedules the whole job; StageFatal and
	// ValidationFailed errors terminate it.
	Run(ctx context.Context, pc *PhotoContext) (*StageResult, error)
}

// PhotoContext is the execution context the engine hands to each stage
type PhotoContext struct {
	// Photo is a snapshot of the record at stage start. Stages must not
	// mutate it; results flow back through StageResult.
	Photo *types.PhotoRecord

	// Data holds the original blob bytes
	Data []byte

	// Sniffed is the MIME type detected from the blob's magic bytes,
	// independent of what the uploader declared
	Sniffed string

	TraceID string

	// Progress reports intra-stage completion in percent. Optional for
	// stages; never nil when the engine is the caller.
	Progress func(percent int)
}

// StageResult carries what a stage produced
type StageResult struct {
	// Artifacts are derived outputs the engine persists to the artifact
	// bucket and records on the photo
	Artifacts []ArtifactData

	// Metadata is merged into the record's metadata map
	Metadata map[string]string
}

// ArtifactData is one derived output held in memory until the engine
// persists it
type ArtifactData struct {
	// Role names the artifact within the photo (thumb_150, optimized).
	// One artifact per role; a rerun replaces it.
	Role        string
	Bytes       []byte
	Width       int
	Height      int
	ContentType string
}
