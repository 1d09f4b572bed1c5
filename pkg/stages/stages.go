package stages

import (
	"github.com/cuemby/darkroom/pkg/pipeline"
)

// All returns one instance of every built-in stage, ready to register
func All() []pipeline.Stage {
	return []pipeline.Stage{
		NewValidation(),
		NewMetadataExtraction(),
		NewThumbnails(),
		NewOptimization(),
	}
}

func report(pc *pipeline.PhotoContext, percent int) {
	if pc.Progress != nil {
		pc.Progress(percent)
	}
}
