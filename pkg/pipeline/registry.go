package pipeline

import (
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

// Built-in stage names
const (
	StageValidation = "validation"
	StageMetadata   = "metadata_extraction"
	StageThumbnails = "thumbnails"
	StageOptimize   = "optimization"
)

// Registry maps pipeline names to ordered stage lists and stage names to
// implementations. Pipelines resolve lazily so definitions may be
// registered before their stages.
type Registry struct {
	mu        sync.RWMutex
	stages    map[string]Stage
	pipelines map[string][]string
}

// NewRegistry returns a registry seeded with the built-in pipelines.
// Stage implementations are registered separately by the caller.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
		pipelines: map[string][]string{
			types.PipelineFull:  {StageValidation, StageMetadata, StageThumbnails, StageOptimize},
			types.PipelineQuick: {StageValidation, StageMetadata, StageThumbnails},
		},
	}
}

// RegisterStage adds a stage implementation. Duplicate names conflict.
func (r *Registry) RegisterStage(s Stage) error {
	if s == nil || s.Name() == "" {
		return errdefs.New(errdefs.KindValidationFailed, "stage must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[s.Name()]; ok {
		return errdefs.New(errdefs.KindConflict, "stage %q already registered", s.Name())
	}
	r.stages[s.Name()] = s
	return nil
}

// RegisterPipeline defines or overrides a pipeline as an ordered stage
// list. Stage names must be unique within the list.
func (r *Registry) RegisterPipeline(name string, stageNames []string) error {
	if name == "" {
		return errdefs.New(errdefs.KindValidationFailed, "pipeline name is required")
	}
	if len(stageNames) == 0 {
		return errdefs.New(errdefs.KindValidationFailed, "pipeline %q has no stages", name)
	}
	seen := make(map[string]bool, len(stageNames))
	for _, sn := range stageNames {
		if sn == "" {
			return errdefs.New(errdefs.KindValidationFailed, "pipeline %q has an empty stage name", name)
		}
		if seen[sn] {
			return errdefs.New(errdefs.KindValidationFailed, "pipeline %q lists stage %q twice", name, sn)
		}
		seen[sn] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[name] = append([]string(nil), stageNames...)
	return nil
}

// Resolve returns the pipeline's stages in execution order. Unknown
// pipelines and unregistered stages fail validation, which terminates the
// referencing job rather than retrying it.
func (r *Registry) Resolve(pipeline string) ([]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names, ok := r.pipelines[pipeline]
	if !ok {
		return nil, errdefs.New(errdefs.KindValidationFailed, "pipeline %q is not registered", pipeline)
	}
	return r.resolveNamesLocked(names)
}

// ResolveStages returns implementations for an explicit stage list,
// used when a job names its own stages instead of a pipeline.
func (r *Registry) ResolveStages(names []string) ([]Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveNamesLocked(names)
}

func (r *Registry) resolveNamesLocked(names []string) ([]Stage, error) {
	stages := make([]Stage, 0, len(names))
	for _, sn := range names {
		st, ok := r.stages[sn]
		if !ok {
			return nil, errdefs.New(errdefs.KindValidationFailed, "stage %q is not registered", sn)
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// Pipelines returns the registered pipeline definitions
func (r *Registry) Pipelines() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.pipelines))
	for name, stages := range r.pipelines {
		out[name] = append([]string(nil), stages...)
	}
	return out
}

// StageNames returns the registered stage names, sorted
func (r *Registry) StageNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type pipelinesFile struct {
	Pipelines map[string]struct {
		Stages []string `yaml:"stages"`
	} `yaml:"pipelines"`
}

// LoadFile adds or overrides pipelines from a YAML definitions file:
//
//	pipelines:
//	  web_only:
//	    stages: [validation, thumbnails]
//
// Definitions referencing unregistered stages are rejected, so stages
// must be registered first.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errdefs.Wrap(errdefs.KindValidationFailed, err, "read pipelines file %s", path)
	}

	var file pipelinesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return errdefs.Wrap(errdefs.KindValidationFailed, err, "parse pipelines file %s", path)
	}

	// validate everything before touching the registry
	r.mu.RLock()
	for name, def := range file.Pipelines {
		for _, sn := range def.Stages {
			if _, ok := r.stages[sn]; !ok {
				r.mu.RUnlock()
				return errdefs.New(errdefs.KindValidationFailed, "pipeline %q references unknown stage %q", name, sn)
			}
		}
	}
	r.mu.RUnlock()

	for name, def := range file.Pipelines {
		if err := r.RegisterPipeline(name, def.Stages); err != nil {
			return err
		}
	}
	return nil
}
