// Package optimum builds task pipelines (feature extraction, classification, question answering, generation...)
// over ONNX models executed by ONNX Runtime or a pure Go runtime.
package optimum

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/pipelines"
)

// ErrIncompatibleTokenizer is returned when the tokenizer of a model cannot drive its graph.
var ErrIncompatibleTokenizer = backends.ErrIncompatibleTokenizer

// Session allows for the creation of new pipelines and holds the pipelines already created.
// Models are shared by the pipelines of a session that use the same graph and tokenizer, and are destroyed
// when the last of them is closed.
type Session struct {
	mu                 sync.Mutex
	pipelines          map[string]backends.Pipeline
	models             map[string]*backends.Model
	external           map[string]bool
	options            *options.Options
	environmentDestroy func() error
}

func newSession(backend string, init func(*Session) (*Session, error), opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	// Collect options into a struct, so they can be applied in the correct order later
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		pipelines: map[string]backends.Pipeline{},
		models:    map[string]*backends.Model{},
		external:  map[string]bool{},
		options:   parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	if init == nil {
		return session, nil
	}
	return init(session)
}

// NewSession creates a session for the named backend, options.BackendORT or options.BackendGo.
func NewSession(backend string, opts ...options.WithOption) (*Session, error) {
	switch backend {
	case options.BackendORT:
		return NewORTSession(opts...)
	case options.BackendGo:
		return NewGoSession(opts...)
	}
	return nil, fmt.Errorf("backend %q is not supported, use %s or %s", backend, options.BackendORT, options.BackendGo)
}

// Backend returns the backend of the session.
func (s *Session) Backend() string {
	if s.options == nil {
		return ""
	}
	return s.options.Backend
}

// FeatureExtractionConfig is the configuration for a feature extraction pipeline.
type FeatureExtractionConfig = backends.PipelineConfig[*pipelines.FeatureExtractionPipeline]

// FeatureExtractionOption is an option for a feature extraction pipeline.
type FeatureExtractionOption = backends.PipelineOption[*pipelines.FeatureExtractionPipeline]

// TextClassificationConfig is the configuration for a text classification pipeline.
type TextClassificationConfig = backends.PipelineConfig[*pipelines.TextClassificationPipeline]

// TextClassificationOption is an option for a text classification pipeline.
type TextClassificationOption = backends.PipelineOption[*pipelines.TextClassificationPipeline]

// TokenClassificationConfig is the configuration for a token classification pipeline.
type TokenClassificationConfig = backends.PipelineConfig[*pipelines.TokenClassificationPipeline]

// TokenClassificationOption is an option for a token classification pipeline.
type TokenClassificationOption = backends.PipelineOption[*pipelines.TokenClassificationPipeline]

// QuestionAnsweringConfig is the configuration for a question answering pipeline.
type QuestionAnsweringConfig = backends.PipelineConfig[*pipelines.QuestionAnsweringPipeline]

// QuestionAnsweringOption is an option for a question answering pipeline.
type QuestionAnsweringOption = backends.PipelineOption[*pipelines.QuestionAnsweringPipeline]

// ZeroShotClassificationConfig is the configuration for a zero shot classification pipeline.
type ZeroShotClassificationConfig = backends.PipelineConfig[*pipelines.ZeroShotClassificationPipeline]

// ZeroShotClassificationOption is an option for a zero shot classification pipeline.
type ZeroShotClassificationOption = backends.PipelineOption[*pipelines.ZeroShotClassificationPipeline]

// FillMaskConfig is the configuration for a fill mask pipeline.
type FillMaskConfig = backends.PipelineConfig[*pipelines.FillMaskPipeline]

// FillMaskOption is an option for a fill mask pipeline.
type FillMaskOption = backends.PipelineOption[*pipelines.FillMaskPipeline]

// TextGenerationConfig is the configuration for a text generation pipeline.
type TextGenerationConfig = backends.PipelineConfig[*pipelines.TextGenerationPipeline]

// TextGenerationOption is an option for a text generation pipeline.
type TextGenerationOption = backends.PipelineOption[*pipelines.TextGenerationPipeline]

// ImageClassificationConfig is the configuration for an image classification pipeline.
type ImageClassificationConfig = backends.PipelineConfig[*pipelines.ImageClassificationPipeline]

// ImageClassificationOption is an option for an image classification pipeline.
type ImageClassificationOption = backends.PipelineOption[*pipelines.ImageClassificationPipeline]

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	return newPipeline(s, pipelineConfig, nil)
}

// NewPipelineWithModel creates a pipeline of type T over a model loaded by the caller. The session does not
// destroy such a model; the caller remains responsible for it.
func NewPipelineWithModel[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T], model *backends.Model) (T, error) {
	if model == nil {
		var pipeline T
		return pipeline, errors.New("model is nil")
	}
	return newPipeline(s, pipelineConfig, model)
}

func newPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T], supplied *backends.Model) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.options == nil {
		return pipeline, errors.New("session has been destroyed")
	}
	if _, exists := s.pipelines[pipelineConfig.Name]; exists {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	}

	var model *backends.Model
	var key string
	if supplied != nil {
		if err := supplied.CheckBackend(s.options.Backend); err != nil {
			return pipeline, err
		}
		model, key = supplied, fmt.Sprintf("external:%p", supplied)
		if model.Pipelines == nil {
			model.Pipelines = map[string]backends.Pipeline{}
		}
		if _, ok := s.models[key]; !ok {
			s.models[key] = model
			s.external[key] = true
		}
	} else {
		// Load model if it has not been loaded already
		key = modelKey(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, pipelineConfig.TokenizerPath)
		var ok bool
		model, ok = s.models[key]
		if !ok {
			var err error
			model, err = backends.LoadModel(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, s.options,
				backends.WithTokenizerPath(pipelineConfig.TokenizerPath))
			if err != nil {
				return pipeline, err
			}
			s.models[key] = model
		}
	}

	pipeline, err := InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		if len(model.Pipelines) == 0 {
			err = errors.Join(err, s.releaseModel(key, model))
		}
		return pipeline, err
	}
	s.pipelines[pipelineConfig.Name] = pipeline
	return pipeline, nil
}

func modelKey(modelPath, onnxFilename, tokenizerPath string) string {
	return modelPath + ":" + onnxFilename + ":" + tokenizerPath
}

// releaseModel forgets a model nothing uses any more and destroys it unless it was supplied by the caller.
func (s *Session) releaseModel(key string, model *backends.Model) error {
	external := s.external[key]
	delete(s.models, key)
	delete(s.external, key)
	if external || model.Destroy == nil {
		return nil
	}
	return model.Destroy()
}

func initialize[T backends.Pipeline, P backends.Pipeline](
	pipelineConfig backends.PipelineConfig[T],
	s *options.Options,
	model *backends.Model,
	constructor func(backends.PipelineConfig[P], *options.Options, *backends.Model) (P, error),
) (T, error) {
	var pipeline T
	config := any(pipelineConfig).(backends.PipelineConfig[P])
	initialised, err := constructor(config, s, model)
	if err != nil {
		return pipeline, err
	}
	return any(initialised).(T), nil
}

// InitializePipeline builds the pipeline of type T over model and registers it with the model.
func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, error) {
	var pipeline T
	var err error

	switch any(p).(type) {
	case *pipelines.FeatureExtractionPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewFeatureExtractionPipeline)
	case *pipelines.TextClassificationPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewTextClassificationPipeline)
	case *pipelines.TokenClassificationPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewTokenClassificationPipeline)
	case *pipelines.QuestionAnsweringPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewQuestionAnsweringPipeline)
	case *pipelines.ZeroShotClassificationPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewZeroShotClassificationPipeline)
	case *pipelines.FillMaskPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewFillMaskPipeline)
	case *pipelines.TextGenerationPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewTextGenerationPipeline)
	case *pipelines.ImageClassificationPipeline:
		pipeline, err = initialize(pipelineConfig, options, model, pipelines.NewImageClassificationPipeline)
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", p)
	}
	if err != nil {
		return pipeline, err
	}

	model.Pipelines[pipelineConfig.Name] = pipeline
	return pipeline, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[name]
	if !ok {
		return pipeline, &pipelineNotFoundError{pipelineName: name}
	}
	typed, ok := p.(T)
	if !ok {
		return pipeline, fmt.Errorf("pipeline %s is a %T, not a %T", name, p, pipeline)
	}
	return typed, nil
}

// ClosePipeline removes the pipeline of type T with the given name from the session. The model of the
// pipeline is destroyed when no other pipeline uses it.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	if _, err := GetPipeline[T](s, name); err != nil {
		var notFound *pipelineNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return s.closePipeline(name)
}

func (s *Session) closePipeline(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[name]
	if !ok {
		return nil
	}
	delete(s.pipelines, name)
	model := p.GetModel()
	delete(model.Pipelines, name)
	if len(model.Pipelines) > 0 {
		return nil
	}
	for key, m := range s.models {
		if m == model {
			return s.releaseModel(key, model)
		}
	}
	return nil
}

// uniqueName returns base, or base with a numeric suffix if a pipeline already has that name.
func (s *Session) uniqueName(base string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := base
	for i := 2; ; i++ {
		if _, exists := s.pipelines[name]; !exists {
			return name
		}
		name = fmt.Sprintf("%s#%d", base, i)
	}
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// PipelineNames returns the names of the pipelines of the session, sorted.
func (s *Session) PipelineNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.pipelines))
}

// GetStatistics returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each pipeline:
// the total runtime of the tokenization step
// the number of batch calls to the tokenization step
// the average time per tokenization batch call
// the total runtime of the inference step
// the number of batch calls to the inference step
// the average time per inference batch call.
func (s *Session) GetStatistics() map[string]backends.PipelineStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	statistics := make(map[string]backends.PipelineStatistics, len(s.pipelines))
	for name, p := range s.pipelines {
		statistics[name] = p.GetStatistics()
	}
	return statistics
}

// Destroy deletes the session and runtime environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for key, model := range s.models {
		if s.external[key] || model.Destroy == nil {
			continue
		}
		err = errors.Join(err, model.Destroy())
	}
	s.models = map[string]*backends.Model{}
	s.external = map[string]bool{}
	s.pipelines = map[string]backends.Pipeline{}

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}
	if s.environmentDestroy != nil {
		err = errors.Join(err, s.environmentDestroy())
		s.environmentDestroy = nil
	}
	return err
}
