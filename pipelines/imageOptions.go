package pipelines

import (
	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/util/imageutil"
)

// imagePipeline is implemented by the pipelines that take images as input.
type imagePipeline interface {
	backends.Pipeline
	addPreprocessSteps(...imageutil.PreprocessStep)
	addNormalizationSteps(...imageutil.NormalizationStep)
	setImageFormat(string)
}

// topKPipeline is implemented by the pipelines that rank their predictions.
type topKPipeline interface {
	backends.Pipeline
	setTopK(int)
}

// WithPreprocessSteps replaces the resize and crop steps read from preprocessor_config.json.
func WithPreprocessSteps[T imagePipeline](steps ...imageutil.PreprocessStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addPreprocessSteps(steps...)
		return nil
	}
}

// WithNormalizationSteps replaces the rescale and normalize steps read from preprocessor_config.json.
func WithNormalizationSteps[T imagePipeline](steps ...imageutil.NormalizationStep) backends.PipelineOption[T] {
	return func(p T) error {
		p.addNormalizationSteps(steps...)
		return nil
	}
}

func WithNCHWFormat[T imagePipeline]() backends.PipelineOption[T] {
	return func(p T) error {
		p.setImageFormat("NCHW")
		return nil
	}
}

func WithNHWCFormat[T imagePipeline]() backends.PipelineOption[T] {
	return func(p T) error {
		p.setImageFormat("NHWC")
		return nil
	}
}

// WithTopK limits the number of predictions returned per input. A negative k returns every prediction.
func WithTopK[T topKPipeline](k int) backends.PipelineOption[T] {
	return func(p T) error {
		p.setTopK(k)
		return nil
	}
}
