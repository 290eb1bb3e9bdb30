package pipelines

import (
	"errors"
	"fmt"
	"image"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/imageutil"
	"github.com/knights-analytics/optimum/util/vectorutil"
)

// ImageClassificationPipeline is a go version of
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/image_classification.py
// It takes images (as file paths or image.Image) and returns top-k class predictions.
type ImageClassificationPipeline struct {
	*backends.BasePipeline
	TopK               int
	IDLabelMap         map[int]string
	ProblemType        string
	format             string
	preprocessSteps    []imageutil.PreprocessStep
	normalizationSteps []imageutil.NormalizationStep
}

type ImageClassificationResult struct {
	Label      string
	Score      float32
	ClassIndex int
}

type ImageClassificationOutput struct {
	Predictions [][]ImageClassificationResult // batch of results
}

func (o *ImageClassificationOutput) GetOutput() []any {
	out := make([]any, len(o.Predictions))
	for i, preds := range o.Predictions {
		out[i] = any(preds)
	}
	return out
}

func (p *ImageClassificationPipeline) addPreprocessSteps(steps ...imageutil.PreprocessStep) {
	p.preprocessSteps = append(p.preprocessSteps, steps...)
}

func (p *ImageClassificationPipeline) addNormalizationSteps(steps ...imageutil.NormalizationStep) {
	p.normalizationSteps = append(p.normalizationSteps, steps...)
}

func (p *ImageClassificationPipeline) setImageFormat(format string) {
	p.format = format
}

func (p *ImageClassificationPipeline) setTopK(k int) {
	p.TopK = k
}

// NewImageClassificationPipeline initializes an image classification pipeline. Without explicit
// steps, the steps declared by preprocessor_config.json are used.
func NewImageClassificationPipeline(config backends.PipelineConfig[*ImageClassificationPipeline], s *options.Options, model *backends.Model) (*ImageClassificationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &ImageClassificationPipeline{
		BasePipeline: defaultPipeline,
		TopK:         5,
		IDLabelMap:   model.IDLabelMap,
		ProblemType:  model.ProblemType,
		format:       "NCHW",
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	if model.Preprocessor != nil {
		preprocessSteps, normalizationSteps := model.Preprocessor.Steps()
		if len(pipeline.preprocessSteps) == 0 {
			pipeline.preprocessSteps = preprocessSteps
		}
		if len(pipeline.normalizationSteps) == 0 {
			pipeline.normalizationSteps = normalizationSteps
		}
	}
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (p *ImageClassificationPipeline) Validate() error {
	var validationErrors []error
	for _, input := range p.Model.InputsMeta {
		if dims := []int64(input.Dimensions); len(dims) != 4 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s: expected 4 dimensions (batch, channels, height, width), got %d", input.Name, len(dims)))
		}
	}
	if len(p.Model.OutputsMeta) == 0 || len(p.Model.OutputsMeta[0].Dimensions) != 2 {
		validationErrors = append(validationErrors, errors.New("image classification requires a two dimensional (input, logits) output"))
	}
	if p.format != "NCHW" && p.format != "NHWC" {
		validationErrors = append(validationErrors, fmt.Errorf("image format %s not recognized", p.format))
	}
	if p.TopK == 0 {
		validationErrors = append(validationErrors, errors.New("top k must be positive, or negative to return every class"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess applies the preprocessing steps to the images and creates the pixel tensors.
func (p *ImageClassificationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []image.Image) error {
	preprocessed := make([][][][]float32, len(inputs))
	for i, img := range inputs {
		tensor, err := imageutil.ToTensor(img, p.preprocessSteps, p.normalizationSteps, p.format)
		if err != nil {
			return fmt.Errorf("failed to preprocess image %d: %w", i, err)
		}
		preprocessed[i] = tensor
	}
	return backends.CreateImageTensors(batch, p.Model, preprocessed, p.Runtime)
}

// Postprocess parses logits and returns top-k predictions for each image.
func (p *ImageClassificationPipeline) Postprocess(batch *backends.PipelineBatch) (*ImageClassificationOutput, error) {
	logits, err := logits2D(batch, 0)
	if err != nil {
		return nil, err
	}
	scoreFunction := defaultScoreFunction(p.ProblemType, len(p.IDLabelMap))
	batchPreds := make([][]ImageClassificationResult, len(logits))
	for i, logit := range logits {
		batchPreds[i] = getTopK(scoreFunction(logit), p.TopK, p.IDLabelMap)
	}
	return &ImageClassificationOutput{Predictions: batchPreds}, nil
}

func getTopK(scores []float32, k int, labels map[int]string) []ImageClassificationResult {
	indices := vectorutil.TopK(scores, k)
	results := make([]ImageClassificationResult, len(indices))
	for i, index := range indices {
		results[i] = ImageClassificationResult{
			Label:      labelFor(labels, index),
			Score:      scores[index],
			ClassIndex: index,
		}
	}
	return results
}

// Run runs the pipeline on a batch of image file paths.
func (p *ImageClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline returns the concrete output type.
func (p *ImageClassificationPipeline) RunPipeline(inputs []string) (*ImageClassificationOutput, error) {
	images, err := imageutil.LoadImagesFromPaths(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	return p.RunWithImages(images)
}

func (p *ImageClassificationPipeline) RunWithImages(inputs []image.Image) (*ImageClassificationOutput, error) {
	if len(inputs) == 0 {
		return &ImageClassificationOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}
