package pipelines

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/vectorutil"
)

// TextClassificationPipeline is a go version of
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/text_classification.py
type TextClassificationPipeline struct {
	*backends.BasePipeline
	IDLabelMap          map[int]string
	AggregationFunction func([]float32) []float32
	ProblemType         string
	TopK                int
}

type ClassificationOutput struct {
	Label string
	Score float32
}

type TextClassificationOutput struct {
	ClassificationOutputs [][]ClassificationOutput
}

func (t *TextClassificationOutput) GetOutput() []any {
	out := make([]any, len(t.ClassificationOutputs))
	for i, classificationOutput := range t.ClassificationOutputs {
		out[i] = any(classificationOutput)
	}
	return out
}

// options

// WithSoftmax scores the classes with a softmax, for single label models.
func WithSoftmax() backends.PipelineOption[*TextClassificationPipeline] {
	return func(pipeline *TextClassificationPipeline) error {
		pipeline.AggregationFunction = vectorutil.SoftMax
		return nil
	}
}

// WithSigmoid scores each class independently, for multi label models.
func WithSigmoid() backends.PipelineOption[*TextClassificationPipeline] {
	return func(pipeline *TextClassificationPipeline) error {
		pipeline.AggregationFunction = vectorutil.Sigmoid
		return nil
	}
}

// WithMultiLabel treats the model as multi label regardless of its config.
func WithMultiLabel() backends.PipelineOption[*TextClassificationPipeline] {
	return func(pipeline *TextClassificationPipeline) error {
		pipeline.ProblemType = "multi_label_classification"
		return nil
	}
}

// NewTextClassificationPipeline initializes a new text classification pipeline.
func NewTextClassificationPipeline(config backends.PipelineConfig[*TextClassificationPipeline], s *options.Options, model *backends.Model) (*TextClassificationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &TextClassificationPipeline{
		BasePipeline: defaultPipeline,
		IDLabelMap:   model.IDLabelMap,
		ProblemType:  model.ProblemType,
		TopK:         1,
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	if pipeline.AggregationFunction == nil {
		pipeline.AggregationFunction = defaultScoreFunction(pipeline.ProblemType, len(pipeline.IDLabelMap))
	}
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// defaultScoreFunction follows the transformers rule: sigmoid for multi label or single logit models, softmax otherwise.
func defaultScoreFunction(problemType string, numLabels int) func([]float32) []float32 {
	if problemType == "multi_label_classification" || numLabels == 1 {
		return vectorutil.Sigmoid
	}
	return vectorutil.SoftMax
}

func (p *TextClassificationPipeline) setTopK(k int) {
	p.TopK = k
}

// Validate checks that the pipeline is valid.
func (p *TextClassificationPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "text classification"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if len(p.IDLabelMap) < 1 {
		validationErrors = append(validationErrors, errors.New("pipeline configuration invalid: id2label map must contain at least one label"))
	}
	if len(p.Model.OutputsMeta) == 0 {
		validationErrors = append(validationErrors, errors.New("model has no outputs"))
	} else {
		dims := p.Model.OutputsMeta[0].Dimensions
		if len(dims) != 2 {
			validationErrors = append(validationErrors, fmt.Errorf("pipeline configuration invalid: text classification must have 2 dimensional output, got %s", dims))
		} else if dims[1] != -1 && int(dims[1]) != len(p.IDLabelMap) {
			validationErrors = append(validationErrors, fmt.Errorf("pipeline configuration invalid: output has %d logits but id2label has %d labels", dims[1], len(p.IDLabelMap)))
		}
	}
	if p.TopK == 0 {
		validationErrors = append(validationErrors, errors.New("top k must be positive, or negative to return every label"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes the input strings.
func (p *TextClassificationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []string) error {
	return tokenizeBatch(p.BasePipeline, batch, inputs)
}

// Postprocess scores the logits of each input and keeps the top k labels.
func (p *TextClassificationPipeline) Postprocess(batch *backends.PipelineBatch) (*TextClassificationOutput, error) {
	logits, err := logits2D(batch, 0)
	if err != nil {
		return nil, err
	}
	outputs := make([][]ClassificationOutput, len(logits))
	for i, row := range logits {
		outputs[i] = rankLabels(p.AggregationFunction(row), p.IDLabelMap, p.TopK)
	}
	return &TextClassificationOutput{ClassificationOutputs: outputs}, nil
}

// rankLabels sorts class scores in descending order and keeps the first k.
func rankLabels(scores []float32, idLabelMap map[int]string, k int) []ClassificationOutput {
	indices := vectorutil.TopK(scores, k)
	ranked := make([]ClassificationOutput, len(indices))
	for j, index := range indices {
		ranked[j] = ClassificationOutput{
			Label: labelFor(idLabelMap, index),
			Score: scores[index],
		}
	}
	return ranked
}

// Run the pipeline on a string batch.
func (p *TextClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run but returns the concrete type rather than the interface.
func (p *TextClassificationPipeline) RunPipeline(inputs []string) (*TextClassificationOutput, error) {
	if len(inputs) == 0 {
		return &TextClassificationOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}
