package pipelines

import (
	"errors"
	"fmt"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/vectorutil"
)

// FeatureExtractionPipeline A feature extraction pipeline is a go version of
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/feature_extraction.py
type FeatureExtractionPipeline struct {
	*backends.BasePipeline
	Normalization bool
	OutputName    string
	Output        backends.InputOutputInfo
	outputIndex   int
}

type FeatureExtractionOutput struct {
	Embeddings [][]float32
}

func (t *FeatureExtractionOutput) GetOutput() []any {
	out := make([]any, len(t.Embeddings))
	for i, embedding := range t.Embeddings {
		out[i] = any(embedding)
	}
	return out
}

// PIPELINE OPTIONS

// WithNormalization applies L2 normalization to the pooled output of the feature pipeline.
func WithNormalization() backends.PipelineOption[*FeatureExtractionPipeline] {
	return func(pipeline *FeatureExtractionPipeline) error {
		pipeline.Normalization = true
		return nil
	}
}

// WithOutputName if there are multiple outputs from the underlying model, which output should
// be returned. If not passed, the first output from the feature pipeline is returned.
func WithOutputName(outputName string) backends.PipelineOption[*FeatureExtractionPipeline] {
	return func(pipeline *FeatureExtractionPipeline) error {
		pipeline.OutputName = outputName
		return nil
	}
}

// NewFeatureExtractionPipeline init a feature extraction pipeline.
func NewFeatureExtractionPipeline(config backends.PipelineConfig[*FeatureExtractionPipeline], s *options.Options, model *backends.Model) (*FeatureExtractionPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &FeatureExtractionPipeline{BasePipeline: defaultPipeline}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	pipeline.outputIndex, err = outputIndex(model, pipeline.OutputName)
	if err != nil {
		return nil, err
	}
	pipeline.Output = model.OutputsMeta[pipeline.outputIndex]
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

// GetMetadata returns metadata information about the pipeline, in particular:
// OutputInfo: names and dimensions of the output layer.
func (p *FeatureExtractionPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Output.Name,
				Dimensions: p.Output.Dimensions,
			},
		},
	}
}

// Validate checks that the pipeline is valid.
func (p *FeatureExtractionPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "feature extraction"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	for _, input := range p.Model.InputsMeta {
		if len(input.Dimensions) > 3 {
			validationErrors = append(validationErrors, fmt.Errorf("input %s has %d dimensions, at most 3 are supported", input.Name, len(input.Dimensions)))
		}
	}
	dims := p.Output.Dimensions
	if len(dims) != 2 && len(dims) != 3 {
		validationErrors = append(validationErrors, fmt.Errorf("output %s must be two or three dimensional, got %s", p.Output.Name, dims))
	} else if dims[len(dims)-1] == -1 {
		validationErrors = append(validationErrors, fmt.Errorf("embedding dimension of output %s cannot be dynamic", p.Output.Name))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes the input strings.
func (p *FeatureExtractionPipeline) Preprocess(batch *backends.PipelineBatch, inputs []string) error {
	return tokenizeBatch(p.BasePipeline, batch, inputs)
}

// Postprocess pools token level outputs into one vector per input.
func (p *FeatureExtractionPipeline) Postprocess(batch *backends.PipelineBatch) (*FeatureExtractionOutput, error) {
	output, err := outputAt(batch, p.outputIndex)
	if err != nil {
		return nil, err
	}
	var embeddings [][]float32
	switch v := output.(type) {
	case [][]float32:
		embeddings = v
	case [][][]float32:
		embeddings = make([][]float32, len(v))
		for i, tokens := range v {
			embeddings[i] = meanPooling(tokens)
		}
	default:
		return nil, fmt.Errorf("output type %T is not supported by feature extraction", output)
	}
	if p.Normalization {
		for i := range embeddings {
			embeddings[i] = vectorutil.Normalize(embeddings[i], 2)
		}
	}
	return &FeatureExtractionOutput{Embeddings: embeddings}, nil
}

// meanPooling averages token embeddings. Padded positions are already removed from tokens.
func meanPooling(tokens [][]float32) []float32 {
	if len(tokens) == 0 {
		return nil
	}
	pooled := make([]float32, len(tokens[0]))
	for _, token := range tokens {
		for j, v := range token {
			pooled[j] += v
		}
	}
	n := float32(len(tokens))
	for j := range pooled {
		pooled[j] /= n
	}
	return pooled
}

// Run the pipeline on a string batch.
func (p *FeatureExtractionPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run but returns the concrete type rather than the interface.
func (p *FeatureExtractionPipeline) RunPipeline(inputs []string) (*FeatureExtractionOutput, error) {
	if len(inputs) == 0 {
		return &FeatureExtractionOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}
