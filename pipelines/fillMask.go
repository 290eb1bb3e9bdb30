package pipelines

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/vectorutil"
)

// FillMaskPipeline predicts the token hidden behind the mask token, following
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/fill_mask.py
type FillMaskPipeline struct {
	*backends.BasePipeline
	TopK      int
	MaskToken string
}

type FillMaskOutput struct {
	Score    float32
	Token    uint32
	TokenStr string
	Sequence string
}

type FillMaskBatchOutput struct {
	Predictions [][]FillMaskOutput
}

func (t *FillMaskBatchOutput) GetOutput() []any {
	out := make([]any, len(t.Predictions))
	for i, predictions := range t.Predictions {
		out[i] = any(predictions)
	}
	return out
}

// NewFillMaskPipeline initializes a fill mask pipeline.
func NewFillMaskPipeline(config backends.PipelineConfig[*FillMaskPipeline], s *options.Options, model *backends.Model) (*FillMaskPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &FillMaskPipeline{
		BasePipeline: defaultPipeline,
		TopK:         5,
		MaskToken:    model.MaskToken,
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (p *FillMaskPipeline) setTopK(k int) {
	p.TopK = k
}

// Validate checks that the pipeline is valid.
func (p *FillMaskPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "fill mask"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if p.MaskToken == "" {
		validationErrors = append(validationErrors, errors.New("fill mask requires a mask_token in special_tokens_map.json"))
	}
	if len(p.Model.OutputsMeta) == 0 || len(p.Model.OutputsMeta[0].Dimensions) != 3 {
		validationErrors = append(validationErrors, errors.New("fill mask requires a three dimensional (input, sequence, vocabulary) logits output"))
	}
	if p.TopK == 0 {
		validationErrors = append(validationErrors, errors.New("top k must be positive, or negative to return the whole vocabulary"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess checks that each input holds exactly one mask token and tokenizes the inputs.
func (p *FillMaskPipeline) Preprocess(batch *backends.PipelineBatch, inputs []string) error {
	for i, input := range inputs {
		if n := strings.Count(input, p.MaskToken); n != 1 {
			return fmt.Errorf("input %d must contain exactly one %s token, found %d", i, p.MaskToken, n)
		}
	}
	return tokenizeBatch(p.BasePipeline, batch, inputs)
}

// Postprocess ranks the vocabulary at the mask position of each input.
func (p *FillMaskPipeline) Postprocess(batch *backends.PipelineBatch) (*FillMaskBatchOutput, error) {
	logits, err := logits3D(batch, 0)
	if err != nil {
		return nil, err
	}
	output := &FillMaskBatchOutput{Predictions: make([][]FillMaskOutput, len(batch.Input))}
	for i, input := range batch.Input {
		maskIndex := slices.Index(input.Tokens, p.MaskToken)
		if maskIndex == -1 || i >= len(logits) || maskIndex >= len(logits[i]) {
			return nil, fmt.Errorf("mask token %s not found in the tokens of input %d", p.MaskToken, i)
		}
		predictions, predictErr := p.predict(input, maskIndex, vectorutil.SoftMax(logits[i][maskIndex]))
		if predictErr != nil {
			return nil, predictErr
		}
		output.Predictions[i] = predictions
	}
	return output, nil
}

func (p *FillMaskPipeline) predict(input backends.TokenizedInput, maskIndex int, scores []float32) ([]FillMaskOutput, error) {
	indices := vectorutil.TopK(scores, p.TopK)
	predictions := make([]FillMaskOutput, len(indices))
	filled := slices.Clone(input.TokenIDs)
	for j, index := range indices {
		tokenID := uint32(index)
		tokenStr, err := backends.Decode([]uint32{tokenID}, p.Model.Tokenizer, false)
		if err != nil {
			return nil, err
		}
		filled[maskIndex] = tokenID
		sequence, err := backends.Decode(filled, p.Model.Tokenizer, true)
		if err != nil {
			return nil, err
		}
		predictions[j] = FillMaskOutput{
			Score:    scores[index],
			Token:    tokenID,
			TokenStr: strings.TrimSpace(tokenStr),
			Sequence: sequence,
		}
	}
	return predictions, nil
}

// Run the pipeline on a string batch.
func (p *FillMaskPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run but returns the concrete type rather than the interface.
func (p *FillMaskPipeline) RunPipeline(inputs []string) (*FillMaskBatchOutput, error) {
	if len(inputs) == 0 {
		return &FillMaskBatchOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}
