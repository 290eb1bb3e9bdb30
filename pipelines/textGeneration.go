package pipelines

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/vectorutil"
)

// TextGenerationPipeline continues prompts with a decoder-only model using greedy decoding.
// The model is run on the whole sequence at every step, so graphs exported without past key values are expected.
type TextGenerationPipeline struct {
	*backends.BasePipeline
	MaxNewTokens   int
	ReturnFullText bool
	// forward runs the model on the batch, BasePipeline.Forward when nil.
	forward func(batch *backends.PipelineBatch) error
}

type GeneratedText struct {
	Text            string
	GeneratedTokens []uint32
}

type TextGenerationOutput struct {
	Responses []GeneratedText
}

func (t *TextGenerationOutput) GetOutput() []any {
	out := make([]any, len(t.Responses))
	for i, resp := range t.Responses {
		out[i] = any(resp)
	}
	return out
}

// WithMaxNewTokens caps the number of generated tokens per input.
func WithMaxNewTokens(maxNewTokens int) backends.PipelineOption[*TextGenerationPipeline] {
	return func(pipeline *TextGenerationPipeline) error {
		if maxNewTokens < 1 {
			return fmt.Errorf("max new tokens must be at least 1, got %d", maxNewTokens)
		}
		pipeline.MaxNewTokens = maxNewTokens
		return nil
	}
}

// WithReturnFullText controls whether the prompt is included in the returned text.
func WithReturnFullText(returnFullText bool) backends.PipelineOption[*TextGenerationPipeline] {
	return func(pipeline *TextGenerationPipeline) error {
		pipeline.ReturnFullText = returnFullText
		return nil
	}
}

// NewTextGenerationPipeline initializes a new text generation pipeline.
func NewTextGenerationPipeline(config backends.PipelineConfig[*TextGenerationPipeline], s *options.Options, model *backends.Model) (*TextGenerationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &TextGenerationPipeline{
		BasePipeline:   defaultPipeline,
		MaxNewTokens:   50,
		ReturnFullText: true,
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

// Validate checks that the pipeline is valid.
func (p *TextGenerationPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "text generation"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if len(p.Model.OutputsMeta) == 0 || len(p.Model.OutputsMeta[0].Dimensions) != 3 {
		validationErrors = append(validationErrors, errors.New("text generation requires a three dimensional (input, sequence, vocabulary) logits output"))
	}
	for _, input := range p.Model.InputsMeta {
		if strings.HasPrefix(input.Name, "past_key_values") {
			validationErrors = append(validationErrors, fmt.Errorf("model input %s is not supported, export the model with task text-generation rather than text-generation-with-past", input.Name))
			break
		}
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes the prompts, padding on the left so that the last position of every row is its last token.
func (p *TextGenerationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []string) error {
	batch.PadLeft = true
	return tokenizeBatch(p.BasePipeline, batch, inputs)
}

// Generate runs greedy decoding on a tokenized batch until every row produced an end of sequence
// token, reached MaxNewTokens or filled the model context.
func (p *TextGenerationPipeline) Generate(ctx context.Context, batch *backends.PipelineBatch) ([][]uint32, error) {
	generated := make([][]uint32, len(batch.Input))
	finished := make([]bool, len(batch.Input))
	forward := p.forward
	if forward == nil {
		forward = p.Forward
	}
	for range p.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := forward(batch); err != nil {
			return nil, err
		}
		logits, err := logits3D(batch, 0)
		if err != nil {
			return nil, err
		}
		next, err := nextTokens(logits, finished)
		if err != nil {
			return nil, err
		}
		for i, tokenID := range next {
			if finished[i] {
				continue
			}
			if p.Model.EosTokenIDs[int64(tokenID)] {
				finished[i] = true
				continue
			}
			generated[i] = append(generated[i], tokenID)
			appendToken(&batch.Input[i], tokenID)
			batch.MaxSequenceLength = max(batch.MaxSequenceLength, len(batch.Input[i].TokenIDs))
			if p.Model.MaxPositionEmbeddings > 0 && len(batch.Input[i].TokenIDs) >= p.Model.MaxPositionEmbeddings {
				finished[i] = true
			}
		}
		if !slices.Contains(finished, false) {
			break
		}
		if err = backends.CreateInputTensors(batch, p.Model, p.Runtime); err != nil {
			return nil, err
		}
	}
	return generated, nil
}

// nextTokens picks the most likely token after the last real position of each unfinished row.
func nextTokens(logits [][][]float32, finished []bool) ([]uint32, error) {
	if len(logits) != len(finished) {
		return nil, fmt.Errorf("model returned %d rows for %d inputs", len(logits), len(finished))
	}
	next := make([]uint32, len(logits))
	for i, row := range logits {
		if finished[i] {
			continue
		}
		if len(row) == 0 {
			return nil, fmt.Errorf("model returned no positions for input %d", i)
		}
		index, _, err := vectorutil.ArgMax(row[len(row)-1])
		if err != nil {
			return nil, err
		}
		next[i] = uint32(index)
	}
	return next, nil
}

func appendToken(input *backends.TokenizedInput, tokenID uint32) {
	input.TokenIDs = append(input.TokenIDs, tokenID)
	input.AttentionMask = append(input.AttentionMask, 1)
	if len(input.TypeIDs) > 0 {
		input.TypeIDs = append(input.TypeIDs, 0)
	}
	input.MaxAttentionIndex = len(input.TokenIDs) - 1
}

// Postprocess decodes the generated tokens of each row.
func (p *TextGenerationPipeline) Postprocess(batch *backends.PipelineBatch, generated [][]uint32) (*TextGenerationOutput, error) {
	output := &TextGenerationOutput{Responses: make([]GeneratedText, len(batch.Input))}
	for i, input := range batch.Input {
		promptLength := len(input.TokenIDs) - len(generated[i])
		text, err := p.completion(input.TokenIDs, promptLength)
		if err != nil {
			return nil, err
		}
		if p.ReturnFullText {
			text = input.Raw + text
		}
		output.Responses[i] = GeneratedText{Text: text, GeneratedTokens: generated[i]}
	}
	return output, nil
}

// completion decodes the text added after the prompt. Decoding the whole sequence and removing the decoded
// prompt keeps the spacing that decoding the new tokens alone would lose.
func (p *TextGenerationPipeline) completion(tokenIDs []uint32, promptLength int) (string, error) {
	full, err := backends.Decode(tokenIDs, p.Model.Tokenizer, true)
	if err != nil {
		return "", err
	}
	prompt, err := backends.Decode(tokenIDs[:promptLength], p.Model.Tokenizer, true)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(full, prompt) {
		return full[len(prompt):], nil
	}
	return backends.Decode(tokenIDs[promptLength:], p.Model.Tokenizer, true)
}

// Run the pipeline on a string batch.
func (p *TextGenerationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(context.Background(), inputs)
}

// RunPipeline is like Run but returns the concrete type and stops generating when ctx is done.
func (p *TextGenerationPipeline) RunPipeline(ctx context.Context, inputs []string) (*TextGenerationOutput, error) {
	if len(inputs) == 0 {
		return &TextGenerationOutput{}, nil
	}
	var generated [][]uint32
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		func(batch *backends.PipelineBatch) error {
			var err error
			generated, err = p.Generate(ctx, batch)
			return err
		},
		func(batch *backends.PipelineBatch) (*TextGenerationOutput, error) { return p.Postprocess(batch, generated) },
	)
}
