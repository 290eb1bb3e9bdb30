package pipelines

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
)

// QuestionAnsweringPipeline extracts answer spans from a context, following
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/question_answering.py
// Contexts longer than the model window are truncated rather than split into strided chunks.
type QuestionAnsweringPipeline struct {
	*backends.BasePipeline
	TopK                   int
	MaxAnswerLength        int
	HandleImpossibleAnswer bool
	startIndex             int
	endIndex               int
}

// QuestionAnsweringInput is one question asked about one context.
type QuestionAnsweringInput struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

// Answer is a span of the context. Start and End are character offsets into the context.
// An impossible answer has an empty Answer and Start == End == 0.
type Answer struct {
	Answer string
	Score  float32
	Start  int
	End    int
}

type QuestionAnsweringOutput struct {
	Answers [][]Answer
}

func (t *QuestionAnsweringOutput) GetOutput() []any {
	out := make([]any, len(t.Answers))
	for i, answers := range t.Answers {
		out[i] = any(answers)
	}
	return out
}

// options

// WithMaxAnswerLength caps the number of tokens in an answer span.
func WithMaxAnswerLength(maxLength int) backends.PipelineOption[*QuestionAnsweringPipeline] {
	return func(pipeline *QuestionAnsweringPipeline) error {
		if maxLength < 1 {
			return fmt.Errorf("max answer length must be at least 1, got %d", maxLength)
		}
		pipeline.MaxAnswerLength = maxLength
		return nil
	}
}

// WithImpossibleAnswer allows the empty answer when the model scores it above every span.
func WithImpossibleAnswer() backends.PipelineOption[*QuestionAnsweringPipeline] {
	return func(pipeline *QuestionAnsweringPipeline) error {
		pipeline.HandleImpossibleAnswer = true
		return nil
	}
}

// NewQuestionAnsweringPipeline initializes an extractive question answering pipeline.
func NewQuestionAnsweringPipeline(config backends.PipelineConfig[*QuestionAnsweringPipeline], s *options.Options, model *backends.Model) (*QuestionAnsweringPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &QuestionAnsweringPipeline{
		BasePipeline:    defaultPipeline,
		TopK:            1,
		MaxAnswerLength: 15,
		endIndex:        1,
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	for i, meta := range model.OutputsMeta {
		switch meta.Name {
		case "start_logits":
			pipeline.startIndex = i
		case "end_logits":
			pipeline.endIndex = i
		}
	}
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (p *QuestionAnsweringPipeline) setTopK(k int) {
	p.TopK = k
}

// Validate checks that the pipeline is valid.
func (p *QuestionAnsweringPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "question answering"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if len(p.Model.OutputsMeta) < 2 {
		validationErrors = append(validationErrors, fmt.Errorf("question answering requires start and end logits outputs, model has %v", backends.GetNames(p.Model.OutputsMeta)))
	} else {
		for _, index := range []int{p.startIndex, p.endIndex} {
			if dims := p.Model.OutputsMeta[index].Dimensions; len(dims) != 2 {
				validationErrors = append(validationErrors, fmt.Errorf("output %s must be two dimensional (input, sequence), got %s", p.Model.OutputsMeta[index].Name, dims))
			}
		}
	}
	if p.TopK == 0 {
		validationErrors = append(validationErrors, errors.New("top k must be positive, or negative to return every span"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes each question and context as a pair.
func (p *QuestionAnsweringPipeline) Preprocess(batch *backends.PipelineBatch, inputs []QuestionAnsweringInput) error {
	pairs := make([][2]string, len(inputs))
	for i, input := range inputs {
		if input.Question == "" || input.Context == "" {
			return fmt.Errorf("input %d: question and context must both be non-empty", i)
		}
		pairs[i] = [2]string{input.Question, input.Context}
	}
	return tokenizePairBatch(p.BasePipeline, batch, pairs)
}

// Postprocess scores every span of the context and keeps the best ones.
func (p *QuestionAnsweringPipeline) Postprocess(batch *backends.PipelineBatch) (*QuestionAnsweringOutput, error) {
	startLogits, err := logits2D(batch, p.startIndex)
	if err != nil {
		return nil, err
	}
	endLogits, err := logits2D(batch, p.endIndex)
	if err != nil {
		return nil, err
	}
	if len(startLogits) != len(batch.Input) || len(endLogits) != len(batch.Input) {
		return nil, fmt.Errorf("model returned %d rows for %d inputs", len(startLogits), len(batch.Input))
	}
	output := &QuestionAnsweringOutput{Answers: make([][]Answer, len(batch.Input))}
	for i, input := range batch.Input {
		output.Answers[i] = p.decodeSpans(input, startLogits[i], endLogits[i])
	}
	return output, nil
}

// decodeSpans implements the span search of the transformers pipeline: start and end scores are
// softmaxed over the context tokens and a span scores start[s] * end[e].
func (p *QuestionAnsweringPipeline) decodeSpans(input backends.TokenizedInput, startLogits, endLogits []float32) []Answer {
	contextMask := contextTokens(input)
	allowNull := p.HandleImpossibleAnswer && len(contextMask) > 0
	if allowNull {
		// the first token (CLS) stands for the impossible answer
		contextMask[0] = true
	}
	startScores := maskedSoftmax(startLogits, contextMask)
	endScores := maskedSoftmax(endLogits, contextMask)

	var answers []Answer
	context := input.Raw[input.PairOffset:]
	for s := range startScores {
		if !contextMask[s] || (allowNull && s == 0) {
			continue
		}
		for e := s; e < len(endScores) && e-s+1 <= p.MaxAnswerLength; e++ {
			if !contextMask[e] {
				continue
			}
			start := int(input.Offsets[s][0]) - input.PairOffset
			end := int(input.Offsets[e][1]) - input.PairOffset
			answers = append(answers, Answer{
				Answer: context[start:end],
				Score:  startScores[s] * endScores[e],
				Start:  utf8.RuneCountInString(context[:start]),
				End:    utf8.RuneCountInString(context[:end]),
			})
		}
	}
	if allowNull {
		answers = append(answers, Answer{Score: startScores[0] * endScores[0]})
	}
	sort.SliceStable(answers, func(a, b int) bool {
		return answers[a].Score > answers[b].Score
	})
	if p.TopK > 0 && len(answers) > p.TopK {
		answers = answers[:p.TopK]
	}
	return answers
}

// contextTokens marks the non special tokens that lie inside the context of a tokenized pair.
func contextTokens(input backends.TokenizedInput) []bool {
	mask := make([]bool, len(input.TokenIDs))
	if input.PairOffset < 0 {
		return mask
	}
	for j := range input.TokenIDs {
		if j < len(input.SpecialTokensMask) && input.SpecialTokensMask[j] > 0 {
			continue
		}
		if j >= len(input.Offsets) {
			break
		}
		offset := input.Offsets[j]
		mask[j] = int(offset[0]) >= input.PairOffset && offset[1] > offset[0] && int(offset[1]) <= len(input.Raw)
	}
	return mask
}

// maskedSoftmax is a softmax over the positions where mask is set; other positions score zero.
func maskedSoftmax(logits []float32, mask []bool) []float32 {
	n := min(len(logits), len(mask))
	scores := make([]float32, n)
	maxLogit := float32(math.Inf(-1))
	for j := range n {
		if mask[j] && logits[j] > maxLogit {
			maxLogit = logits[j]
		}
	}
	var sum float64
	exps := make([]float64, n)
	for j := range n {
		if mask[j] {
			exps[j] = math.Exp(float64(logits[j] - maxLogit))
			sum += exps[j]
		}
	}
	if sum == 0 {
		return scores
	}
	for j := range n {
		scores[j] = float32(exps[j] / sum)
	}
	return scores
}

// Run runs the pipeline on JSON encoded inputs of the form {"question": "...", "context": "..."}.
func (p *QuestionAnsweringPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	parsed, err := ParseQuestionAnsweringInputs(inputs)
	if err != nil {
		return nil, err
	}
	return p.RunPipeline(parsed)
}

// ParseQuestionAnsweringInputs decodes the JSON form accepted by Run.
func ParseQuestionAnsweringInputs(inputs []string) ([]QuestionAnsweringInput, error) {
	parsed := make([]QuestionAnsweringInput, len(inputs))
	for i, input := range inputs {
		if err := jsoniter.UnmarshalFromString(input, &parsed[i]); err != nil {
			return nil, fmt.Errorf(`input %d must be a JSON object {"question": ..., "context": ...}: %w`, i, err)
		}
	}
	return parsed, nil
}

// RunPipeline is like Run but takes and returns concrete types.
func (p *QuestionAnsweringPipeline) RunPipeline(inputs []QuestionAnsweringInput) (*QuestionAnsweringOutput, error) {
	if len(inputs) == 0 {
		return &QuestionAnsweringOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}
