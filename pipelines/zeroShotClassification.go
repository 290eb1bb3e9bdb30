package pipelines

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/options"
)

// ZeroShotClassificationPipeline scores candidate labels with a natural language inference model, following
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/zero_shot_classification.py
type ZeroShotClassificationPipeline struct {
	*backends.BasePipeline
	IDLabelMap         map[int]string
	Labels             []string
	HypothesisTemplate string
	Multilabel         bool
	entailmentID       int
	contradictionID    int
}

type LabelScore struct {
	Key   string
	Value float64
}

type ZeroShotClassificationOutput struct {
	Sequence     string
	SortedValues []LabelScore
}

type ZeroShotOutput struct {
	ClassificationOutputs []ZeroShotClassificationOutput
}

// GetOutput converts raw output to readable output.
func (t *ZeroShotOutput) GetOutput() []any {
	out := make([]any, len(t.ClassificationOutputs))
	for i, o := range t.ClassificationOutputs {
		out[i] = any(o)
	}
	return out
}

// options

// WithMultilabel can be used to set whether the pipeline is multilabel.
func WithMultilabel(multilabel bool) backends.PipelineOption[*ZeroShotClassificationPipeline] {
	return func(pipeline *ZeroShotClassificationPipeline) error {
		pipeline.Multilabel = multilabel
		return nil
	}
}

// WithLabels can be used to set the labels to classify the examples.
func WithLabels(labels []string) backends.PipelineOption[*ZeroShotClassificationPipeline] {
	return func(pipeline *ZeroShotClassificationPipeline) error {
		pipeline.Labels = labels
		return nil
	}
}

// WithHypothesisTemplate sets the template turning a label into a hypothesis. It must contain {}.
func WithHypothesisTemplate(hypothesisTemplate string) backends.PipelineOption[*ZeroShotClassificationPipeline] {
	return func(pipeline *ZeroShotClassificationPipeline) error {
		pipeline.HypothesisTemplate = hypothesisTemplate
		return nil
	}
}

// createSequencePairs pairs every sequence with the hypothesis of every label, sequence major.
func createSequencePairs(sequences []string, labels []string, hypothesisTemplate string) ([][2]string, error) {
	if len(labels) == 0 || len(sequences) == 0 {
		return nil, errors.New("you must include at least one label and at least one sequence")
	}
	if !strings.Contains(hypothesisTemplate, "{}") {
		return nil, fmt.Errorf(`the provided hypothesis_template "%s" was not able to be formatted with the target labels. Make sure the passed template includes formatting syntax such as {} where the label should go`, hypothesisTemplate)
	}
	pairs := make([][2]string, 0, len(sequences)*len(labels))
	for _, sequence := range sequences {
		for _, label := range labels {
			pairs = append(pairs, [2]string{sequence, strings.Replace(hypothesisTemplate, "{}", label, 1)})
		}
	}
	return pairs, nil
}

// NewZeroShotClassificationPipeline create new Zero Shot Classification Pipeline.
func NewZeroShotClassificationPipeline(config backends.PipelineConfig[*ZeroShotClassificationPipeline], s *options.Options, model *backends.Model) (*ZeroShotClassificationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &ZeroShotClassificationPipeline{
		BasePipeline:       defaultPipeline,
		HypothesisTemplate: "This example is {}.",
		IDLabelMap:         model.IDLabelMap,
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	pipeline.entailmentID, pipeline.contradictionID = nliLabelIDs(pipeline.IDLabelMap)
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// nliLabelIDs finds the entailment and contradiction classes of an NLI head. Without an
// "entail..." label the last class is entailment, and contradiction defaults to the first class.
func nliLabelIDs(idLabelMap map[int]string) (int, int) {
	entailmentID, contradictionID := -1, -1
	for id, label := range idLabelMap {
		lower := strings.ToLower(label)
		switch {
		case strings.HasPrefix(lower, "entail"):
			entailmentID = id
		case strings.HasPrefix(lower, "contra"):
			contradictionID = id
		}
	}
	if entailmentID == -1 {
		entailmentID = len(idLabelMap) - 1
	}
	if contradictionID == -1 {
		contradictionID = 0
		if entailmentID == 0 {
			contradictionID = len(idLabelMap) - 1
		}
	}
	return entailmentID, contradictionID
}

// Validate checks that the pipeline is valid.
func (p *ZeroShotClassificationPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "zero shot classification"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if len(p.Labels) == 0 {
		validationErrors = append(validationErrors, errors.New("no labels provided, please provide labels using the WithLabels() option"))
	}
	if !strings.Contains(p.HypothesisTemplate, "{}") {
		validationErrors = append(validationErrors, fmt.Errorf("hypothesis template %q must contain {}", p.HypothesisTemplate))
	}
	if len(p.IDLabelMap) < 2 {
		validationErrors = append(validationErrors, errors.New("zero shot classification requires an NLI model with at least two labels in id2label"))
	}
	if len(p.Model.OutputsMeta) == 0 || len(p.Model.OutputsMeta[0].Dimensions) != 2 {
		validationErrors = append(validationErrors, errors.New("zero shot classification requires a two dimensional logits output"))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes every (sequence, hypothesis) pair in one batch.
func (p *ZeroShotClassificationPipeline) Preprocess(batch *backends.PipelineBatch, pairs [][2]string) error {
	return tokenizePairBatch(p.BasePipeline, batch, pairs)
}

// Postprocess turns the NLI logits of the pairs into label scores per sequence.
func (p *ZeroShotClassificationPipeline) Postprocess(batch *backends.PipelineBatch, sequences []string) (*ZeroShotOutput, error) {
	logits, err := logits2D(batch, 0)
	if err != nil {
		return nil, err
	}
	if len(logits) != len(sequences)*len(p.Labels) {
		return nil, fmt.Errorf("model returned %d rows for %d sequence and label pairs", len(logits), len(sequences)*len(p.Labels))
	}
	outputs := make([]ZeroShotClassificationOutput, len(sequences))
	for i, sequence := range sequences {
		outputs[i] = ZeroShotClassificationOutput{
			Sequence:     sequence,
			SortedValues: p.scoreLabels(logits[i*len(p.Labels) : (i+1)*len(p.Labels)]),
		}
	}
	return &ZeroShotOutput{ClassificationOutputs: outputs}, nil
}

// scoreLabels scores the label rows of one sequence. In multi label mode each label is an independent
// softmax over entailment and contradiction; otherwise entailment logits are softmaxed across labels.
func (p *ZeroShotClassificationPipeline) scoreLabels(rows [][]float32) []LabelScore {
	scores := make([]LabelScore, len(rows))
	if p.Multilabel || len(p.Labels) == 1 {
		for i, row := range rows {
			entailment := math.Exp(float64(row[p.entailmentID]))
			contradiction := math.Exp(float64(row[p.contradictionID]))
			scores[i] = LabelScore{Key: p.Labels[i], Value: entailment / (entailment + contradiction)}
		}
	} else {
		maxLogit := math.Inf(-1)
		for _, row := range rows {
			maxLogit = math.Max(maxLogit, float64(row[p.entailmentID]))
		}
		var sum float64
		for i, row := range rows {
			exp := math.Exp(float64(row[p.entailmentID]) - maxLogit)
			scores[i] = LabelScore{Key: p.Labels[i], Value: exp}
			sum += exp
		}
		for i := range scores {
			scores[i].Value /= sum
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Value > scores[j].Value
	})
	return scores
}

// Run the pipeline on a string batch.
func (p *ZeroShotClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run but returns the concrete type rather than the interface.
func (p *ZeroShotClassificationPipeline) RunPipeline(inputs []string) (*ZeroShotOutput, error) {
	if len(inputs) == 0 {
		return &ZeroShotOutput{}, nil
	}
	pairs, err := createSequencePairs(inputs, p.Labels, p.HypothesisTemplate)
	if err != nil {
		return nil, err
	}
	return runBatch(len(pairs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, pairs) },
		p.Forward,
		func(batch *backends.PipelineBatch) (*ZeroShotOutput, error) { return p.Postprocess(batch, inputs) },
	)
}
