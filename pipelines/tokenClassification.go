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

// TokenClassificationPipeline is a go version of huggingface tokenClassificationPipeline.
// https://github.com/huggingface/transformers/blob/main/src/transformers/pipelines/token_classification.py
type TokenClassificationPipeline struct {
	*backends.BasePipeline
	IDLabelMap          map[int]string
	AggregationStrategy string
	IgnoreLabels        []string
	SplitWords          bool
}

type Entity struct {
	Entity    string
	Word      string
	Scores    []float32
	TokenID   []uint32
	Index     int
	Start     uint
	End       uint
	Score     float32
	IsSubword bool
}

type TokenClassificationOutput struct {
	Entities [][]Entity
}

func (t *TokenClassificationOutput) GetOutput() []any {
	out := make([]any, len(t.Entities))
	for i, entity := range t.Entities {
		out[i] = any(entity)
	}
	return out
}

// options

// WithSimpleAggregation groups adjacent tokens that share an entity type, scoring each token on its own.
func WithSimpleAggregation() backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.AggregationStrategy = "SIMPLE"
		return nil
	}
}

// WithAverageAggregation labels each word with the argmax of the scores averaged over its tokens.
func WithAverageAggregation() backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.AggregationStrategy = "AVERAGE"
		return nil
	}
}

// WithMaxAggregation labels each word with the label of its highest scoring token.
func WithMaxAggregation() backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.AggregationStrategy = "MAX"
		return nil
	}
}

// WithFirstAggregation labels each word with the label of its first token.
func WithFirstAggregation() backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.AggregationStrategy = "FIRST"
		return nil
	}
}

// WithoutAggregation returns the token labels.
func WithoutAggregation() backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.AggregationStrategy = "NONE"
		return nil
	}
}

// WithAggregationStrategy sets the strategy by name: NONE, SIMPLE, FIRST, AVERAGE or MAX.
func WithAggregationStrategy(strategy string) backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		strategy = strings.ToUpper(strategy)
		if !slices.Contains(aggregationStrategies, strategy) {
			return fmt.Errorf("aggregation strategy %s not recognized, use one of %v", strategy, aggregationStrategies)
		}
		pipeline.AggregationStrategy = strategy
		return nil
	}
}

var aggregationStrategies = []string{"NONE", "SIMPLE", "FIRST", "AVERAGE", "MAX"}

func WithIgnoreLabels(ignoreLabels []string) backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.IgnoreLabels = ignoreLabels
		return nil
	}
}

// WithSplitWords groups tokens by the word boundaries of pre-split input, see RunWords.
func WithSplitWords() backends.PipelineOption[*TokenClassificationPipeline] {
	return func(pipeline *TokenClassificationPipeline) error {
		pipeline.SplitWords = true
		return nil
	}
}

// NewTokenClassificationPipeline Initializes a token classification pipeline.
func NewTokenClassificationPipeline(config backends.PipelineConfig[*TokenClassificationPipeline], s *options.Options, model *backends.Model) (*TokenClassificationPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &TokenClassificationPipeline{BasePipeline: defaultPipeline}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	pipeline.IDLabelMap = model.IDLabelMap
	if pipeline.AggregationStrategy == "" {
		pipeline.AggregationStrategy = "SIMPLE"
	}
	if len(pipeline.IgnoreLabels) == 0 {
		pipeline.IgnoreLabels = []string{"O"}
	}
	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// Validate checks that the pipeline is valid.
func (p *TokenClassificationPipeline) Validate() error {
	var validationErrors []error
	if err := requireTokenizer(p.Model, "token classification"); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if len(p.Model.OutputsMeta) == 0 {
		validationErrors = append(validationErrors, errors.New("model has no outputs"))
	} else {
		outputDim := p.Model.OutputsMeta[0].Dimensions
		if len(outputDim) != 3 {
			validationErrors = append(validationErrors,
				fmt.Errorf("output for token classification must be three dimensional (input, sequence, logits)"))
		} else if outputDim[len(outputDim)-1] == -1 {
			validationErrors = append(validationErrors,
				fmt.Errorf("logit dimension cannot be dynamic"))
		}
	}
	if len(p.IDLabelMap) <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("pipeline configuration invalid: length of id2label map for token classification must be greater than zero"))
	}
	if !slices.Contains(aggregationStrategies, p.AggregationStrategy) {
		validationErrors = append(validationErrors, fmt.Errorf("aggregation strategy %s not recognized", p.AggregationStrategy))
	}
	return errors.Join(validationErrors...)
}

// Preprocess tokenizes the input strings.
func (p *TokenClassificationPipeline) Preprocess(batch *backends.PipelineBatch, inputs []string) error {
	if p.SplitWords {
		return fmt.Errorf("split-words enabled: use RunWords for [][]string inputs")
	}
	return tokenizeBatch(p.BasePipeline, batch, inputs)
}

// PreprocessWords joins pre-split words with single spaces and tokenizes the result.
func (p *TokenClassificationPipeline) PreprocessWords(batch *backends.PipelineBatch, inputs [][]string) error {
	joined := make([]string, len(inputs))
	for i, words := range inputs {
		joined[i] = strings.Join(words, " ")
	}
	return tokenizeBatch(p.BasePipeline, batch, joined)
}

// Postprocess function for a token classification pipeline.
func (p *TokenClassificationPipeline) Postprocess(batch *backends.PipelineBatch) (*TokenClassificationOutput, error) {
	logits, err := logits3D(batch, 0)
	if err != nil {
		return nil, err
	}
	classificationOutput := TokenClassificationOutput{
		Entities: make([][]Entity, len(batch.Input)),
	}
	for i, input := range batch.Input {
		if i >= len(logits) {
			return nil, fmt.Errorf("model returned %d rows for %d inputs", len(logits), len(batch.Input))
		}
		scores := make([][]float32, len(logits[i]))
		for tokenIndex, tokenLogits := range logits[i] {
			scores[tokenIndex] = vectorutil.SoftMax(tokenLogits)
		}
		preEntities := p.GatherPreEntities(input, scores)
		entities, errAggregate := p.Aggregate(input, preEntities)
		if errAggregate != nil {
			return nil, errAggregate
		}
		// Filter anything that is in ignore_labels
		filteredEntities := []Entity{}
		for _, e := range entities {
			if !slices.Contains(p.IgnoreLabels, e.Entity) && e.Entity != "" {
				filteredEntities = append(filteredEntities, e)
			}
		}
		classificationOutput.Entities[i] = filteredEntities
	}
	return &classificationOutput, nil
}

// GatherPreEntities from batch of logits to list of pre-aggregated outputs.
func (p *TokenClassificationPipeline) GatherPreEntities(input backends.TokenizedInput, output [][]float32) []Entity {
	var preEntities []Entity
	prefixSpace := usesPrefixSpace(input.Tokens)
	for j, tokenScores := range output {
		if j >= len(input.Tokens) {
			break
		}
		// filter out special tokens (skip them)
		if j < len(input.SpecialTokensMask) && input.SpecialTokensMask[j] > 0 {
			continue
		}
		word := input.Tokens[j]
		startInd := input.Offsets[j][0]
		endInd := input.Offsets[j][1]
		preEntities = append(preEntities, Entity{
			Word:      word,
			TokenID:   []uint32{input.TokenIDs[j]},
			Scores:    tokenScores,
			Start:     startInd,
			End:       endInd,
			Index:     j,
			IsSubword: isSubword(word, input.Raw, startInd, prefixSpace),
		})
	}
	return preEntities
}

// usesPrefixSpace reports whether the tokenizer marks word starts (sentencepiece ▁, byte level BPE Ġ)
// rather than continuations (WordPiece ##).
func usesPrefixSpace(tokens []string) bool {
	for _, token := range tokens {
		if strings.HasPrefix(token, "▁") || strings.HasPrefix(token, "Ġ") {
			return true
		}
	}
	return false
}

func isSubword(token, sentence string, start uint, prefixSpace bool) bool {
	if !prefixSpace {
		return strings.HasPrefix(token, "##")
	}
	if strings.HasPrefix(token, "▁") || strings.HasPrefix(token, "Ġ") || start == 0 {
		return false
	}
	return int(start) <= len(sentence) && sentence[start-1] != ' '
}

func (p *TokenClassificationPipeline) aggregateWord(entities []Entity) (Entity, error) {
	tokens := make([]uint32, len(entities))
	for i, e := range entities {
		tokens[i] = e.TokenID[0]
	}
	newEntity := Entity{}
	word, err := backends.Decode(tokens, p.Model.Tokenizer, true)
	if err != nil {
		return newEntity, err
	}
	var score float32
	var entityIdx int
	switch p.AggregationStrategy {
	case "AVERAGE":
		averages := make([]float32, len(entities[0].Scores))
		for _, e := range entities {
			for i, s := range e.Scores {
				averages[i] += s
			}
		}
		for i := range averages {
			averages[i] /= float32(len(entities))
		}
		entityIdx, score, err = vectorutil.ArgMax(averages)
	case "MAX":
		score = -1
		for _, e := range entities {
			idx, s, argMaxErr := vectorutil.ArgMax(e.Scores)
			if argMaxErr != nil {
				return newEntity, argMaxErr
			}
			if s > score {
				score = s
				entityIdx = idx
			}
		}
	case "FIRST":
		entityIdx, score, err = vectorutil.ArgMax(entities[0].Scores)
	default:
		return newEntity, fmt.Errorf("aggregation strategy %s not recognized", p.AggregationStrategy)
	}
	if err != nil {
		return newEntity, err
	}
	label, ok := p.IDLabelMap[entityIdx]
	if !ok {
		return newEntity, fmt.Errorf("could not determine entity type for input %s, predicted entity index %d", word, entityIdx)
	}
	return Entity{
		Entity:  label,
		Score:   score,
		Word:    word,
		TokenID: tokens,
		Index:   entities[0].Index,
		Start:   entities[0].Start,
		End:     entities[len(entities)-1].End,
	}, nil
}

func (p *TokenClassificationPipeline) aggregateWords(entities []Entity) ([]Entity, error) {
	var wordGroup []Entity
	var wordEntities []Entity
	for _, entity := range entities {
		if len(wordGroup) == 0 {
			wordGroup = []Entity{entity}
			continue
		}
		groupBreak := !entity.IsSubword
		if p.SplitWords {
			// words were joined with single spaces, so a gap in the offsets starts a new word
			groupBreak = entity.Start > wordGroup[len(wordGroup)-1].End
		}
		if groupBreak {
			aggregated, err := p.aggregateWord(wordGroup)
			if err != nil {
				return nil, err
			}
			wordEntities = append(wordEntities, aggregated)
			wordGroup = []Entity{entity}
		} else {
			wordGroup = append(wordGroup, entity)
		}
	}
	if len(wordGroup) > 0 {
		aggregated, err := p.aggregateWord(wordGroup)
		if err != nil {
			return nil, err
		}
		wordEntities = append(wordEntities, aggregated)
	}
	return wordEntities, nil
}

func (p *TokenClassificationPipeline) Aggregate(input backends.TokenizedInput, preEntities []Entity) ([]Entity, error) {
	var entities []Entity
	if p.AggregationStrategy == "SIMPLE" || p.AggregationStrategy == "NONE" {
		entities = make([]Entity, len(preEntities))
		for i, preEntity := range preEntities {
			entityIdx, score, argMaxErr := vectorutil.ArgMax(preEntity.Scores)
			if argMaxErr != nil {
				return nil, argMaxErr
			}
			label, ok := p.IDLabelMap[entityIdx]
			if !ok {
				return nil, fmt.Errorf("could not determine entity type for input %s, predicted entity index %d", input.Raw, entityIdx)
			}
			entities[i] = Entity{
				Entity:  label,
				Score:   score,
				Index:   preEntity.Index,
				Word:    preEntity.Word,
				TokenID: preEntity.TokenID,
				Start:   preEntity.Start,
				End:     preEntity.End,
			}
		}
	} else {
		var err error
		entities, err = p.aggregateWords(preEntities)
		if err != nil {
			return nil, err
		}
	}
	if p.AggregationStrategy == "NONE" {
		return entities, nil
	}
	return p.GroupEntities(entities)
}

// getTag splits a B-/I- prefixed label into its position and type. Labels without a prefix count as inside.
func getTag(entityName string) (string, string) {
	switch {
	case strings.HasPrefix(entityName, "B-"):
		return "B", entityName[2:]
	case strings.HasPrefix(entityName, "I-"):
		return "I", entityName[2:]
	}
	return "I", entityName
}

func (p *TokenClassificationPipeline) groupSubEntities(entities []Entity) (Entity, error) {
	_, entityType := getTag(entities[0].Entity)
	scores := make([]float32, len(entities))
	var tokens []uint32
	for i, s := range entities {
		scores[i] = s.Score
		tokens = slices.Concat(tokens, s.TokenID)
	}
	word, err := backends.Decode(tokens, p.Model.Tokenizer, true)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		Entity:  entityType,
		Score:   vectorutil.Mean(scores),
		Word:    word,
		TokenID: tokens,
		Index:   entities[0].Index,
		Start:   entities[0].Start,
		End:     entities[len(entities)-1].End,
	}, nil
}

// GroupEntities group together adjacent tokens with the same entity predicted.
func (p *TokenClassificationPipeline) GroupEntities(entities []Entity) ([]Entity, error) {
	var entityGroups []Entity
	var currentGroupDisagg []Entity
	for _, e := range entities {
		if len(currentGroupDisagg) == 0 {
			currentGroupDisagg = append(currentGroupDisagg, e)
			continue
		}
		bi, tag := getTag(e.Entity)
		_, lastTag := getTag(currentGroupDisagg[len(currentGroupDisagg)-1].Entity)
		if tag == lastTag && bi != "B" {
			currentGroupDisagg = append(currentGroupDisagg, e)
			continue
		}
		groupedEntity, err := p.groupSubEntities(currentGroupDisagg)
		if err != nil {
			return nil, err
		}
		entityGroups = append(entityGroups, groupedEntity)
		currentGroupDisagg = []Entity{e}
	}
	if len(currentGroupDisagg) > 0 {
		groupedEntity, err := p.groupSubEntities(currentGroupDisagg)
		if err != nil {
			return nil, err
		}
		entityGroups = append(entityGroups, groupedEntity)
	}
	return entityGroups, nil
}

// Run the pipeline on a string batch.
func (p *TokenClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

// RunPipeline is like Run but returns the concrete type rather than the interface.
func (p *TokenClassificationPipeline) RunPipeline(inputs []string) (*TokenClassificationOutput, error) {
	if len(inputs) == 0 {
		return &TokenClassificationOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.Preprocess(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}

// RunWords runs the pipeline for pre-split word inputs, each a slice of words of one sentence.
// Entity offsets refer to the words joined by single spaces.
func (p *TokenClassificationPipeline) RunWords(inputs [][]string) (*TokenClassificationOutput, error) {
	if len(inputs) == 0 {
		return &TokenClassificationOutput{}, nil
	}
	return runBatch(len(inputs),
		func(batch *backends.PipelineBatch) error { return p.PreprocessWords(batch, inputs) },
		p.Forward,
		p.Postprocess,
	)
}
