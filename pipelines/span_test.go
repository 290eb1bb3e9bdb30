package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/optimum/backends"
)

// qaInput is "who? [SEP] Paris is nice" tokenized as a BERT pair.
func qaInput() backends.TokenizedInput {
	return backends.TokenizedInput{
		Raw:               "who? [SEP] Paris is nice",
		Tokens:            []string{"[CLS]", "who", "?", "[SEP]", "Paris", "is", "nice", "[SEP]"},
		TokenIDs:          []uint32{101, 2040, 1029, 102, 3000, 2003, 3835, 102},
		SpecialTokensMask: []uint32{1, 0, 0, 1, 0, 0, 0, 1},
		Offsets:           [][2]uint{{0, 0}, {0, 3}, {3, 4}, {5, 10}, {11, 16}, {17, 19}, {20, 24}, {0, 0}},
		PairOffset:        11,
	}
}

func TestContextTokens(t *testing.T) {
	assert.Equal(t, []bool{false, false, false, false, true, true, true, false}, contextTokens(qaInput()))
	input := qaInput()
	input.PairOffset = -1
	assert.NotContains(t, contextTokens(input), true)
}

func TestMaskedSoftmax(t *testing.T) {
	scores := maskedSoftmax([]float32{100, 1, 1}, []bool{false, true, true})
	assert.InDeltaSlice(t, []float32{0, 0.5, 0.5}, scores, 1e-6)
	assert.Equal(t, []float32{0, 0}, maskedSoftmax([]float32{1, 1}, []bool{false, false}))
}

func TestQuestionAnsweringDecodeSpans(t *testing.T) {
	p := &QuestionAnsweringPipeline{TopK: 1, MaxAnswerLength: 15}
	start := []float32{0, 0, 0, 0, 10, 0, 0, 0}
	end := []float32{0, 0, 0, 0, 0, 0, 10, 0}
	answers := p.decodeSpans(qaInput(), start, end)
	require.Len(t, answers, 1)
	assert.Equal(t, "Paris is nice", answers[0].Answer)
	assert.Equal(t, 0, answers[0].Start)
	assert.Equal(t, 13, answers[0].End)
	assert.InDelta(t, 1.0, answers[0].Score, 1e-3)

	p.MaxAnswerLength = 1
	p.TopK = -1
	answers = p.decodeSpans(qaInput(), start, end)
	require.Len(t, answers, 3)
	for _, answer := range answers {
		assert.NotContains(t, answer.Answer, " ")
	}
}

func TestQuestionAnsweringImpossibleAnswer(t *testing.T) {
	p := &QuestionAnsweringPipeline{TopK: 1, MaxAnswerLength: 15, HandleImpossibleAnswer: true}
	start := []float32{20, 0, 0, 0, 1, 0, 0, 0}
	end := []float32{20, 0, 0, 0, 1, 0, 0, 0}
	answers := p.decodeSpans(qaInput(), start, end)
	require.Len(t, answers, 1)
	assert.Equal(t, "", answers[0].Answer)
	assert.Equal(t, 0, answers[0].Start)
	assert.Equal(t, 0, answers[0].End)
}

func TestQuestionAnsweringPostprocess(t *testing.T) {
	p := &QuestionAnsweringPipeline{TopK: 1, MaxAnswerLength: 15, startIndex: 0, endIndex: 1}
	batch := backends.NewBatch(1)
	batch.Input = []backends.TokenizedInput{qaInput()}
	batch.OutputValues = []any{
		[][]float32{{0, 0, 0, 0, 10, 0, 0, 0}},
		[][]float32{{0, 0, 0, 0, 10, 0, 0, 0}},
	}
	output, err := p.Postprocess(batch)
	require.NoError(t, err)
	require.Len(t, output.Answers, 1)
	assert.Equal(t, "Paris", output.Answers[0][0].Answer)
	assert.Len(t, output.GetOutput(), 1)
}

func TestParseQuestionAnsweringInputs(t *testing.T) {
	parsed, err := ParseQuestionAnsweringInputs([]string{`{"question": "who?", "context": "Paris"}`})
	require.NoError(t, err)
	assert.Equal(t, []QuestionAnsweringInput{{Question: "who?", Context: "Paris"}}, parsed)
	_, err = ParseQuestionAnsweringInputs([]string{"not json"})
	assert.Error(t, err)
}

func TestQuestionAnsweringPreprocessRejectsEmpty(t *testing.T) {
	p := &QuestionAnsweringPipeline{}
	err := p.Preprocess(backends.NewBatch(1), []QuestionAnsweringInput{{Question: "who?"}})
	assert.Error(t, err)
}

func nerPipeline(strategy string) *TokenClassificationPipeline {
	return &TokenClassificationPipeline{
		IDLabelMap:          map[int]string{0: "O", 1: "B-PER", 2: "I-PER"},
		AggregationStrategy: strategy,
		IgnoreLabels:        []string{"O"},
	}
}

func nerInput() backends.TokenizedInput {
	return backends.TokenizedInput{
		Raw:               "Ada Lovelace wrote",
		Tokens:            []string{"[CLS]", "Ada", "Love", "##lace", "wrote", "[SEP]"},
		TokenIDs:          []uint32{101, 1, 2, 3, 4, 102},
		SpecialTokensMask: []uint32{1, 0, 0, 0, 0, 1},
		Offsets:           [][2]uint{{0, 0}, {0, 3}, {4, 8}, {8, 12}, {13, 18}, {0, 0}},
		PairOffset:        -1,
	}
}

func TestTokenClassificationWithoutAggregation(t *testing.T) {
	p := nerPipeline("NONE")
	batch := backends.NewBatch(1)
	batch.Input = []backends.TokenizedInput{nerInput()}
	batch.OutputValues = []any{[][][]float32{{
		{5, 0, 0},
		{0, 5, 0},
		{0, 0, 5},
		{0, 0, 5},
		{5, 0, 0},
		{5, 0, 0},
	}}}
	output, err := p.Postprocess(batch)
	require.NoError(t, err)
	entities := output.Entities[0]
	require.Len(t, entities, 3)
	assert.Equal(t, "B-PER", entities[0].Entity)
	assert.Equal(t, "Ada", entities[0].Word)
	assert.Equal(t, 1, entities[0].Index)
	assert.Equal(t, "I-PER", entities[2].Entity)
	assert.Equal(t, uint(8), entities[2].Start)
	assert.Equal(t, uint(12), entities[2].End)
	assert.Greater(t, entities[0].Score, float32(0.9))
}

func TestGatherPreEntitiesSubwords(t *testing.T) {
	p := nerPipeline("FIRST")
	scores := make([][]float32, 6)
	for i := range scores {
		scores[i] = []float32{1, 0, 0}
	}
	preEntities := p.GatherPreEntities(nerInput(), scores)
	require.Len(t, preEntities, 4)
	subwords := make([]bool, len(preEntities))
	for i, e := range preEntities {
		subwords[i] = e.IsSubword
	}
	assert.Equal(t, []bool{false, false, true, false}, subwords)
}

func TestIsSubwordPrefixSpace(t *testing.T) {
	sentence := "Ada Lovelace"
	tokens := []string{"Ada", "ĠLove", "lace"}
	require.True(t, usesPrefixSpace(tokens))
	assert.False(t, isSubword("Ada", sentence, 0, true))
	assert.False(t, isSubword("ĠLove", sentence, 3, true))
	assert.True(t, isSubword("lace", sentence, 8, true))
	assert.False(t, usesPrefixSpace([]string{"Ada", "##lace"}))
}

func TestGetTag(t *testing.T) {
	bi, tag := getTag("B-PER")
	assert.Equal(t, "B", bi)
	assert.Equal(t, "PER", tag)
	bi, tag = getTag("I-LOC")
	assert.Equal(t, "I", bi)
	assert.Equal(t, "LOC", tag)
	bi, tag = getTag("MISC")
	assert.Equal(t, "I", bi)
	assert.Equal(t, "MISC", tag)
}

func TestWithAggregationStrategy(t *testing.T) {
	p := &TokenClassificationPipeline{}
	require.NoError(t, WithAggregationStrategy("average")(p))
	assert.Equal(t, "AVERAGE", p.AggregationStrategy)
	assert.Error(t, WithAggregationStrategy("median")(p))
}

func TestFillMaskPreprocessRequiresOneMask(t *testing.T) {
	p := &FillMaskPipeline{MaskToken: "[MASK]"}
	err := p.Preprocess(backends.NewBatch(1), []string{"no mask here"})
	assert.Error(t, err)
	err = p.Preprocess(backends.NewBatch(1), []string{"[MASK] and [MASK]"})
	assert.Error(t, err)
}

func TestFillMaskPostprocessMissingMask(t *testing.T) {
	p := &FillMaskPipeline{MaskToken: "[MASK]", TopK: 5}
	batch := backends.NewBatch(1)
	batch.Input = []backends.TokenizedInput{{Tokens: []string{"[CLS]", "hello", "[SEP]"}}}
	batch.OutputValues = []any{[][][]float32{{{0}, {0}, {0}}}}
	_, err := p.Postprocess(batch)
	assert.Error(t, err)
}

func TestNextTokens(t *testing.T) {
	logits := [][][]float32{
		{{9, 0, 0}, {0, 0, 7}},
		{{0, 3, 0}},
	}
	next, err := nextTokens(logits, []bool{false, false})
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 1}, next)

	next, err = nextTokens(logits, []bool{true, false})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), next[0])

	_, err = nextTokens(logits, []bool{false})
	assert.Error(t, err)
}

func TestAppendToken(t *testing.T) {
	input := backends.TokenizedInput{TokenIDs: []uint32{5}, AttentionMask: []uint32{1}}
	appendToken(&input, 9)
	assert.Equal(t, []uint32{5, 9}, input.TokenIDs)
	assert.Equal(t, []uint32{1, 1}, input.AttentionMask)
	assert.Empty(t, input.TypeIDs)
	assert.Equal(t, 1, input.MaxAttentionIndex)
}
