package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/optimum/backends"
	"github.com/knights-analytics/optimum/util/vectorutil"
)

func TestTextClassificationPostprocess(t *testing.T) {
	p := &TextClassificationPipeline{
		IDLabelMap:          map[int]string{0: "NEGATIVE", 1: "POSITIVE"},
		AggregationFunction: vectorutil.SoftMax,
		TopK:                1,
	}
	batch := backends.NewBatch(2)
	batch.OutputValues = []any{[][]float32{{0, 1}, {3, 0}}}
	output, err := p.Postprocess(batch)
	require.NoError(t, err)
	require.Len(t, output.ClassificationOutputs, 2)
	assert.Equal(t, "POSITIVE", output.ClassificationOutputs[0][0].Label)
	assert.InDelta(t, 0.7311, output.ClassificationOutputs[0][0].Score, 1e-4)
	assert.Equal(t, "NEGATIVE", output.ClassificationOutputs[1][0].Label)

	p.TopK = -1
	output, err = p.Postprocess(batch)
	require.NoError(t, err)
	assert.Len(t, output.ClassificationOutputs[0], 2)
	assert.GreaterOrEqual(t, output.ClassificationOutputs[0][0].Score, output.ClassificationOutputs[0][1].Score)
}

func TestDefaultScoreFunction(t *testing.T) {
	logits := []float32{0, 0}
	multi := defaultScoreFunction("multi_label_classification", 2)(logits)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, multi, 1e-6)
	single := defaultScoreFunction("", 1)([]float32{0})
	assert.InDeltaSlice(t, []float32{0.5}, single, 1e-6)
	softmax := defaultScoreFunction("single_label_classification", 2)([]float32{1, 1})
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, softmax, 1e-6)
}

func TestTextClassificationValidate(t *testing.T) {
	p := &TextClassificationPipeline{
		BasePipeline: &backends.BasePipeline{Model: &backends.Model{
			OutputsMeta: []backends.InputOutputInfo{{Name: "logits", Dimensions: backends.NewShape(-1, 3)}},
		}},
		IDLabelMap: map[int]string{0: "a", 1: "b"},
		TopK:       0,
	}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 logits but id2label has 2 labels")
	assert.Contains(t, err.Error(), "top k")
}

func TestWithTopK(t *testing.T) {
	p := &TextClassificationPipeline{TopK: 1}
	require.NoError(t, WithTopK[*TextClassificationPipeline](3)(p))
	assert.Equal(t, 3, p.TopK)
}

func TestImageClassificationPostprocess(t *testing.T) {
	p := &ImageClassificationPipeline{
		TopK:       2,
		IDLabelMap: map[int]string{0: "cat", 1: "dog", 2: "bird"},
	}
	batch := backends.NewBatch(1)
	batch.OutputValues = []any{[][]float32{{1, 3, 2}}}
	output, err := p.Postprocess(batch)
	require.NoError(t, err)
	require.Len(t, output.Predictions[0], 2)
	assert.Equal(t, "dog", output.Predictions[0][0].Label)
	assert.Equal(t, 1, output.Predictions[0][0].ClassIndex)
	assert.Equal(t, "bird", output.Predictions[0][1].Label)
	var total float32
	for _, score := range vectorutil.SoftMax([]float32{1, 3, 2}) {
		total += score
	}
	assert.InDelta(t, 1.0, total, 1e-5)
	assert.InDelta(t, 0.6652, output.Predictions[0][0].Score, 1e-4)
}

func TestGetTopKFallbackLabel(t *testing.T) {
	results := getTopK([]float32{0.1, 0.9}, 1, nil)
	require.Len(t, results, 1)
	assert.Equal(t, "LABEL_1", results[0].Label)
}

func TestZeroShotSequencePairs(t *testing.T) {
	pairs, err := createSequencePairs([]string{"I love go"}, []string{"tech", "food"}, "This example is {}.")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{
		{"I love go", "This example is tech."},
		{"I love go", "This example is food."},
	}, pairs)

	_, err = createSequencePairs([]string{"x"}, []string{"a"}, "no placeholder")
	assert.Error(t, err)
	_, err = createSequencePairs([]string{"x"}, nil, "{}")
	assert.Error(t, err)
}

func TestNLILabelIDs(t *testing.T) {
	entailment, contradiction := nliLabelIDs(map[int]string{0: "contradiction", 1: "neutral", 2: "entailment"})
	assert.Equal(t, 2, entailment)
	assert.Equal(t, 0, contradiction)
	entailment, contradiction = nliLabelIDs(map[int]string{0: "ENTAILMENT", 1: "NEUTRAL", 2: "CONTRADICTION"})
	assert.Equal(t, 0, entailment)
	assert.Equal(t, 2, contradiction)
	entailment, contradiction = nliLabelIDs(map[int]string{0: "LABEL_0", 1: "LABEL_1"})
	assert.Equal(t, 1, entailment)
	assert.Equal(t, 0, contradiction)
}

func TestZeroShotPostprocess(t *testing.T) {
	p := &ZeroShotClassificationPipeline{
		Labels:          []string{"tech", "food"},
		entailmentID:    2,
		contradictionID: 0,
	}
	batch := backends.NewBatch(2)
	batch.OutputValues = []any{[][]float32{{0, 0, 2}, {0, 0, 0}}}
	output, err := p.Postprocess(batch, []string{"I love go"})
	require.NoError(t, err)
	require.Len(t, output.ClassificationOutputs, 1)
	values := output.ClassificationOutputs[0].SortedValues
	assert.Equal(t, "I love go", output.ClassificationOutputs[0].Sequence)
	assert.Equal(t, "tech", values[0].Key)
	assert.InDelta(t, 0.8808, values[0].Value, 1e-4)
	assert.InDelta(t, 1.0, values[0].Value+values[1].Value, 1e-9)

	p.Multilabel = true
	output, err = p.Postprocess(batch, []string{"I love go"})
	require.NoError(t, err)
	values = output.ClassificationOutputs[0].SortedValues
	assert.InDelta(t, 0.8808, values[0].Value, 1e-4)
	assert.InDelta(t, 0.5, values[1].Value, 1e-9)
}

func TestZeroShotPostprocessRowMismatch(t *testing.T) {
	p := &ZeroShotClassificationPipeline{Labels: []string{"a", "b"}, entailmentID: 1}
	batch := backends.NewBatch(1)
	batch.OutputValues = []any{[][]float32{{0, 1}}}
	_, err := p.Postprocess(batch, []string{"x"})
	assert.Error(t, err)
}
