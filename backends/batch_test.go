package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoInputBatch(padLeft bool) *PipelineBatch {
	batch := NewBatch(2)
	batch.PadLeft = padLeft
	batch.Input = []TokenizedInput{
		{TokenIDs: []uint32{101, 7, 102}, TypeIDs: []uint32{0, 0, 0}, AttentionMask: []uint32{1, 1, 1}},
		{TokenIDs: []uint32{101, 102}, TypeIDs: []uint32{0, 1}, AttentionMask: []uint32{1, 1}},
	}
	batch.MaxSequenceLength = 3
	return batch
}

func TestTextInputBackingRightPadding(t *testing.T) {
	batch := twoInputBatch(false)
	model := &Model{PadToken: 0}
	masks := buildPaddingMasks(batch)
	assert.Equal(t, [][]bool{{true, true, true}, {true, true, false}}, masks)

	ids, err := buildTextInputBacking(batch, model, "input_ids", masks)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 7, 102, 101, 102, 0}, ids)

	mask, err := buildTextInputBacking(batch, model, "attention_mask", masks)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 0}, mask)

	types, err := buildTextInputBacking(batch, model, "token_type_ids", masks)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0, 0, 1, 0}, types)

	_, err = buildTextInputBacking(batch, model, "decoder_input_ids", masks)
	assert.Error(t, err)
}

func TestTextInputBackingLeftPadding(t *testing.T) {
	batch := twoInputBatch(true)
	model := &Model{PadToken: 50256}
	masks := buildPaddingMasks(batch)
	assert.Equal(t, [][]bool{{true, true, true}, {false, true, true}}, masks)

	ids, err := buildTextInputBacking(batch, model, "input_ids", masks)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 7, 102, 50256, 101, 102}, ids)

	positions, err := buildTextInputBacking(batch, model, "position_ids", masks)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 1, 0, 1}, positions)

	mask, err := buildTextInputBacking(batch, model, "attention_mask", masks)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 0, 1, 1}, mask)
}

func TestReshapeOutput(t *testing.T) {
	flat := []float32{1, 2, 3, 4, 5, 6}

	out, err := ReshapeOutput(flat, []int64{2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, out)

	out, err = ReshapeOutput(flat, []int64{2, 3, 1}, [][]bool{{true, true, true}, {true, false, false}})
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{{{1}, {2}, {3}}, {{4}}}, out)

	out, err = ReshapeOutput(flat, []int64{1, 3, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{{{1, 2}, {3, 4}, {5, 6}}}, out)

	_, err = ReshapeOutput(flat, []int64{4, 2}, nil)
	assert.Error(t, err)
	_, err = ReshapeOutput(flat, []int64{1, 1, 2, 3}, nil)
	assert.Error(t, err)
}

func TestFlattenImages(t *testing.T) {
	img := [][][]float32{{{1, 2}}, {{3, 4}}, {{5, 6}}}
	backing, shape, err := flattenImages([][][][]float32{img, img})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 1, 2}, shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 1, 2, 3, 4, 5, 6}, backing)

	_, _, err = flattenImages(nil)
	assert.Error(t, err)
}

func TestPatchPairTokenTypeIDs(t *testing.T) {
	input := &TokenizedInput{
		Tokens:  []string{"[CLS]", "what", "[SEP]", "paris", "[SEP]"},
		TypeIDs: []uint32{0, 0, 0, 0, 0},
	}
	patchPairTokenTypeIDs(input, "[SEP]")
	assert.Equal(t, []uint32{0, 0, 0, 1, 1}, input.TypeIDs)

	already := &TokenizedInput{
		Tokens:  []string{"[CLS]", "a", "[SEP]", "b", "[SEP]"},
		TypeIDs: []uint32{0, 0, 0, 1, 1},
	}
	patchPairTokenTypeIDs(already, "[SEP]")
	assert.Equal(t, []uint32{0, 0, 0, 1, 1}, already.TypeIDs)
}

func TestStatistics(t *testing.T) {
	base := &BasePipeline{Model: &Model{}, PipelineTimings: &timings{NumCalls: 2, TotalNS: 4000}}
	stats := base.GetStatistics()
	assert.Equal(t, uint64(2), stats.OnnxExecutionCount)
	assert.Equal(t, int64(2000), stats.OnnxAvgQueryTime.Nanoseconds())
	assert.Zero(t, stats.TokenizerExecutionCount)
}
