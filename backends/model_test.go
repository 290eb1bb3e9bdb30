package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/optimum/options"
)

func TestParseModelConfig(t *testing.T) {
	config, err := ParseModelConfig([]byte(`{
		"model_type": "distilbert",
		"id2label": {"0": "NEGATIVE", "1": "POSITIVE"},
		"max_position_embeddings": 512,
		"vocab_size": 30522,
		"pad_token_id": 0,
		"problem_type": "single_label_classification"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "distilbert", config.ModelType)
	assert.Equal(t, map[int]string{0: "NEGATIVE", 1: "POSITIVE"}, config.IDLabelMap)
	assert.Equal(t, 512, config.MaxPositionEmbeddings)
	assert.Equal(t, 30522, config.VocabSize)
	require.NotNil(t, config.PadTokenID)
	assert.Equal(t, int64(0), *config.PadTokenID)
	assert.Nil(t, config.EosTokenIDs)

	gpt2, err := ParseModelConfig([]byte(`{"n_positions": 1024, "eos_token_id": 50256, "vocab_size": 50257}`))
	require.NoError(t, err)
	assert.Equal(t, 1024, gpt2.MaxPositionEmbeddings)
	assert.Equal(t, map[int64]bool{50256: true}, gpt2.EosTokenIDs)
	assert.Nil(t, gpt2.PadTokenID)

	multi, err := ParseModelConfig([]byte(`{"eos_token_id": [1, 2]}`))
	require.NoError(t, err)
	assert.Len(t, multi.EosTokenIDs, 2)

	_, err = ParseModelConfig([]byte(`{"eos_token_id": "x"}`))
	assert.Error(t, err)
	_, err = ParseModelConfig([]byte(`{"id2label": {"a": "b"}}`))
	assert.Error(t, err)
}

func TestParseSpecialTokens(t *testing.T) {
	tokens, err := ParseSpecialTokens([]byte(`{
		"sep_token": "[SEP]",
		"mask_token": {"content": "<mask>", "lstrip": true},
		"cls_token": "[CLS]"
	}`))
	require.NoError(t, err)
	assert.Equal(t, SpecialToken("[SEP]"), tokens.SepToken)
	assert.Equal(t, SpecialToken("<mask>"), tokens.MaskToken)
	assert.Equal(t, SpecialToken("[CLS]"), tokens.ClsToken)
	assert.Empty(t, tokens.PadToken)

	_, err = ParseSpecialTokens([]byte(`{"sep_token": {"lstrip": true}}`))
	assert.Error(t, err)
}

func TestTokenizerVocabSize(t *testing.T) {
	wordPiece := []byte(`{"model": {"vocab": {"[PAD]": 0, "hello": 1, "world": 2}}, "added_tokens": [{"id": 5}]}`)
	size, err := tokenizerVocabSize(wordPiece)
	require.NoError(t, err)
	assert.Equal(t, 6, size)

	unigram := []byte(`{"model": {"vocab": [["a", -1.0], ["b", -2.0]]}}`)
	size, err = tokenizerVocabSize(unigram)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestCheckTokenizerCompatibility(t *testing.T) {
	tk := []byte(`{"model": {"vocab": {"a": 0, "b": 1, "c": 2}}}`)
	model := &Model{VocabSize: 3, InputsMeta: []InputOutputInfo{{Name: "input_ids"}, {Name: "attention_mask"}}}
	assert.NoError(t, checkTokenizerCompatibility(model, tk))

	model.VocabSize = 2
	assert.ErrorIs(t, checkTokenizerCompatibility(model, tk), ErrIncompatibleTokenizer)

	model.VocabSize = 0
	model.InputsMeta = append(model.InputsMeta, InputOutputInfo{Name: "decoder_input_ids"})
	assert.ErrorIs(t, checkTokenizerCompatibility(model, tk), ErrIncompatibleTokenizer)
}

func TestModelCheckBackend(t *testing.T) {
	for _, tc := range []struct {
		name    string
		model   *Model
		backend string
		ok      bool
	}{
		{name: "go session", model: &Model{GoModel: &GoModel{}}, backend: options.BackendGo, ok: true},
		{name: "go session with go tokenizer", model: &Model{GoModel: &GoModel{}, Tokenizer: &Tokenizer{Runtime: "GO"}}, backend: options.BackendGo, ok: true},
		{name: "ort session with rust tokenizer", model: &Model{ORTModel: &ORTModel{}, Tokenizer: &Tokenizer{Runtime: "RUST"}}, backend: options.BackendORT, ok: true},
		{name: "ort model on go", model: &Model{ORTModel: &ORTModel{}}, backend: options.BackendGo},
		{name: "go model on ort", model: &Model{GoModel: &GoModel{}}, backend: options.BackendORT},
		{name: "rust tokenizer on go", model: &Model{GoModel: &GoModel{}, Tokenizer: &Tokenizer{Runtime: "RUST"}}, backend: options.BackendGo},
		{name: "go tokenizer on ort", model: &Model{ORTModel: &ORTModel{}, Tokenizer: &Tokenizer{Runtime: "GO"}}, backend: options.BackendORT},
		{name: "unknown backend", model: &Model{GoModel: &GoModel{}}, backend: "XLA"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.model.CheckBackend(tc.backend)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBackendMismatch)
			}
		})
	}
}

func TestGetOnnxModelPath(t *testing.T) {
	dir := t.TempDir()
	model := &Model{Path: dir}
	assert.Error(t, GetOnnxModelPath(model))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("x"), 0o600))
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "model.onnx"), model.OnnxPath)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onnx", "model_quantized.onnx"), []byte("x"), 0o600))
	model = &Model{Path: dir}
	assert.Error(t, GetOnnxModelPath(model), "ambiguous without a file name")

	model = &Model{Path: dir, OnnxFilename: "model_quantized.onnx"}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "onnx", "model_quantized.onnx"), model.OnnxPath)

	model = &Model{Path: dir, OnnxFilename: "missing.onnx"}
	assert.Error(t, GetOnnxModelPath(model))
}

func TestLoadModelConfigFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"eos_token_id": 50256, "vocab_size": 50257}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "special_tokens_map.json"), []byte(`{"sep_token": "</s>", "mask_token": "<mask>"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preprocessor_config.json"), []byte(`{"size": 224}`), 0o600))

	model := &Model{Path: dir, TokenizerPath: dir}
	require.NoError(t, loadModelConfig(model))
	assert.Equal(t, int64(50256), model.PadToken, "pad falls back to eos")
	assert.Equal(t, "</s>", model.SeparatorToken)
	assert.Equal(t, "<mask>", model.MaskToken)
	assert.NotNil(t, model.Preprocessor)
}
