//go:build cgo && (ORT || ALL)

package backends

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
	Options   []tokenizers.EncodeOption
}

func loadRustTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := tokenizers.FromBytes(tokenizerBytes)
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{
		Runtime:          "RUST",
		RustTokenizer:    &RustTokenizer{Tokenizer: tk, Options: getRustTokenizerOptions(model.InputsMeta)},
		TokenizerTimings: &timings{},
		MaxAllowedTokens: model.MaxPositionEmbeddings,
		Destroy: func() error {
			return tk.Close()
		},
	}
	return nil
}

// getRustTokenizerOptions requests the encoding fields the model inputs need, plus the
// offsets and special token mask used in postprocessing.
func getRustTokenizerOptions(inputs []InputOutputInfo) []tokenizers.EncodeOption {
	encodeOptions := []tokenizers.EncodeOption{
		tokenizers.WithReturnTokens(),
		tokenizers.WithReturnAttentionMask(),
		tokenizers.WithReturnSpecialTokensMask(),
		tokenizers.WithReturnOffsets(),
	}
	for _, input := range inputs {
		if input.Name == "token_type_ids" {
			encodeOptions = append(encodeOptions, tokenizers.WithReturnTypeIDs())
		}
	}
	return encodeOptions
}

func tokenizeInputsRust(batch *PipelineBatch, tk *Tokenizer, inputs []string) error {
	outputs := make([]TokenizedInput, len(inputs))
	maxSequence := 0
	rustTK := tk.RustTokenizer
	for i, input := range inputs {
		output := rustTK.Tokenizer.EncodeWithOptions(input, true, rustTK.Options...)
		if len(output.IDs) == 0 {
			return fmt.Errorf("input %d produced no tokens", i)
		}
		attentionMask := truncate(output.AttentionMask, tk.MaxAllowedTokens)
		maxIndex := maxAttentionIndex(attentionMask)
		outputs[i] = TokenizedInput{
			Raw:               input,
			Tokens:            truncate(output.Tokens, tk.MaxAllowedTokens),
			TokenIDs:          truncate(output.IDs, tk.MaxAllowedTokens),
			TypeIDs:           truncate(output.TypeIDs, tk.MaxAllowedTokens),
			AttentionMask:     attentionMask,
			MaxAttentionIndex: maxIndex,
			SpecialTokensMask: truncate(output.SpecialTokensMask, tk.MaxAllowedTokens),
			Offsets:           convertRustOffsets(truncate(output.Offsets, tk.MaxAllowedTokens)),
		}
		maxSequence = max(maxSequence, len(outputs[i].TokenIDs))
	}
	batch.Input = outputs
	batch.MaxSequenceLength = maxSequence
	return nil
}

func decodeRust(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	return tokenizer.RustTokenizer.Tokenizer.Decode(tokens, skipSpecialTokens)
}

func convertRustOffsets(input []tokenizers.Offset) [][2]uint {
	output := make([][2]uint, len(input))
	for i, x := range input {
		output[i] = [2]uint{x[0], x[1]}
	}
	return output
}
