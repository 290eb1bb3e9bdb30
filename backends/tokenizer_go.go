package backends

import (
	"bytes"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/optimum/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{
		Runtime:          "GO",
		GoTokenizer:      &GoTokenizer{Tokenizer: tk},
		TokenizerTimings: &timings{},
		MaxAllowedTokens: model.MaxPositionEmbeddings,
		Destroy: func() error {
			return nil
		},
	}
	return nil
}

func tokenizeInputsGo(batch *PipelineBatch, tk *Tokenizer, inputs []string) error {
	outputs := make([]TokenizedInput, len(inputs))
	maxSequence := 0
	goTK := tk.GoTokenizer.Tokenizer
	for i, input := range inputs {
		output, err := goTK.EncodeSingle(input, true)
		if err != nil {
			return fmt.Errorf("tokenizing input %d: %w", i, err)
		}
		if len(output.Ids) == 0 {
			return fmt.Errorf("input %d produced no tokens", i)
		}
		attentionMask := safeconv.IntSliceToUint32Slice(truncate(output.AttentionMask, tk.MaxAllowedTokens))
		outputs[i] = TokenizedInput{
			Raw:               input,
			Tokens:            truncate(output.Tokens, tk.MaxAllowedTokens),
			TokenIDs:          safeconv.IntSliceToUint32Slice(truncate(output.Ids, tk.MaxAllowedTokens)),
			TypeIDs:           safeconv.IntSliceToUint32Slice(truncate(output.TypeIds, tk.MaxAllowedTokens)),
			AttentionMask:     attentionMask,
			MaxAttentionIndex: maxAttentionIndex(attentionMask),
			SpecialTokensMask: safeconv.IntSliceToUint32Slice(truncate(output.SpecialTokenMask, tk.MaxAllowedTokens)),
			Offsets:           safeconv.IntOffsetsToUintPairs(truncate(output.Offsets, tk.MaxAllowedTokens)),
		}
		maxSequence = max(maxSequence, len(outputs[i].TokenIDs))
	}
	batch.Input = outputs
	batch.MaxSequenceLength = maxSequence
	return nil
}

func decodeGo(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) string {
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = int(t)
	}
	return tokenizer.GoTokenizer.Tokenizer.Decode(ids, skipSpecialTokens)
}
