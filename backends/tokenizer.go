package backends

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/knights-analytics/optimum/options"
	"github.com/knights-analytics/optimum/util/fileutil"
)

type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *timings
	Destroy          func() error
	Runtime          string
	MaxAllowedTokens int
	VocabSize        int
}

// LoadTokenizer loads tokenizer.json from the tokenizer path of the model, if present.
// Image models have no tokenizer and are left with a nil Tokenizer.
func LoadTokenizer(model *Model, s *options.Options) error {
	tokenizerPath := fileutil.PathJoinSafe(model.TokenizerPath, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return nil
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return err
	}
	if err = checkTokenizerCompatibility(model, tokenizerBytes); err != nil {
		return err
	}
	switch s.Backend {
	case options.BackendORT:
		err = loadRustTokenizer(tokenizerBytes, model)
	case options.BackendGo:
		err = loadGoTokenizer(tokenizerBytes, model)
	default:
		return fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	if err != nil {
		return err
	}
	model.Tokenizer.VocabSize, _ = tokenizerVocabSize(tokenizerBytes)
	return nil
}

// checkTokenizerCompatibility verifies that every token id the tokenizer can produce is
// accepted by the model and that the model only asks for inputs a tokenizer can provide.
func checkTokenizerCompatibility(model *Model, tokenizerBytes []byte) error {
	vocabSize, err := tokenizerVocabSize(tokenizerBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncompatibleTokenizer, err)
	}
	if model.VocabSize > 0 && vocabSize > model.VocabSize {
		return fmt.Errorf("%w: tokenizer vocabulary has %d tokens but the model vocab_size is %d",
			ErrIncompatibleTokenizer, vocabSize, model.VocabSize)
	}
	for _, input := range model.InputsMeta {
		if !textInputNames[input.Name] && !isImageInput(input.Name) {
			return fmt.Errorf("%w: model input %s not recognized", ErrIncompatibleTokenizer, input.Name)
		}
	}
	return nil
}

// TokenizeInputs tokenizes inputs into batch.Input and sets the batch sequence length.
func TokenizeInputs(batch *PipelineBatch, tk *Tokenizer, inputs []string) error {
	start := time.Now()
	var err error
	switch tk.Runtime {
	case "RUST":
		err = tokenizeInputsRust(batch, tk, inputs)
	case "GO":
		err = tokenizeInputsGo(batch, tk, inputs)
	default:
		err = fmt.Errorf("runtime %s not recognized", tk.Runtime)
	}
	if err != nil {
		return err
	}
	for i := range batch.Input {
		batch.Input[i].PairOffset = -1
	}
	tk.TokenizerTimings.Track(start)
	return nil
}

// TokenizePairs tokenizes (first, second) text pairs as a single sequence joined by separator and
// assigns token type 1 to the tokens of the second text. PairOffset records where the second text starts in Raw.
// Token types follow the token offsets, so separator text inside either input does not move the split.
// A pair longer than MaxAllowedTokens loses the end of its second text but keeps the closing separator.
func TokenizePairs(batch *PipelineBatch, tk *Tokenizer, pairs [][2]string, separator string) error {
	joined := make([]string, len(pairs))
	for i, pair := range pairs {
		joined[i] = pair[0] + separator + pair[1]
	}
	if err := TokenizeInputs(batch, tk, joined); err != nil {
		return err
	}
	sepToken := strings.TrimSpace(separator)
	for i := range batch.Input {
		input := &batch.Input[i]
		input.PairOffset = len(pairs[i][0]) + len(separator)
		if sepToken != "" {
			keepClosingSeparator(input, tk.MaxAllowedTokens)
			patchPairTokenTypeIDs(input, sepToken)
		}
	}
	return nil
}

// keepClosingSeparator replaces the last token of a truncated pair with the separator token that
// truncation removed.
func keepClosingSeparator(input *TokenizedInput, maxTokens int) {
	last := len(input.TokenIDs) - 1
	if maxTokens <= 0 || len(input.TokenIDs) < maxTokens || last < 1 || len(input.Tokens) != len(input.TokenIDs) {
		return
	}
	if isSeparatorToken(input.Tokens[last]) {
		return
	}
	sep := slices.IndexFunc(input.Tokens, isSeparatorToken)
	if sep == -1 {
		return
	}
	input.Tokens[last] = input.Tokens[sep]
	input.TokenIDs[last] = input.TokenIDs[sep]
	if last < len(input.Offsets) {
		input.Offsets[last] = [2]uint{}
	}
	if last < len(input.SpecialTokensMask) {
		input.SpecialTokensMask[last] = 1
	}
}

// patchPairTokenTypeIDs sets token type 1 from the first token of the second text onwards, following
// the [CLS] a [SEP] b [SEP] convention of BERT-style tokenizers. Type ids already set by the tokenizer are kept.
func patchPairTokenTypeIDs(input *TokenizedInput, sepToken string) {
	if len(input.TypeIDs) == 0 {
		return
	}
	for _, t := range input.TypeIDs {
		if t != 0 {
			return
		}
	}
	second := secondTextStart(input, sepToken)
	if second < 1 {
		return
	}
	for iTok := second; iTok < len(input.TypeIDs); iTok++ {
		input.TypeIDs[iTok] = 1
	}
}

// secondTextStart is the index of the first token of the second text, or -1. Token offsets locate it
// when the tokenizer reports them, otherwise it follows the first separator token.
func secondTextStart(input *TokenizedInput, sepToken string) int {
	if input.PairOffset > 0 && len(input.Offsets) == len(input.Tokens) {
		for iTok, offset := range input.Offsets {
			if int(offset[0]) >= input.PairOffset && offset[1] > offset[0] {
				return iTok
			}
		}
		return -1
	}
	for iTok := 1; iTok < len(input.Tokens)-1; iTok++ {
		if input.Tokens[iTok] == sepToken || (isSeparatorToken(input.Tokens[iTok]) && strings.Contains(sepToken, input.Tokens[iTok])) {
			return iTok + 1
		}
	}
	return -1
}

func isSeparatorToken(token string) bool {
	return token == "[SEP]" || token == "</s>"
}

func Decode(tokens []uint32, tokenizer *Tokenizer, skipSpecialTokens bool) (string, error) {
	switch tokenizer.Runtime {
	case "RUST":
		return decodeRust(tokens, tokenizer, skipSpecialTokens), nil
	case "GO":
		return decodeGo(tokens, tokenizer, skipSpecialTokens), nil
	}
	return "", fmt.Errorf("runtime %s not recognized", tokenizer.Runtime)
}

// truncate caps an encoding at the maximum number of tokens the model accepts.
func truncate[T any](values []T, maxTokens int) []T {
	if maxTokens > 0 && len(values) > maxTokens {
		return values[:maxTokens]
	}
	return values
}

func maxAttentionIndex(attentionMask []uint32) int {
	maxIndex := 0
	for j, v := range attentionMask {
		if v != 0 {
			maxIndex = j
		}
	}
	return maxIndex
}
