package backends

import (
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// ModelConfig holds the fields of config.json that the pipelines depend on.
type ModelConfig struct {
	ModelType             string
	Architectures         []string
	ProblemType           string
	IDLabelMap            map[int]string
	MaxPositionEmbeddings int
	VocabSize             int
	PadTokenID            *int64
	EosTokenIDs           map[int64]bool
}

type rawModelConfig struct {
	ModelType             string            `json:"model_type"`
	Architectures         []string          `json:"architectures"`
	ProblemType           string            `json:"problem_type"`
	ID2Label              map[string]string `json:"id2label"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	NPositions            int               `json:"n_positions"`
	VocabSize             int               `json:"vocab_size"`
	PadTokenID            *int64            `json:"pad_token_id"`
	EosTokenID            any               `json:"eos_token_id"`
}

func ParseModelConfig(data []byte) (*ModelConfig, error) {
	raw := rawModelConfig{}
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	config := &ModelConfig{
		ModelType:             raw.ModelType,
		Architectures:         raw.Architectures,
		ProblemType:           raw.ProblemType,
		MaxPositionEmbeddings: raw.MaxPositionEmbeddings,
		VocabSize:             raw.VocabSize,
		PadTokenID:            raw.PadTokenID,
	}
	if config.MaxPositionEmbeddings == 0 {
		// gpt2 style configs
		config.MaxPositionEmbeddings = raw.NPositions
	}
	if raw.ID2Label != nil {
		config.IDLabelMap = make(map[int]string, len(raw.ID2Label))
		for k, v := range raw.ID2Label {
			kInt, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("id2label key %q is not an integer", k)
			}
			config.IDLabelMap[kInt] = v
		}
	}
	if raw.EosTokenID != nil {
		config.EosTokenIDs = map[int64]bool{}
		switch v := raw.EosTokenID.(type) {
		case []any:
			for i, item := range v {
				num, ok := item.(float64)
				if !ok {
					return nil, fmt.Errorf("eos_token_id contains non-numeric value at index %d", i)
				}
				config.EosTokenIDs[int64(num)] = true
			}
		case float64:
			config.EosTokenIDs[int64(v)] = true
		default:
			return nil, errors.New("eos_token_id must be either a number or an array of numbers")
		}
	}
	return config, nil
}

// SpecialToken accepts both the plain string and the {"content": ...} forms of special_tokens_map.json.
type SpecialToken string

func (t *SpecialToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := jsoniter.Unmarshal(data, &s); err == nil {
		*t = SpecialToken(s)
		return nil
	}
	var m struct {
		Content *string `json:"content"`
	}
	if err := jsoniter.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("special token has unexpected type: %s", string(data))
	}
	if m.Content == nil {
		return errors.New("special token is map but no content field is available")
	}
	*t = SpecialToken(*m.Content)
	return nil
}

type SpecialTokens struct {
	SepToken  SpecialToken `json:"sep_token"`
	ClsToken  SpecialToken `json:"cls_token"`
	MaskToken SpecialToken `json:"mask_token"`
	PadToken  SpecialToken `json:"pad_token"`
	EosToken  SpecialToken `json:"eos_token"`
	BosToken  SpecialToken `json:"bos_token"`
	UnkToken  SpecialToken `json:"unk_token"`
}

func ParseSpecialTokens(data []byte) (*SpecialTokens, error) {
	tokens := &SpecialTokens{}
	if err := jsoniter.Unmarshal(data, tokens); err != nil {
		return nil, fmt.Errorf("parsing special_tokens_map.json: %w", err)
	}
	return tokens, nil
}

// tokenizerVocabSize returns one more than the largest token id declared by a tokenizer.json,
// counting both the model vocabulary and the added tokens.
func tokenizerVocabSize(data []byte) (int, error) {
	var raw struct {
		Model struct {
			Vocab jsoniter.RawMessage `json:"vocab"`
		} `json:"model"`
		AddedTokens []struct {
			ID int `json:"id"`
		} `json:"added_tokens"`
	}
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("parsing tokenizer.json: %w", err)
	}
	size := 0
	if len(raw.Model.Vocab) > 0 {
		switch raw.Model.Vocab[0] {
		case '{':
			// WordPiece and BPE: token -> id
			vocab := map[string]int{}
			if err := jsoniter.Unmarshal(raw.Model.Vocab, &vocab); err != nil {
				return 0, fmt.Errorf("parsing tokenizer vocab: %w", err)
			}
			for _, id := range vocab {
				size = max(size, id+1)
			}
		case '[':
			// Unigram: list of [token, score]
			var vocab []jsoniter.RawMessage
			if err := jsoniter.Unmarshal(raw.Model.Vocab, &vocab); err != nil {
				return 0, fmt.Errorf("parsing tokenizer vocab: %w", err)
			}
			size = len(vocab)
		}
	}
	for _, added := range raw.AddedTokens {
		size = max(size, added.ID+1)
	}
	return size, nil
}
