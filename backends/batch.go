package backends

import (
	"errors"
	"fmt"
	"strings"
)

// textInputNames are the model inputs that are built from the tokenizer output.
var textInputNames = map[string]bool{
	"input_ids":      true,
	"token_type_ids": true,
	"attention_mask": true,
	"position_ids":   true,
}

func isImageInput(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "pixel_values") || strings.Contains(lower, "image")
}

// buildPaddingMasks marks the positions of each row that hold real tokens.
func buildPaddingMasks(batch *PipelineBatch) [][]bool {
	masks := make([][]bool, len(batch.Input))
	for bi, inp := range batch.Input {
		row := make([]bool, batch.MaxSequenceLength)
		seqLen := min(len(inp.TokenIDs), batch.MaxSequenceLength)
		padLen := batch.MaxSequenceLength - seqLen
		for pos := range batch.MaxSequenceLength {
			if batch.PadLeft {
				row[pos] = pos >= padLen
			} else {
				row[pos] = pos < seqLen
			}
		}
		masks[bi] = row
	}
	return masks
}

// buildTextInputBacking returns the row-major [batch, maxSequenceLength] values of the named input.
// Padded positions hold the model pad token for input_ids and zero elsewhere.
func buildTextInputBacking(batch *PipelineBatch, model *Model, name string, masks [][]bool) ([]int64, error) {
	maxSequenceLength := batch.MaxSequenceLength
	backing := make([]int64, len(batch.Input)*maxSequenceLength)
	idx := 0
	for bi, inp := range batch.Input {
		seqLen := min(len(inp.TokenIDs), maxSequenceLength)
		padLen := 0
		if batch.PadLeft {
			padLen = maxSequenceLength - seqLen
		}
		position := int64(0)
		for pos := range maxSequenceLength {
			valid := masks[bi][pos]
			tokenIndex := pos - padLen
			switch name {
			case "input_ids":
				if valid {
					backing[idx] = int64(inp.TokenIDs[tokenIndex])
				} else {
					backing[idx] = model.PadToken
				}
			case "token_type_ids":
				if valid && tokenIndex < len(inp.TypeIDs) {
					backing[idx] = int64(inp.TypeIDs[tokenIndex])
				}
			case "attention_mask":
				if valid {
					if tokenIndex < len(inp.AttentionMask) {
						backing[idx] = int64(inp.AttentionMask[tokenIndex])
					} else {
						backing[idx] = 1
					}
				}
			case "position_ids":
				// cumulative sum of the attention mask minus one; padded positions get 1
				if valid {
					backing[idx] = position
					position++
				} else {
					backing[idx] = 1
				}
			default:
				return nil, fmt.Errorf("unrecognized input %q", name)
			}
			idx++
		}
	}
	return backing, nil
}

// flattenImages returns the row-major backing and shape of a batch of 3D image tensors.
func flattenImages(preprocessed [][][][]float32) ([]float32, []int64, error) {
	if len(preprocessed) == 0 || len(preprocessed[0]) == 0 || len(preprocessed[0][0]) == 0 {
		return nil, nil, errors.New("no preprocessed images provided")
	}
	n, d1, d2, d3 := len(preprocessed), len(preprocessed[0]), len(preprocessed[0][0]), len(preprocessed[0][0][0])
	backing := make([]float32, 0, n*d1*d2*d3)
	for i, img := range preprocessed {
		if len(img) != d1 || len(img[0]) != d2 || len(img[0][0]) != d3 {
			return nil, nil, fmt.Errorf("image %d has a different shape from the first image in the batch", i)
		}
		for _, plane := range img {
			for _, row := range plane {
				backing = append(backing, row...)
			}
		}
	}
	return backing, []int64{int64(n), int64(d1), int64(d2), int64(d3)}, nil
}
