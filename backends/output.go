package backends

import "fmt"

// ReshapeOutput converts a flat output tensor into nested slices using the shape reported by the runtime.
// 2D outputs become [batch][dim]. 3D outputs become [batch][position][dim]; when paddingMask covers the
// middle dimension, padded positions are dropped so that row i only holds the real tokens of input i.
func ReshapeOutput[T float32 | int64 | int32](input []T, shape []int64, paddingMask [][]bool) (any, error) {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("output shape %v has a dynamic dimension", shape)
		}
		size *= int(d)
	}
	if size != len(input) {
		return nil, fmt.Errorf("output shape %v does not match %d values", shape, len(input))
	}
	switch len(shape) {
	case 1:
		return flatDataTo2D(input, int(shape[0]), 1), nil
	case 2:
		return flatDataTo2D(input, int(shape[0]), int(shape[1])), nil
	case 3:
		batchSize, sequenceLength, dimension := int(shape[0]), int(shape[1]), int(shape[2])
		if len(paddingMask) == batchSize && batchSize > 0 && len(paddingMask[0]) == sequenceLength {
			return flatDataTo3D(input, paddingMask, dimension), nil
		}
		return flatDataTo3DFull(input, batchSize, sequenceLength, dimension), nil
	}
	return nil, fmt.Errorf("outputs with %d dimensions are not supported", len(shape))
}

func flatDataTo2D[T float32 | int64 | int32](input []T, batchSize int, dimension int) [][]T {
	output := make([][]T, batchSize)
	counter := 0
	for batchIndex := range batchSize {
		inputEmbedding := make([]T, dimension)
		copy(inputEmbedding, input[counter:counter+dimension])
		counter += dimension
		output[batchIndex] = inputEmbedding
	}
	return output
}

func flatDataTo3D[T float32 | int64 | int32](input []T, paddingMask [][]bool, dimension int) [][][]T {
	output := make([][][]T, len(paddingMask))
	counter := 0
	for batchIndex, mask := range paddingMask {
		tokenEmbeddings := make([][]T, 0, len(mask))
		for _, isValid := range mask {
			if !isValid {
				// skip whole token
				counter += dimension
				continue
			}
			embedding := make([]T, dimension)
			copy(embedding, input[counter:counter+dimension])
			counter += dimension
			tokenEmbeddings = append(tokenEmbeddings, embedding)
		}
		output[batchIndex] = tokenEmbeddings
	}
	return output
}

func flatDataTo3DFull[T float32 | int64 | int32](input []T, batchSize, sequenceLength, dimension int) [][][]T {
	output := make([][][]T, batchSize)
	counter := 0
	for b := range batchSize {
		seq := make([][]T, sequenceLength)
		for i := range sequenceLength {
			vec := make([]T, dimension)
			copy(vec, input[counter:counter+dimension])
			counter += dimension
			seq[i] = vec
		}
		output[b] = seq
	}
	return output
}
