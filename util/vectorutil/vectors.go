package vectorutil

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"golang.org/x/exp/constraints"
)

// Mean of a vector.
func Mean[T constraints.Float](vector []T) T {
	if len(vector) == 0 {
		return 0
	}
	var sum T
	for _, v := range vector {
		sum += v
	}
	return sum / T(len(vector))
}

// SoftMax take a vector and calculate softmax scores of its values.
func SoftMax(vector []float32) []float32 {
	if len(vector) == 0 {
		return nil
	}
	maxLogit := slices.Max(vector)
	shiftedExp := make([]float64, len(vector))
	for i, logit := range vector {
		shiftedExp[i] = math.Exp(float64(logit - maxLogit))
	}
	sumExp := SumSlice(shiftedExp)
	scores := make([]float32, len(vector))
	for i, exp := range shiftedExp {
		scores[i] = float32(exp / sumExp)
	}
	return scores
}

func SumSlice[T constraints.Integer | constraints.Float](s []T) T {
	var sum T
	for _, v := range s {
		sum += v
	}
	return sum
}

// ArgMax find both index of max value in s and max value.
func ArgMax[T constraints.Ordered](s []T) (int, T, error) {
	var zero T
	if len(s) == 0 {
		return 0, zero, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

func Sigmoid(s []float32) []float32 {
	sigmoid := make([]float32, 0, len(s))
	for _, v := range s {
		v64 := float64(v)
		sigmoid = append(sigmoid, float32(1.0/(1.0+math.Exp(-v64))))
	}
	return sigmoid
}

// Norm is the p-norm of a vector.
func Norm(v []float32, p int) float64 {
	sum := 0.0
	pNorm := float64(p)
	for _, e := range v {
		sum += math.Pow(math.Abs(float64(e)), pNorm)
	}
	return math.Pow(sum, 1/pNorm)
}

// Normalize single vector according to: https://pytorch.org/docs/stable/generated/torch.nn.functional.normalize.html
func Normalize(embedding []float32, p int) []float32 {
	const eps = 1e-12
	normalizeDenominator := float32(max(Norm(embedding, p), eps))
	for i, v := range embedding {
		embedding[i] = v / normalizeDenominator
	}
	return embedding
}

// TopK returns the indices of the k largest values of s in descending order of value.
// Ties keep the original order. k <= 0 or k > len(s) returns all indices.
func TopK[T constraints.Ordered](s []T, k int) []int {
	indices := make([]int, len(s))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return s[indices[a]] > s[indices[b]]
	})
	if k > 0 && k < len(indices) {
		indices = indices[:k]
	}
	return indices
}
