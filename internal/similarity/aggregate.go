package similarity

import (
	"math"

	"github.com/allsmog/revgraph/internal/types"
)

// Aggregate folds block-level vectors into one entity-level vector as a
// weighted mean followed by L2 normalization. Nil or all-zero weights fall
// back to a uniform mean. Weight count, when given, must match the vector
// count.
func Aggregate(vectors [][]float64, weights []float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, types.NewError(types.EMBEDDING_DIMENSION_ERROR, "no vectors to aggregate")
	}
	if weights != nil && len(weights) != len(vectors) {
		return nil, types.NewErrorf(types.ANALYSIS_INVALID_PARAMETER,
			"weight count %d does not match vector count %d", len(weights), len(vectors))
	}

	dim := len(vectors[0])
	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, types.NewErrorf(types.EMBEDDING_DIMENSION_ERROR,
				"vector %d has %d dimensions, expected %d", i, len(vec), dim)
		}
	}

	var totalWeight float64
	for _, w := range weights {
		totalWeight += w
	}
	uniform := weights == nil || totalWeight <= 0

	out := make([]float64, dim)
	for i, vec := range vectors {
		w := 1.0 / float64(len(vectors))
		if !uniform {
			w = weights[i] / totalWeight
		}
		for d, v := range vec {
			out[d] += w * v
		}
	}

	var norm float64
	for _, v := range out {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for d := range out {
			out[d] /= norm
		}
	}
	return out, nil
}
