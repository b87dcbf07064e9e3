package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/revgraph/internal/types"
)

func vecNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func TestAggregateUniformMean(t *testing.T) {
	out, err := Aggregate([][]float64{{2, 0}, {0, 2}}, nil)
	require.NoError(t, err)
	// Mean is (1,1), normalized to (1/sqrt2, 1/sqrt2).
	assert.InDelta(t, 1/math.Sqrt2, out[0], 1e-12)
	assert.InDelta(t, 1/math.Sqrt2, out[1], 1e-12)
	assert.InDelta(t, 1.0, vecNorm(out), 1e-12)
}

func TestAggregateWeighted(t *testing.T) {
	// All weight on the first vector.
	out, err := Aggregate([][]float64{{1, 0}, {0, 1}}, []float64{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out[0], 1e-12)
	assert.InDelta(t, 0.0, out[1], 1e-12)
}

func TestAggregateZeroWeightsFallsBackToUniform(t *testing.T) {
	weighted, err := Aggregate([][]float64{{2, 0}, {0, 2}}, []float64{0, 0})
	require.NoError(t, err)
	uniform, err2 := Aggregate([][]float64{{2, 0}, {0, 2}}, nil)
	require.NoError(t, err2)
	assert.Equal(t, uniform, weighted)
}

func TestAggregateEmptyInput(t *testing.T) {
	_, err := Aggregate(nil, nil)
	assert.True(t, types.IsCode(err, types.EMBEDDING_DIMENSION_ERROR))
}

func TestAggregateDimensionMismatch(t *testing.T) {
	_, err := Aggregate([][]float64{{1, 0}, {1, 0, 0}}, nil)
	assert.True(t, types.IsCode(err, types.EMBEDDING_DIMENSION_ERROR))
}

func TestAggregateWeightCountMismatch(t *testing.T) {
	_, err := Aggregate([][]float64{{1, 0}, {0, 1}}, []float64{1})
	assert.True(t, types.IsCode(err, types.ANALYSIS_INVALID_PARAMETER))
}

func TestAggregateSingleVector(t *testing.T) {
	out, err := Aggregate([][]float64{{3, 4}}, []float64{0.7})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, out[0], 1e-12)
	assert.InDelta(t, 0.8, out[1], 1e-12)
}
