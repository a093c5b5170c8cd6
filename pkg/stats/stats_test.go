package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
)

func TestMedian(t *testing.T) {
	cases := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{4}, 4},
		{"odd sorted", []float64{1, 2, 9}, 2},
		{"odd unsorted", []float64{9, 1, 2}, 2},
		// Even count: mean of the two central order statistics
		{"even", []float64{1, 2, 3, 10}, 2.5},
		{"even unsorted", []float64{10, 3, 1, 2}, 2.5},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Median(c.values))
		})
	}

	values := []float64{3, 1, 2}
	Median(values)
	assert.Equal(t, []float64{3, 1, 2}, values, "input must not be reordered")
}

func TestMaskedMean(t *testing.T) {
	values := []float64{1, 100, 3, 100}
	mask := []bool{true, false, true, false}

	mean, n := MaskedMean(values, mask)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 2.0, mean, 1e-12)

	mean, n = MaskedMean(values, []bool{false, false, false, false})
	assert.Equal(t, 0, n)
	assert.Equal(t, 0.0, mean)
}

func TestMaskedReduce(t *testing.T) {
	series := models.NewVolume4D([3]int{2, 1, 1}, 4, models.Geometry{})
	// voxel 0: 4, 1, 3, 2   voxel 1: 7, 7, 7, 7
	copy(series.Data, []float64{4, 7, 1, 7, 3, 7, 2, 7})
	mask := models.NewMask([3]int{2, 1, 1}, models.Geometry{})
	mask.Voxels[0] = true

	out, err := MaskedReduce(series, mask, Median)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 0}, out.Data)

	out, err = MaskedReduce(series, mask, Mean)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 0}, out.Data)

	_, err = MaskedReduce(series, models.NewMask([3]int{1, 2, 1}, models.Geometry{}), Mean)
	assert.ErrorIs(t, err, sentinel.ErrShapeMismatch)
}

func TestTemporalMean(t *testing.T) {
	series := models.NewVolume4D([3]int{1, 1, 2}, 3, models.Geometry{})
	copy(series.Data, []float64{1, 10, 2, 20, 3, 30})

	out := TemporalMean(series)
	assert.InDeltaSlice(t, []float64{2, 20}, out.Data, 1e-12)
}

func TestQuantile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3, 100}
	mask := []bool{true, true, true, true, true, false}
	assert.Equal(t, 5.0, Quantile(1, values, mask))
	assert.Equal(t, 1.0, Quantile(0, values, mask))
	assert.Equal(t, 100.0, Quantile(1, values, nil))
}
