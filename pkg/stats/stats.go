// Package stats provides the masked statistics and elementwise primitives
// the iron map stages are built from.
package stats

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
)

// Reducer collapses one voxel's time series to a single value.
type Reducer func(values []float64) float64

// Median calculates the median value of a slice of float64 values.
// For an even count it is the mean of the two central order statistics.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	// Create a copy to avoid modifying the original
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Mean is the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// MaskedMean returns the mean of values where mask is true and the number of
// voxels that contributed. Voxels outside the mask are ignored, not zeroed.
func MaskedMean(values []float64, mask []bool) (float64, int) {
	selected := make([]float64, 0, len(values))
	for i, in := range mask {
		if in {
			selected = append(selected, values[i])
		}
	}
	if len(selected) == 0 {
		return 0, 0
	}
	return stat.Mean(selected, nil), len(selected)
}

// MaskedReduce applies op to the time series of every in-mask voxel. Voxels
// outside the mask are 0 in the result.
func MaskedReduce(series *models.Volume4D, mask *models.Mask, op Reducer) (*models.Volume3D, error) {
	if !models.SameShape(series.Shape, mask.Shape) {
		return nil, fmt.Errorf("series %v vs mask %v: %w", series.Shape, mask.Shape, sentinel.ErrShapeMismatch)
	}

	out := models.NewVolume3D(series.Shape, series.Geometry)
	n := series.FrameSize()
	timeSeries := make([]float64, series.T)
	for i := 0; i < n; i++ {
		if !mask.Voxels[i] {
			continue
		}
		for t := 0; t < series.T; t++ {
			timeSeries[t] = series.Data[t*n+i]
		}
		out.Data[i] = op(timeSeries)
	}
	return out, nil
}

// TemporalMean averages every voxel across all frames.
func TemporalMean(series *models.Volume4D) *models.Volume3D {
	out := models.NewVolume3D(series.Shape, series.Geometry)
	for t := 0; t < series.T; t++ {
		floats.Add(out.Data, series.Frame(t))
	}
	floats.Scale(1/float64(series.T), out.Data)
	return out
}

// Elementwise applies op to every voxel. The first error aborts the operation.
func Elementwise(v *models.Volume3D, op func(i int, value float64) (float64, error)) (*models.Volume3D, error) {
	out := models.NewVolume3D(v.Shape, v.Geometry)
	for i, value := range v.Data {
		r, err := op(i, value)
		if err != nil {
			return nil, err
		}
		out.Data[i] = r
	}
	return out, nil
}

// Quantile returns the empirical p-quantile of values where mask is true.
func Quantile(p float64, values []float64, mask []bool) float64 {
	selected := make([]float64, 0, len(values))
	for i, v := range values {
		if mask == nil || mask[i] {
			selected = append(selected, v)
		}
	}
	if len(selected) == 0 {
		return 0
	}
	sort.Float64s(selected)
	return stat.Quantile(p, stat.Empirical, selected, nil)
}
