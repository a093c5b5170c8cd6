// Package ironmap implements the voxel-wise stages that turn a masked BOLD
// time series into a 1/T2* surrogate map: per-frame normalization, temporal
// aggregation and the reciprocal transform.
package ironmap

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/stats"
)

// VolumeMeans measures the masked mean of every frame. It fails when the mask
// is empty or any frame has a zero (or non-finite) masked mean, since dividing
// by it would silently produce infinities.
func VolumeMeans(subject *models.Volume4D, mask *models.Mask) ([]float64, error) {
	if !models.SameShape(subject.Shape, mask.Shape) {
		return nil, fmt.Errorf("subject %v vs mask %v: %w", subject.Shape, mask.Shape, sentinel.ErrShapeMismatch)
	}

	means := make([]float64, subject.T)
	for t := 0; t < subject.T; t++ {
		mean, n := stats.MaskedMean(subject.Frame(t), mask.Voxels)
		if n == 0 {
			return nil, fmt.Errorf("mask selects no voxels: %w", sentinel.ErrDegenerateNormalization)
		}
		if mean == 0 || math.IsNaN(mean) || math.IsInf(mean, 0) {
			return nil, fmt.Errorf("frame %d has masked mean %v: %w", t, mean, sentinel.ErrDegenerateNormalization)
		}
		means[t] = mean
	}
	return means, nil
}

// Scale divides every voxel of frame t by means[t]. Scaling covers all voxels,
// not just masked ones; masking applies only when aggregating.
func Scale(subject *models.Volume4D, means []float64) (*models.Volume4D, error) {
	if len(means) != subject.T {
		return nil, fmt.Errorf("have %d frame means for %d frames", len(means), subject.T)
	}

	out := models.NewVolume4D(subject.Shape, subject.T, subject.Geometry)
	n := subject.FrameSize()
	for t, mean := range means {
		if mean == 0 {
			return nil, fmt.Errorf("frame %d has mean 0: %w", t, sentinel.ErrDegenerateNormalization)
		}
		frame := out.Data[t*n : (t+1)*n]
		copy(frame, subject.Frame(t))
		floats.Scale(1/mean, frame)
	}
	return out, nil
}

// Normalize rescales every frame by its masked mean so that the masked mean of
// each output frame is 1.
func Normalize(subject *models.Volume4D, mask *models.Mask) (*models.Volume4D, error) {
	means, err := VolumeMeans(subject, mask)
	if err != nil {
		return nil, err
	}
	return Scale(subject, means)
}
