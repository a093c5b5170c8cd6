package ironmap

import (
	"fmt"
	"strings"

	"ironmap/internal/models"
	"ironmap/pkg/stats"
)

// Mode selects the temporal statistic.
type Mode int

const (
	// Median is the default; even frame counts average the two central values.
	Median Mode = iota
	Mean
)

func (m Mode) String() string {
	switch m {
	case Median:
		return "median"
	case Mean:
		return "mean"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "median" or "mean".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "median":
		return Median, nil
	case "mean":
		return Mean, nil
	}
	return Median, fmt.Errorf("unknown aggregation mode %q (must be median or mean)", s)
}

// Aggregate reduces the scaled series to one volume, taking the median or mean
// of each in-mask voxel across time. Voxels outside the mask are 0.
func Aggregate(scaled *models.Volume4D, mask *models.Mask, mode Mode) (*models.Volume3D, error) {
	var op stats.Reducer
	switch mode {
	case Median:
		op = stats.Median
	case Mean:
		op = stats.Mean
	default:
		return nil, fmt.Errorf("unknown aggregation mode %v", mode)
	}
	return stats.MaskedReduce(scaled, mask, op)
}
