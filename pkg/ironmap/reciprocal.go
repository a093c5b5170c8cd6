package ironmap

import (
	"fmt"
	"strings"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/stats"
)

// ZeroPolicy decides what the reciprocal does with zero voxels.
type ZeroPolicy int

const (
	// ZeroMaskedPassThrough keeps zeros outside the mask at 0 and fails on a
	// zero inside it. With no mask every zero passes through.
	ZeroMaskedPassThrough ZeroPolicy = iota
	// ZeroFail fails on any zero voxel.
	ZeroFail
)

func (p ZeroPolicy) String() string {
	switch p {
	case ZeroMaskedPassThrough:
		return "passthrough"
	case ZeroFail:
		return "fail"
	}
	return fmt.Sprintf("ZeroPolicy(%d)", int(p))
}

// ParseZeroPolicy accepts "passthrough" or "fail".
func ParseZeroPolicy(s string) (ZeroPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passthrough":
		return ZeroMaskedPassThrough, nil
	case "fail":
		return ZeroFail, nil
	}
	return ZeroMaskedPassThrough, fmt.Errorf("unknown zero policy %q (must be passthrough or fail)", s)
}

// Invert computes 1/v for every voxel under the given zero policy.
func Invert(aggregated *models.Volume3D, mask *models.Mask, policy ZeroPolicy) (*models.Volume3D, error) {
	if mask != nil && !models.SameShape(aggregated.Shape, mask.Shape) {
		return nil, fmt.Errorf("volume %v vs mask %v: %w", aggregated.Shape, mask.Shape, sentinel.ErrShapeMismatch)
	}

	return stats.Elementwise(aggregated, func(i int, v float64) (float64, error) {
		if v != 0 {
			return 1 / v, nil
		}
		if policy == ZeroMaskedPassThrough && (mask == nil || !mask.Voxels[i]) {
			return 0, nil
		}
		x, y, z := voxelCoords(aggregated.Shape, i)
		return 0, fmt.Errorf("zero voxel at (%d, %d, %d): %w", x, y, z, sentinel.ErrDivisionByZero)
	})
}

func voxelCoords(shape [3]int, i int) (int, int, int) {
	x := i % shape[0]
	y := (i / shape[0]) % shape[1]
	z := i / (shape[0] * shape[1])
	return x, y, z
}
