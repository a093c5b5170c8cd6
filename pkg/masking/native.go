package masking

import (
	"fmt"
	"math"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
)

// NativeOptions tunes the built-in skull stripping and automask backend.
type NativeOptions struct {
	// ThresholdScale multiplies the Otsu threshold; below 1 keeps more tissue
	ThresholdScale float64

	// ErodeIterations detaches thin structures (skull, eyes) from the brain
	// before the largest component is kept. Skipped when it would empty the mask.
	ErodeIterations int

	// HistogramBins is the resolution of the Otsu histogram
	HistogramBins int
}

// DefaultNativeOptions returns the settings used when none are configured.
func DefaultNativeOptions() NativeOptions {
	return NativeOptions{ThresholdScale: 1.0, ErodeIterations: 1, HistogramBins: 256}
}

// NativeSkullStripper strips non-brain voxels by thresholding, opening and
// keeping the largest connected component.
type NativeSkullStripper struct {
	opts NativeOptions
}

// NativeAutomasker thresholds a stripped volume into a hole-free brain mask.
type NativeAutomasker struct {
	opts NativeOptions
}

// NewNativeSkullStripper creates the built-in stripper.
func NewNativeSkullStripper(opts NativeOptions) *NativeSkullStripper {
	return &NativeSkullStripper{opts: withDefaults(opts)}
}

// NewNativeAutomasker creates the built-in automasker.
func NewNativeAutomasker(opts NativeOptions) *NativeAutomasker {
	return &NativeAutomasker{opts: withDefaults(opts)}
}

func withDefaults(opts NativeOptions) NativeOptions {
	def := DefaultNativeOptions()
	if opts.ThresholdScale <= 0 {
		opts.ThresholdScale = def.ThresholdScale
	}
	if opts.HistogramBins < 2 {
		opts.HistogramBins = def.HistogramBins
	}
	if opts.ErodeIterations < 0 {
		opts.ErodeIterations = 0
	}
	return opts
}

// Strip zeroes every voxel outside the detected brain.
func (s *NativeSkullStripper) Strip(v *models.Volume3D) (*models.Volume3D, error) {
	fg, err := foreground(v, s.opts)
	if err != nil {
		return nil, err
	}
	g := newGrid(v.Shape)

	opened := fg
	for i := 0; i < s.opts.ErodeIterations; i++ {
		opened = erode(g, opened)
	}
	eroded := s.opts.ErodeIterations > 0 && countSet(opened) > 0
	if !eroded {
		// Too small to erode, work on the raw foreground
		opened = fg
	}

	brain := largestComponent(g, opened)
	if eroded {
		for i := 0; i < s.opts.ErodeIterations; i++ {
			brain = dilate(g, brain, fg)
		}
	}
	brain = fillHoles(g, brain)

	out := v.Clone()
	for i, in := range brain {
		if !in {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// Automask returns the largest thresholded component with holes filled.
func (a *NativeAutomasker) Automask(v *models.Volume3D) (*models.Mask, error) {
	fg, err := foreground(v, a.opts)
	if err != nil {
		return nil, err
	}
	g := newGrid(v.Shape)

	mask := models.NewMask(v.Shape, v.Geometry)
	mask.Voxels = fillHoles(g, largestComponent(g, fg))
	if mask.Count() == 0 {
		return nil, fmt.Errorf("automask selected no voxels: %w", sentinel.ErrMaskDerivation)
	}
	return mask, nil
}

// foreground marks the voxels at or above the scaled Otsu threshold of the
// positive, finite voxel values.
func foreground(v *models.Volume3D, opts NativeOptions) ([]bool, error) {
	level, ok := otsuThreshold(v.Data, opts.HistogramBins)
	if !ok {
		return nil, fmt.Errorf("volume has no positive voxels: %w", sentinel.ErrMaskDerivation)
	}
	level *= opts.ThresholdScale

	fg := make([]bool, len(v.Data))
	for i, val := range v.Data {
		fg[i] = val > 0 && val >= level
	}
	if countSet(fg) == 0 {
		return nil, fmt.Errorf("no voxels above threshold %g: %w", level, sentinel.ErrMaskDerivation)
	}
	return fg, nil
}

// otsuThreshold returns the level that maximizes the between-class variance
// of the positive values. A constant volume thresholds at its value.
func otsuThreshold(data []float64, bins int) (float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for _, v := range data {
		if v > 0 && !math.IsInf(v, 0) {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	if hi == lo {
		return lo, true
	}

	width := (hi - lo) / float64(bins)
	hist := make([]float64, bins)
	for _, v := range data {
		if v > 0 && !math.IsInf(v, 0) {
			b := int((v - lo) / width)
			if b >= bins {
				b = bins - 1
			}
			hist[b]++
		}
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i) * c
	}

	var sumB, weightB, best float64
	split := 0
	total := float64(n)
	for i, c := range hist {
		weightB += c
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(i) * c
		meanB := sumB / weightB
		meanF := (sum - sumB) / weightF
		between := weightB * weightF * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			split = i
		}
	}
	return lo + float64(split+1)*width, true
}
