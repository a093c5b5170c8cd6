// Package visualization writes quality-control images of derived maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"ironmap/internal/models"
	"ironmap/pkg/stats"
)

// Viewer renders 2D slices of a volume as 16-bit grayscale images.
type Viewer struct {
	volume *models.Volume3D

	// intensity window mapped onto the full gray range
	low  float64
	high float64
}

// NewViewer creates a viewer windowed to the full data range of v.
func NewViewer(v *models.Volume3D) *Viewer {
	low, high := math.Inf(1), math.Inf(-1)
	for _, value := range v.Data {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		low = math.Min(low, value)
		high = math.Max(high, value)
	}
	if low > high {
		low, high = 0, 0
	}
	return &Viewer{volume: v, low: low, high: high}
}

// SetWindow sets the intensity window explicitly.
func (v *Viewer) SetWindow(low, high float64) error {
	if math.IsNaN(low) || math.IsNaN(high) || high < low {
		return fmt.Errorf("invalid window [%g, %g]", low, high)
	}
	v.low, v.high = low, high
	return nil
}

// WindowToMask windows the viewer between the lower and upper quantiles of
// the in-mask voxels, so outliers at the brain edge don't wash out contrast.
func (v *Viewer) WindowToMask(mask *models.Mask, lower, upper float64) error {
	var voxels []bool
	if mask != nil {
		if !models.SameShape(mask.Shape, v.volume.Shape) {
			return fmt.Errorf("mask shape %v does not match volume shape %v", mask.Shape, v.volume.Shape)
		}
		voxels = mask.Voxels
	}
	return v.SetWindow(
		stats.Quantile(lower, v.volume.Data, voxels),
		stats.Quantile(upper, v.volume.Data, voxels),
	)
}

// Window returns the current intensity window.
func (v *Viewer) Window() (float64, float64) {
	return v.low, v.high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low || math.IsNaN(value) {
		if value > v.high {
			return color.Gray16{Y: 65535}
		}
		return color.Gray16{Y: 0}
	}
	scaled := (value - v.low) / (v.high - v.low) * 65535
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(scaled))))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Image rows run from high to low voxel coordinates so superior and anterior
// end up at the top.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	nx, ny, nz := v.volume.Shape[0], v.volume.Shape[1], v.volume.Shape[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// Sagittal: columns along y, rows along z
		if position >= nx {
			return nil, fmt.Errorf("position %d exceeds x extent %d", position, nx)
		}
		img = image.NewGray16(image.Rect(0, 0, ny, nz))
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				img.SetGray16(y, nz-1-z, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Coronal: columns along x, rows along z
		if position >= ny {
			return nil, fmt.Errorf("position %d exceeds y extent %d", position, ny)
		}
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, nz-1-z, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Axial: columns along x, rows along y
		if position >= nz {
			return nil, fmt.Errorf("position %d exceeds z extent %d", position, nz)
		}
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, ny-1-y, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// and returns the written file names.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Shape[0]
	case "y", "Y":
		maxPos = v.volume.Shape[1]
	case "z", "Z":
		maxPos = v.volume.Shape[2]
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	files := make([]string, 0, maxPos)
	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	return files, nil
}
