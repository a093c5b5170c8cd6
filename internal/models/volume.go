package models

import (
	"fmt"
)

// Geometry holds the spatial metadata a volume needs to be written back
// as a spatially valid file. Derived volumes inherit it from their subject.
type Geometry struct {
	// Affine maps voxel indices (i, j, k, 1) to world coordinates in mm
	Affine [4][4]float64

	// VoxelSize is the physical size of each voxel along x, y and z
	VoxelSize [3]float64

	// QFormCode and SFormCode are the NIfTI xform codes of the source file
	QFormCode int
	SFormCode int

	// Quatern holds quatern_b, quatern_c, quatern_d, qoffset_x, qoffset_y, qoffset_z
	Quatern [6]float64

	// QFac is the qfac sign stored in pixdim[0] (+1 or -1)
	QFac float64

	// XYZTUnits is the raw NIfTI units byte
	XYZTUnits uint8

	// RepetitionTime is pixdim[4], the time between frames
	RepetitionTime float64
}

// Volume3D represents a dense 3D voxel array. Data is stored as a 1D array
// with x varying fastest, then y, then z.
type Volume3D struct {
	// Shape is the number of voxels along x, y and z
	Shape [3]int

	// Data is the voxel intensities
	Data []float64

	// Geometry is the spatial metadata
	Geometry Geometry
}

// Volume4D is an ordered sequence of T frames sharing shape and geometry.
// Frames are stored back to back in Data.
type Volume4D struct {
	Shape    [3]int
	T        int
	Data     []float64
	Geometry Geometry
}

// Mask marks the voxels that take part in masked statistics.
type Mask struct {
	Shape    [3]int
	Voxels   []bool
	Geometry Geometry
}

// NumVoxels returns the number of voxels in a volume of the given shape.
func NumVoxels(shape [3]int) int {
	return shape[0] * shape[1] * shape[2]
}

// NewVolume3D allocates a zero-filled volume.
func NewVolume3D(shape [3]int, geom Geometry) *Volume3D {
	return &Volume3D{
		Shape:    shape,
		Data:     make([]float64, NumVoxels(shape)),
		Geometry: geom,
	}
}

// NewVolume4D allocates a zero-filled time series of t frames.
func NewVolume4D(shape [3]int, t int, geom Geometry) *Volume4D {
	return &Volume4D{
		Shape:    shape,
		T:        t,
		Data:     make([]float64, NumVoxels(shape)*t),
		Geometry: geom,
	}
}

// NewMask allocates an empty mask.
func NewMask(shape [3]int, geom Geometry) *Mask {
	return &Mask{
		Shape:    shape,
		Voxels:   make([]bool, NumVoxels(shape)),
		Geometry: geom,
	}
}

// Index returns the flat index of voxel (x, y, z).
func (v *Volume3D) Index(x, y, z int) int {
	return z*v.Shape[0]*v.Shape[1] + y*v.Shape[0] + x
}

// At returns the value at voxel (x, y, z).
func (v *Volume3D) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Clone returns a deep copy of the volume.
func (v *Volume3D) Clone() *Volume3D {
	data := make([]float64, len(v.Data))
	copy(data, v.Data)
	return &Volume3D{Shape: v.Shape, Data: data, Geometry: v.Geometry}
}

// Validate checks that Data matches Shape.
func (v *Volume3D) Validate() error {
	n := NumVoxels(v.Shape)
	if n <= 0 {
		return fmt.Errorf("invalid shape %v", v.Shape)
	}
	if len(v.Data) != n {
		return fmt.Errorf("shape %v needs %d voxels, have %d", v.Shape, n, len(v.Data))
	}
	return nil
}

// FrameSize returns the number of voxels in one frame.
func (v *Volume4D) FrameSize() int {
	return NumVoxels(v.Shape)
}

// Frame returns frame t as a view into Data. Callers must not modify it.
func (v *Volume4D) Frame(t int) []float64 {
	n := v.FrameSize()
	return v.Data[t*n : (t+1)*n]
}

// FrameVolume copies frame t into a standalone Volume3D.
func (v *Volume4D) FrameVolume(t int) *Volume3D {
	out := NewVolume3D(v.Shape, v.Geometry)
	copy(out.Data, v.Frame(t))
	return out
}

// Validate checks T and that Data matches Shape and T.
func (v *Volume4D) Validate() error {
	if v.T < 1 {
		return fmt.Errorf("time series needs at least one frame, have %d", v.T)
	}
	n := NumVoxels(v.Shape)
	if n <= 0 {
		return fmt.Errorf("invalid shape %v", v.Shape)
	}
	if len(v.Data) != n*v.T {
		return fmt.Errorf("shape %v x %d frames needs %d voxels, have %d", v.Shape, v.T, n*v.T, len(v.Data))
	}
	return nil
}

// Count returns the number of voxels in the mask.
func (m *Mask) Count() int {
	n := 0
	for _, in := range m.Voxels {
		if in {
			n++
		}
	}
	return n
}

// Validate checks that Voxels matches Shape.
func (m *Mask) Validate() error {
	n := NumVoxels(m.Shape)
	if n <= 0 {
		return fmt.Errorf("invalid shape %v", m.Shape)
	}
	if len(m.Voxels) != n {
		return fmt.Errorf("shape %v needs %d voxels, have %d", m.Shape, n, len(m.Voxels))
	}
	return nil
}

// Volume converts the mask to a 0/1 valued volume for saving.
func (m *Mask) Volume() *Volume3D {
	out := NewVolume3D(m.Shape, m.Geometry)
	for i, in := range m.Voxels {
		if in {
			out.Data[i] = 1
		}
	}
	return out
}

// MaskFromVolume marks every nonzero voxel of v.
func MaskFromVolume(v *Volume3D) *Mask {
	m := NewMask(v.Shape, v.Geometry)
	for i, val := range v.Data {
		m.Voxels[i] = val != 0
	}
	return m
}

// SameShape reports whether two spatial shapes are identical.
func SameShape(a, b [3]int) bool {
	return a == b
}
