package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
)

// Header is the on-disk NIfTI-1 header.
//
// Type translation from the nifti1 C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  uint8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]byte // Unused
	UnusedDbName       [18]byte // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      uint8    // Unused
	DimInfo            uint8    // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     uint8      // Slice timing order
	XYZTUnits     uint8      // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]byte // Any text you like
	AuxFile [24]byte // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]byte // 'name' or meaning of data

	Magic [4]byte // Must be "n+1\0"
}

const (
	minHeaderSize = 348
	headerSize    = 352 // header plus the 4 byte extension flag
)

// NIfTI datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// xformScannerAnat is NIFTI_XFORM_SCANNER_ANAT.
const xformScannerAnat = 1

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// bytesPerVoxel returns the storage size of a datatype, or 0 if unsupported.
func bytesPerVoxel(dataType int16) int {
	switch dataType {
	case dtUint8, dtInt8:
		return 1
	case dtInt16, dtUint16:
		return 2
	case dtInt32, dtUint32, dtFloat32:
		return 4
	case dtFloat64:
		return 8
	}
	return 0
}

// readHeader decodes the header and returns the byte order of the file.
// The order is inferred from sizeof_hdr, which must read as 348.
func readHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < minHeaderSize {
		return Header{}, nil, fmt.Errorf("file too short for a NIfTI-1 header (%d bytes): %w", len(b), sentinel.ErrIO)
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var h Header
		if err := binary.Read(bytes.NewReader(b[:minHeaderSize]), order, &h); err != nil {
			return Header{}, nil, fmt.Errorf("decoding header: %v: %w", err, sentinel.ErrIO)
		}
		if h.SizeOfHdr == minHeaderSize {
			return h, order, nil
		}
	}
	return Header{}, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is not 348: %w", sentinel.ErrIO)
}

// validateHeader checks the structural fields needed to locate and decode the data.
func validateHeader(h Header) error {
	switch {
	case h.Magic != singleFileMagic:
		return fmt.Errorf("invalid file magic %q, header and data must share one file: %w", h.Magic[:3], sentinel.ErrIO)
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("dim[0]=%d not in range [1, 7]: %w", h.Dim[0], sentinel.ErrIO)
	case bytesPerVoxel(h.DataType) == 0:
		return fmt.Errorf("unsupported datatype %d: %w", h.DataType, sentinel.ErrIO)
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dim[%d]=%d must be positive: %w", i, h.Dim[i], sentinel.ErrIO)
		}
	}
	for i := 5; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] > 1 {
			return fmt.Errorf("dim[%d]=%d: only 3D and 4D images are supported: %w", i, h.Dim[i], sentinel.ErrIO)
		}
	}
	return nil
}

// shape returns the spatial shape and number of frames.
func (h Header) shape() ([3]int, int) {
	var s [3]int
	for i := 0; i < 3; i++ {
		s[i] = 1
		if int(h.Dim[0]) > i {
			s[i] = int(h.Dim[i+1])
		}
	}
	t := 1
	if h.Dim[0] >= 4 {
		t = int(h.Dim[4])
	}
	return s, t
}

// geometry extracts and validates the spatial metadata.
func (h Header) geometry() (models.Geometry, error) {
	var g models.Geometry
	if h.QFormCode <= 0 && h.SFormCode <= 0 {
		return g, fmt.Errorf("no qform or sform transform: %w", sentinel.ErrFormat)
	}

	for i := 0; i < 3; i++ {
		d := float64(h.PixDim[i+1])
		if !(d > 0) || math.IsInf(d, 0) {
			return g, fmt.Errorf("pixdim[%d]=%v must be positive and finite: %w", i+1, d, sentinel.ErrFormat)
		}
		g.VoxelSize[i] = d
	}

	g.QFormCode = int(h.QFormCode)
	g.SFormCode = int(h.SFormCode)
	g.Quatern = [6]float64{
		float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD),
		float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ),
	}
	g.QFac = 1
	if h.PixDim[0] < 0 {
		g.QFac = -1
	}
	g.XYZTUnits = h.XYZTUnits
	g.RepetitionTime = float64(h.PixDim[4])

	if h.SFormCode > 0 {
		rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
		for i := range rows {
			for j := range rows[i] {
				g.Affine[i][j] = float64(rows[i][j])
			}
		}
		g.Affine[3][3] = 1
	} else {
		g.Affine = quaternToAffine(g.Quatern, g.VoxelSize, g.QFac)
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(g.Affine[i][j]) || math.IsInf(g.Affine[i][j], 0) {
				return g, fmt.Errorf("affine contains non-finite values: %w", sentinel.ErrFormat)
			}
		}
	}
	if det3(g.Affine) == 0 {
		return g, fmt.Errorf("affine is singular: %w", sentinel.ErrFormat)
	}
	return g, nil
}

// quaternToAffine builds the qform matrix from quaternion parameters.
func quaternToAffine(q [6]float64, voxel [3]float64, qfac float64) [4][4]float64 {
	b, c, d := q[0], q[1], q[2]
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b *= a
		c *= a
		d *= a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	xd, yd, zd := voxel[0], voxel[1], voxel[2]
	if qfac < 0 {
		zd = -zd
	}

	var m [4][4]float64
	m[0][0] = (a*a + b*b - c*c - d*d) * xd
	m[0][1] = 2 * (b*c - a*d) * yd
	m[0][2] = 2 * (b*d + a*c) * zd
	m[1][0] = 2 * (b*c + a*d) * xd
	m[1][1] = (a*a + c*c - b*b - d*d) * yd
	m[1][2] = 2 * (c*d - a*b) * zd
	m[2][0] = 2 * (b*d - a*c) * xd
	m[2][1] = 2 * (c*d + a*b) * yd
	m[2][2] = (a*a + d*d - c*c - b*b) * zd
	m[0][3], m[1][3], m[2][3] = q[3], q[4], q[5]
	m[3][3] = 1
	return m
}

func det3(m [4][4]float64) float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// DefaultGeometry returns a scanner-anatomical geometry with a diagonal
// affine for the given voxel size.
func DefaultGeometry(voxel [3]float64) models.Geometry {
	g := models.Geometry{
		VoxelSize: voxel,
		QFormCode: xformScannerAnat,
		SFormCode: xformScannerAnat,
		QFac:      1,
	}
	g.Affine[0][0] = voxel[0]
	g.Affine[1][1] = voxel[1]
	g.Affine[2][2] = voxel[2]
	g.Affine[3][3] = 1
	return g
}

// newHeader builds the header written for a volume of the given shape.
func newHeader(shape [3]int, t int, dataType int16, g models.Geometry) Header {
	if g.QFormCode <= 0 && g.SFormCode <= 0 {
		voxel := g.VoxelSize
		for i := range voxel {
			if !(voxel[i] > 0) {
				voxel[i] = 1
			}
		}
		tr := g.RepetitionTime
		g = DefaultGeometry(voxel)
		g.RepetitionTime = tr
	}

	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  dataType,
		BitPix:    int16(8 * bytesPerVoxel(dataType)),
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: g.XYZTUnits,
		QFormCode: int16(g.QFormCode),
		SFormCode: int16(g.SFormCode),
		QuaternB:  float32(g.Quatern[0]),
		QuaternC:  float32(g.Quatern[1]),
		QuaternD:  float32(g.Quatern[2]),
		QOffsetX:  float32(g.Quatern[3]),
		QOffsetY:  float32(g.Quatern[4]),
		QOffsetZ:  float32(g.Quatern[5]),
		Magic:     singleFileMagic,
	}
	copy(h.Descrip[:], "ironmap")

	h.Dim[0] = 3
	h.Dim[1], h.Dim[2], h.Dim[3] = int16(shape[0]), int16(shape[1]), int16(shape[2])
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	if t > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(t)
	}

	h.PixDim[0] = 1
	if g.QFac < 0 {
		h.PixDim[0] = -1
	}
	for i := 0; i < 3; i++ {
		h.PixDim[i+1] = float32(g.VoxelSize[i])
	}
	h.PixDim[4] = float32(g.RepetitionTime)

	for j := 0; j < 4; j++ {
		h.SRowX[j] = float32(g.Affine[0][j])
		h.SRowY[j] = float32(g.Affine[1][j])
		h.SRowZ[j] = float32(g.Affine[2][j])
	}
	return h
}
