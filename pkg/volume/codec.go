package volume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
)

// image is a decoded NIfTI-1 file.
type image struct {
	shape    [3]int
	t        int
	data     []float64
	geometry models.Geometry
}

// decode parses a complete single-file NIfTI-1 image.
func decode(b []byte) (*image, error) {
	h, order, err := readHeader(b)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(h); err != nil {
		return nil, err
	}
	geom, err := h.geometry()
	if err != nil {
		return nil, err
	}

	shape, t := h.shape()
	nvox := models.NumVoxels(shape) * t
	bpp := bytesPerVoxel(h.DataType)

	voxOffset := float64(h.VoxOffset)
	if math.IsNaN(voxOffset) || math.IsInf(voxOffset, 0) || voxOffset < 0 || voxOffset > float64(len(b)) {
		return nil, fmt.Errorf("vox_offset %g outside a file of %d bytes: %w", voxOffset, len(b), sentinel.ErrIO)
	}
	offset := headerSize
	if int(voxOffset) > offset {
		offset = int(voxOffset)
	}
	// Compare in voxels so huge dimensions can't overflow the byte count
	if offset > len(b) || nvox > (len(b)-offset)/bpp {
		return nil, fmt.Errorf("truncated image data: need %d voxels after offset %d, have %d bytes: %w",
			nvox, offset, max(len(b)-offset, 0), sentinel.ErrIO)
	}

	data := decodeValues(b[offset:offset+nvox*bpp], h.DataType, order, nvox)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && !math.IsInf(slope, 0) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &image{shape: shape, t: t, data: data, geometry: geom}, nil
}

// decodeValues promotes raw voxel values of any supported datatype to float64.
func decodeValues(raw []byte, dataType int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch dataType {
	case dtUint8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case dtInt8:
		for i := range out {
			out[i] = float64(int8(raw[i]))
		}
	case dtInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case dtUint16:
		for i := range out {
			out[i] = float64(order.Uint16(raw[2*i:]))
		}
	case dtInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case dtUint32:
		for i := range out {
			out[i] = float64(order.Uint32(raw[4*i:]))
		}
	case dtFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case dtFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	}
	return out
}

// encode writes a little endian single-file NIfTI-1 image.
func encode(w io.Writer, shape [3]int, t int, data []float64, dataType int16, geom models.Geometry) error {
	h := newHeader(shape, t, dataType, geom)

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &h); err != nil {
		return err
	}
	// Extension flag: no extensions follow.
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 8)
	for _, v := range data {
		var n int
		switch dataType {
		case dtUint8:
			buf[0] = uint8(math.Max(0, math.Min(255, math.Round(v))))
			n = 1
		case dtFloat32:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
			n = 4
		case dtFloat64:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			n = 8
		default:
			return fmt.Errorf("cannot encode datatype %d", dataType)
		}
		if _, err := bw.Write(buf[:n]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
