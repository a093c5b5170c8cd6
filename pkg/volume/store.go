// Package volume loads and saves 3D and 4D volumes as NIfTI-1 files.
// It is the only package that reads or writes volumetric files; writes are
// atomic so a crash never leaves a partial file at the target path.
package volume

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
)

// Store reads and writes volumes.
type Store struct {
	logger log.FieldLogger
}

// NewStore creates a store. A nil logger uses the logrus standard logger.
func NewStore(logger log.FieldLogger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{logger: logger}
}

// Load reads a 3D or 4D volume. A 3D file loads as a single-frame series.
func (s *Store) Load(path string) (*models.Volume4D, error) {
	img, err := s.read(path)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(log.Fields{
		"path":   path,
		"shape":  img.shape,
		"frames": img.t,
	}).Debug("Loaded volume")
	return &models.Volume4D{Shape: img.shape, T: img.t, Data: img.data, Geometry: img.geometry}, nil
}

// Load3D reads a volume that must have exactly one frame.
func (s *Store) Load3D(path string) (*models.Volume3D, error) {
	img, err := s.read(path)
	if err != nil {
		return nil, err
	}
	if img.t != 1 {
		return nil, fmt.Errorf("%s: expected a 3D volume, found %d frames: %w", path, img.t, sentinel.ErrFormat)
	}
	return &models.Volume3D{Shape: img.shape, Data: img.data, Geometry: img.geometry}, nil
}

// LoadMask reads a 3D volume and marks every nonzero voxel.
func (s *Store) LoadMask(path string) (*models.Mask, error) {
	v, err := s.Load3D(path)
	if err != nil {
		return nil, err
	}
	return models.MaskFromVolume(v), nil
}

// Save3D writes a volume as float32.
func (s *Store) Save3D(v *models.Volume3D, path string) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, sentinel.ErrIO)
	}
	return s.write(path, func(w io.Writer) error {
		return encode(w, v.Shape, 1, v.Data, dtFloat32, v.Geometry)
	})
}

// Save4D writes a time series as float32.
func (s *Store) Save4D(v *models.Volume4D, path string) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, sentinel.ErrIO)
	}
	return s.write(path, func(w io.Writer) error {
		return encode(w, v.Shape, v.T, v.Data, dtFloat32, v.Geometry)
	})
}

// SaveMask writes a mask as uint8 zeros and ones.
func (s *Store) SaveMask(m *models.Mask, path string) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, sentinel.ErrIO)
	}
	v := m.Volume()
	return s.write(path, func(w io.Writer) error {
		return encode(w, v.Shape, 1, v.Data, dtUint8, v.Geometry)
	})
}

func (s *Store) read(path string) (*image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %v: %w", path, err, sentinel.ErrIO)
	}

	if isGzipped(raw) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream %s: %v: %w", path, err, sentinel.ErrIO)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %v: %w", path, err, sentinel.ErrIO)
		}
	}

	img, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// write streams a file to a temporary sibling and renames it into place.
func (s *Store) write(path string, fill func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %v: %w", dir, err, sentinel.ErrIO)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %v: %w", path, err, sentinel.ErrIO)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if IsCompressed(path) {
		zw := gzip.NewWriter(bw)
		if err := fill(zw); err != nil {
			return fmt.Errorf("writing %s: %v: %w", path, err, sentinel.ErrIO)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing %s: %v: %w", path, err, sentinel.ErrIO)
		}
	} else if err := fill(bw); err != nil {
		return fmt.Errorf("writing %s: %v: %w", path, err, sentinel.ErrIO)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing %s: %v: %w", path, err, sentinel.ErrIO)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %v: %w", path, err, sentinel.ErrIO)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %v: %w", path, err, sentinel.ErrIO)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %v: %w", path, err, sentinel.ErrIO)
	}

	s.logger.WithField("path", path).Debug("Saved volume")
	return nil
}

func isGzipped(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// IsCompressed reports whether path names a gzip compressed image.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// SplitName splits an image path into directory, base name and extension,
// treating ".nii.gz" as a single extension. Unknown extensions default to ".nii".
func SplitName(path string) (dir, base, ext string) {
	dir = filepath.Dir(path)
	name := filepath.Base(path)
	lower := strings.ToLower(name)
	for _, e := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(lower, e) {
			return dir, name[:len(name)-len(e)], name[len(name)-len(e):]
		}
	}
	if e := filepath.Ext(name); e != "" {
		return dir, strings.TrimSuffix(name, e), ".nii"
	}
	return dir, name, ".nii"
}
