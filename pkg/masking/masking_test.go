package masking

import (
	"errors"
	"math"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/volume"
)

// createPhantom builds a series with a bright sphere ("brain") of the given
// radius on a dim noisy background, repeated over t frames
func createPhantom(size, t int, radius float64) *models.Volume4D {
	shape := [3]int{size, size, size}
	v := models.NewVolume4D(shape, t, volume.DefaultGeometry([3]float64{2, 2, 2}))
	center := float64(size-1) / 2
	n := v.FrameSize()
	for f := 0; f < t; f++ {
		for z := 0; z < size; z++ {
			for y := 0; y < size; y++ {
				for x := 0; x < size; x++ {
					dx, dy, dz := float64(x)-center, float64(y)-center, float64(z)-center
					i := z*size*size + y*size + x
					if math.Sqrt(dx*dx+dy*dy+dz*dz) <= radius {
						v.Data[f*n+i] = 100 + float64(f)
					} else {
						v.Data[f*n+i] = 1 + float64((x+y+z+f)%3)
					}
				}
			}
		}
	}
	return v
}

// recordingSink remembers which artifacts are currently persisted
type recordingSink struct {
	live    map[string]bool
	history []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{live: map[string]bool{}}
}

func (s *recordingSink) Persist(tag string, _ *models.Volume3D) error {
	s.live[tag] = true
	s.history = append(s.history, tag)
	return nil
}

func (s *recordingSink) PersistMask(tag string, _ *models.Mask) error {
	return s.Persist(tag, nil)
}

func (s *recordingSink) Discard(tag string) error {
	delete(s.live, tag)
	return nil
}

type failingStripper struct{}

func (failingStripper) Strip(*models.Volume3D) (*models.Volume3D, error) {
	return nil, errors.New("stripper exploded")
}

type emptyAutomasker struct{}

func (emptyAutomasker) Automask(v *models.Volume3D) (*models.Mask, error) {
	return models.NewMask(v.Shape, v.Geometry), nil
}

func TestSuppliedMask(t *testing.T) {
	subject := createPhantom(6, 2, 2)
	provider := NewProvider(failingStripper{}, emptyAutomasker{}, nil)

	t.Run("returned unchanged", func(t *testing.T) {
		supplied := models.NewMask(subject.Shape, subject.Geometry)
		supplied.Voxels[3] = true
		got, err := provider.GetMask(subject, supplied)
		require.NoError(t, err)
		assert.Same(t, supplied, got)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := provider.GetMask(subject, models.NewMask([3]int{6, 6, 5}, subject.Geometry))
		assert.ErrorIs(t, err, sentinel.ErrShapeMismatch)
	})
}

func TestNativeDerivation(t *testing.T) {
	subject := createPhantom(16, 3, 5)
	sink := newRecordingSink()
	opts := DefaultNativeOptions()
	provider := NewProvider(NewNativeSkullStripper(opts), NewNativeAutomasker(opts), nil).WithSink(sink, nil)

	mask, err := provider.GetMask(subject, nil)
	require.NoError(t, err)

	grid := newGrid(subject.Shape)
	center, _ := grid.index(8, 8, 8)
	corner, _ := grid.index(0, 0, 0)
	assert.True(t, mask.Voxels[center], "sphere center must be in the mask")
	assert.False(t, mask.Voxels[corner], "background corner must be excluded")

	// The mask stays inside the sphere and covers nearly all of it
	sphere := 0
	for i := 0; i < subject.FrameSize(); i++ {
		if subject.Data[i] >= 100 {
			sphere++
		} else {
			assert.False(t, mask.Voxels[i], "background voxel %d in mask", i)
		}
	}
	assert.LessOrEqual(t, mask.Count(), sphere)
	assert.Greater(t, mask.Count(), sphere*8/10)

	assert.Equal(t, []string{TagPreSkullStrip, TagSkullStripped, TagAutomask}, sink.history)
	assert.Equal(t, map[string]bool{TagAutomask: true}, sink.live, "precursors are discarded once the mask exists")
}

func TestDerivationFailures(t *testing.T) {
	t.Run("all zero volume", func(t *testing.T) {
		subject := models.NewVolume4D([3]int{4, 4, 4}, 2, models.Geometry{})
		opts := DefaultNativeOptions()
		sink := newRecordingSink()
		provider := NewProvider(NewNativeSkullStripper(opts), NewNativeAutomasker(opts), nil).WithSink(sink, nil)

		_, err := provider.GetMask(subject, nil)
		assert.ErrorIs(t, err, sentinel.ErrMaskDerivation)
		assert.True(t, sink.live[TagPreSkullStrip], "the mean stays for diagnostics")
	})

	t.Run("stripper error", func(t *testing.T) {
		provider := NewProvider(failingStripper{}, emptyAutomasker{}, nil)
		_, err := provider.GetMask(createPhantom(6, 2, 2), nil)
		require.ErrorIs(t, err, sentinel.ErrMaskDerivation)
		assert.Contains(t, err.Error(), "stripper exploded")
	})

	t.Run("empty automask", func(t *testing.T) {
		sink := newRecordingSink()
		provider := NewProvider(NewNativeSkullStripper(DefaultNativeOptions()), emptyAutomasker{}, nil).WithSink(sink, nil)
		_, err := provider.GetMask(createPhantom(8, 2, 3), nil)
		assert.ErrorIs(t, err, sentinel.ErrMaskDerivation)
		assert.True(t, sink.live[TagSkullStripped])
		assert.False(t, sink.live[TagAutomask])
	})

	t.Run("no backend", func(t *testing.T) {
		provider := NewProvider(nil, nil, nil)
		_, err := provider.GetMask(createPhantom(6, 1, 2), nil)
		assert.ErrorIs(t, err, sentinel.ErrMaskDerivation)
	})
}

func TestNativeStripSmallVolume(t *testing.T) {
	// A 2x2x2 volume cannot survive erosion; stripping falls back to the raw foreground
	v := models.NewVolume3D([3]int{2, 2, 2}, models.Geometry{})
	for i := range v.Data {
		v.Data[i] = 10
	}
	out, err := NewNativeSkullStripper(DefaultNativeOptions()).Strip(v)
	require.NoError(t, err)
	assert.Equal(t, v.Data, out.Data)
}

func TestOtsuThreshold(t *testing.T) {
	level, ok := otsuThreshold([]float64{0, 2, 2, 2, 2, 2, 2, 100, 100}, 256)
	require.True(t, ok)
	assert.Greater(t, level, 2.0)
	assert.LessOrEqual(t, level, 100.0)

	_, ok = otsuThreshold([]float64{0, -1, 0}, 256)
	assert.False(t, ok)

	level, ok = otsuThreshold([]float64{5, 5, 5}, 256)
	require.True(t, ok)
	assert.Equal(t, 5.0, level)
}

func TestMorphology(t *testing.T) {
	g := newGrid([3]int{5, 5, 5})
	solid := make([]bool, 125)
	for i := range solid {
		solid[i] = true
	}

	eroded := erode(g, solid)
	assert.Equal(t, 27, countSet(eroded), "one voxel layer is removed from each face")
	// A 6-connected dilation of the 3x3x3 core adds one 3x3 patch per face
	assert.Equal(t, 81, countSet(dilate(g, eroded, nil)))
	assert.Equal(t, 27, countSet(dilate(g, eroded, eroded)), "dilation never leaves its limit")

	// Hollow shell: filling restores the inside
	shell := make([]bool, 125)
	for i := range shell {
		shell[i] = solid[i] && !eroded[i]
	}
	assert.Equal(t, 125, countSet(fillHoles(g, shell)))

	// Two components of different size
	two := make([]bool, 125)
	a, _ := g.index(0, 0, 0)
	b1, _ := g.index(4, 4, 4)
	b2, _ := g.index(4, 4, 3)
	two[a], two[b1], two[b2] = true, true, true
	largest := largestComponent(g, two)
	assert.Equal(t, 2, countSet(largest))
	assert.False(t, largest[a])
}

func TestAFNIBackend(t *testing.T) {
	store := volume.NewStore(nil)

	t.Run("missing binary", func(t *testing.T) {
		opts := AFNIOptions{SkullStrip: filepath.Join(t.TempDir(), "no-such-3dSkullStrip"), WorkDir: t.TempDir()}
		_, err := NewAFNISkullStripper(opts, store, nil).Strip(createPhantom(6, 1, 2).FrameVolume(0))
		assert.ErrorIs(t, err, sentinel.ErrMaskDerivation)
	})

	t.Run("installed", func(t *testing.T) {
		if _, err := exec.LookPath("3dAutomask"); err != nil {
			t.Skip("AFNI not installed")
		}
		mask, err := NewAFNIAutomasker(AFNIOptions{WorkDir: t.TempDir()}, store, nil).Automask(createPhantom(16, 1, 5).FrameVolume(0))
		require.NoError(t, err)
		assert.Greater(t, mask.Count(), 0)
	})
}

func TestNewBackend(t *testing.T) {
	s, a, err := NewBackend("", NativeOptions{}, AFNIOptions{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &NativeSkullStripper{}, s)
	assert.IsType(t, &NativeAutomasker{}, a)

	s, _, err = NewBackend("AFNI", NativeOptions{}, AFNIOptions{}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &AFNISkullStripper{}, s)

	_, _, err = NewBackend("fsl", NativeOptions{}, AFNIOptions{}, nil, nil)
	assert.Error(t, err)
}
