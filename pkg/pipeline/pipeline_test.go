package pipeline

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ironmap/internal/models"
	"ironmap/pkg/ironmap"
	"ironmap/pkg/masking"
	"ironmap/pkg/metrics"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/volume"
)

// createSeries builds a 4D series from per-frame voxel values
func createSeries(shape [3]int, frames ...[]float64) *models.Volume4D {
	v := models.NewVolume4D(shape, len(frames), volume.DefaultGeometry([3]float64{2, 2, 2}))
	n := v.FrameSize()
	for t, f := range frames {
		copy(v.Data[t*n:(t+1)*n], f)
	}
	return v
}

// createPhantom builds a bright sphere on a dim background
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
						v.Data[f*n+i] = 100 + 10*float64(f)
					} else {
						v.Data[f*n+i] = 1 + float64((x+y+z+f)%3)
					}
				}
			}
		}
	}
	return v
}

func fullMask(shape [3]int) *models.Mask {
	m := models.NewMask(shape, volume.DefaultGeometry([3]float64{2, 2, 2}))
	for i := range m.Voxels {
		m.Voxels[i] = true
	}
	return m
}

func writeSeries(t *testing.T, store *volume.Store, dir, name string, v *models.Volume4D) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, store.Save4D(v, path))
	return path
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func nativeProvider() *masking.Provider {
	opts := masking.DefaultNativeOptions()
	return masking.NewProvider(masking.NewNativeSkullStripper(opts), masking.NewNativeAutomasker(opts), nil)
}

func TestRunSuppliedMask(t *testing.T) {
	dir := t.TempDir()
	store := volume.NewStore(nil)
	shape := [3]int{2, 2, 2}
	input := writeSeries(t, store, dir, "sub-01_bold.nii.gz", createSeries(shape,
		[]float64{1, 3, 1, 3, 2, 2, 1.5, 2.5},
		[]float64{4, 4, 4, 4, 4, 4, 4, 4},
		[]float64{16, 4, 2, 10, 8, 8, 8, 8},
	))
	maskPath := filepath.Join(dir, "brain_mask.nii")
	require.NoError(t, store.SaveMask(fullMask(shape), maskPath))

	o := NewOrchestrator(Params{MaskPath: maskPath, Suffix: "ironmap"}, store, nativeProvider(), nil, nil)
	output, err := o.Run(input)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub-01_bold_ironmap.nii.gz"), output)

	result, err := store.Load3D(output)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 2, 0.8, 1, 1, 1, 1}, result.Data, 1e-6)

	// Only the inputs and the final map remain
	assert.Equal(t, []string{"brain_mask.nii", "sub-01_bold.nii.gz", "sub-01_bold_ironmap.nii.gz"}, listDir(t, dir))
}

func TestRunMeanAggregation(t *testing.T) {
	dir := t.TempDir()
	store := volume.NewStore(nil)
	shape := [3]int{2, 1, 1}
	input := writeSeries(t, store, dir, "run.nii", createSeries(shape,
		[]float64{1, 3},
		[]float64{2, 6},
		[]float64{4, 4},
	))
	maskPath := filepath.Join(dir, "mask.nii")
	require.NoError(t, store.SaveMask(fullMask(shape), maskPath))

	o := NewOrchestrator(Params{MaskPath: maskPath, Suffix: "r2s", Mode: ironmap.Mean}, store, nativeProvider(), nil, nil)
	output, err := o.Run(input)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run_r2s.nii"), output)

	// Scaled frames are [0.5 1.5], [0.5 1.5], [1 1]; means 2/3 and 4/3
	result, err := store.Load3D(output)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.5, 0.75}, result.Data, 1e-6)
}

func TestRunDerivedMaskCleansUp(t *testing.T) {
	dir := t.TempDir()
	store := volume.NewStore(nil)
	input := writeSeries(t, store, dir, "sub-02_bold.nii", createPhantom(14, 4, 4.5))

	o := NewOrchestrator(Params{Suffix: "ironmap"}, store, nativeProvider(), nil, nil)
	output, err := o.Run(input)
	require.NoError(t, err)

	assert.Equal(t, []string{"sub-02_bold.nii", "sub-02_bold_ironmap.nii"}, listDir(t, dir))

	result, err := store.Load3D(output)
	require.NoError(t, err)
	inside, outside := 0, 0
	for _, v := range result.Data {
		switch {
		case v == 0:
			outside++
		default:
			assert.InDelta(t, 1.0, v, 1e-6)
			inside++
		}
	}
	assert.Greater(t, inside, 0)
	assert.Greater(t, outside, 0)
}

func TestRunKeepIntermediates(t *testing.T) {
	dir := t.TempDir()
	store := volume.NewStore(nil)
	input := writeSeries(t, store, dir, "sub-03_bold.nii.gz", createPhantom(12, 3, 4))

	o := NewOrchestrator(Params{Suffix: "ironmap", KeepIntermediates: true}, store, nativeProvider(), nil, nil)
	outcomes := o.RunBatch([]string{input})
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	tags := make([]string, 0, len(outcomes[0].Artifacts))
	for _, a := range outcomes[0].Artifacts {
		tags = append(tags, a.Tag)
		assert.FileExists(t, a.Path)
	}
	assert.Equal(t, []string{masking.TagAutomask, TagVolumeMeans, TagScaled, "scaledavg_median"}, tags)
	assert.FileExists(t, filepath.Join(dir, "sub-03_bold_volmeans.1D"))
	assert.NoFileExists(t, filepath.Join(dir, "sub-03_bold_preSS.nii.gz"))
	assert.NoFileExists(t, filepath.Join(dir, "sub-03_bold_SS.nii.gz"))
}

func TestRunFailureRetainsArtifacts(t *testing.T) {
	dir := t.TempDir()
	store := volume.NewStore(nil)
	shape := [3]int{2, 2, 2}
	// Voxel 0 is zero in every frame; its median reaches the reciprocal as 0
	input := writeSeries(t, store, dir, "zero.nii", createSeries(shape,
		[]float64{0, 2, 2, 2, 2, 2, 2, 2},
		[]float64{0, 4, 4, 4, 4, 4, 4, 4},
	))
	maskPath := filepath.Join(dir, "mask.nii")
	require.NoError(t, store.SaveMask(fullMask(shape), maskPath))

	m := metrics.New()
	o := NewOrchestrator(Params{MaskPath: maskPath}, store, nativeProvider(), m, nil)
	_, err := o.Run(input)
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, Inverted, stageErr.Stage)
	assert.Equal(t, input, stageErr.Input)
	assert.ErrorIs(t, err, sentinel.ErrDivisionByZero)
	assert.Contains(t, err.Error(), "INVERTED")

	assert.FileExists(t, filepath.Join(dir, "zero_volmeans.1D"))
	assert.FileExists(t, filepath.Join(dir, "zero_scaled.nii"))
	assert.FileExists(t, filepath.Join(dir, "zero_scaledavg_median.nii"))
	assert.NoFileExists(t, filepath.Join(dir, "zero_ironmap.nii"))

	means, err := os.ReadFile(filepath.Join(dir, "zero_volmeans.1D"))
	require.NoError(t, err)
	assert.Equal(t, "1.75\n3.5\n", string(means))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailures.WithLabelValues("INVERTED")))
}

func TestRunShapeMismatchedMask(t *testing.T) {
	dir := t.TempDir()
	store := volume.NewStore(nil)
	input := writeSeries(t, store, dir, "sub.nii", createSeries([3]int{2, 2, 2},
		[]float64{1, 1, 1, 1, 1, 1, 1, 1},
	))
	maskPath := filepath.Join(dir, "mask.nii")
	require.NoError(t, store.SaveMask(fullMask([3]int{3, 3, 3}), maskPath))

	o := NewOrchestrator(Params{MaskPath: maskPath}, store, nativeProvider(), nil, nil)
	_, err := o.Run(input)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, MaskReady, stageErr.Stage)
	assert.ErrorIs(t, err, sentinel.ErrShapeMismatch)
}

func TestRunMissingInput(t *testing.T) {
	o := NewOrchestrator(Params{}, volume.NewStore(nil), nativeProvider(), nil, nil)
	_, err := o.Run(filepath.Join(t.TempDir(), "absent.nii"))

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, Loaded, stageErr.Stage)
	assert.ErrorIs(t, err, sentinel.ErrIO)
}

// assertPhantomMap checks the map of a phantom run. Every frame of the sphere
// normalizes to 1, so the median and its reciprocal are 1 inside the derived
// mask. The mask never reaches the background, which stays 0.
func assertPhantomMap(t *testing.T, store *volume.Store, path string, phantom *models.Volume4D) {
	t.Helper()
	result, err := store.Load3D(path)
	require.NoError(t, err)
	require.Equal(t, phantom.Shape, result.Shape)

	inMask := 0
	for i, v := range result.Data {
		if phantom.Data[i] < 100 {
			assert.Zero(t, v, "background voxel %d", i)
			continue
		}
		if v != 0 {
			assert.InDelta(t, 1.0, v, 1e-6, "sphere voxel %d", i)
			inMask++
		}
	}
	assert.Greater(t, inMask, 0)
}

func TestRunBatch(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(map[int]string{1: "sequential", 3: "parallel"}[workers], func(t *testing.T) {
			dir := t.TempDir()
			store := volume.NewStore(nil)
			phantomA, phantomC := createPhantom(12, 3, 4), createPhantom(12, 2, 3.5)
			inputs := []string{
				writeSeries(t, store, dir, "a.nii.gz", phantomA),
				writeSeries(t, store, dir, "b.nii.gz", models.NewVolume4D([3]int{12, 12, 12}, 3, models.Geometry{})),
				writeSeries(t, store, dir, "c.nii.gz", phantomC),
			}

			m := metrics.New()
			o := NewOrchestrator(Params{Workers: workers}, store, nativeProvider(), m, nil)
			outcomes := o.RunBatch(inputs)

			require.Len(t, outcomes, 3)
			assert.Equal(t, 1, FailureCount(outcomes))
			for i, out := range outcomes {
				assert.Equal(t, inputs[i], out.Input)
				assert.NotEmpty(t, out.RunID)
			}

			assert.True(t, outcomes[0].OK())
			assert.Equal(t, Done, outcomes[0].Stage)
			assert.Equal(t, filepath.Join(dir, "a_ironmap.nii.gz"), outcomes[0].Output)
			assertPhantomMap(t, store, outcomes[0].Output, phantomA)

			assert.False(t, outcomes[1].OK())
			assert.Equal(t, MaskReady, outcomes[1].Stage)
			assert.ErrorIs(t, outcomes[1].Err, sentinel.ErrMaskDerivation)
			assert.Empty(t, outcomes[1].Output)
			require.NotEmpty(t, outcomes[1].Artifacts)
			assert.Equal(t, masking.TagPreSkullStrip, outcomes[1].Artifacts[0].Tag)
			assert.FileExists(t, filepath.Join(dir, "b_preSS.nii.gz"))

			assert.True(t, outcomes[2].OK())
			assert.Equal(t, filepath.Join(dir, "c_ironmap.nii.gz"), outcomes[2].Output)
			assertPhantomMap(t, store, outcomes[2].Output, phantomC)

			// Successful runs leave only their map; the failed run keeps its mean
			assert.Equal(t, []string{
				"a.nii.gz", "a_ironmap.nii.gz",
				"b.nii.gz", "b_preSS.nii.gz",
				"c.nii.gz", "c_ironmap.nii.gz",
			}, listDir(t, dir))

			assert.Equal(t, 2.0, testutil.ToFloat64(m.Runs.WithLabelValues("success")))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("failure")))
			assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailures.WithLabelValues("MASK_READY")))
		})
	}
}

func TestRunOutputDirAndQC(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "derivatives")
	qcDir := filepath.Join(dir, "qc")
	store := volume.NewStore(nil)
	input := writeSeries(t, store, dir, "sub-04_bold.nii", createPhantom(10, 2, 3))

	o := NewOrchestrator(Params{OutputDir: outDir, QCDir: qcDir}, store, nativeProvider(), nil, nil)
	output, err := o.Run(input)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "sub-04_bold_ironmap.nii"), output)
	assert.Equal(t, o.OutputPath(input), output)
	assert.Equal(t, []string{"sub-04_bold_ironmap.nii"}, listDir(t, outDir))

	slices := listDir(t, filepath.Join(qcDir, "sub-04_bold"))
	assert.Len(t, slices, 10)
	assert.Equal(t, "slice_z_000.png", slices[0])
}

func TestTracker(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(volume.NewStore(nil), dir, "sub", ".nii.gz", nil)

	v := models.NewVolume3D([3]int{2, 2, 2}, volume.DefaultGeometry([3]float64{1, 1, 1}))
	require.NoError(t, tracker.Persist("preSS", v))
	require.NoError(t, tracker.PersistMask("automask", fullMask([3]int{2, 2, 2})))
	require.NoError(t, tracker.PersistSeries("volmeans", []float64{2, 4.5}))

	paths := []string{}
	for _, a := range tracker.Artifacts() {
		paths = append(paths, filepath.Base(a.Path))
	}
	assert.Equal(t, []string{"sub_preSS.nii.gz", "sub_automask.nii.gz", "sub_volmeans.1D"}, paths)

	require.NoError(t, tracker.Discard("preSS"))
	require.NoError(t, tracker.Discard("unknown"))
	assert.NoFileExists(t, filepath.Join(dir, "sub_preSS.nii.gz"))
	assert.Len(t, tracker.Artifacts(), 2)

	require.NoError(t, tracker.Cleanup())
	assert.Empty(t, tracker.Artifacts())
	assert.Empty(t, listDir(t, dir))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "LOADED", Loaded.String())
	assert.Equal(t, "CLEANED_UP", CleanedUp.String())
	assert.Equal(t, "FAILED", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())

	err := &StageError{Stage: Normalized, Input: "in.nii", Err: sentinel.ErrDegenerateNormalization}
	assert.ErrorIs(t, err, sentinel.ErrDegenerateNormalization)
	assert.Equal(t, "in.nii: stage NORMALIZED failed: degenerate normalization", err.Error())
}
