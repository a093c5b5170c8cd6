package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/volume"
)

// Kind describes what an artifact file holds.
type Kind string

const (
	KindVolume Kind = "volume"
	KindSeries Kind = "series"
	KindMask   Kind = "mask"
)

// seriesExt is the extension of plain text value series, one value per line.
const seriesExt = ".1D"

// Artifact is an intermediate file created during a run.
type Artifact struct {
	Tag  string
	Path string
	Kind Kind
}

// Tracker writes the intermediate files of one run and records each one it
// created, so a successful run can remove exactly those files. It implements
// masking.ArtifactSink.
type Tracker struct {
	store     *volume.Store
	dir       string
	base      string
	ext       string
	artifacts []Artifact
	logger    log.FieldLogger
}

// NewTracker creates a tracker writing <dir>/<base>_<tag><ext>.
func NewTracker(store *volume.Store, dir, base, ext string, logger log.FieldLogger) *Tracker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tracker{store: store, dir: dir, base: base, ext: ext, logger: logger}
}

// Path returns the file name used for tag.
func (t *Tracker) Path(tag string) string {
	return filepath.Join(t.dir, t.base+"_"+tag+t.ext)
}

func (t *Tracker) seriesPath(tag string) string {
	return filepath.Join(t.dir, t.base+"_"+tag+seriesExt)
}

func (t *Tracker) record(tag, path string, kind Kind) {
	for i, a := range t.artifacts {
		if a.Tag == tag {
			t.artifacts[i] = Artifact{Tag: tag, Path: path, Kind: kind}
			return
		}
	}
	t.artifacts = append(t.artifacts, Artifact{Tag: tag, Path: path, Kind: kind})
	t.logger.WithFields(log.Fields{"artifact": tag, "path": path}).Debug("Wrote artifact")
}

// Persist writes a 3D volume artifact.
func (t *Tracker) Persist(tag string, v *models.Volume3D) error {
	path := t.Path(tag)
	if err := t.store.Save3D(v, path); err != nil {
		return err
	}
	t.record(tag, path, KindVolume)
	return nil
}

// PersistMask writes a mask artifact.
func (t *Tracker) PersistMask(tag string, m *models.Mask) error {
	path := t.Path(tag)
	if err := t.store.SaveMask(m, path); err != nil {
		return err
	}
	t.record(tag, path, KindMask)
	return nil
}

// Persist4D writes a time series volume artifact.
func (t *Tracker) Persist4D(tag string, v *models.Volume4D) error {
	path := t.Path(tag)
	if err := t.store.Save4D(v, path); err != nil {
		return err
	}
	t.record(tag, path, KindVolume)
	return nil
}

// PersistSeries writes values as text, one per line.
func (t *Tracker) PersistSeries(tag string, values []float64) (err error) {
	path := t.seriesPath(tag)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, sentinel.ErrIO)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%s: %v: %w", path, cerr, sentinel.ErrIO)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	for _, v := range values {
		w.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, sentinel.ErrIO)
	}
	t.record(tag, path, KindSeries)
	return nil
}

// Discard removes the artifact recorded under tag. Unknown tags are ignored.
func (t *Tracker) Discard(tag string) error {
	for i, a := range t.artifacts {
		if a.Tag != tag {
			continue
		}
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %v: %w", a.Path, err, sentinel.ErrIO)
		}
		t.artifacts = append(t.artifacts[:i], t.artifacts[i+1:]...)
		t.logger.WithField("artifact", tag).Debug("Discarded artifact")
		return nil
	}
	return nil
}

// Artifacts returns the artifacts currently on disk, in creation order.
func (t *Tracker) Artifacts() []Artifact {
	return append([]Artifact(nil), t.artifacts...)
}

// Cleanup removes every recorded artifact. Artifacts that could not be
// removed stay recorded and are reported in the returned error.
func (t *Tracker) Cleanup() error {
	var errs []error
	kept := t.artifacts[:0]
	for _, a := range t.artifacts {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %v: %w", a.Path, err, sentinel.ErrIO))
			kept = append(kept, a)
		}
	}
	t.artifacts = kept
	return errors.Join(errs...)
}
