// Package pipeline runs the iron map pipeline over input series: load, mask,
// measure volume means, normalize, aggregate, invert, and clean up the
// intermediate artifacts of each run.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ironmap/internal/models"
	"ironmap/pkg/ironmap"
	"ironmap/pkg/masking"
	"ironmap/pkg/metrics"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/visualization"
	"ironmap/pkg/volume"
)

// Artifact tags written by the orchestrator itself. Mask derivation adds
// masking.TagPreSkullStrip, masking.TagSkullStripped and masking.TagAutomask.
const (
	TagVolumeMeans = "volmeans"
	TagScaled      = "scaled"
	tagAggregated  = "scaledavg_"
)

// QC window as in-mask quantiles of the final map.
const (
	qcLowerQuantile = 0.02
	qcUpperQuantile = 0.98
)

// Params holds the configuration of every run. It is not modified once the
// orchestrator is created.
type Params struct {
	// MaskPath is a caller supplied mask; empty derives one per input.
	MaskPath string

	// Suffix names the final map <base>_<suffix><ext>.
	Suffix string

	// Mode is the temporal statistic.
	Mode ironmap.Mode

	// ZeroPolicy decides how the reciprocal treats zero voxels.
	ZeroPolicy ironmap.ZeroPolicy

	// OutputDir receives the final map and intermediates; empty means next to the input.
	OutputDir string

	// KeepIntermediates retains artifacts after a successful run.
	KeepIntermediates bool

	// QCDir receives axial PNG slices of each final map when set.
	QCDir string

	// Workers bounds how many inputs RunBatch processes at once.
	Workers int
}

// Orchestrator runs the pipeline for one input at a time.
type Orchestrator struct {
	params   Params
	store    *volume.Store
	provider *masking.Provider
	metrics  *metrics.Metrics
	logger   log.FieldLogger
}

// NewOrchestrator creates an orchestrator. m may be nil.
func NewOrchestrator(params Params, store *volume.Store, provider *masking.Provider, m *metrics.Metrics, logger log.FieldLogger) *Orchestrator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if params.Suffix == "" {
		params.Suffix = "ironmap"
	}
	if params.Workers < 1 {
		params.Workers = 1
	}
	return &Orchestrator{
		params:   params,
		store:    store,
		provider: provider,
		metrics:  m,
		logger:   logger,
	}
}

// OutputPath returns where the final map of input is written.
func (o *Orchestrator) OutputPath(input string) string {
	dir, base, ext := o.locate(input)
	return filepath.Join(dir, base+"_"+o.params.Suffix+ext)
}

func (o *Orchestrator) locate(input string) (dir, base, ext string) {
	dir, base, ext = volume.SplitName(input)
	if o.params.OutputDir != "" {
		dir = o.params.OutputDir
	}
	return dir, base, ext
}

// Run processes a single input and returns the path of its final map.
// A failure is returned as a *StageError.
func (o *Orchestrator) Run(input string) (string, error) {
	output, _, err := o.run(input, uuid.NewString())
	return output, err
}

// run executes every stage for input. The artifacts written before a failing
// stage stay on disk.
func (o *Orchestrator) run(input, runID string) (string, []Artifact, error) {
	start := time.Now()
	logger := o.logger.WithFields(log.Fields{"run_id": runID, "input": input})

	dir, base, ext := o.locate(input)
	output := filepath.Join(dir, base+"_"+o.params.Suffix+ext)
	tracker := NewTracker(o.store, dir, base, ext, logger)

	fail := func(stage State, err error) (string, []Artifact, error) {
		artifacts := tracker.Artifacts()
		entry := logger.WithFields(log.Fields{"stage": stage, "state": Failed}).WithError(err)
		if len(artifacts) > 0 {
			entry = entry.WithField("retained", len(artifacts))
		}
		entry.Error("Pipeline stage failed")
		if o.metrics != nil {
			o.metrics.ObserveFailure(stage.String(), start)
		}
		return "", artifacts, &StageError{Stage: stage, Input: input, Err: err}
	}
	enter := func(stage State) {
		logger.WithField("stage", stage).Debug("Entering stage")
	}

	logger.Info("Starting run")

	enter(Loaded)
	if o.params.OutputDir != "" {
		if err := os.MkdirAll(o.params.OutputDir, 0755); err != nil {
			return fail(Loaded, fmt.Errorf("creating output directory: %v: %w", err, sentinel.ErrIO))
		}
	}
	subject, err := o.store.Load(input)
	if err != nil {
		return fail(Loaded, err)
	}
	logger.WithFields(log.Fields{"stage": Loaded, "shape": subject.Shape, "frames": subject.T}).Info("Loaded subject")

	enter(MaskReady)
	var supplied *models.Mask
	if o.params.MaskPath != "" {
		if supplied, err = o.store.LoadMask(o.params.MaskPath); err != nil {
			return fail(MaskReady, err)
		}
	}
	mask, err := o.provider.WithSink(tracker, logger).GetMask(subject, supplied)
	if err != nil {
		return fail(MaskReady, err)
	}
	logger.WithFields(log.Fields{"stage": MaskReady, "voxels": mask.Count(), "derived": supplied == nil}).Info("Mask ready")

	enter(MeanComputed)
	means, err := ironmap.VolumeMeans(subject, mask)
	if err != nil {
		return fail(MeanComputed, err)
	}
	if err := tracker.PersistSeries(TagVolumeMeans, means); err != nil {
		return fail(MeanComputed, err)
	}
	logger.WithField("stage", MeanComputed).Info("Computed volume means")

	enter(Normalized)
	scaled, err := ironmap.Scale(subject, means)
	if err != nil {
		return fail(Normalized, err)
	}
	if err := tracker.Persist4D(TagScaled, scaled); err != nil {
		return fail(Normalized, err)
	}
	logger.WithField("stage", Normalized).Info("Normalized volumes")

	enter(Aggregated)
	aggregated, err := ironmap.Aggregate(scaled, mask, o.params.Mode)
	if err != nil {
		return fail(Aggregated, err)
	}
	if err := tracker.Persist(tagAggregated+o.params.Mode.String(), aggregated); err != nil {
		return fail(Aggregated, err)
	}
	logger.WithFields(log.Fields{"stage": Aggregated, "mode": o.params.Mode}).Info("Aggregated volumes")

	enter(Inverted)
	result, err := ironmap.Invert(aggregated, mask, o.params.ZeroPolicy)
	if err != nil {
		return fail(Inverted, err)
	}
	if err := o.store.Save3D(result, output); err != nil {
		return fail(Inverted, err)
	}
	logger.WithFields(log.Fields{"stage": Inverted, "output": output}).Info("Wrote iron map")

	enter(CleanedUp)
	retained := tracker.Artifacts()
	if !o.params.KeepIntermediates {
		if err := tracker.Cleanup(); err != nil {
			return fail(CleanedUp, err)
		}
		retained = nil
	}
	logger.WithFields(log.Fields{"stage": CleanedUp, "retained": len(retained)}).Debug("Cleaned up artifacts")

	if o.params.QCDir != "" {
		o.exportQC(base, result, mask, logger)
	}

	if o.metrics != nil {
		o.metrics.ObserveSuccess(start)
	}
	logger.WithFields(log.Fields{
		"stage":   Done,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Info("Run complete")
	return output, retained, nil
}

// exportQC writes axial slices of the final map. Failures are logged only.
func (o *Orchestrator) exportQC(base string, result *models.Volume3D, mask *models.Mask, logger log.FieldLogger) {
	viewer := visualization.NewViewer(result)
	if err := viewer.WindowToMask(mask, qcLowerQuantile, qcUpperQuantile); err != nil {
		logger.WithError(err).Warn("Failed to window QC slices")
		return
	}
	files, err := viewer.SaveSliceSequence("z", filepath.Join(o.params.QCDir, base))
	if err != nil {
		logger.WithError(err).Warn("Failed to export QC slices")
		return
	}
	logger.WithField("slices", len(files)).Debug("Exported QC slices")
}
