// Package masking provides the brain mask used by every masked statistic,
// either validating a caller supplied mask or deriving one from the temporal
// mean of the subject by skull stripping and automasking.
package masking

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/stats"
)

// Artifact tags written while deriving a mask.
const (
	TagPreSkullStrip = "preSS"
	TagSkullStripped = "SS"
	TagAutomask      = "automask"
)

// SkullStripper removes non-brain tissue from a volume.
type SkullStripper interface {
	Strip(v *models.Volume3D) (*models.Volume3D, error)
}

// Automasker segments a skull-stripped volume into a binary brain mask.
type Automasker interface {
	Automask(v *models.Volume3D) (*models.Mask, error)
}

// ArtifactSink persists intermediate volumes of a derivation so they can be
// inspected when a run fails.
type ArtifactSink interface {
	Persist(tag string, v *models.Volume3D) error
	PersistMask(tag string, m *models.Mask) error
	Discard(tag string) error
}

// Provider returns the mask for a subject.
type Provider struct {
	stripper   SkullStripper
	automasker Automasker
	sink       ArtifactSink
	logger     log.FieldLogger
}

// NewProvider creates a provider backed by the given capabilities.
func NewProvider(stripper SkullStripper, automasker Automasker, logger log.FieldLogger) *Provider {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Provider{stripper: stripper, automasker: automasker, logger: logger}
}

// WithSink returns a copy of the provider that persists derivation artifacts
// to sink. Each run gets its own copy.
func (p *Provider) WithSink(sink ArtifactSink, logger log.FieldLogger) *Provider {
	cp := *p
	cp.sink = sink
	if logger != nil {
		cp.logger = logger
	}
	return &cp
}

// GetMask returns supplied unchanged after checking its shape, or derives a
// mask when supplied is nil.
func (p *Provider) GetMask(subject *models.Volume4D, supplied *models.Mask) (*models.Mask, error) {
	if supplied != nil {
		if !models.SameShape(subject.Shape, supplied.Shape) {
			return nil, fmt.Errorf("mask shape %v does not match subject shape %v: %w",
				supplied.Shape, subject.Shape, sentinel.ErrShapeMismatch)
		}
		return supplied, nil
	}
	return p.derive(subject)
}

// derive computes the temporal mean, skull strips it and automasks the result.
// The mean and stripped volumes are discarded once the mask exists; when
// derivation fails they are left for diagnostics.
func (p *Provider) derive(subject *models.Volume4D) (*models.Mask, error) {
	if p.stripper == nil || p.automasker == nil {
		return nil, fmt.Errorf("no skull stripping backend configured: %w", sentinel.ErrMaskDerivation)
	}

	p.logger.Debug("Computing temporal mean for mask derivation")
	mean := stats.TemporalMean(subject)
	if err := p.persist(TagPreSkullStrip, mean); err != nil {
		return nil, err
	}

	p.logger.Debug("Skull stripping temporal mean")
	stripped, err := p.stripper.Strip(mean)
	if err != nil {
		return nil, fmt.Errorf("skull stripping: %w", asDerivationError(err))
	}
	if err := p.persist(TagSkullStripped, stripped); err != nil {
		return nil, err
	}

	p.logger.Debug("Automasking skull-stripped volume")
	mask, err := p.automasker.Automask(stripped)
	if err != nil {
		return nil, fmt.Errorf("automask: %w", asDerivationError(err))
	}
	if !models.SameShape(mask.Shape, subject.Shape) {
		return nil, fmt.Errorf("derived mask shape %v does not match subject shape %v: %w",
			mask.Shape, subject.Shape, sentinel.ErrMaskDerivation)
	}
	count := mask.Count()
	if count == 0 {
		return nil, fmt.Errorf("derived mask is empty: %w", sentinel.ErrMaskDerivation)
	}

	if p.sink != nil {
		if err := p.sink.PersistMask(TagAutomask, mask); err != nil {
			return nil, err
		}
		for _, tag := range []string{TagPreSkullStrip, TagSkullStripped} {
			if err := p.sink.Discard(tag); err != nil {
				p.logger.WithError(err).WithField("artifact", tag).Warn("Failed to discard artifact")
			}
		}
	}

	p.logger.WithFields(log.Fields{
		"voxels":   count,
		"fraction": float64(count) / float64(len(mask.Voxels)),
	}).Info("Derived brain mask")
	return mask, nil
}

func (p *Provider) persist(tag string, v *models.Volume3D) error {
	if p.sink == nil {
		return nil
	}
	return p.sink.Persist(tag, v)
}

func asDerivationError(err error) error {
	return fmt.Errorf("%w: %w", sentinel.ErrMaskDerivation, err)
}
