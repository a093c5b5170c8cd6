package masking

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"ironmap/internal/models"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/volume"
)

// AFNIOptions names the AFNI programs and where their scratch files go.
type AFNIOptions struct {
	SkullStrip string // default 3dSkullStrip
	Automask   string // default 3dAutomask
	WorkDir    string // default os.TempDir()
}

// AFNISkullStripper runs 3dSkullStrip on a scratch copy of the volume.
type AFNISkullStripper struct {
	opts   AFNIOptions
	store  *volume.Store
	logger log.FieldLogger
}

// AFNIAutomasker runs 3dAutomask on a scratch copy of the volume.
type AFNIAutomasker struct {
	opts   AFNIOptions
	store  *volume.Store
	logger log.FieldLogger
}

// NewAFNISkullStripper creates a stripper that shells out to AFNI.
func NewAFNISkullStripper(opts AFNIOptions, store *volume.Store, logger log.FieldLogger) *AFNISkullStripper {
	if opts.SkullStrip == "" {
		opts.SkullStrip = "3dSkullStrip"
	}
	return &AFNISkullStripper{opts: opts, store: store, logger: orStandard(logger)}
}

// NewAFNIAutomasker creates an automasker that shells out to AFNI.
func NewAFNIAutomasker(opts AFNIOptions, store *volume.Store, logger log.FieldLogger) *AFNIAutomasker {
	if opts.Automask == "" {
		opts.Automask = "3dAutomask"
	}
	return &AFNIAutomasker{opts: opts, store: store, logger: orStandard(logger)}
}

// Strip implements SkullStripper.
func (a *AFNISkullStripper) Strip(v *models.Volume3D) (*models.Volume3D, error) {
	var out *models.Volume3D
	err := runTool(a.opts.WorkDir, a.store, a.logger, v, func(in, result string) []string {
		return []string{a.opts.SkullStrip, "-input", in, "-prefix", result}
	}, func(result string) error {
		var err error
		out, err = a.store.Load3D(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Geometry = v.Geometry
	return out, nil
}

// Automask implements Automasker.
func (a *AFNIAutomasker) Automask(v *models.Volume3D) (*models.Mask, error) {
	var out *models.Mask
	err := runTool(a.opts.WorkDir, a.store, a.logger, v, func(in, result string) []string {
		return []string{a.opts.Automask, "-prefix", result, in}
	}, func(result string) error {
		var err error
		out, err = a.store.LoadMask(result)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Geometry = v.Geometry
	return out, nil
}

// runTool writes v to a scratch directory, runs the command built by args and
// hands the result path to collect. The scratch directory is always removed.
func runTool(workDir string, store *volume.Store, logger log.FieldLogger, v *models.Volume3D,
	args func(in, result string) []string, collect func(result string) error) error {

	dir, err := os.MkdirTemp(workDir, "ironmap-afni-*")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %v: %w", err, sentinel.ErrMaskDerivation)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.nii")
	result := filepath.Join(dir, "result.nii")
	if err := store.Save3D(v, in); err != nil {
		return err
	}

	argv := args(in, result)
	logger.WithField("command", strings.Join(argv, " ")).Debug("Running AFNI")
	output, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %v: %s: %w", argv[0], err, lastLines(string(output), 5), sentinel.ErrMaskDerivation)
	}

	if err := collect(result); err != nil {
		return fmt.Errorf("reading %s output: %v: %w", argv[0], err, sentinel.ErrMaskDerivation)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

func orStandard(logger log.FieldLogger) log.FieldLogger {
	if logger == nil {
		return log.StandardLogger()
	}
	return logger
}
