package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"ironmap/internal/logging"
	"ironmap/pkg/config"
	"ironmap/pkg/ironmap"
	"ironmap/pkg/masking"
	"ironmap/pkg/metrics"
	"ironmap/pkg/pipeline"
	"ironmap/pkg/sentinel"
	"ironmap/pkg/volume"
)

const version = "1.0.0"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// Exit errors already terminated the process; this is a usage error
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ironmap"
	app.Usage = "Compute a brain iron map from a 4D functional MRI series"
	app.UsageText = "ironmap [-m <mask>] [-o <suffix>] [-a] [options] -i <input> [-i <input> ...] [input ...]"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringSliceFlag{
			Name:  "input, i",
			Usage: "4D NIfTI series to process (repeatable; positional arguments are inputs too)",
			Value: &cli.StringSlice{},
		},
		cli.StringFlag{
			Name:  "mask, m",
			Usage: "brain mask to use instead of deriving one per input",
		},
		cli.StringFlag{
			Name:  "output, o",
			Usage: "suffix of the output file name",
			Value: "ironmap",
		},
		cli.BoolFlag{
			Name:  "average, a",
			Usage: "aggregate with the mean instead of the median",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML or TOML configuration file",
		},
		cli.IntFlag{
			Name:  "jobs, j",
			Usage: "number of inputs processed at once",
			Value: 1,
		},
		cli.BoolFlag{
			Name:  "keep, k",
			Usage: "keep intermediate files after a successful run",
		},
		cli.StringFlag{
			Name:  "out-dir, d",
			Usage: "directory for outputs and intermediates (default: next to each input)",
		},
		cli.StringFlag{
			Name:  "zero-policy",
			Usage: "reciprocal handling of zero voxels: passthrough or fail",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "mask derivation backend: native or afni",
		},
		cli.StringFlag{
			Name:  "qc-dir",
			Usage: "write axial PNG slices of each map under this directory",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "write logs to a rotating file instead of stderr",
		},
		cli.StringFlag{
			Name:  "metrics-file",
			Usage: "write Prometheus metrics in text format after the batch",
		},
		cli.StringFlag{
			Name:  "write-config",
			Usage: "write the default configuration to this path and exit",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Action = run
	return app
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("output") {
		cfg.Output.Suffix = c.String("output")
	}
	if c.Bool("average") {
		cfg.Processing.Aggregation = ironmap.Mean.String()
	}
	if c.IsSet("jobs") {
		cfg.Processing.Workers = c.Int("jobs")
	}
	if c.Bool("keep") {
		cfg.Output.KeepIntermediates = true
	}
	if c.IsSet("out-dir") {
		cfg.Output.Dir = c.String("out-dir")
	}
	if c.IsSet("zero-policy") {
		cfg.Processing.ZeroPolicy = c.String("zero-policy")
	}
	if c.IsSet("backend") {
		cfg.Masking.Backend = c.String("backend")
	}
	if c.IsSet("qc-dir") {
		cfg.Output.QCDir = c.String("qc-dir")
	}
	if c.IsSet("log-file") {
		cfg.Logging.File = c.String("log-file")
	}
	if c.IsSet("metrics-file") {
		cfg.Metrics.Textfile = c.String("metrics-file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	if path := c.String("write-config"); path != "" {
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return cli.NewExitError(err, 1)
		}
		fmt.Fprintf(c.App.Writer, "Default configuration written to %s\n", path)
		return nil
	}

	inputs := append(c.StringSlice("input"), c.Args()...)
	if len(inputs) == 0 {
		return cli.NewExitError(fmt.Errorf("no input files given, see 'ironmap -h': %w", sentinel.ErrUsage), 2)
	}
	// Flag parsing stops at the first positional input
	for _, arg := range c.Args() {
		if strings.HasPrefix(arg, "-") {
			return cli.NewExitError(fmt.Errorf("flag %s after input files, flags must come first: %w", arg, sentinel.ErrUsage), 2)
		}
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return cli.NewExitError(fmt.Errorf("%v: %w", err, sentinel.ErrUsage), 2)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Debug:      c.Bool("debug"),
	})
	if err != nil {
		return cli.NewExitError(err, 2)
	}
	defer closer.Close()

	if c.IsSet("config") {
		if _, err := os.Stat(c.String("config")); os.IsNotExist(err) {
			logger.WithField("config", c.String("config")).Warn("Config file not found, using defaults")
		}
	}

	// Validated above
	mode, _ := ironmap.ParseMode(cfg.Processing.Aggregation)
	policy, _ := ironmap.ParseZeroPolicy(cfg.Processing.ZeroPolicy)

	store := volume.NewStore(logger)
	stripper, automasker, err := masking.NewBackend(cfg.Masking.Backend,
		masking.NativeOptions{
			ThresholdScale:  cfg.Masking.ThresholdScale,
			ErodeIterations: cfg.Masking.ErodeIterations,
		},
		masking.AFNIOptions{
			SkullStrip: cfg.Masking.SkullStripBinary,
			Automask:   cfg.Masking.AutomaskBinary,
			WorkDir:    cfg.Masking.WorkDir,
		},
		store, logger)
	if err != nil {
		return cli.NewExitError(err, 2)
	}

	m := metrics.New()
	orchestrator := pipeline.NewOrchestrator(pipeline.Params{
		MaskPath:          c.String("mask"),
		Suffix:            cfg.Output.Suffix,
		Mode:              mode,
		ZeroPolicy:        policy,
		OutputDir:         cfg.Output.Dir,
		KeepIntermediates: cfg.Output.KeepIntermediates,
		QCDir:             cfg.Output.QCDir,
		Workers:           cfg.Processing.Workers,
	}, store, masking.NewProvider(stripper, automasker, logger), m, logger)

	logger.WithFields(log.Fields{
		"inputs":  len(inputs),
		"mode":    mode,
		"workers": cfg.Processing.Workers,
	}).Info("Starting batch")

	outcomes := orchestrator.RunBatch(inputs)
	printSummary(c.App.Writer, outcomes)

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.WithError(err).Warn("Failed to write metrics file")
		}
	}

	if failed := pipeline.FailureCount(outcomes); failed > 0 {
		return cli.NewExitError(fmt.Sprintf("%d of %d inputs failed", failed, len(outcomes)), 1)
	}
	return nil
}
