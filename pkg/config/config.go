// Package config provides configuration loading and management for ironmap.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ironmap/pkg/ironmap"
	"ironmap/pkg/masking"
)

// Config represents the application configuration
type Config struct {
	// Processing parameters
	Processing struct {
		// Aggregation is the temporal statistic: median or mean
		Aggregation string `yaml:"aggregation" toml:"aggregation"`

		// ZeroPolicy decides how the reciprocal treats zero voxels: passthrough or fail
		ZeroPolicy string `yaml:"zeroPolicy" toml:"zero_policy"`

		// Workers is how many input files are processed at once
		Workers int `yaml:"workers" toml:"workers"`
	} `yaml:"processing" toml:"processing"`

	// Masking parameters
	Masking struct {
		// Backend selects the skull stripping implementation: native or afni
		Backend string `yaml:"backend" toml:"backend"`

		// ThresholdScale multiplies the Otsu threshold of the native backend
		ThresholdScale float64 `yaml:"thresholdScale" toml:"threshold_scale"`

		// ErodeIterations controls how aggressively the native backend detaches the skull
		ErodeIterations int `yaml:"erodeIterations" toml:"erode_iterations"`

		// AFNI program names and scratch directory
		SkullStripBinary string `yaml:"skullStripBinary" toml:"skull_strip_binary"`
		AutomaskBinary   string `yaml:"automaskBinary" toml:"automask_binary"`
		WorkDir          string `yaml:"workDir" toml:"work_dir"`
	} `yaml:"masking" toml:"masking"`

	// Output parameters
	Output struct {
		// Suffix is appended to the input base name of the final map
		Suffix string `yaml:"suffix" toml:"suffix"`

		// Dir is where outputs and intermediates go; empty means next to the input
		Dir string `yaml:"dir" toml:"dir"`

		// KeepIntermediates retains intermediate artifacts after a successful run
		KeepIntermediates bool `yaml:"keepIntermediates" toml:"keep_intermediates"`

		// QCDir receives PNG slices of every final map when set
		QCDir string `yaml:"qcDir" toml:"qc_dir"`
	} `yaml:"output" toml:"output"`

	// Logging parameters
	Logging struct {
		// Level is a logrus level name
		Level string `yaml:"level" toml:"level"`

		// File sends logs to a rotating file instead of stderr
		File string `yaml:"file" toml:"file"`

		MaxSizeMB  int `yaml:"maxSizeMB" toml:"max_log_size"`
		MaxAgeDays int `yaml:"maxAgeDays" toml:"max_log_age"`
	} `yaml:"logging" toml:"logging"`

	// Metrics parameters
	Metrics struct {
		// Textfile is written in Prometheus text format after a batch
		Textfile string `yaml:"textfile" toml:"textfile"`
	} `yaml:"metrics" toml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Aggregation = ironmap.Median.String()
	cfg.Processing.ZeroPolicy = ironmap.ZeroMaskedPassThrough.String()
	cfg.Processing.Workers = 1

	native := masking.DefaultNativeOptions()
	cfg.Masking.Backend = masking.BackendNative
	cfg.Masking.ThresholdScale = native.ThresholdScale
	cfg.Masking.ErodeIterations = native.ErodeIterations
	cfg.Masking.SkullStripBinary = "3dSkullStrip"
	cfg.Masking.AutomaskBinary = "3dAutomask"

	cfg.Output.Suffix = "ironmap"

	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 28

	return cfg
}

// LoadConfig loads configuration from a YAML or TOML file.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks enumerated settings and limits.
func (c *Config) Validate() error {
	if _, err := ironmap.ParseMode(c.Processing.Aggregation); err != nil {
		return err
	}
	if _, err := ironmap.ParseZeroPolicy(c.Processing.ZeroPolicy); err != nil {
		return err
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Processing.Workers)
	}
	switch strings.ToLower(c.Masking.Backend) {
	case masking.BackendNative, masking.BackendAFNI:
	default:
		return fmt.Errorf("unknown masking backend %q", c.Masking.Backend)
	}
	if c.Output.Suffix == "" {
		return fmt.Errorf("output suffix must not be empty")
	}
	if strings.ContainsRune(c.Output.Suffix, filepath.Separator) {
		return fmt.Errorf("output suffix %q must not contain a path separator", c.Output.Suffix)
	}
	return nil
}

// SaveConfig saves the configuration as YAML, or TOML for a .toml path
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	defer f.Close()

	if isTOML(configPath) {
		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return enc.Close()
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
