// Package logging configures the logrus logger shared by the CLI and the pipeline.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
)

// Options selects the level and destination of log output.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	Debug      bool
}

// New creates a logger. When a file is given, log messages go to a rotating
// file and the returned closer must be closed on exit.
func New(opts Options) (*log.Logger, io.Closer, error) {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)

	level := log.InfoLevel
	if opts.Level != "" {
		parsed, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	if opts.Debug {
		level = log.DebugLevel
	}
	logger.SetLevel(level)

	if opts.File == "" {
		return logger, io.NopCloser(nil), nil
	}

	rotating := &lumberjack.Logger{
		Filename: opts.File,
		MaxSize:  opts.MaxSizeMB, // megabytes
		MaxAge:   opts.MaxAgeDays, // days
	}
	logger.SetOutput(rotating)
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	return logger, rotating, nil
}
