package logging

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	logger, closer, err := New(Options{})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, log.InfoLevel, logger.GetLevel())

	logger, _, err = New(Options{Level: "warn", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel(), "debug flag wins over the configured level")

	_, _, err = New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ironmap.log")
	logger, closer, err := New(Options{File: path, MaxSizeMB: 1, MaxAgeDays: 1})
	require.NoError(t, err)

	logger.WithField("input", "sub-01_bold.nii.gz").Info("Starting run")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Starting run")
	assert.Contains(t, string(data), "input=sub-01_bold.nii.gz")
}
