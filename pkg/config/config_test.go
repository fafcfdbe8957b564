package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmseg/pkg/errs"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, StrategyLibrary, cfg.Conversion.Strategy)
	assert.Equal(t, "extracted_dcm", cfg.Conversion.ExtractSubdir)
	assert.Equal(t, DefaultReleases(), cfg.Download.Releases)
	assert.Contains(t, cfg.Download.Releases.Linux, "v1.0.20230411/dcm2niix_lnx.zip")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dcmseg.yaml")
	cfg := DefaultConfig()
	cfg.ConfigDir = "/opt/dcmseg"
	cfg.Conversion.Strategy = StrategyBinary
	cfg.Download.Timeout = 90 * time.Second
	require.NoError(t, SaveConfig(cfg, path))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcmseg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversion:\n  verbose: true\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Conversion.Verbose)
	assert.Equal(t, StrategyLibrary, cfg.Conversion.Strategy)
	assert.Equal(t, 5*time.Minute, cfg.Download.Timeout)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DCMSEG_CONFIG_DIR", "/tmp/cache")
	t.Setenv("DCMSEG_CONVERSION_STRATEGY", "binary")
	t.Setenv("DCMSEG_DOWNLOAD_TIMEOUT", "30s")
	t.Setenv("DCMSEG_DOWNLOAD_RELEASES_LINUX", "https://example.invalid/lnx.zip")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cache", cfg.ConfigDir)
	assert.Equal(t, StrategyBinary, cfg.Conversion.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Download.Timeout)
	assert.Equal(t, "https://example.invalid/lnx.zip", cfg.Download.Releases.Linux)
	assert.Equal(t, DefaultReleases().Windows, cfg.Download.Releases.Windows)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Conversion.Strategy = "magic"
	assert.True(t, errors.Is(cfg.Validate(), errs.ErrConfiguration))

	cfg = DefaultConfig()
	cfg.Conversion.Strategy = StrategyBinary
	cfg.ConfigDir = ""
	assert.True(t, errors.Is(cfg.Validate(), errs.ErrConfiguration))

	cfg = DefaultConfig()
	cfg.Conversion.ExtractSubdir = ""
	assert.True(t, errors.Is(cfg.Validate(), errs.ErrConfiguration))
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcmseg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conversion: [unterminated"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
