package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmseg/internal/dicomtest"
	"dcmseg/internal/models"
	"dcmseg/pkg/config"
	"dcmseg/pkg/dicomseries"
	"dcmseg/pkg/nifti"
	"dcmseg/pkg/orientation"
)

func quietEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DCMSEG_LOGGING_MODE", "quiet")
	t.Setenv("DCMSEG_CONFIG_DIR", t.TempDir())
}

func writeSeries(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "series")
	_, err := dicomtest.WriteSeries(dir, dicomtest.SeriesSpec{
		Rows: 4, Columns: 4, Slices: 3,
		Pixel: func(x, y, k int) uint16 { return uint16(x + 10*y + 100*k) },
	})
	require.NoError(t, err)
	return dir
}

func TestRunUsage(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), nil, &out)
	assert.True(t, errors.Is(err, flag.ErrHelp))
	assert.Contains(t, out.String(), "Commands:")

	err = run(context.Background(), []string{"frobnicate"}, &out)
	assert.ErrorContains(t, err, "unknown command")
}

func TestConvertRequiresInput(t *testing.T) {
	quietEnv(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"convert"}, &out)
	assert.ErrorContains(t, err, "-input is required")
}

func TestConvertWithPreview(t *testing.T) {
	quietEnv(t)
	series := writeSeries(t)
	work := t.TempDir()
	output := filepath.Join(work, "out", "ct.nii.gz")
	preview := filepath.Join(work, "preview")

	var out bytes.Buffer
	err := run(context.Background(), []string{"convert",
		"-input", series, "-output", output, "-strategy", config.StrategyLibrary, "-preview-dir", preview}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), output)

	vol, err := nifti.Read(output)
	require.NoError(t, err)
	codes, err := vol.Orientation()
	require.NoError(t, err)
	assert.Equal(t, orientation.RAS, codes)

	for _, axis := range []string{"x", "y", "z"} {
		entries, err := os.ReadDir(filepath.Join(preview, axis))
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
	}
}

func TestConvertRejectsUnknownStrategy(t *testing.T) {
	quietEnv(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"convert", "-input", writeSeries(t), "-strategy", "magic"}, &out)
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	quietEnv(t)
	series := writeSeries(t)
	ref, err := dicomseries.Load(series, nil)
	require.NoError(t, err)

	work := t.TempDir()
	seg := models.NewVolume([]int{4, 4, 3}, ref.Affine())
	seg.Set(1, 1, 1, 2)
	segPath := filepath.Join(work, "seg.nii.gz")
	require.NoError(t, nifti.Write(segPath, seg, nil))

	classesPath := filepath.Join(work, "classes.yaml")
	require.NoError(t, os.WriteFile(classesPath, []byte("1: liver\n2: spleen\n"), 0644))

	output := filepath.Join(work, "rtss.dcm")
	var out bytes.Buffer
	err = run(context.Background(), []string{"export",
		"-seg", segPath, "-classes", classesPath, "-reference", series, "-output", output}, &out)
	require.NoError(t, err)
	assert.FileExists(t, output)
	assert.Contains(t, out.String(), output)
}

func TestExportRequiresArguments(t *testing.T) {
	quietEnv(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"export", "-seg", "x.nii.gz"}, &out)
	assert.ErrorContains(t, err, "required")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"init-config", "-config", path}, &out))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.StrategyLibrary, cfg.Conversion.Strategy)

	assert.Error(t, run(context.Background(), []string{"init-config", "-config", path}, &out))
	assert.NoError(t, run(context.Background(), []string{"init-config", "-config", path, "-force"}, &out))
}
