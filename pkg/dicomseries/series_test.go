package dicomseries

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmseg/internal/dicomtest"
	"dcmseg/pkg/errs"
)

func writeSeries(t *testing.T, dir string, spec dicomtest.SeriesSpec) {
	t.Helper()
	_, err := dicomtest.WriteSeries(dir, spec)
	require.NoError(t, err)
}

func TestLoadOrdersAlongNormal(t *testing.T) {
	dir := t.TempDir()
	spec := dicomtest.SeriesSpec{
		Rows: 3, Columns: 4, Slices: 5,
		Origin:       [3]float64{-10, -20, 30},
		SliceSpacing: 2.5,
		ReverseNames: true,
	}
	writeSeries(t, dir, spec)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("not dicom"), 0644))

	s, err := Load(dir, nil)
	require.NoError(t, err)
	require.Len(t, s.Slices, 5)
	assert.Equal(t, 3, s.Rows())
	assert.Equal(t, 4, s.Columns())
	assert.Equal(t, "1.2.826.0.1.3680043.8.498.1", s.SeriesInstanceUID)
	assert.Equal(t, "1.2.826.0.1.3680043.8.498.3", s.FrameOfReferenceUID)

	for k, sl := range s.Slices {
		assert.InDelta(t, 30+2.5*float64(k), sl.Position[2], 1e-9)
		assert.Equal(t, spec.SOPInstanceUID(k), sl.SOPInstanceUID)
	}
}

func TestSeriesAffine(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, dicomtest.SeriesSpec{
		Rows: 2, Columns: 2, Slices: 3,
		PixelSpacing: [2]float64{2, 3},
		SliceSpacing: 4,
		Origin:       [3]float64{5, 6, 7},
	})

	s, err := Load(dir, nil)
	require.NoError(t, err)
	aff := s.Affine()

	want := [][]float64{
		{-3, 0, 0, -5},
		{0, -2, 0, -6},
		{0, 0, 4, 7},
		{0, 0, 0, 1},
	}
	for i := range want {
		for j := range want[i] {
			assert.InDelta(t, want[i][j], aff.At(i, j), 1e-9, "affine[%d][%d]", i, j)
		}
	}
}

func TestPatientPoint(t *testing.T) {
	sl := Slice{
		Position:     [3]float64{1, 2, 3},
		Orientation:  [6]float64{0, 1, 0, 0, 0, -1},
		PixelSpacing: [2]float64{0.5, 2},
	}
	p := sl.PatientPoint(3, 4)
	assert.Equal(t, [3]float64{1, 2 + 6, 3 - 2}, p)
	assert.Equal(t, [3]float64{-1, 0, 0}, sl.Normal())
}

func TestDecodeVolume(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, dicomtest.SeriesSpec{
		Rows: 3, Columns: 4, Slices: 2,
		RescaleIntercept: -1000,
		ReverseNames:     true,
		Pixel: func(x, y, k int) uint16 {
			return uint16(x + 10*y + 100*k)
		},
	})

	vol, err := Decode(dir, nil)
	require.NoError(t, err)
	require.NoError(t, vol.Validate())
	assert.Equal(t, []int{4, 3, 2}, vol.Shape)

	for k := 0; k < 2; k++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				assert.Equal(t, float64(x+10*y+100*k)-1000, vol.At(x, y, k))
			}
		}
	}
}

func TestLoadRejectsMultipleSeries(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, filepath.Join(dir, "a"), dicomtest.SeriesSpec{Rows: 2, Columns: 2, Slices: 2, SeriesUID: "1.2.3.1"})
	writeSeries(t, filepath.Join(dir, "b"), dicomtest.SeriesSpec{Rows: 2, Columns: 2, Slices: 2, SeriesUID: "1.2.3.2"})

	_, err := Load(dir, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	assert.Contains(t, err.Error(), "1.2.3.1")
	assert.Contains(t, err.Error(), "1.2.3.2")
}

func TestLoadRejectsMixedGrids(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, filepath.Join(dir, "a"), dicomtest.SeriesSpec{Rows: 2, Columns: 2, Slices: 2})
	writeSeries(t, filepath.Join(dir, "b"), dicomtest.SeriesSpec{
		Rows: 3, Columns: 2, Slices: 1,
		Origin: [3]float64{0, 0, 10},
	})
	_, err := Load(dir, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidGeometry))
}

func TestLoadEmptyDirectory(t *testing.T) {
	_, err := Load(t.TempDir(), nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}
