package conversion

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmseg/internal/dicomtest"
	"dcmseg/pkg/config"
	"dcmseg/pkg/errs"
	"dcmseg/pkg/nifti"
	"dcmseg/pkg/orientation"
)

func TestSelectPrimaryDropsROIAndExtras(t *testing.T) {
	keep, discard := SelectPrimary([]string{
		"converted_dcm_e2.nii.gz",
		"converted_dcm_ROI1.nii.gz",
		"converted_dcm.nii.gz",
	})
	assert.Equal(t, "converted_dcm.nii.gz", keep)
	assert.Equal(t, []string{"converted_dcm_ROI1.nii.gz", "converted_dcm_e2.nii.gz"}, discard)
}

func TestSelectPrimaryKeepsFirstNonROI(t *testing.T) {
	keep, discard := SelectPrimary([]string{"a_ROI.nii.gz", "b.nii.gz", "c.nii.gz"})
	assert.Equal(t, "b.nii.gz", keep)
	assert.Len(t, discard, 2)
	assert.NotContains(t, discard, "b.nii.gz")
}

func TestSelectPrimaryEdgeCases(t *testing.T) {
	keep, discard := SelectPrimary(nil)
	assert.Empty(t, keep)
	assert.Empty(t, discard)

	keep, discard = SelectPrimary([]string{"only.nii.gz"})
	assert.Equal(t, "only.nii.gz", keep)
	assert.Empty(t, discard)

	// nothing but ROI volumes: the first one stands in for the primary
	keep, discard = SelectPrimary([]string{"x_ROI2.nii.gz", "x_ROI1.nii.gz"})
	assert.Equal(t, "x_ROI1.nii.gz", keep)
	assert.Equal(t, []string{"x_ROI2.nii.gz"}, discard)
}

func TestSelectRequestedBeatsEarlierSiblings(t *testing.T) {
	candidates := []string{"ct.nii.gz", "ct-2.nii.gz", "ct_ROI1.nii.gz"}
	keep, discard := SelectRequested(candidates, "ct.nii.gz")
	assert.Equal(t, "ct.nii.gz", keep)
	assert.Equal(t, []string{"ct-2.nii.gz", "ct_ROI1.nii.gz"}, discard)

	// without the requested name the lexicographic rule applies
	keep, _ = SelectRequested(candidates, "missing.nii.gz")
	assert.Equal(t, "ct-2.nii.gz", keep)

	keep, _ = SelectRequested([]string{"a_ROI.nii.gz", "b.nii.gz"}, "a_ROI.nii.gz")
	assert.Equal(t, "b.nii.gz", keep)
}

func TestNewSelectsStrategy(t *testing.T) {
	cfg := config.DefaultConfig()
	conv, err := New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &LibraryConverter{}, conv)

	cfg.Conversion.Strategy = config.StrategyBinary
	conv, err = New(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &BinaryConverter{}, conv)

	cfg.Conversion.Strategy = "other"
	_, err = New(cfg, nil)
	assert.True(t, errors.Is(err, errs.ErrConfiguration))
}

func TestLibraryConverterWritesRASVolume(t *testing.T) {
	tmp := t.TempDir()
	sliceDir := filepath.Join(tmp, "dcm")
	_, err := dicomtest.WriteSeries(sliceDir, dicomtest.SeriesSpec{
		Rows: 3, Columns: 4, Slices: 2,
		Origin: [3]float64{-20, -30, 40},
		Pixel: func(x, y, k int) uint16 {
			return uint16(1 + x + 10*y + 100*k)
		},
	})
	require.NoError(t, err)

	out := filepath.Join(tmp, "converted_dcm.nii.gz")
	affine, written, err := NewLibraryConverter(nil).ConvertSeries(context.Background(), sliceDir, out, false)
	require.NoError(t, err)
	assert.Equal(t, out, written)

	codes, err := orientation.AxisCodesFromAffine(affine)
	require.NoError(t, err)
	assert.Equal(t, orientation.RAS, codes)

	vol, err := nifti.Read(out)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 2}, vol.Shape)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, affine.At(i, j), vol.Affine.At(i, j), 1e-4)
		}
	}

	// axial LPS slices: columns and rows are flipped on the way to RAS
	assert.Equal(t, float64(1+0+10*0+100*1), vol.At(3, 2, 1))
	assert.Equal(t, float64(1+3+10*2+100*0), vol.At(0, 0, 0))

	// the new origin is the world position of DICOM pixel (3,2) of slice 0
	assert.InDelta(t, 17.0, affine.At(0, 3), 1e-9)
	assert.InDelta(t, 28.0, affine.At(1, 3), 1e-9)
	assert.InDelta(t, 40.0, affine.At(2, 3), 1e-9)
}

func TestLibraryConverterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewLibraryConverter(nil).ConvertSeries(ctx, t.TempDir(), filepath.Join(t.TempDir(), "x.nii.gz"), false)
	assert.ErrorIs(t, err, context.Canceled)
}
