// Package visualization renders preview slices of a converted volume.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"dcmseg/internal/models"
	"dcmseg/pkg/errs"
)

// Default display window, as quantiles of the voxel intensities.
const (
	LowQuantile  = 0.01
	HighQuantile = 0.99
)

// Viewer extracts windowed 2D slices from a 3D volume. Axis "x" is the first
// array axis, "y" the second and "z" the third.
type Viewer struct {
	vol *models.Volume

	// display window: lo maps to black, hi to white
	lo, hi float64
}

// NewViewer creates a viewer for a 3D volume with the window set to the
// 1st..99th percentile of its intensities.
func NewViewer(vol *models.Volume) (*Viewer, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if len(vol.Shape) != 3 {
		return nil, fmt.Errorf("%w: preview needs a 3D volume, got shape %v", errs.ErrInvalidGeometry, vol.Shape)
	}

	sorted := append([]float64(nil), vol.Data...)
	sort.Float64s(sorted)
	v := &Viewer{vol: vol}
	v.SetWindow(
		stat.Quantile(LowQuantile, stat.Empirical, sorted, nil),
		stat.Quantile(HighQuantile, stat.Empirical, sorted, nil),
	)
	return v, nil
}

// SetWindow sets the intensity range mapped onto the grey scale.
func (v *Viewer) SetWindow(lo, hi float64) {
	if hi <= lo {
		hi = lo + 1
	}
	v.lo, v.hi = lo, hi
}

// Window returns the current intensity range.
func (v *Viewer) Window() (lo, hi float64) {
	return v.lo, v.hi
}

func (v *Viewer) gray(value float64) color.Gray16 {
	t := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, t*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	nx, ny, nz := v.vol.Shape[0], v.vol.Shape[1], v.vol.Shape[2]
	size, err := v.axisSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= size {
		return nil, fmt.Errorf("position %d outside axis %s of size %d", position, axis, size)
	}

	var img *image.Gray16
	switch axis {
	case "x", "X":
		img = image.NewGray16(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetGray16(z, y, v.gray(v.vol.At(position, y, z)))
			}
		}
	case "y", "Y":
		img = image.NewGray16(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, z, v.gray(v.vol.At(x, position, z)))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray16(x, y, v.gray(v.vol.At(x, y, position)))
			}
		}
	}
	return img, nil
}

func (v *Viewer) axisSize(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.vol.Shape[0], nil
	case "y", "Y":
		return v.vol.Shape[1], nil
	case "z", "Z":
		return v.vol.Shape[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// as slice_<axis>_NNN.jpg.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	size, err := v.axisSize(axis)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < size; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveAllAxes writes the slice sequence of each axis into outputDir/x,
// outputDir/y and outputDir/z.
func (v *Viewer) SaveAllAxes(outputDir string) error {
	for _, axis := range []string{"x", "y", "z"} {
		if err := v.SaveSliceSequence(axis, filepath.Join(outputDir, axis)); err != nil {
			return fmt.Errorf("error saving %s-axis slices: %w", axis, err)
		}
	}
	return nil
}
