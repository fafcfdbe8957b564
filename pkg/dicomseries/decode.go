package dicomseries

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dcmseg/internal/models"
	"dcmseg/pkg/errs"
	"dcmseg/pkg/logger"
)

// Decode loads the series in dir and decodes its pixels into a Volume with
// axes (column, row, slice) and a RAS+ affine. RescaleSlope and
// RescaleIntercept are applied per slice.
func Decode(dir string, log *logger.Logger) (*models.Volume, error) {
	log = logger.OrNop(log)

	s, err := Load(dir, log)
	if err != nil {
		return nil, err
	}

	cols, rows := s.Columns(), s.Rows()
	vol := models.NewVolume([]int{cols, rows, len(s.Slices)}, s.Affine())
	for k, sl := range s.Slices {
		if err := decodeSlice(sl, vol.Data[k*cols*rows:(k+1)*cols*rows]); err != nil {
			return nil, err
		}
	}

	log.Debug("Decoded DICOM series", "series_uid", s.SeriesInstanceUID, "shape", vol.Shape)
	return vol, nil
}

// decodeSlice fills dst (row-major, columns fastest) with the rescaled
// pixel values of one slice.
func decodeSlice(sl Slice, dst []float64) error {
	ds, err := dicom.ParseFile(sl.Path, nil)
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", sl.Path, err)
	}
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return fmt.Errorf("%w: %s has no pixel data", errs.ErrConversion, sl.Path)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) != 1 {
		return fmt.Errorf("%w: %s has %d frames; only single-frame slices are supported", errs.ErrConversion, sl.Path, len(info.Frames))
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return fmt.Errorf("%w: %s uses an encapsulated (compressed) transfer syntax", errs.ErrConversion, sl.Path)
	}
	nf := fr.NativeData
	if nf.Rows() != sl.Rows || nf.Cols() != sl.Columns {
		return fmt.Errorf("%w: %s pixel data is %dx%d, header says %dx%d", errs.ErrConversion,
			sl.Path, nf.Rows(), nf.Cols(), sl.Rows, sl.Columns)
	}

	slope, intercept := 1.0, 0.0
	if v, ok := floats(ds, tag.RescaleSlope); ok && len(v) > 0 && v[0] != 0 {
		slope = v[0]
	}
	if v, ok := floats(ds, tag.RescaleIntercept); ok && len(v) > 0 {
		intercept = v[0]
	}
	signed := false
	if v, ok := firstInt(ds, tag.PixelRepresentation); ok {
		signed = v == 1
	}
	// two's complement wrap for libraries that hand back unsigned samples
	bits := nf.BitsPerSample()

	for y := 0; y < sl.Rows; y++ {
		for x := 0; x < sl.Columns; x++ {
			px, err := nf.GetPixel(x, y)
			if err != nil {
				return fmt.Errorf("error reading pixel (%d,%d) of %s: %w", x, y, sl.Path, err)
			}
			v := px[0]
			if signed && bits > 0 && bits < 64 && v >= 1<<(bits-1) {
				v -= 1 << bits
			}
			dst[y*sl.Columns+x] = float64(v)*slope + intercept
		}
	}
	return nil
}
