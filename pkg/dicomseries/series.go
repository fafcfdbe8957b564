// Package dicomseries scans a directory of DICOM slices into an ordered
// series with per-slice geometry, and decodes a series into a Volume.
//
// Element decoding is done by github.com/suyashkumar/dicom; this package only
// adds the geometry conventions: slices are ordered along the slice normal
// (row direction x column direction) and volume axes run along the column
// index, the row index and the slice order, in that order.
package dicomseries

import (
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/errs"
	"dcmseg/pkg/logger"
)

// Slice is the geometry and identity of one image of a series.
type Slice struct {
	Path           string
	SOPInstanceUID string
	SOPClassUID    string
	InstanceNumber int

	// Position is ImagePositionPatient: the LPS coordinate of the centre of
	// the first transmitted pixel.
	Position [3]float64

	// Orientation is ImageOrientationPatient: the row direction cosines
	// followed by the column direction cosines.
	Orientation [6]float64

	// PixelSpacing holds the spacing between rows, then between columns.
	PixelSpacing [2]float64

	Rows    int
	Columns int

	SliceThickness float64
}

// RowDirection is the LPS direction of increasing column index.
func (s Slice) RowDirection() [3]float64 {
	return [3]float64{s.Orientation[0], s.Orientation[1], s.Orientation[2]}
}

// ColumnDirection is the LPS direction of increasing row index.
func (s Slice) ColumnDirection() [3]float64 {
	return [3]float64{s.Orientation[3], s.Orientation[4], s.Orientation[5]}
}

// Normal is RowDirection x ColumnDirection.
func (s Slice) Normal() [3]float64 {
	return cross(s.RowDirection(), s.ColumnDirection())
}

// PatientPoint maps fractional pixel coordinates (column x, row y) of the
// slice to an LPS patient coordinate in millimetres.
func (s Slice) PatientPoint(x, y float64) [3]float64 {
	r, c := s.RowDirection(), s.ColumnDirection()
	var p [3]float64
	for i := 0; i < 3; i++ {
		p[i] = s.Position[i] + r[i]*s.PixelSpacing[1]*x + c[i]*s.PixelSpacing[0]*y
	}
	return p
}

// Series is one acquisition, ordered along the slice normal.
type Series struct {
	Slices              []Slice
	SeriesInstanceUID   string
	StudyInstanceUID    string
	FrameOfReferenceUID string

	// Header is the parsed header (without pixel data) of the first slice,
	// kept as the source of patient and study attributes.
	Header dicom.Dataset
}

// Rows is the row count shared by all slices.
func (s *Series) Rows() int { return s.Slices[0].Rows }

// Columns is the column count shared by all slices.
func (s *Series) Columns() int { return s.Slices[0].Columns }

// Affine returns the voxel-to-world matrix (RAS+) for a volume whose axes
// are (column, row, slice).
func (s *Series) Affine() *mat.Dense {
	first := s.Slices[0]
	r, c := first.RowDirection(), first.ColumnDirection()

	var step [3]float64
	if n := len(s.Slices); n > 1 {
		last := s.Slices[n-1]
		for i := 0; i < 3; i++ {
			step[i] = (last.Position[i] - first.Position[i]) / float64(n-1)
		}
	} else {
		thickness := first.SliceThickness
		if thickness <= 0 {
			thickness = 1
		}
		nrm := first.Normal()
		for i := 0; i < 3; i++ {
			step[i] = nrm[i] * thickness
		}
	}

	lps := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		lps.Set(i, 0, r[i]*first.PixelSpacing[1])
		lps.Set(i, 1, c[i]*first.PixelSpacing[0])
		lps.Set(i, 2, step[i])
		lps.Set(i, 3, first.Position[i])
	}
	lps.Set(3, 3, 1)

	var ras mat.Dense
	ras.Mul(mat.NewDiagDense(4, []float64{-1, -1, 1, 1}), lps)
	return &ras
}

// Load scans dir recursively and returns the single image series found
// there. Files that are not DICOM, or carry no image geometry (DICOMDIR,
// structure sets), are skipped.
func Load(dir string, log *logger.Logger) (*Series, error) {
	log = logger.OrNop(log)

	bySeries := make(map[string]*Series)
	var order []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			log.Debug("Skipping non-DICOM file", "path", path, "error", err)
			return nil
		}
		sl, ok := sliceFromDataset(path, ds)
		if !ok {
			log.Debug("Skipping DICOM file without image geometry", "path", path)
			return nil
		}
		uid, _ := firstString(ds, tag.SeriesInstanceUID)
		s, seen := bySeries[uid]
		if !seen {
			s = &Series{SeriesInstanceUID: uid, Header: ds}
			s.StudyInstanceUID, _ = firstString(ds, tag.StudyInstanceUID)
			s.FrameOfReferenceUID, _ = firstString(ds, tag.FrameOfReferenceUID)
			bySeries[uid] = s
			order = append(order, uid)
		}
		s.Slices = append(s.Slices, sl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning %s: %w", dir, err)
	}

	switch len(order) {
	case 0:
		return nil, fmt.Errorf("%w: no DICOM image slices found in %s", errs.ErrInvalidInput, dir)
	case 1:
	default:
		sort.Strings(order)
		return nil, fmt.Errorf("%w: %s holds %d series (%s); expected one", errs.ErrInvalidInput, dir, len(order), strings.Join(order, ", "))
	}

	s := bySeries[order[0]]
	if err := s.sortAndCheck(); err != nil {
		return nil, err
	}
	log.Debug("Loaded DICOM series", "series_uid", s.SeriesInstanceUID, "slices", len(s.Slices),
		"rows", s.Rows(), "columns", s.Columns())
	return s, nil
}

// sortAndCheck orders slices along the normal of the first slice and
// rejects series whose slices do not share one image grid.
func (s *Series) sortAndCheck() error {
	nrm := s.Slices[0].Normal()
	sort.SliceStable(s.Slices, func(i, j int) bool {
		di, dj := dot(nrm, s.Slices[i].Position), dot(nrm, s.Slices[j].Position)
		if di != dj {
			return di < dj
		}
		return s.Slices[i].InstanceNumber < s.Slices[j].InstanceNumber
	})

	first := s.Slices[0]
	for _, sl := range s.Slices[1:] {
		if sl.Rows != first.Rows || sl.Columns != first.Columns {
			return fmt.Errorf("%w: slice %s is %dx%d, series is %dx%d", errs.ErrInvalidGeometry,
				sl.Path, sl.Rows, sl.Columns, first.Rows, first.Columns)
		}
		for i := range sl.Orientation {
			if math.Abs(sl.Orientation[i]-first.Orientation[i]) > 1e-3 {
				return fmt.Errorf("%w: slice %s has orientation %v, series has %v", errs.ErrInvalidGeometry,
					sl.Path, sl.Orientation, first.Orientation)
			}
		}
	}
	return nil
}

func sliceFromDataset(path string, ds dicom.Dataset) (Slice, bool) {
	sl := Slice{Path: path}

	ipp, ok := floats(ds, tag.ImagePositionPatient)
	if !ok || len(ipp) != 3 {
		return sl, false
	}
	iop, ok := floats(ds, tag.ImageOrientationPatient)
	if !ok || len(iop) != 6 {
		return sl, false
	}
	copy(sl.Position[:], ipp)
	copy(sl.Orientation[:], iop)

	if ps, ok := floats(ds, tag.PixelSpacing); ok && len(ps) == 2 {
		copy(sl.PixelSpacing[:], ps)
	} else {
		sl.PixelSpacing = [2]float64{1, 1}
	}
	if sl.Rows, ok = firstInt(ds, tag.Rows); !ok {
		return sl, false
	}
	if sl.Columns, ok = firstInt(ds, tag.Columns); !ok {
		return sl, false
	}
	sl.SOPInstanceUID, _ = firstString(ds, tag.SOPInstanceUID)
	sl.SOPClassUID, _ = firstString(ds, tag.SOPClassUID)
	sl.InstanceNumber, _ = firstInt(ds, tag.InstanceNumber)
	if th, ok := floats(ds, tag.SliceThickness); ok && len(th) > 0 {
		sl.SliceThickness = th[0]
	}
	return sl, true
}

// firstString returns the first value of a string-valued element.
func firstString(ds dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(vals[0], "\x00")), true
}

// firstInt returns the first value of an integer element, accepting both
// binary (US, UL, SS) and string (IS) encodings.
func firstInt(ds dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0], true
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimRight(v[0], "\x00")))
			return n, err == nil
		}
	}
	return 0, false
}

// floats returns the values of a decimal string (DS) or float element.
func floats(ds dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v, true
	case []string:
		out := make([]float64, 0, len(v))
		for _, s := range v {
			f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(s, "\x00")), 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	}
	return nil, false
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
