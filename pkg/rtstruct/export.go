package rtstruct

import (
	"fmt"
	"time"

	"dcmseg/internal/models"
	"dcmseg/pkg/dicomseries"
	"dcmseg/pkg/errs"
	"dcmseg/pkg/logger"
	"dcmseg/pkg/orientation"
)

type options struct {
	verbose bool
	log     *logger.Logger
	now     func() time.Time
}

// Option customises Export and NewDocument.
type Option func(*options)

// WithVerbose lets per-slice contour diagnostics through to the logger.
func WithVerbose(v bool) Option {
	return func(o *options) { o.verbose = v }
}

// WithLogger sets the logger for progress messages.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock fixes the creation date and time written into the document.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logger.OrNop(o.log)
	return o
}

// traceLogger is silent unless verbose was requested.
func (o options) traceLogger() *logger.Logger {
	if o.verbose {
		return o.log
	}
	return logger.NewNop()
}

// Export writes one RT Structure Set to outputPath with a ROI for every
// non-background class present in seg. seg must be a 3D label volume on the
// grid of ref; it is brought into DICOM (LPS) orientation, then onto the
// axes of ref, before tracing.
// Classes without voxels are skipped. Any tracing failure aborts the export
// before a file is written.
func Export(seg *models.Volume, classes models.ClassMap, ref *dicomseries.Series, outputPath string, opts ...Option) error {
	o := buildOptions(opts)
	log := o.log

	if err := seg.Validate(); err != nil {
		return err
	}
	if err := classes.Validate(); err != nil {
		return err
	}
	if ref == nil || len(ref.Slices) == 0 {
		return fmt.Errorf("%w: reference series has no slices", errs.ErrInvalidInput)
	}

	labels, err := slicesFirst(seg, ref)
	if err != nil {
		return err
	}

	doc, err := NewDocument(ref, opts...)
	if err != nil {
		return err
	}
	for _, c := range classes {
		if c.Index == models.Background {
			continue
		}
		mask, found := classMask(labels, c.Index)
		if !found {
			log.Debug("Skipping class without voxels", "index", c.Index, "name", c.Name)
			continue
		}
		if err := doc.AddROI(mask, c.Name); err != nil {
			return err
		}
	}

	if err := doc.Save(outputPath); err != nil {
		return err
	}
	log.Info("Wrote RT Structure Set", "path", outputPath, "rois", doc.ROINames())
	return nil
}

// ExportFromDir loads the reference series from refDir and calls Export.
func ExportFromDir(seg *models.Volume, classes models.ClassMap, refDir, outputPath string, opts ...Option) error {
	o := buildOptions(opts)
	ref, err := dicomseries.Load(refDir, o.traceLogger())
	if err != nil {
		return err
	}
	return Export(seg, classes, ref, outputPath, opts...)
}

// slicesFirst reorients seg to LPS, then onto the reference grid's own axes,
// and lays it out as (slice, row, column), row-major, checking it against
// the reference grid.
func slicesFirst(seg *models.Volume, ref *dicomseries.Series) ([]float64, error) {
	data, shape, err := orientation.AlignToReference(seg.Data, seg.Shape, seg.Affine, orientation.LPS)
	if err != nil {
		return nil, err
	}
	// The reference axes are (column, row, slice) in the directions of its
	// orientation and slice order, which need not be L, P, S.
	refCodes, err := orientation.AxisCodesFromAffine(ref.Affine())
	if err != nil {
		return nil, fmt.Errorf("%w: reference series orientation: %v", errs.ErrInvalidGeometry, err)
	}
	if refCodes != orientation.LPS {
		data, shape, err = orientation.AlignCodes(data, shape, orientation.LPS, refCodes)
		if err != nil {
			return nil, err
		}
	}

	cols, rows, slices := shape[0], shape[1], shape[2]
	got := []int{slices, rows, cols}
	want := []int{len(ref.Slices), ref.Rows(), ref.Columns()}
	if got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		return nil, fmt.Errorf("%w: segmentation is %v (slices, rows, columns) on the %s reference grid, reference series is %v",
			errs.ErrInvalidGeometry, got, refCodes, want)
	}

	out := make([]float64, len(data))
	for k := 0; k < slices; k++ {
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				out[(k*rows+r)*cols+c] = data[c+cols*(r+rows*k)]
			}
		}
	}
	return out, nil
}

// classMask marks the voxels labelled index.
func classMask(labels []float64, index int) ([]uint8, bool) {
	mask := make([]uint8, len(labels))
	want := float64(index)
	found := false
	for i, v := range labels {
		if v == want {
			mask[i] = 1
			found = true
		}
	}
	return mask, found
}
