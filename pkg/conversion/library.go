package conversion

import (
	"context"

	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/dicomseries"
	"dcmseg/pkg/logger"
	"dcmseg/pkg/nifti"
	"dcmseg/pkg/orientation"
)

// LibraryConverter decodes the series in-process and writes a single
// volume reoriented to the closest canonical RAS+ layout.
type LibraryConverter struct {
	log *logger.Logger
}

// NewLibraryConverter returns a LibraryConverter logging to log, which may
// be nil.
func NewLibraryConverter(log *logger.Logger) *LibraryConverter {
	return &LibraryConverter{log: logger.OrNop(log)}
}

// ConvertSeries decodes sliceDir, reorients it to RAS and writes it to
// outputPath, gzip-compressed when the name ends in .gz. Decoder diagnostics
// are logged only when verbose is set.
func (c *LibraryConverter) ConvertSeries(ctx context.Context, sliceDir, outputPath string, verbose bool) (*mat.Dense, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	decodeLog := logger.NewNop()
	if verbose {
		decodeLog = c.log
	}

	vol, err := dicomseries.Decode(sliceDir, decodeLog)
	if err != nil {
		return nil, "", err
	}
	ras, err := vol.Reoriented(orientation.RAS)
	if err != nil {
		return nil, "", err
	}
	if err := nifti.Write(outputPath, ras, &nifti.WriteOptions{Description: "dcmseg"}); err != nil {
		return nil, "", err
	}

	c.log.Info("Converted DICOM series", "slices", sliceDir, "output", outputPath, "shape", ras.Shape)
	return ras.Affine, outputPath, nil
}
