// Package conversion turns a directory of DICOM slices into one compressed
// NIfTI volume. Two interchangeable strategies implement SeriesConverter:
// LibraryConverter decodes in-process, BinaryConverter drives dcm2niix.
package conversion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/config"
	"dcmseg/pkg/errs"
	"dcmseg/pkg/logger"
)

// SeriesConverter writes the series in sliceDir as a NIfTI volume at
// outputPath and returns the volume's affine along with the path actually
// written.
type SeriesConverter interface {
	ConvertSeries(ctx context.Context, sliceDir, outputPath string, verbose bool) (*mat.Dense, string, error)
}

// New returns the converter selected by cfg.Conversion.Strategy.
func New(cfg *config.Config, log *logger.Logger) (SeriesConverter, error) {
	log = logger.OrNop(log).With("strategy", cfg.Conversion.Strategy)
	switch cfg.Conversion.Strategy {
	case config.StrategyLibrary:
		return NewLibraryConverter(log), nil
	case config.StrategyBinary:
		return NewBinaryConverter(BinaryOptions{
			ConfigDir: cfg.ConfigDir,
			Releases:  cfg.Download.Releases,
			Timeout:   cfg.Download.Timeout,
		}, log), nil
	}
	return nil, fmt.Errorf("%w: unknown conversion strategy %q", errs.ErrConfiguration, cfg.Conversion.Strategy)
}

// roiMarker flags converter outputs that hold a region of interest rather
// than the primary image.
const roiMarker = "ROI"

// SelectPrimary picks the primary volume among the files a converter wrote
// for one series. Names containing "ROI" are dropped as long as another
// candidate remains; of the rest the lexicographically first is kept.
// Everything not kept is returned in discard, in lexicographic order.
func SelectPrimary(candidates []string) (keep string, discard []string) {
	if len(candidates) == 0 {
		return "", nil
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	var primary, roi []string
	for _, name := range sorted {
		if strings.Contains(name, roiMarker) {
			roi = append(roi, name)
		} else {
			primary = append(primary, name)
		}
	}
	if len(primary) == 0 {
		return sorted[0], sorted[1:]
	}

	discard = append(discard, roi...)
	discard = append(discard, primary[1:]...)
	sort.Strings(discard)
	return primary[0], discard
}

// SelectRequested is SelectPrimary, except that requested is kept whenever
// it is one of the non-ROI candidates.
func SelectRequested(candidates []string, requested string) (keep string, discard []string) {
	if strings.Contains(requested, roiMarker) {
		return SelectPrimary(candidates)
	}
	found := false
	for _, name := range candidates {
		if name == requested {
			found = true
		} else {
			discard = append(discard, name)
		}
	}
	if !found {
		return SelectPrimary(candidates)
	}
	sort.Strings(discard)
	return requested, discard
}
