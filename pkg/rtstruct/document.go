// Package rtstruct builds DICOM RT Structure Set objects from label masks
// aligned to a reference image series.
package rtstruct

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dcmseg/pkg/dicomseries"
	"dcmseg/pkg/errs"
	"dcmseg/pkg/logger"
)

// palette holds the ROI display colours, assigned in ROI order.
var palette = [][3]int{
	{255, 0, 255}, {0, 235, 235}, {255, 255, 0}, {255, 0, 0},
	{0, 132, 255}, {0, 240, 0}, {255, 175, 0}, {0, 208, 255},
	{180, 255, 105}, {255, 20, 147}, {160, 32, 240}, {0, 255, 127},
}

// copiedFromReference are the patient and study attributes an RT Structure
// Set shares with the images it outlines.
var copiedFromReference = []tag.Tag{
	tag.PatientName,
	tag.PatientID,
	tag.PatientBirthDate,
	tag.PatientSex,
	tag.StudyDate,
	tag.StudyTime,
	tag.StudyID,
	tag.StudyDescription,
	tag.AccessionNumber,
	tag.ReferringPhysicianName,
}

type contour struct {
	slice  int
	points []float64 // x0, y0, z0, x1, ...
}

type roi struct {
	number   int
	name     string
	color    [3]int
	contours []contour
}

// Document is an RT Structure Set under construction. ROIs are added one at
// a time and the document is written once.
type Document struct {
	ref   *dicomseries.Series
	rois  []roi
	saved bool
	log   *logger.Logger
	now   func() time.Time
}

// NewDocument starts an empty structure set outlining ref.
func NewDocument(ref *dicomseries.Series, opts ...Option) (*Document, error) {
	if ref == nil || len(ref.Slices) == 0 {
		return nil, fmt.Errorf("%w: reference series has no slices", errs.ErrInvalidInput)
	}
	o := buildOptions(opts)
	return &Document{ref: ref, log: o.traceLogger(), now: o.now}, nil
}

// ROINames lists the ROIs added so far, in order.
func (d *Document) ROINames() []string {
	names := make([]string, len(d.rois))
	for i, r := range d.rois {
		names[i] = r.name
	}
	return names
}

// AddROI traces mask and adds it as a named ROI. mask is laid out as
// (slice, row, column), row-major, with slices in reference series order;
// non-zero marks the structure.
func (d *Document) AddROI(mask []uint8, name string) error {
	if d.saved {
		return fmt.Errorf("%w: document was already saved", errs.ErrInvalidInput)
	}
	if name == "" {
		return fmt.Errorf("%w: ROI name is empty", errs.ErrInvalidInput)
	}
	rows, cols, n := d.ref.Rows(), d.ref.Columns(), len(d.ref.Slices)
	if len(mask) != n*rows*cols {
		return fmt.Errorf("%w: mask for %q has %d voxels, reference series is %dx%dx%d (slices, rows, columns)",
			errs.ErrInvalidGeometry, name, len(mask), n, rows, cols)
	}

	r := roi{
		number: len(d.rois) + 1,
		name:   name,
		color:  palette[len(d.rois)%len(palette)],
	}
	plane := rows * cols
	for k, sl := range d.ref.Slices {
		loops, err := TraceSlice(mask[k*plane:(k+1)*plane], rows, cols)
		if err != nil {
			return fmt.Errorf("error tracing %q on slice %d: %w", name, k, err)
		}
		for _, loop := range loops {
			c := contour{slice: k, points: make([]float64, 0, 3*len(loop))}
			for _, v := range loop {
				// corner (X, Y) sits half a pixel before the centre of pixel (X, Y)
				p := sl.PatientPoint(float64(v.X)-0.5, float64(v.Y)-0.5)
				c.points = append(c.points, p[0], p[1], p[2])
			}
			r.contours = append(r.contours, c)
		}
		if len(loops) > 0 {
			d.log.Debug("Traced contours", "roi", name, "slice", k, "contours", len(loops))
		}
	}
	if len(r.contours) == 0 {
		return fmt.Errorf("%w: mask for %q is empty", errs.ErrInvalidInput, name)
	}

	d.rois = append(d.rois, r)
	return nil
}

// Save writes the structure set to path. The file appears complete or not
// at all; a document can be saved only once.
func (d *Document) Save(path string) error {
	if d.saved {
		return fmt.Errorf("%w: document was already saved", errs.ErrInvalidInput)
	}
	ds, err := d.dataset()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rtstruct-*")
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := dicom.Write(tmp, ds); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing RT Structure Set: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	d.saved = true
	return nil
}

func (d *Document) dataset() (dicom.Dataset, error) {
	b := &builder{}
	ref := d.ref
	now := d.now()
	sopUID := newUID()

	b.add(tag.FileMetaInformationVersion, []byte{0, 1})
	b.add(tag.MediaStorageSOPClassUID, []string{rtStructureSetStorage})
	b.add(tag.MediaStorageSOPInstanceUID, []string{sopUID})
	b.add(tag.TransferSyntaxUID, []string{explicitVRLittleEndian})
	b.add(tag.ImplementationClassUID, []string{implementationClassUID})

	b.add(tag.SpecificCharacterSet, []string{"ISO_IR 100"})
	b.add(tag.InstanceCreationDate, []string{now.Format("20060102")})
	b.add(tag.InstanceCreationTime, []string{now.Format("150405")})
	b.add(tag.SOPClassUID, []string{rtStructureSetStorage})
	b.add(tag.SOPInstanceUID, []string{sopUID})
	b.add(tag.Modality, []string{"RTSTRUCT"})
	b.add(tag.Manufacturer, []string{"dcmseg"})
	b.add(tag.SeriesDescription, []string{"Segmentation"})
	b.add(tag.StudyInstanceUID, []string{ref.StudyInstanceUID})
	b.add(tag.SeriesInstanceUID, []string{newUID()})
	b.add(tag.SeriesNumber, []string{"1"})
	b.add(tag.InstanceNumber, []string{"1"})
	b.add(tag.FrameOfReferenceUID, []string{ref.FrameOfReferenceUID})
	for _, t := range copiedFromReference {
		b.add(t, referenceStrings(ref.Header, t))
	}

	b.add(tagStructureSetLabel, []string{"dcmseg"})
	b.add(tagStructureSetName, []string{"dcmseg"})
	b.add(tagStructureSetDate, []string{now.Format("20060102")})
	b.add(tagStructureSetTime, []string{now.Format("150405")})

	var images [][]*dicom.Element
	for _, sl := range ref.Slices {
		images = append(images, b.imageRef(sl))
	}
	b.add(tagReferencedFrameOfReferenceSequence, [][]*dicom.Element{{
		b.el(tag.FrameOfReferenceUID, []string{ref.FrameOfReferenceUID}),
		b.el(tagRTReferencedStudySequence, [][]*dicom.Element{{
			b.el(tagReferencedSOPClassUID, []string{studyManagementSOPClass}),
			b.el(tagReferencedSOPInstanceUID, []string{ref.StudyInstanceUID}),
			b.el(tagRTReferencedSeriesSequence, [][]*dicom.Element{{
				b.el(tag.SeriesInstanceUID, []string{ref.SeriesInstanceUID}),
				b.el(tagContourImageSequence, images),
			}}),
		}}),
	}})

	setROIs := [][]*dicom.Element{}
	roiContours := [][]*dicom.Element{}
	observations := [][]*dicom.Element{}
	for _, r := range d.rois {
		number := []string{strconv.Itoa(r.number)}
		setROIs = append(setROIs, []*dicom.Element{
			b.el(tagROINumber, number),
			b.el(tagReferencedFrameOfReferenceUID, []string{ref.FrameOfReferenceUID}),
			b.el(tagROIName, []string{r.name}),
			b.el(tagROIGenerationAlgorithm, []string{"AUTOMATIC"}),
		})

		contours := [][]*dicom.Element{}
		for i, c := range r.contours {
			contours = append(contours, []*dicom.Element{
				b.el(tagContourImageSequence, [][]*dicom.Element{b.imageRef(ref.Slices[c.slice])}),
				b.el(tagContourGeometricType, []string{"CLOSED_PLANAR"}),
				b.el(tagNumberOfContourPoints, []string{strconv.Itoa(len(c.points) / 3)}),
				b.el(tagContourNumber, []string{strconv.Itoa(i + 1)}),
				b.el(tagContourData, decimalStrings(c.points)),
			})
		}
		roiContours = append(roiContours, []*dicom.Element{
			b.el(tagROIDisplayColor, []string{
				strconv.Itoa(r.color[0]), strconv.Itoa(r.color[1]), strconv.Itoa(r.color[2]),
			}),
			b.el(tagContourSequence, contours),
			b.el(tagReferencedROINumber, number),
		})

		observations = append(observations, []*dicom.Element{
			b.el(tagObservationNumber, number),
			b.el(tagReferencedROINumber, number),
			b.el(tagROIObservationLabel, []string{r.name}),
			b.el(tagRTROIInterpretedType, []string{"ORGAN"}),
			b.el(tagROIInterpreter, []string{""}),
		})
	}
	b.add(tagStructureSetROISequence, setROIs)
	b.add(tagROIContourSequence, roiContours)
	b.add(tagRTROIObservationsSequence, observations)

	if b.err != nil {
		return dicom.Dataset{}, b.err
	}
	sortElements(b.elems)
	return dicom.Dataset{Elements: b.elems}, nil
}

// builder collects elements and keeps the first construction error.
type builder struct {
	elems []*dicom.Element
	err   error
}

func (b *builder) el(t tag.Tag, data any) *dicom.Element {
	if b.err != nil {
		return nil
	}
	if items, ok := data.([][]*dicom.Element); ok {
		for _, item := range items {
			sortElements(item)
		}
	}
	el, err := dicom.NewElement(t, data)
	if err != nil {
		b.err = fmt.Errorf("error building element %v: %w", t, err)
		return nil
	}
	return el
}

func (b *builder) add(t tag.Tag, data any) {
	if el := b.el(t, data); el != nil {
		b.elems = append(b.elems, el)
	}
}

func (b *builder) imageRef(sl dicomseries.Slice) []*dicom.Element {
	return []*dicom.Element{
		b.el(tagReferencedSOPClassUID, []string{sl.SOPClassUID}),
		b.el(tagReferencedSOPInstanceUID, []string{sl.SOPInstanceUID}),
	}
}

// referenceStrings returns the value of t in the reference header, or a
// single empty value when the header lacks it.
func referenceStrings(ds dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return []string{""}
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return []string{""}
	}
	return vals
}

// decimalStrings renders coordinates as DS values rounded to 0.1 micron.
func decimalStrings(vals []float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
	}
	return out
}

// newUID returns a UUID-derived UID under the 2.25 root.
func newUID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// sortElements puts elements in ascending tag order. Nil entries, left by a
// failed construction, stay where they are.
func sortElements(elems []*dicom.Element) {
	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i], elems[j]
		if a == nil || b == nil {
			return false
		}
		if a.Tag.Group != b.Tag.Group {
			return a.Tag.Group < b.Tag.Group
		}
		return a.Tag.Element < b.Tag.Element
	})
}
