// Package dicomtest writes small synthetic DICOM series for tests.
package dicomtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	ctImageStorage         = "1.2.840.10008.5.1.4.1.1.2"
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"

	defaultSeriesUID = "1.2.826.0.1.3680043.8.498.1"
)

// SeriesSpec describes a synthetic single-frame CT series.
type SeriesSpec struct {
	Rows, Columns, Slices int

	// PixelSpacing is (row spacing, column spacing); zero means 1mm.
	PixelSpacing [2]float64

	// SliceSpacing is the distance between slice origins along the normal;
	// zero means 1mm.
	SliceSpacing float64

	// Origin is the ImagePositionPatient of the first slice.
	Origin [3]float64

	// Orientation is ImageOrientationPatient; zero means axial (1,0,0,0,1,0).
	Orientation [6]float64

	// Pixel returns the stored value of column x, row y on slice k. Nil
	// fills zeros.
	Pixel func(x, y, k int) uint16

	RescaleIntercept float64

	// ReverseNames names files so that directory order is the reverse of
	// spatial order.
	ReverseNames bool

	SeriesUID string
	StudyUID  string
	FrameUID  string
}

func (s *SeriesSpec) defaults() {
	if s.PixelSpacing == [2]float64{} {
		s.PixelSpacing = [2]float64{1, 1}
	}
	if s.SliceSpacing == 0 {
		s.SliceSpacing = 1
	}
	if s.Orientation == [6]float64{} {
		s.Orientation = [6]float64{1, 0, 0, 0, 1, 0}
	}
	if s.SeriesUID == "" {
		s.SeriesUID = defaultSeriesUID
	}
	if s.StudyUID == "" {
		s.StudyUID = "1.2.826.0.1.3680043.8.498.2"
	}
	if s.FrameUID == "" {
		s.FrameUID = "1.2.826.0.1.3680043.8.498.3"
	}
}

// SOPInstanceUID is the instance UID WriteSeries gives slice k.
func (s SeriesSpec) SOPInstanceUID(k int) string {
	s.defaults()
	return fmt.Sprintf("%s.%d", s.SeriesUID, k+1)
}

// WriteSeries writes one file per slice into dir and returns their paths in
// spatial order.
func WriteSeries(dir string, spec SeriesSpec) ([]string, error) {
	spec.defaults()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	normal := [3]float64{
		spec.Orientation[1]*spec.Orientation[5] - spec.Orientation[2]*spec.Orientation[4],
		spec.Orientation[2]*spec.Orientation[3] - spec.Orientation[0]*spec.Orientation[5],
		spec.Orientation[0]*spec.Orientation[4] - spec.Orientation[1]*spec.Orientation[3],
	}

	paths := make([]string, spec.Slices)
	for k := 0; k < spec.Slices; k++ {
		var ipp [3]float64
		for i := range ipp {
			ipp[i] = spec.Origin[i] + normal[i]*spec.SliceSpacing*float64(k)
		}

		nf := frame.NewNativeFrame[uint16](16, spec.Rows, spec.Columns, spec.Rows*spec.Columns, 1)
		if spec.Pixel != nil {
			for y := 0; y < spec.Rows; y++ {
				for x := 0; x < spec.Columns; x++ {
					nf.RawData[y*spec.Columns+x] = spec.Pixel(x, y, k)
				}
			}
		}

		uid := spec.SOPInstanceUID(k)
		elems := []*dicom.Element{
			mustNewElement(tag.FileMetaInformationVersion, []byte{0, 1}),
			mustNewElement(tag.MediaStorageSOPClassUID, []string{ctImageStorage}),
			mustNewElement(tag.MediaStorageSOPInstanceUID, []string{uid}),
			mustNewElement(tag.TransferSyntaxUID, []string{explicitVRLittleEndian}),
			mustNewElement(tag.SOPClassUID, []string{ctImageStorage}),
			mustNewElement(tag.SOPInstanceUID, []string{uid}),
			mustNewElement(tag.StudyDate, []string{"20250101"}),
			mustNewElement(tag.Modality, []string{"CT"}),
			mustNewElement(tag.PatientName, []string{"Test^Phantom"}),
			mustNewElement(tag.PatientID, []string{"PHANTOM01"}),
			mustNewElement(tag.StudyInstanceUID, []string{spec.StudyUID}),
			mustNewElement(tag.SeriesInstanceUID, []string{spec.SeriesUID}),
			mustNewElement(tag.StudyID, []string{"1"}),
			mustNewElement(tag.SeriesNumber, []string{"1"}),
			mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", k+1)}),
			mustNewElement(tag.ImagePositionPatient, dsStrings(ipp[:]...)),
			mustNewElement(tag.ImageOrientationPatient, dsStrings(spec.Orientation[:]...)),
			mustNewElement(tag.FrameOfReferenceUID, []string{spec.FrameUID}),
			mustNewElement(tag.SliceThickness, dsStrings(spec.SliceSpacing)),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
			mustNewElement(tag.Rows, []int{spec.Rows}),
			mustNewElement(tag.Columns, []int{spec.Columns}),
			mustNewElement(tag.PixelSpacing, dsStrings(spec.PixelSpacing[:]...)),
			mustNewElement(tag.BitsAllocated, []int{16}),
			mustNewElement(tag.BitsStored, []int{16}),
			mustNewElement(tag.HighBit, []int{15}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
			mustNewElement(tag.RescaleIntercept, dsStrings(spec.RescaleIntercept)),
			mustNewElement(tag.RescaleSlope, []string{"1"}),
			mustNewElement(tag.PixelData, dicom.PixelDataInfo{
				Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
			}),
		}
		sortElements(elems)

		name := fmt.Sprintf("IM%04d.dcm", k+1)
		if spec.ReverseNames {
			name = fmt.Sprintf("IM%04d.dcm", spec.Slices-k)
		}
		path := filepath.Join(dir, name)
		if err := writeDataset(path, dicom.Dataset{Elements: elems}); err != nil {
			return nil, fmt.Errorf("error writing slice %d: %w", k, err)
		}
		paths[k] = path
	}
	return paths, nil
}

func writeDataset(path string, ds dicom.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dicom.Write(f, ds)
}

func mustNewElement(t tag.Tag, data any) *dicom.Element {
	el, err := dicom.NewElement(t, data)
	if err != nil {
		panic(fmt.Sprintf("dicomtest: element %v: %v", t, err))
	}
	return el
}

func dsStrings(vals ...float64) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprintf("%g", v)
	}
	return out
}

func sortElements(elems []*dicom.Element) {
	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
}
