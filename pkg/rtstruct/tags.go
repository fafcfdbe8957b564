package rtstruct

import "github.com/suyashkumar/dicom/pkg/tag"

// RT Structure Set module attributes (PS3.3 C.8.8.5, C.8.8.6, C.8.8.8).
var (
	tagStructureSetLabel                  = tag.Tag{Group: 0x3006, Element: 0x0002}
	tagStructureSetName                   = tag.Tag{Group: 0x3006, Element: 0x0004}
	tagStructureSetDate                   = tag.Tag{Group: 0x3006, Element: 0x0008}
	tagStructureSetTime                   = tag.Tag{Group: 0x3006, Element: 0x0009}
	tagReferencedFrameOfReferenceSequence = tag.Tag{Group: 0x3006, Element: 0x0010}
	tagRTReferencedStudySequence          = tag.Tag{Group: 0x3006, Element: 0x0012}
	tagRTReferencedSeriesSequence         = tag.Tag{Group: 0x3006, Element: 0x0014}
	tagContourImageSequence               = tag.Tag{Group: 0x3006, Element: 0x0016}
	tagStructureSetROISequence            = tag.Tag{Group: 0x3006, Element: 0x0020}
	tagROINumber                          = tag.Tag{Group: 0x3006, Element: 0x0022}
	tagReferencedFrameOfReferenceUID      = tag.Tag{Group: 0x3006, Element: 0x0024}
	tagROIName                            = tag.Tag{Group: 0x3006, Element: 0x0026}
	tagROIDisplayColor                    = tag.Tag{Group: 0x3006, Element: 0x002A}
	tagROIGenerationAlgorithm             = tag.Tag{Group: 0x3006, Element: 0x0036}
	tagROIContourSequence                 = tag.Tag{Group: 0x3006, Element: 0x0039}
	tagContourSequence                    = tag.Tag{Group: 0x3006, Element: 0x0040}
	tagContourGeometricType               = tag.Tag{Group: 0x3006, Element: 0x0042}
	tagNumberOfContourPoints              = tag.Tag{Group: 0x3006, Element: 0x0046}
	tagContourNumber                      = tag.Tag{Group: 0x3006, Element: 0x0048}
	tagContourData                        = tag.Tag{Group: 0x3006, Element: 0x0050}
	tagRTROIObservationsSequence          = tag.Tag{Group: 0x3006, Element: 0x0080}
	tagObservationNumber                  = tag.Tag{Group: 0x3006, Element: 0x0082}
	tagReferencedROINumber                = tag.Tag{Group: 0x3006, Element: 0x0084}
	tagROIObservationLabel                = tag.Tag{Group: 0x3006, Element: 0x0085}
	tagRTROIInterpretedType               = tag.Tag{Group: 0x3006, Element: 0x00A4}
	tagROIInterpreter                     = tag.Tag{Group: 0x3006, Element: 0x00A6}

	tagReferencedSOPClassUID    = tag.Tag{Group: 0x0008, Element: 0x1150}
	tagReferencedSOPInstanceUID = tag.Tag{Group: 0x0008, Element: 0x1155}
)

const (
	rtStructureSetStorage   = "1.2.840.10008.5.1.4.1.1.481.3"
	studyManagementSOPClass = "1.2.840.10008.3.1.2.3.1"
	explicitVRLittleEndian  = "1.2.840.10008.1.2.1"
	implementationClassUID  = "2.25.229451600072090404564544894284998027172"
)
