package nifti

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Datatype codes of the NIfTI-1 standard.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

const (
	headerSize = 348
	voxOffset  = 352

	// xform code for "scanner anatomical" coordinates
	xformScanner = 1

	// millimetres | seconds
	unitsMMSec = 2 | 8
)

// header mirrors the on-disk NIfTI-1 header; encoding/binary reads and
// writes it field by field without padding.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

func bitsPerVoxel(dt int16) (int16, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 8, nil
	case DTInt16, DTUint16:
		return 16, nil
	case DTInt32, DTUint32, DTFloat32:
		return 32, nil
	case DTFloat64:
		return 64, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", dt)
}

// affine builds the voxel-to-world matrix, preferring sform over qform and
// falling back to the voxel sizes alone.
func (h *header) affine() *mat.Dense {
	switch {
	case h.SformCode > 0:
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	case h.QformCode > 0:
		return h.qformAffine()
	default:
		aff := mat.NewDense(4, 4, nil)
		for i := 0; i < 3; i++ {
			aff.Set(i, i, zoomOrOne(h.Pixdim[i+1]))
		}
		aff.Set(3, 3, 1)
		return aff
	}
}

func (h *header) qformAffine() *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation; renormalise b, c, d
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	dx, dy, dz := zoomOrOne(h.Pixdim[1]), zoomOrOne(h.Pixdim[2]), zoomOrOne(h.Pixdim[3])*qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}

func zoomOrOne(z float32) float64 {
	if z <= 0 {
		return 1
	}
	return float64(z)
}

// setAffine stores affine as both sform and qform. The qform uses the
// closest rotation to the affine's direction cosines (polar decomposition).
func (h *header) setAffine(affine *mat.Dense) {
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(affine.At(0, c))
		h.SrowY[c] = float32(affine.At(1, c))
		h.SrowZ[c] = float32(affine.At(2, c))
	}
	h.SformCode = xformScanner

	var zooms [3]float64
	r := mat.NewDense(3, 3, nil)
	for c := 0; c < 3; c++ {
		for row := 0; row < 3; row++ {
			zooms[c] += affine.At(row, c) * affine.At(row, c)
		}
		zooms[c] = math.Sqrt(zooms[c])
		if zooms[c] == 0 {
			zooms[c] = 1
		}
		for row := 0; row < 3; row++ {
			r.Set(row, c, affine.At(row, c)/zooms[c])
		}
	}

	qfac := 1.0
	if mat.Det(r) < 0 {
		qfac = -1
		for row := 0; row < 3; row++ {
			r.Set(row, 2, -r.At(row, 2))
		}
	}

	var svd mat.SVD
	if svd.Factorize(r, mat.SVDFull) {
		var u, v mat.Dense
		svd.UTo(&u)
		svd.VTo(&v)
		r.Mul(&u, v.T())
	}

	b, c, d := quaternion(r)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX = float32(affine.At(0, 3))
	h.QoffsetY = float32(affine.At(1, 3))
	h.QoffsetZ = float32(affine.At(2, 3))
	h.QformCode = xformScanner

	h.Pixdim[0] = float32(qfac)
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(zooms[i])
	}
}

// quaternion returns the (b, c, d) components of the unit quaternion of a
// proper rotation matrix, with a >= 0.
func quaternion(r mat.Matrix) (b, c, d float64) {
	r11, r12, r13 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	r21, r22, r23 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	r31, r32, r33 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var a float64
	if tr := r11 + r22 + r33 + 1; tr > 0.5 {
		a = 0.5 * math.Sqrt(tr)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d
}
