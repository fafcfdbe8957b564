// Package orientation computes and applies the axis permutations and flips
// that take a voxel array from the orientation implied by its affine to a
// requested anatomical orientation.
//
// The conventions follow the neuroimaging world: an Orientation has one
// entry per array axis naming the world axis it runs along (0 = left/right,
// 1 = posterior/anterior, 2 = inferior/superior) and whether it runs toward
// the second label of that pair (Flip = 1, i.e. R, A, S) or the first
// (Flip = -1, i.e. L, P, I).
package orientation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/errs"
)

// labels pairs the two anatomical directions of each world axis. The first
// label is the negative direction.
var labels = [3][2]string{{"L", "R"}, {"P", "A"}, {"I", "S"}}

// AxisCodes names, per array axis, the anatomical direction in which
// increasing index moves.
type AxisCodes [3]string

var (
	// LPS is the DICOM patient coordinate convention.
	LPS = AxisCodes{"L", "P", "S"}
	// RAS is the NIfTI world convention.
	RAS = AxisCodes{"R", "A", "S"}
)

// ParseAxisCodes parses a three letter code such as "LPS".
func ParseAxisCodes(s string) (AxisCodes, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 3 {
		return AxisCodes{}, fmt.Errorf("%w: axis codes %q must have three letters", errs.ErrInvalidInput, s)
	}
	codes := AxisCodes{s[0:1], s[1:2], s[2:3]}
	if _, err := FromAxisCodes(codes); err != nil {
		return AxisCodes{}, err
	}
	return codes, nil
}

func (c AxisCodes) String() string {
	return c[0] + c[1] + c[2]
}

// Axis describes where one input array axis ends up.
type Axis struct {
	Out  int
	Flip int
}

// Orientation holds one Axis per array axis.
type Orientation []Axis

// FromAxisCodes converts axis codes into an Orientation.
func FromAxisCodes(codes AxisCodes) (Orientation, error) {
	ornt := make(Orientation, len(codes))
	used := [3]bool{}
	for i, code := range codes {
		found := false
		for ax, pair := range labels {
			switch code {
			case pair[0]:
				ornt[i] = Axis{Out: ax, Flip: -1}
			case pair[1]:
				ornt[i] = Axis{Out: ax, Flip: 1}
			default:
				continue
			}
			if used[ax] {
				return nil, fmt.Errorf("%w: axis codes %v use world axis %s/%s twice", errs.ErrInvalidInput, codes, pair[0], pair[1])
			}
			used[ax] = true
			found = true
			break
		}
		if !found {
			return nil, fmt.Errorf("%w: unknown axis code %q", errs.ErrInvalidInput, code)
		}
	}
	return ornt, nil
}

// Codes converts an Orientation back into axis codes.
func (o Orientation) Codes() (AxisCodes, error) {
	if len(o) != 3 {
		return AxisCodes{}, fmt.Errorf("%w: orientation has %d axes, want 3", errs.ErrInvalidGeometry, len(o))
	}
	var codes AxisCodes
	for i, a := range o {
		if a.Out < 0 || a.Out > 2 {
			return AxisCodes{}, fmt.Errorf("%w: axis %d has no world direction", errs.ErrInvalidGeometry, i)
		}
		if a.Flip < 0 {
			codes[i] = labels[a.Out][0]
		} else {
			codes[i] = labels[a.Out][1]
		}
	}
	return codes, nil
}

// IOOrientation derives the orientation of the array axes from the 3x3
// rotation/zoom part of affine. Shears are removed by taking the closest
// orthogonal matrix (SVD), then each array axis is assigned the world axis
// it is most aligned with, strongest alignment first.
func IOOrientation(affine *mat.Dense) (Orientation, error) {
	if affine == nil {
		return nil, fmt.Errorf("%w: nil affine", errs.ErrInvalidGeometry)
	}
	if r, c := affine.Dims(); r != 4 || c != 4 {
		return nil, fmt.Errorf("%w: affine must be 4x4, got %dx%d", errs.ErrInvalidGeometry, r, c)
	}

	rs := mat.NewDense(3, 3, nil)
	for col := 0; col < 3; col++ {
		zoom := 0.0
		for row := 0; row < 3; row++ {
			zoom += affine.At(row, col) * affine.At(row, col)
		}
		zoom = math.Sqrt(zoom)
		if zoom == 0 {
			zoom = 1
		}
		for row := 0; row < 3; row++ {
			rs.Set(row, col, affine.At(row, col)/zoom)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(rs, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: cannot factorize affine", errs.ErrInvalidGeometry)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	tol := 0.0
	for _, s := range values {
		tol = math.Max(tol, s)
	}
	tol *= 3 * 2.220446049250313e-16

	// R = sum over non-degenerate singular vectors of u_i v_i^T
	r := mat.NewDense(3, 3, nil)
	for i, s := range values {
		if s <= tol {
			continue
		}
		var outer mat.Dense
		outer.Outer(1, u.ColView(i), v.ColView(i))
		r.Add(r, &outer)
	}

	strength := make([]float64, 3)
	for col := 0; col < 3; col++ {
		for row := 0; row < 3; row++ {
			strength[col] = math.Max(strength[col], r.At(row, col)*r.At(row, col))
		}
	}
	inAxes := []int{0, 1, 2}
	sort.SliceStable(inAxes, func(a, b int) bool {
		return strength[inAxes[a]] > strength[inAxes[b]]
	})

	ornt := Orientation{{Out: -1}, {Out: -1}, {Out: -1}}
	for _, in := range inAxes {
		outAx, best := -1, 0.0
		for row := 0; row < 3; row++ {
			if a := math.Abs(r.At(row, in)); a > best+1e-8 {
				outAx, best = row, a
			}
		}
		if outAx < 0 {
			continue
		}
		ornt[in].Out = outAx
		ornt[in].Flip = 1
		if r.At(outAx, in) < 0 {
			ornt[in].Flip = -1
		}
		for col := 0; col < 3; col++ {
			r.Set(outAx, col, 0)
		}
	}
	for i, a := range ornt {
		if a.Out < 0 {
			return nil, fmt.Errorf("%w: array axis %d of affine has no world direction", errs.ErrInvalidGeometry, i)
		}
	}
	return ornt, nil
}

// AxisCodesFromAffine returns the axis codes implied by affine.
func AxisCodesFromAffine(affine *mat.Dense) (AxisCodes, error) {
	ornt, err := IOOrientation(affine)
	if err != nil {
		return AxisCodes{}, err
	}
	return ornt.Codes()
}

// Transform returns the orientation that maps an array in start orientation
// onto end orientation.
func Transform(start, end Orientation) (Orientation, error) {
	if len(start) != len(end) {
		return nil, fmt.Errorf("%w: orientations have %d and %d axes", errs.ErrInvalidGeometry, len(start), len(end))
	}
	result := make(Orientation, len(start))
	done := make([]bool, len(start))
	for endIn, e := range end {
		for startIn, s := range start {
			if s.Out != e.Out {
				continue
			}
			flip := 1
			if s.Flip != e.Flip {
				flip = -1
			}
			result[startIn] = Axis{Out: endIn, Flip: flip}
			done[startIn] = true
			break
		}
	}
	for i, ok := range done {
		if !ok {
			return nil, fmt.Errorf("%w: start and end orientations do not cover the same axes (axis %d)", errs.ErrInvalidGeometry, i)
		}
	}
	return result, nil
}

// Apply flips and permutes a 3D array according to ornt. Input axis i is
// flipped when ornt[i].Flip is -1 and becomes output axis ornt[i].Out.
// data is laid out first-axis-fastest.
func Apply(data []float64, shape []int, ornt Orientation) ([]float64, []int, error) {
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("%w: array must be 3D, got %d dimensions (shape %v)", errs.ErrInvalidGeometry, len(shape), shape)
	}
	if len(ornt) != 3 {
		return nil, nil, fmt.Errorf("%w: orientation has %d axes, want 3", errs.ErrInvalidGeometry, len(ornt))
	}
	n := shape[0] * shape[1] * shape[2]
	if len(data) != n {
		return nil, nil, fmt.Errorf("%w: shape %v needs %d voxels, have %d", errs.ErrInvalidGeometry, shape, n, len(data))
	}

	var outShape [3]int
	seen := [3]bool{}
	for i, a := range ornt {
		if a.Out < 0 || a.Out > 2 || seen[a.Out] {
			return nil, nil, fmt.Errorf("%w: orientation %v is not a permutation", errs.ErrInvalidGeometry, ornt)
		}
		seen[a.Out] = true
		outShape[a.Out] = shape[i]
	}

	out := make([]float64, n)
	var o [3]int
	idx := 0
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				in := [3]int{i, j, k}
				for a := 0; a < 3; a++ {
					c := in[a]
					if ornt[a].Flip < 0 {
						c = shape[a] - 1 - c
					}
					o[ornt[a].Out] = c
				}
				out[o[0]+outShape[0]*(o[1]+outShape[1]*o[2])] = data[idx]
				idx++
			}
		}
	}
	return out, outShape[:], nil
}

// InverseAffine returns the voxel transform M such that affine*M is the
// affine of the array produced by Apply(data, shape, ornt).
func InverseAffine(ornt Orientation, shape []int) (*mat.Dense, error) {
	if len(ornt) != 3 || len(shape) < 3 {
		return nil, fmt.Errorf("%w: need a 3 axis orientation and shape, got %d and %v", errs.ErrInvalidGeometry, len(ornt), shape)
	}
	reorder := mat.NewDense(4, 4, nil)
	flip := mat.NewDense(4, 4, nil)
	for a, ax := range ornt {
		reorder.Set(a, ax.Out, 1)
		center := -float64(shape[a]-1) / 2
		flip.Set(a, a, float64(ax.Flip))
		flip.Set(a, 3, float64(ax.Flip)*center-center)
	}
	reorder.Set(3, 3, 1)
	flip.Set(3, 3, 1)

	var m mat.Dense
	m.Mul(flip, reorder)
	return &m, nil
}

// AlignToReference reorients a 3D array from the orientation implied by
// sourceAffine to target. Only the array is transformed.
func AlignToReference(data []float64, shape []int, sourceAffine *mat.Dense, target AxisCodes) ([]float64, []int, error) {
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("%w: array must be 3D, got %d dimensions (shape %v)", errs.ErrInvalidGeometry, len(shape), shape)
	}
	current, err := IOOrientation(sourceAffine)
	if err != nil {
		return nil, nil, err
	}
	want, err := FromAxisCodes(target)
	if err != nil {
		return nil, nil, err
	}
	ornt, err := Transform(current, want)
	if err != nil {
		return nil, nil, err
	}
	return Apply(data, shape, ornt)
}

// AlignCodes reorients a 3D array whose axes follow from onto to.
func AlignCodes(data []float64, shape []int, from, to AxisCodes) ([]float64, []int, error) {
	start, err := FromAxisCodes(from)
	if err != nil {
		return nil, nil, err
	}
	end, err := FromAxisCodes(to)
	if err != nil {
		return nil, nil, err
	}
	ornt, err := Transform(start, end)
	if err != nil {
		return nil, nil, err
	}
	return Apply(data, shape, ornt)
}
