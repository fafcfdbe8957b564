package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/errs"
	"dcmseg/pkg/orientation"
)

// Volume is an N-dimensional voxel array paired with the affine that maps
// voxel indices to scanner coordinates.
type Volume struct {
	// Shape holds the size of each array axis. Three axes for a plain
	// volume, more for multi-channel inputs.
	Shape []int

	// Data holds the voxels with the first axis varying fastest, the same
	// layout NIfTI uses on disk.
	Data []float64

	// Affine is the 4x4 voxel-to-world transform (RAS+ world for volumes
	// read from or written to NIfTI).
	Affine *mat.Dense
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(shape []int, affine *mat.Dense) *Volume {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Volume{
		Shape:  append([]int(nil), shape...),
		Data:   make([]float64, n),
		Affine: affine,
	}
}

// Validate checks that the affine and the array shape are consistent.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: volume is nil", errs.ErrInvalidInput)
	}
	if v.Affine == nil {
		return fmt.Errorf("%w: volume has no affine", errs.ErrInvalidInput)
	}
	if r, c := v.Affine.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("%w: affine must be 4x4, got %dx%d", errs.ErrInvalidInput, r, c)
	}
	if len(v.Shape) == 0 {
		return fmt.Errorf("%w: volume has no shape", errs.ErrInvalidInput)
	}
	n := 1
	for _, s := range v.Shape {
		if s <= 0 {
			return fmt.Errorf("%w: non-positive dimension in shape %v", errs.ErrInvalidInput, v.Shape)
		}
		n *= s
	}
	if n != len(v.Data) {
		return fmt.Errorf("%w: shape %v needs %d voxels, have %d", errs.ErrInvalidInput, v.Shape, n, len(v.Data))
	}
	return nil
}

// Index returns the flat offset of voxel (i, j, k) of a 3D volume.
func (v *Volume) Index(i, j, k int) int {
	return i + v.Shape[0]*(j+v.Shape[1]*k)
}

// At returns voxel (i, j, k) of a 3D volume.
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

// Set assigns voxel (i, j, k) of a 3D volume.
func (v *Volume) Set(i, j, k int, val float64) {
	v.Data[v.Index(i, j, k)] = val
}

// Orientation derives the axis codes of the volume from its affine.
func (v *Volume) Orientation() (orientation.AxisCodes, error) {
	return orientation.AxisCodesFromAffine(v.Affine)
}

// Reoriented returns a copy of a 3D volume whose array axes follow target,
// with the affine updated so every voxel keeps its world position.
func (v *Volume) Reoriented(target orientation.AxisCodes) (*Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	current, err := orientation.IOOrientation(v.Affine)
	if err != nil {
		return nil, err
	}
	want, err := orientation.FromAxisCodes(target)
	if err != nil {
		return nil, err
	}
	ornt, err := orientation.Transform(current, want)
	if err != nil {
		return nil, err
	}
	data, shape, err := orientation.Apply(v.Data, v.Shape, ornt)
	if err != nil {
		return nil, err
	}
	inv, err := orientation.InverseAffine(ornt, v.Shape)
	if err != nil {
		return nil, err
	}
	var affine mat.Dense
	affine.Mul(v.Affine, inv)
	return &Volume{Shape: shape, Data: data, Affine: &affine}, nil
}
