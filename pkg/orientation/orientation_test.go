package orientation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"dcmseg/pkg/errs"
)

// ramp returns a volume where every voxel holds its own flat index, so any
// lost or duplicated voxel is visible.
func ramp(shape []int) []float64 {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i)
	}
	return data
}

func diagAffine(x, y, z float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		x, 0, 0, 10,
		0, y, 0, -20,
		0, 0, z, 30,
		0, 0, 0, 1,
	})
}

var allCodes = []AxisCodes{
	{"R", "A", "S"}, {"L", "P", "S"}, {"L", "A", "S"}, {"R", "P", "I"},
	{"A", "S", "R"}, {"S", "L", "P"}, {"P", "I", "L"}, {"I", "R", "A"},
}

func TestFromAxisCodes(t *testing.T) {
	ornt, err := FromAxisCodes(LPS)
	require.NoError(t, err)
	assert.Equal(t, Orientation{{0, -1}, {1, -1}, {2, 1}}, ornt)

	ornt, err = FromAxisCodes(RAS)
	require.NoError(t, err)
	assert.Equal(t, Orientation{{0, 1}, {1, 1}, {2, 1}}, ornt)

	_, err = FromAxisCodes(AxisCodes{"L", "R", "S"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = FromAxisCodes(AxisCodes{"L", "P", "X"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestParseAxisCodes(t *testing.T) {
	codes, err := ParseAxisCodes("lps")
	require.NoError(t, err)
	assert.Equal(t, LPS, codes)
	assert.Equal(t, "LPS", codes.String())

	_, err = ParseAxisCodes("LP")
	assert.Error(t, err)
}

func TestAxisCodesFromAffine(t *testing.T) {
	codes, err := AxisCodesFromAffine(diagAffine(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, RAS, codes)

	codes, err = AxisCodesFromAffine(diagAffine(-0.7, -0.7, 2.5))
	require.NoError(t, err)
	assert.Equal(t, LPS, codes)

	// Sagittal acquisition: array axes run A, S, L.
	sag := mat.NewDense(4, 4, []float64{
		0, 0, -1.2, 0,
		0.9, 0, 0, 0,
		0, 0.9, 0, 0,
		0, 0, 0, 1,
	})
	codes, err = AxisCodesFromAffine(sag)
	require.NoError(t, err)
	assert.Equal(t, AxisCodes{"A", "S", "L"}, codes)
}

func TestAxisCodesFromObliqueAffine(t *testing.T) {
	// A small rotation about z must not change the dominant directions.
	oblique := mat.NewDense(4, 4, []float64{
		0.98, -0.17, 0, 0,
		0.17, 0.98, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	codes, err := AxisCodesFromAffine(oblique)
	require.NoError(t, err)
	assert.Equal(t, RAS, codes)
}

func TestIOOrientationRejectsDegenerateAffine(t *testing.T) {
	_, err := IOOrientation(mat.NewDense(4, 4, nil))
	assert.True(t, errors.Is(err, errs.ErrInvalidGeometry))

	_, err = IOOrientation(mat.NewDense(3, 3, nil))
	assert.True(t, errors.Is(err, errs.ErrInvalidGeometry))
}

func TestAlignRASToLPSFlipsFirstTwoAxes(t *testing.T) {
	shape := []int{3, 4, 5}
	data := make([]float64, 60)
	data[0] = 7 // voxel (0,0,0)

	out, outShape, err := AlignToReference(data, shape, diagAffine(1, 1, 1), LPS)
	require.NoError(t, err)
	assert.Equal(t, shape, outShape)

	idx := func(i, j, k int) int { return i + outShape[0]*(j+outShape[1]*k) }
	assert.Equal(t, 7.0, out[idx(shape[0]-1, shape[1]-1, 0)])
	assert.Equal(t, 0.0, out[idx(0, 0, 0)])

	// the third axis is untouched
	full := ramp(shape)
	out, _, err = AlignToReference(full, shape, diagAffine(1, 1, 1), LPS)
	require.NoError(t, err)
	for k := 0; k < shape[2]; k++ {
		for j := 0; j < shape[1]; j++ {
			for i := 0; i < shape[0]; i++ {
				src := (shape[0] - 1 - i) + shape[0]*((shape[1]-1-j)+shape[1]*k)
				assert.Equal(t, full[src], out[idx(i, j, k)])
			}
		}
	}
}

func TestAlignIdempotent(t *testing.T) {
	shape := []int{2, 3, 4}
	data := ramp(shape)
	for _, c := range allCodes {
		out, outShape, err := AlignCodes(data, shape, c, c)
		require.NoError(t, err)
		assert.Equal(t, shape, outShape, c.String())
		assert.Equal(t, data, out, c.String())
	}
}

func TestAlignRoundTrip(t *testing.T) {
	shape := []int{2, 3, 4}
	data := ramp(shape)
	for _, a := range allCodes {
		for _, b := range allCodes {
			mid, midShape, err := AlignCodes(data, shape, a, b)
			require.NoError(t, err)
			back, backShape, err := AlignCodes(mid, midShape, b, a)
			require.NoError(t, err)
			assert.Equal(t, shape, backShape, "%s -> %s", a, b)
			assert.Equal(t, data, back, "%s -> %s", a, b)
		}
	}
}

func TestAlignPermutesShape(t *testing.T) {
	shape := []int{2, 3, 4}
	_, outShape, err := AlignCodes(ramp(shape), shape, AxisCodes{"A", "S", "R"}, RAS)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 3}, outShape)
}

func TestAlignRejectsNon3D(t *testing.T) {
	_, _, err := AlignToReference(make([]float64, 8), []int{2, 4}, diagAffine(1, 1, 1), LPS)
	assert.True(t, errors.Is(err, errs.ErrInvalidGeometry))

	_, _, err = AlignToReference(make([]float64, 16), []int{2, 2, 2, 2}, diagAffine(1, 1, 1), LPS)
	assert.True(t, errors.Is(err, errs.ErrInvalidGeometry))
}

func TestInverseAffineKeepsWorldPositions(t *testing.T) {
	shape := []int{3, 4, 5}
	affine := diagAffine(2, 3, 4)

	current, err := IOOrientation(affine)
	require.NoError(t, err)
	want, err := FromAxisCodes(AxisCodes{"S", "L", "P"})
	require.NoError(t, err)
	ornt, err := Transform(current, want)
	require.NoError(t, err)

	data := ramp(shape)
	out, outShape, err := Apply(data, shape, ornt)
	require.NoError(t, err)

	inv, err := InverseAffine(ornt, shape)
	require.NoError(t, err)
	var newAffine mat.Dense
	newAffine.Mul(affine, inv)

	codes, err := AxisCodesFromAffine(&newAffine)
	require.NoError(t, err)
	assert.Equal(t, AxisCodes{"S", "L", "P"}, codes)

	// every output voxel must map to the world position of its source voxel
	for k := 0; k < outShape[2]; k++ {
		for j := 0; j < outShape[1]; j++ {
			for i := 0; i < outShape[0]; i++ {
				src := int(out[i+outShape[0]*(j+outShape[1]*k)])
				si := src % shape[0]
				sj := (src / shape[0]) % shape[1]
				sk := src / (shape[0] * shape[1])

				var w1, w2 mat.VecDense
				w1.MulVec(affine, mat.NewVecDense(4, []float64{float64(si), float64(sj), float64(sk), 1}))
				w2.MulVec(&newAffine, mat.NewVecDense(4, []float64{float64(i), float64(j), float64(k), 1}))
				for r := 0; r < 3; r++ {
					assert.InDelta(t, w1.AtVec(r), w2.AtVec(r), 1e-9)
				}
			}
		}
	}
}
