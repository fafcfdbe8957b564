package rtstruct

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmseg/pkg/errs"
)

// grid turns rows of '#'/'.' into a mask.
func grid(lines ...string) ([]uint8, int, int) {
	rows, cols := len(lines), len(lines[0])
	mask := make([]uint8, 0, rows*cols)
	for _, l := range lines {
		for _, ch := range l {
			if ch == '#' {
				mask = append(mask, 1)
			} else {
				mask = append(mask, 0)
			}
		}
	}
	return mask, rows, cols
}

func TestTraceSinglePixel(t *testing.T) {
	mask, rows, cols := grid(
		"...",
		".#.",
		"...",
	)
	loops, err := TraceSlice(mask, rows, cols)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, []Vertex{{1, 1}, {2, 1}, {2, 2}, {1, 2}}, loops[0])
}

func TestTraceBlockDropsCollinearVertices(t *testing.T) {
	mask, rows, cols := grid(
		"###.",
		"###.",
	)
	loops, err := TraceSlice(mask, rows, cols)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, []Vertex{{0, 0}, {3, 0}, {3, 2}, {0, 2}}, loops[0])
}

func TestTraceRingHasHole(t *testing.T) {
	mask, rows, cols := grid(
		"###",
		"#.#",
		"###",
	)
	loops, err := TraceSlice(mask, rows, cols)
	require.NoError(t, err)
	require.Len(t, loops, 2)
	assert.Equal(t, []Vertex{{0, 0}, {3, 0}, {3, 3}, {0, 3}}, loops[0])
	// the hole runs the other way round
	assert.Equal(t, []Vertex{{2, 1}, {1, 1}, {1, 2}, {2, 2}}, loops[1])
}

func TestTraceDiagonalPixelsAreSeparate(t *testing.T) {
	mask, rows, cols := grid(
		"#.",
		".#",
	)
	loops, err := TraceSlice(mask, rows, cols)
	require.NoError(t, err)
	require.Len(t, loops, 2)
	assert.Equal(t, []Vertex{{0, 0}, {1, 0}, {1, 1}, {0, 1}}, loops[0])
	assert.Equal(t, []Vertex{{1, 1}, {2, 1}, {2, 2}, {1, 2}}, loops[1])

	mask, rows, cols = grid(
		".#",
		"#.",
	)
	loops, err = TraceSlice(mask, rows, cols)
	require.NoError(t, err)
	assert.Len(t, loops, 2)
}

func TestTraceLShape(t *testing.T) {
	mask, rows, cols := grid(
		"#..",
		"#..",
		"###",
	)
	loops, err := TraceSlice(mask, rows, cols)
	require.NoError(t, err)
	require.Len(t, loops, 1)
	assert.Equal(t, []Vertex{{0, 0}, {1, 0}, {1, 2}, {3, 2}, {3, 3}, {0, 3}}, loops[0])
}

func TestTraceEmptyAndMismatched(t *testing.T) {
	loops, err := TraceSlice(make([]uint8, 6), 2, 3)
	require.NoError(t, err)
	assert.Empty(t, loops)

	_, err = TraceSlice(make([]uint8, 5), 2, 3)
	assert.True(t, errors.Is(err, errs.ErrInvalidGeometry))
}
