package rtstruct

import (
	"fmt"

	"dcmseg/pkg/errs"
)

// Vertex is a pixel corner: (X, Y) is the top-left corner of pixel (X, Y).
type Vertex struct {
	X, Y int
}

// edge is one side of a foreground pixel that borders background, directed
// so the foreground lies on its right (image coordinates, y down).
type edge struct {
	from, to Vertex
	used     bool
}

func (e *edge) dir() Vertex {
	return Vertex{e.to.X - e.from.X, e.to.Y - e.from.Y}
}

// TraceSlice returns the closed boundary loops of the foreground pixels of
// one rows x cols mask (row-major, non-zero is foreground). Pixels touching
// only at a corner belong to different loops. Outer boundaries run clockwise
// on screen, holes counter-clockwise. Collinear vertices are dropped.
func TraceSlice(mask []uint8, rows, cols int) ([][]Vertex, error) {
	if len(mask) != rows*cols {
		return nil, fmt.Errorf("%w: mask has %d pixels, want %dx%d", errs.ErrInvalidGeometry, len(mask), rows, cols)
	}
	fg := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < cols && y < rows && mask[y*cols+x] != 0
	}

	var edges []*edge
	out := make(map[Vertex][]*edge)
	add := func(from, to Vertex) {
		e := &edge{from: from, to: to}
		edges = append(edges, e)
		out[from] = append(out[from], e)
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if !fg(x, y) {
				continue
			}
			if !fg(x, y-1) {
				add(Vertex{x, y}, Vertex{x + 1, y})
			}
			if !fg(x+1, y) {
				add(Vertex{x + 1, y}, Vertex{x + 1, y + 1})
			}
			if !fg(x, y+1) {
				add(Vertex{x + 1, y + 1}, Vertex{x, y + 1})
			}
			if !fg(x-1, y) {
				add(Vertex{x, y + 1}, Vertex{x, y})
			}
		}
	}

	var loops [][]Vertex
	for _, start := range edges {
		if start.used {
			continue
		}
		var loop []Vertex
		cur := start
		for {
			cur.used = true
			loop = append(loop, cur.from)
			next, err := nextEdge(out[cur.to], cur.dir())
			if err != nil {
				return nil, err
			}
			if next.used {
				if next != start {
					return nil, fmt.Errorf("%w: boundary at (%d,%d) does not close", errs.ErrInvalidGeometry, cur.to.X, cur.to.Y)
				}
				break
			}
			cur = next
		}
		loops = append(loops, simplify(loop))
	}
	return loops, nil
}

// nextEdge picks the edge leaving a vertex. Where two leave (pixels meeting
// diagonally) the right turn is taken, which keeps the loop on the pixel it
// came from.
func nextEdge(candidates []*edge, heading Vertex) (*edge, error) {
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 2:
		right := Vertex{-heading.Y, heading.X}
		for _, e := range candidates {
			if e.dir() == right {
				return e, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %d boundary edges leave one vertex", errs.ErrInvalidGeometry, len(candidates))
}

// simplify drops vertices lying on a straight run.
func simplify(loop []Vertex) []Vertex {
	n := len(loop)
	out := make([]Vertex, 0, n)
	for i, v := range loop {
		prev, next := loop[(i+n-1)%n], loop[(i+1)%n]
		in := Vertex{v.X - prev.X, v.Y - prev.Y}
		dir := Vertex{next.X - v.X, next.Y - v.Y}
		if in.X*dir.Y-in.Y*dir.X != 0 {
			out = append(out, v)
		}
	}
	return out
}
