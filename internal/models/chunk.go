package models

import "fmt"

// Span is a half-open index range [Start, End).
type Span struct {
	Start, End int
}

// Len returns End-Start.
func (s Span) Len() int {
	return s.End - s.Start
}

// Chunk identifies a rectangular sub-region of the spatial grid. Every
// dataset of a stack is sliced as array[:, Y, X].
type Chunk struct {
	Y, X Span
}

// NewChunk builds a chunk from half-open row and column ranges.
func NewChunk(y0, y1, x0, x1 int) Chunk {
	return Chunk{Y: Span{y0, y1}, X: Span{x0, x1}}
}

// Height returns the number of rows.
func (c Chunk) Height() int { return c.Y.Len() }

// Width returns the number of columns.
func (c Chunk) Width() int { return c.X.Len() }

// Empty reports whether the chunk holds no pixels.
func (c Chunk) Empty() bool {
	return c.Height() <= 0 || c.Width() <= 0
}

// Within reports whether the chunk is non-empty and inside an (ny, nx) grid.
func (c Chunk) Within(ny, nx int) bool {
	return !c.Empty() && c.Y.Start >= 0 && c.X.Start >= 0 && c.Y.End <= ny && c.X.End <= nx
}

func (c Chunk) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d]", c.Y.Start, c.Y.End, c.X.Start, c.X.End)
}

// Tiles sweeps an (ny, nx) grid row-major in steps of size. Edge tiles are
// clipped to the grid.
func Tiles(ny, nx, size int) []Chunk {
	if size <= 0 {
		return nil
	}
	var tiles []Chunk
	for y := 0; y < ny; y += size {
		for x := 0; x < nx; x += size {
			tiles = append(tiles, NewChunk(y, min(y+size, ny), x, min(x+size, nx)))
		}
	}
	return tiles
}
