package models

import (
	"fmt"
)

// Cube is a dense 3-D array stored in row-major order. The leading axis is
// time (or parameter index), the two trailing axes are the spatial grid.
type Cube struct {
	// Shape holds (N, Ny, Nx)
	Shape [3]int

	// Data holds N*Ny*Nx values, x varying fastest
	Data []float64
}

// NewCube allocates a zero-initialized cube.
func NewCube(n, ny, nx int) *Cube {
	return &Cube{
		Shape: [3]int{n, ny, nx},
		Data:  make([]float64, n*ny*nx),
	}
}

// NewCubeFrom wraps data without copying. The length of data must match the shape.
func NewCubeFrom(n, ny, nx int, data []float64) (*Cube, error) {
	if len(data) != n*ny*nx {
		return nil, fmt.Errorf("cube data length %d does not match shape (%d, %d, %d)", len(data), n, ny, nx)
	}
	return &Cube{Shape: [3]int{n, ny, nx}, Data: data}, nil
}

// Len returns the number of elements.
func (c *Cube) Len() int {
	return c.Shape[0] * c.Shape[1] * c.Shape[2]
}

// Pixels returns Ny*Nx.
func (c *Cube) Pixels() int {
	return c.Shape[1] * c.Shape[2]
}

func (c *Cube) index(k, y, x int) int {
	return k*c.Shape[1]*c.Shape[2] + y*c.Shape[2] + x
}

// At returns the value at (k, y, x).
func (c *Cube) At(k, y, x int) float64 {
	return c.Data[c.index(k, y, x)]
}

// Set stores v at (k, y, x).
func (c *Cube) Set(k, y, x int, v float64) {
	c.Data[c.index(k, y, x)] = v
}

// Series returns a copy of the leading-axis values for pixel p (p = y*Nx + x).
func (c *Cube) Series(p int) []float64 {
	npix := c.Pixels()
	out := make([]float64, c.Shape[0])
	for k := range out {
		out[k] = c.Data[k*npix+p]
	}
	return out
}

// SetSeries writes values along the leading axis for pixel p.
func (c *Cube) SetSeries(p int, values []float64) {
	npix := c.Pixels()
	for k, v := range values {
		c.Data[k*npix+p] = v
	}
}

// Layer returns the k-th spatial layer as a slice aliasing the cube data.
func (c *Cube) Layer(k int) []float64 {
	npix := c.Pixels()
	return c.Data[k*npix : (k+1)*npix]
}

// Select gathers the listed leading-axis layers into a new cube.
func (c *Cube) Select(indices []int) *Cube {
	out := NewCube(len(indices), c.Shape[1], c.Shape[2])
	for i, k := range indices {
		copy(out.Layer(i), c.Layer(k))
	}
	return out
}

// Region extracts the sub-array [:, chunk.Y, chunk.X].
func (c *Cube) Region(chunk Chunk) (*Cube, error) {
	if !chunk.Within(c.Shape[1], c.Shape[2]) {
		return nil, fmt.Errorf("region %v extends beyond cube boundaries (%d, %d)", chunk, c.Shape[1], c.Shape[2])
	}
	h, w := chunk.Height(), chunk.Width()
	out := NewCube(c.Shape[0], h, w)
	for k := 0; k < c.Shape[0]; k++ {
		for y := 0; y < h; y++ {
			src := c.index(k, chunk.Y.Start+y, chunk.X.Start)
			dst := out.index(k, y, 0)
			copy(out.Data[dst:dst+w], c.Data[src:src+w])
		}
	}
	return out, nil
}

// Add accumulates other into c element-wise.
func (c *Cube) Add(other *Cube) error {
	if c.Shape != other.Shape {
		return fmt.Errorf("cannot add cube of shape %v to shape %v", other.Shape, c.Shape)
	}
	for i, v := range other.Data {
		c.Data[i] += v
	}
	return nil
}

// Clone returns a deep copy.
func (c *Cube) Clone() *Cube {
	out := &Cube{Shape: c.Shape, Data: make([]float64, len(c.Data))}
	copy(out.Data, c.Data)
	return out
}

// Float32 converts the data to single precision, the on-disk representation.
func (c *Cube) Float32() []float32 {
	out := make([]float32, len(c.Data))
	for i, v := range c.Data {
		out[i] = float32(v)
	}
	return out
}

// CubeFromFloat32 builds a cube from single precision values.
func CubeFromFloat32(shape [3]int, values []float32) (*Cube, error) {
	if len(values) != shape[0]*shape[1]*shape[2] {
		return nil, fmt.Errorf("cube data length %d does not match shape %v", len(values), shape)
	}
	out := &Cube{Shape: shape, Data: make([]float64, len(values))}
	for i, v := range values {
		out.Data[i] = float64(v)
	}
	return out, nil
}
