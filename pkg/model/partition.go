package model

import (
	"fmt"

	"geotsdecomp/internal/models"
)

// Partition maps design matrix columns to functional categories. A Partition
// is never modified after construction; operations that change the parameter
// layout return a new value.
type Partition struct {
	npar    int
	indices [4][]int
}

// NewPartition validates and stores the four ordered index sets. Indices must
// lie in [0, npar) and no column may belong to two categories.
func NewPartition(npar int, secular, seasonal, transient, step []int) (Partition, error) {
	if npar < 0 {
		return Partition{}, fmt.Errorf("%w: negative parameter count %d", ErrInvalidPartition, npar)
	}
	owner := make(map[int]models.Category, npar)
	p := Partition{npar: npar}
	for c, set := range [][]int{secular, seasonal, transient, step} {
		cat := models.Category(c)
		for _, j := range set {
			if j < 0 || j >= npar {
				return Partition{}, fmt.Errorf("%w: %s index %d outside [0, %d)", ErrInvalidPartition, cat, j, npar)
			}
			if prev, dup := owner[j]; dup {
				return Partition{}, fmt.Errorf("%w: column %d in both %s and %s", ErrInvalidPartition, j, prev, cat)
			}
			owner[j] = cat
		}
		p.indices[c] = append([]int(nil), set...)
	}
	return p, nil
}

// NumParams returns Npar.
func (p Partition) NumParams() int {
	return p.npar
}

// Indices returns a copy of the column indices of c. Full covers every column.
func (p Partition) Indices(c models.Category) []int {
	switch c {
	case models.Full:
		full := make([]int, p.npar)
		for j := range full {
			full[j] = j
		}
		return full
	case models.Secular, models.Seasonal, models.Transient, models.Step:
		return append([]int(nil), p.indices[c]...)
	}
	return nil
}

// Size returns the number of columns in c.
func (p Partition) Size(c models.Category) int {
	if c == models.Full {
		return p.npar
	}
	if c < models.Secular || c > models.Step {
		return 0
	}
	return len(p.indices[c])
}

// Shift returns the partition obtained by inserting n columns at the front of
// the parameter vector. Existing indices move up by n and the new columns
// [0, n) are prepended to the seasonal set.
func (p Partition) Shift(n int) Partition {
	if n <= 0 {
		return p
	}
	out := Partition{npar: p.npar + n}
	for c, set := range p.indices {
		var shifted []int
		if models.Category(c) == models.Seasonal {
			shifted = make([]int, 0, n+len(set))
			for j := 0; j < n; j++ {
				shifted = append(shifted, j)
			}
		}
		for _, j := range set {
			shifted = append(shifted, j+n)
		}
		out.indices[c] = shifted
	}
	return out
}
