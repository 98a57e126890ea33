// Package inversion estimates per-pixel parameter vectors from time series
// with weighted, regularized least squares.
package inversion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/models"
)

// ErrDimensionMismatch reports data that does not match the design matrix.
var ErrDimensionMismatch = errors.New("dimension mismatch")

const (
	// pixels handed to a worker at once
	batchSize = 64

	// relative damping added to every parameter when a system is singular
	fallbackDamping = 1e-6
)

// Solver fits d = D m per pixel. Observation i is weighted by weights[i], an
// inverse variance; regularized parameters get a ridge penalty.
type Solver struct {
	Design      *mat.Dense
	Regularized []int
	Penalty     float64

	// Workers bounds the goroutines used per call; runtime.NumCPU when zero
	Workers int
}

// Result holds the parameters of a pixel range in pixel-major order:
// Params[(p-first)*npar+j] is parameter j of pixel p. Pixels without a
// solution hold NaN.
type Result struct {
	First, Last int
	NumParams   int
	Params      []float64
	Solved      int
	Failed      int
}

// Vector returns the parameters of pixel p.
func (r *Result) Vector(p int) []float64 {
	off := (p - r.First) * r.NumParams
	return r.Params[off : off+r.NumParams]
}

// SolvePixels estimates the parameters of pixels [first, last) of a chunk.
// data and weights have shape (rows, h, w); a nil weights cube means unit
// weights. Non-finite observations and non-positive weights are skipped.
func (s *Solver) SolvePixels(ctx context.Context, data, weights *models.Cube, first, last int) (*Result, error) {
	if s.Design == nil {
		return nil, fmt.Errorf("%w: no design matrix", ErrDimensionMismatch)
	}
	rows, npar := s.Design.Dims()
	if data.Shape[0] != rows {
		return nil, fmt.Errorf("%w: chunk has %d epochs, design matrix has %d rows", ErrDimensionMismatch, data.Shape[0], rows)
	}
	if weights != nil && weights.Shape != data.Shape {
		return nil, fmt.Errorf("%w: weights of shape %v for data of shape %v", ErrDimensionMismatch, weights.Shape, data.Shape)
	}
	if first < 0 || last > data.Pixels() || first > last {
		return nil, fmt.Errorf("%w: pixel range [%d, %d) outside %d pixels", ErrDimensionMismatch, first, last, data.Pixels())
	}
	for _, j := range s.Regularized {
		if j < 0 || j >= npar {
			return nil, fmt.Errorf("%w: regularized index %d outside %d parameters", ErrDimensionMismatch, j, npar)
		}
	}

	res := &Result{First: first, Last: last, NumParams: npar, Params: make([]float64, (last-first)*npar)}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var failed atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for start := first; start < last; start += batchSize {
		start := start
		end := min(start+batchSize, last)
		eg.Go(func() error {
			for p := start; p < end; p++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				var w []float64
				if weights != nil {
					w = weights.Series(p)
				}
				if !s.solvePixel(data.Series(p), w, res.Vector(p)) {
					failed.Add(1)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res.Failed = int(failed.Load())
	res.Solved = last - first - res.Failed
	return res, nil
}

// solvePixel writes the estimate into x and reports whether one was found.
func (s *Solver) solvePixel(d, w, x []float64) bool {
	var valid []int
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if w != nil && (!(w[i] > 0) || math.IsInf(w[i], 0)) {
			continue
		}
		valid = append(valid, i)
	}

	if len(valid) > 0 {
		for _, damped := range []bool{false, true} {
			a, b := s.system(valid, d, w, damped)
			if lstsq(a, b, x) {
				return true
			}
		}
	}
	for j := range x {
		x[j] = math.NaN()
	}
	return false
}

// system builds the weighted rows of the valid observations, the ridge rows
// of the regularized parameters and, when damped, a small ridge on every
// parameter.
func (s *Solver) system(valid []int, d, w []float64, damped bool) (*mat.Dense, *mat.VecDense) {
	_, npar := s.Design.Dims()
	nreg := 0
	if s.Penalty > 0 {
		nreg = len(s.Regularized)
	}
	ndamp := 0
	if damped {
		ndamp = npar
	}

	a := mat.NewDense(len(valid)+nreg+ndamp, npar, nil)
	b := mat.NewVecDense(len(valid)+nreg+ndamp, nil)
	var scale float64
	for r, i := range valid {
		sw := 1.0
		if w != nil {
			sw = math.Sqrt(w[i])
		}
		for j := 0; j < npar; j++ {
			v := sw * s.Design.At(i, j)
			a.Set(r, j, v)
			scale += v * v
		}
		b.SetVec(r, sw*d[i])
	}

	r := len(valid)
	if nreg > 0 {
		sp := math.Sqrt(s.Penalty)
		for _, j := range s.Regularized {
			a.Set(r, j, sp)
			r++
		}
	}
	if damped {
		sd := math.Sqrt(fallbackDamping * math.Max(scale/float64(npar), 1))
		for j := 0; j < npar; j++ {
			a.Set(r, j, sd)
			r++
		}
	}
	return a, b
}

// lstsq solves min ||a x - b|| with a QR factorization.
func lstsq(a *mat.Dense, b *mat.VecDense, x []float64) bool {
	m, n := a.Dims()
	if m < n {
		return false
	}
	var qr mat.QR
	qr.Factorize(a)
	sol := mat.NewVecDense(n, nil)
	if err := qr.SolveVecTo(sol, false, b); err != nil {
		return false
	}
	for j := 0; j < n; j++ {
		v := sol.AtVec(j)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		x[j] = v
	}
	return true
}
