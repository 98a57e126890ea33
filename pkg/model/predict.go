package model

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/models"
)

// Sink receives predicted chunks. Stacks from pkg/stack satisfy it.
type Sink interface {
	SetChunk(ctx context.Context, data *models.Cube, chunk models.Chunk, role models.Dataset) error
}

// ModulatedDesign is a per-pixel seasonal design with shape
// (rows, nseasonal, Ny, Nx), stored row-major.
type ModulatedDesign struct {
	Shape [4]int
	Data  []float64
}

// At returns the design value for row i, seasonal column j at pixel p.
func (md *ModulatedDesign) At(i, j, p int) float64 {
	npix := md.Shape[2] * md.Shape[3]
	return md.Data[(i*md.Shape[1]+j)*npix+p]
}

type predictOptions struct {
	insar     bool
	modulated *ModulatedDesign
}

// PredictOption configures Predict and Reconstruct.
type PredictOption func(*predictOptions)

// WithInsar selects the interferogram-domain matrix G instead of H.
func WithInsar(insar bool) PredictOption {
	return func(o *predictOptions) {
		o.insar = insar
	}
}

// WithModulatedSeasonal replaces the seasonal contraction by a per-pixel design.
func WithModulatedSeasonal(md *ModulatedDesign) PredictOption {
	return func(o *predictOptions) {
		o.modulated = md
	}
}

// Predict reconstructs the functional decomposition of a parameter cube
// (Npar, Ny, Nx) and writes, for every sink, the reconstruction of its
// category to the recon dataset and the matching parameter slice to the par
// dataset at chunk. Only the coordinator computes and writes; every other
// process returns nil immediately.
//
// The full reconstruction is secular + seasonal + transient. Step columns are
// not part of it.
func (m *Model) Predict(ctx context.Context, mvec *models.Cube, sinks map[models.Category]Sink, chunk models.Chunk, opts ...PredictOption) error {
	if !m.coordinator {
		return nil
	}

	var o predictOptions
	for _, opt := range opts {
		opt(&o)
	}
	design, part, err := m.snapshot(o.insar)
	if err != nil {
		return err
	}
	for cat := range sinks {
		if cat == models.Step || cat < models.Secular || cat > models.Full {
			return fmt.Errorf("%w: cannot reconstruct %s", ErrUnknownCategory, cat)
		}
	}

	out, err := reconstruct(design, part, mvec, o.modulated)
	if err != nil {
		return err
	}

	for _, cat := range models.ReconstructedCategories {
		sink, ok := sinks[cat]
		if !ok {
			continue
		}
		if err := sink.SetChunk(ctx, out[cat], chunk, models.Recon); err != nil {
			return fmt.Errorf("writing %s reconstruction for chunk %v: %w", cat, chunk, err)
		}
		idx := part.Indices(cat)
		if len(idx) == 0 {
			continue
		}
		if err := sink.SetChunk(ctx, mvec.Select(idx), chunk, models.Par); err != nil {
			return fmt.Errorf("writing %s parameters for chunk %v: %w", cat, chunk, err)
		}
	}
	m.log.V(logging.TRACE).Info("predicted chunk", "chunk", chunk.String(), "sinks", len(sinks), "insar", o.insar)
	return nil
}

// Reconstruct computes the secular, seasonal, transient and full signals of
// a parameter cube without writing them.
func (m *Model) Reconstruct(mvec *models.Cube, opts ...PredictOption) (map[models.Category]*models.Cube, error) {
	var o predictOptions
	for _, opt := range opts {
		opt(&o)
	}
	design, part, err := m.snapshot(o.insar)
	if err != nil {
		return nil, err
	}
	return reconstruct(design, part, mvec, o.modulated)
}

// Forward applies every design column, steps included, to a parameter cube.
func (m *Model) Forward(mvec *models.Cube, insar bool) (*models.Cube, error) {
	design, part, err := m.snapshot(insar)
	if err != nil {
		return nil, err
	}
	if err := checkParams(part, mvec); err != nil {
		return nil, err
	}
	return contract(design, mvec, part.Indices(models.Full)), nil
}

func checkParams(part Partition, mvec *models.Cube) error {
	if mvec == nil || mvec.Shape[0] != part.NumParams() {
		var got int
		if mvec != nil {
			got = mvec.Shape[0]
		}
		return fmt.Errorf("%w: parameter cube has %d layers, design matrix has %d columns", ErrDimensionMismatch, got, part.NumParams())
	}
	if mvec.Pixels() == 0 {
		return fmt.Errorf("%w: parameter cube has no pixels", ErrDimensionMismatch)
	}
	return nil
}

func reconstruct(design *mat.Dense, part Partition, mvec *models.Cube, md *ModulatedDesign) (map[models.Category]*models.Cube, error) {
	if err := checkParams(part, mvec); err != nil {
		return nil, err
	}

	secular := contract(design, mvec, part.Indices(models.Secular))
	transient := contract(design, mvec, part.Indices(models.Transient))
	var seasonal *models.Cube
	if md == nil {
		seasonal = contract(design, mvec, part.Indices(models.Seasonal))
	} else {
		var err error
		if seasonal, err = contractModulated(md, mvec, part.Indices(models.Seasonal)); err != nil {
			return nil, err
		}
		if seasonal.Shape != secular.Shape {
			return nil, fmt.Errorf("%w: modulated design has %d rows, design matrix has %d", ErrDimensionMismatch, seasonal.Shape[0], secular.Shape[0])
		}
	}

	full := secular.Clone()
	if err := full.Add(seasonal); err != nil {
		return nil, err
	}
	if err := full.Add(transient); err != nil {
		return nil, err
	}

	return map[models.Category]*models.Cube{
		models.Secular:   secular,
		models.Seasonal:  seasonal,
		models.Transient: transient,
		models.Full:      full,
	}, nil
}

// contract computes out[i, y, x] = sum_j D[i, idx_j] * mvec[idx_j, y, x] as a
// single matrix product over all pixels of the cube.
func contract(design *mat.Dense, mvec *models.Cube, idx []int) *models.Cube {
	rows, _ := design.Dims()
	npix := mvec.Pixels()
	out := models.NewCube(rows, mvec.Shape[1], mvec.Shape[2])
	if len(idx) == 0 {
		return out
	}

	params := mat.NewDense(mvec.Shape[0], npix, mvec.Data)
	dsub := mat.NewDense(rows, len(idx), nil)
	msub := mat.NewDense(len(idx), npix, nil)
	col := make([]float64, rows)
	for k, j := range idx {
		dsub.SetCol(k, mat.Col(col, j, design))
		msub.SetRow(k, params.RawRowView(j))
	}

	prod := mat.NewDense(rows, npix, out.Data)
	prod.Mul(dsub, msub)
	return out
}

// contractModulated evaluates the seasonal signal with a per-pixel design.
func contractModulated(md *ModulatedDesign, mvec *models.Cube, idx []int) (*models.Cube, error) {
	if md.Shape[1] != len(idx) || md.Shape[2] != mvec.Shape[1] || md.Shape[3] != mvec.Shape[2] {
		return nil, fmt.Errorf("%w: modulated design shape %v does not match %d seasonal parameters over (%d, %d) pixels",
			ErrDimensionMismatch, md.Shape, len(idx), mvec.Shape[1], mvec.Shape[2])
	}
	if len(md.Data) != md.Shape[0]*md.Shape[1]*md.Shape[2]*md.Shape[3] {
		return nil, fmt.Errorf("%w: modulated design holds %d values for shape %v", ErrDimensionMismatch, len(md.Data), md.Shape)
	}

	rows, npix := md.Shape[0], mvec.Pixels()
	out := models.NewCube(rows, mvec.Shape[1], mvec.Shape[2])
	for i := 0; i < rows; i++ {
		layer := out.Layer(i)
		for k, j := range idx {
			params := mvec.Layer(j)
			for p := 0; p < npix; p++ {
				layer[p] += md.At(i, k, p) * params[p]
			}
		}
	}
	return out, nil
}
