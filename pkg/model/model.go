// Package model holds the temporal design matrices of a decomposition and
// reconstructs secular, seasonal, transient and full signals from per-pixel
// parameter cubes.
package model

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/models"
)

// Representation is the temporal basis a Model is built from.
type Representation interface {
	// Matrix returns the design matrix H (Ntime x Npar)
	Matrix() *mat.Dense

	// FunctionalPartitions returns the secular, seasonal, transient and step
	// column indices; step is only filled when includeStep is set
	FunctionalPartitions(includeStep bool) (secular, seasonal, transient, step []int)

	// RegularizationIndices returns the columns to regularize
	RegularizationIndices() []int
}

// Model owns the design matrix H, the optional interferogram-domain matrix
// G = Jmat*H and the functional partition of their columns.
type Model struct {
	mu sync.RWMutex

	h    *mat.Dense
	g    *mat.Dense
	part Partition
	reg  []int

	jstart, jend int

	coordinator bool
	log         logr.Logger
}

// Option configures a Model.
type Option func(*Model) error

// WithConnectivity projects H into the interferogram domain with jmat
// (Nifg x Ntime).
func WithConnectivity(jmat mat.Matrix) Option {
	return func(m *Model) error {
		if jmat == nil {
			return nil
		}
		nt, _ := m.h.Dims()
		_, jc := jmat.Dims()
		if jc != nt {
			return fmt.Errorf("%w: connectivity matrix has %d columns, design matrix has %d rows", ErrDimensionMismatch, jc, nt)
		}
		var g mat.Dense
		g.Mul(jmat, m.h)
		m.g = &g
		return nil
	}
}

// WithCoordinator marks whether this process computes and writes predictions.
func WithCoordinator(coordinator bool) Option {
	return func(m *Model) error {
		m.coordinator = coordinator
		return nil
	}
}

// WithRank makes rank 0 the coordinator.
func WithRank(rank int) Option {
	return WithCoordinator(rank == 0)
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(m *Model) error {
		m.log = log
		return nil
	}
}

// New builds a model from a temporal representation. The design matrix is
// copied so later changes to the representation do not leak into the model.
func New(rep Representation, opts ...Option) (*Model, error) {
	h := mat.DenseCopyOf(rep.Matrix())
	_, npar := h.Dims()

	secular, seasonal, transient, step := rep.FunctionalPartitions(true)
	part, err := NewPartition(npar, secular, seasonal, transient, step)
	if err != nil {
		return nil, err
	}

	m := &Model{
		h:           h,
		part:        part,
		reg:         append([]int(nil), rep.RegularizationIndices()...),
		jstart:      0,
		jend:        npar,
		coordinator: true,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	nt, _ := h.Dims()
	m.log.V(logging.DEBUG).Info("model initialized", "ntime", nt, "npar", npar,
		"nsecular", part.Size(models.Secular), "nseasonal", part.Size(models.Seasonal),
		"ntransient", part.Size(models.Transient), "nstep", part.Size(models.Step),
		"insar", m.g != nil)
	return m, nil
}

// SetOwnershipRange records the parameter sub-range [jstart, jend) handled by
// this context. The range is not validated.
func (m *Model) SetOwnershipRange(jstart, jend int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jstart, m.jend = jstart, jend
}

// OwnershipRange returns the recorded parameter sub-range.
func (m *Model) OwnershipRange() (jstart, jend int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jstart, m.jend
}

// AddModulatingSplines inserts n zero columns at the front of the parameter
// vector. The new columns are seasonal, and they are added to the
// regularization indices so the ridge penalty also damps them. Every existing
// index moves up by n.
func (m *Model) AddModulatingSplines(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative modulating spline count %d", ErrInvalidPartition, n)
	}
	if n == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	part := m.part.Shift(n)
	h := padColumns(m.h, n)
	var g *mat.Dense
	if m.g != nil {
		g = padColumns(m.g, n)
	}

	if _, cols := h.Dims(); cols != part.NumParams() {
		return fmt.Errorf("%w: design matrix has %d columns, partition has %d", ErrDimensionMismatch, cols, part.NumParams())
	}
	if g != nil {
		if _, cols := g.Dims(); cols != part.NumParams() {
			return fmt.Errorf("%w: interferogram design matrix has %d columns, partition has %d", ErrDimensionMismatch, cols, part.NumParams())
		}
	}

	reg := make([]int, 0, n+len(m.reg))
	for j := 0; j < n; j++ {
		reg = append(reg, j)
	}
	for _, j := range m.reg {
		reg = append(reg, j+n)
	}

	m.h, m.g, m.part, m.reg = h, g, part, reg
	m.log.V(logging.DEBUG).Info("added modulating splines", "count", n, "npar", part.NumParams())
	return nil
}

// padColumns returns a copy of a with n zero columns prepended.
func padColumns(a *mat.Dense, n int) *mat.Dense {
	rows, cols := a.Dims()
	out := mat.NewDense(rows, cols+n, nil)
	out.Slice(0, rows, n, cols+n).(*mat.Dense).Copy(a)
	return out
}

// Partition returns the current functional partition.
func (m *Model) Partition() Partition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.part
}

// NumParams returns Npar.
func (m *Model) NumParams() int {
	return m.Partition().NumParams()
}

// RegularizationIndices returns the columns to regularize.
func (m *Model) RegularizationIndices() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.reg...)
}

// IsCoordinator reports whether Predict performs work on this process.
func (m *Model) IsCoordinator() bool {
	return m.coordinator
}

// HasConnectivity reports whether an interferogram-domain matrix exists.
func (m *Model) HasConnectivity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.g != nil
}

// Design returns a copy of H, or of G when insar is set.
func (m *Model) Design(insar bool) (*mat.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if insar {
		if m.g == nil {
			return nil, ErrMissingMatrix
		}
		return mat.DenseCopyOf(m.g), nil
	}
	return mat.DenseCopyOf(m.h), nil
}

// snapshot captures the matrices and partition under the read lock. The
// captured values are never modified in place.
func (m *Model) snapshot(insar bool) (*mat.Dense, Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if insar {
		if m.g == nil {
			return nil, Partition{}, ErrMissingMatrix
		}
		return m.g, m.part, nil
	}
	return m.h, m.part, nil
}
