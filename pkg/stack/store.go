// Package stack implements the chunked displacement stack: a 3-D array
// (time or parameter, Ny, Nx) that only the coordinator reads from and writes
// to disk, and that every other rank sees through broadcasts.
package stack

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/metrics"
	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/group"
)

var (
	// ErrFormat reports a backing store without a usable dataset set.
	ErrFormat = errors.New("unrecognized stack format")

	// ErrUnknownDataset reports a role the stack does not hold.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrIO reports an unreadable or unwritable backing store.
	ErrIO = errors.New("stack i/o error")

	// ErrNotOpen reports a chunk operation before Initialize or LoadFromFile,
	// or after Close.
	ErrNotOpen = errors.New("stack not open")

	// ErrReadOnly reports a write to a stack opened with LoadFromFile.
	ErrReadOnly = errors.New("stack opened read-only")

	// ErrOutOfBounds reports a chunk outside the spatial grid or an empty chunk.
	ErrOutOfBounds = errors.New("chunk out of bounds")

	// ErrDimensionMismatch reports data whose shape does not match its target.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// DefaultChunkSize is the on-disk chunk edge along both spatial axes.
const DefaultChunkSize = 128

// Mode selects how Initialize treats an existing backing store.
type Mode int

const (
	// Write discards any existing content
	Write Mode = iota
	// Update keeps existing content and creates the store if needed
	Update
)

// Store is the collective chunked stack. Every rank of the group calls the
// same methods in the same order.
type Store interface {
	// Initialize creates the datasets of a new stack and opens it for writing
	Initialize(ctx context.Context, opts InitOptions) error

	// LoadFromFile opens an existing stack read-only
	LoadFromFile(ctx context.Context, path string) error

	// GetChunk returns data[:, chunk.Y, chunk.X] of role on every rank
	GetChunk(ctx context.Context, chunk models.Chunk, role models.Dataset) (*models.Cube, error)

	// SetChunk stores data at data[:, chunk.Y, chunk.X] of role. Only the
	// coordinator writes; elsewhere the call does nothing.
	SetChunk(ctx context.Context, data *models.Cube, chunk models.Chunk, role models.Dataset) error

	// Geometry returns the per-pixel coordinates on every rank
	Geometry(ctx context.Context) (*Geometry, error)

	// Metadata describes the open stack
	Metadata() Metadata

	// Close releases the backing store
	Close() error
}

// Geometry holds per-pixel coordinates in row-major pixel order.
type Geometry struct {
	Lat  []float64 `json:"lat"`
	Lon  []float64 `json:"lon"`
	Elev []float64 `json:"elev"`
}

func (g *Geometry) validate(npix int) error {
	if len(g.Lat) != npix || len(g.Lon) != npix || len(g.Elev) != npix {
		return fmt.Errorf("%w: geometry holds %d/%d/%d coordinates for %d pixels",
			ErrDimensionMismatch, len(g.Lat), len(g.Lon), len(g.Elev), npix)
	}
	return nil
}

// Matrix is a dense matrix in a form that survives broadcasts and storage.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// NewMatrix copies m.
func NewMatrix(m mat.Matrix) *Matrix {
	if m == nil {
		return nil
	}
	d := mat.DenseCopyOf(m)
	rows, cols := d.Dims()
	return &Matrix{Rows: rows, Cols: cols, Data: d.RawMatrix().Data}
}

// Dense returns the matrix as a gonum matrix, or nil for a nil receiver.
func (m *Matrix) Dense() *mat.Dense {
	if m == nil {
		return nil
	}
	return mat.NewDense(m.Rows, m.Cols, append([]float64(nil), m.Data...))
}

// Metadata is the description of an open stack shared by every rank.
type Metadata struct {
	Primary    models.Dataset `json:"primary"`
	Shape      [3]int         `json:"shape"`
	ChunkShape [2]int         `json:"chunk_shape"`
	Tdec       []float64      `json:"tdec"`
	Tinsar     []float64      `json:"tinsar,omitempty"`
	Jmat       *Matrix        `json:"jmat,omitempty"`
	Parameters int            `json:"parameters,omitempty"`
	RunID      string         `json:"run_id,omitempty"`

	// Geolocated reports whether the stack stores lat, lon and elev
	Geolocated bool `json:"geolocated,omitempty"`
}

// Ny returns the number of grid rows.
func (m Metadata) Ny() int { return m.Shape[1] }

// Nx returns the number of grid columns.
func (m Metadata) Nx() int { return m.Shape[2] }

// Connectivity returns Jmat, or nil for a reconstruction stack.
func (m Metadata) Connectivity() *mat.Dense {
	return m.Jmat.Dense()
}

// shapeOf returns the full shape of role, or ErrUnknownDataset.
func (m Metadata) shapeOf(role models.Dataset) ([3]int, error) {
	switch {
	case !role.Valid():
		return [3]int{}, fmt.Errorf("%w: %s", ErrUnknownDataset, role)
	case role == m.Primary, role == models.Weight:
		return m.Shape, nil
	case role == models.Par && m.Parameters > 0:
		return [3]int{m.Parameters, m.Shape[1], m.Shape[2]}, nil
	}
	return [3]int{}, fmt.Errorf("%w: %s stack has no %s dataset", ErrUnknownDataset, m.Primary, role)
}

// InitOptions describes the stack created by Initialize.
type InitOptions struct {
	// Shape is (Ntime or Nifg, Ny, Nx) of the primary and weight datasets
	Shape [3]int

	// Tdec holds the decimal-year epochs
	Tdec []float64

	// ChunkSize is the on-disk chunk edge; DefaultChunkSize when zero
	ChunkSize int

	Path string
	Mode Mode

	// Reconstruction selects recon as the primary dataset instead of igram
	Reconstruction bool

	// Parameters creates a par dataset of that many layers when positive
	Parameters int

	Geometry *Geometry

	// Jmat is only stored for interferogram stacks. Tinsar is also kept on
	// reconstruction stacks holding interferogram-domain predictions.
	Jmat   mat.Matrix
	Tinsar []float64

	RunID string
}

func (o InitOptions) metadata() (Metadata, error) {
	size := o.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	switch {
	case o.Shape[0] < 1 || o.Shape[1] < 1 || o.Shape[2] < 1:
		return Metadata{}, fmt.Errorf("%w: invalid stack shape %v", ErrDimensionMismatch, o.Shape)
	case size < 1:
		return Metadata{}, fmt.Errorf("%w: invalid chunk size %d", ErrDimensionMismatch, size)
	case o.Parameters < 0:
		return Metadata{}, fmt.Errorf("%w: negative parameter count %d", ErrDimensionMismatch, o.Parameters)
	}

	meta := Metadata{
		Primary:    models.Igram,
		Shape:      o.Shape,
		ChunkShape: [2]int{size, size},
		Tdec:       append([]float64(nil), o.Tdec...),
		Tinsar:     append([]float64(nil), o.Tinsar...),
		Parameters: o.Parameters,
		RunID:      o.RunID,
		Geolocated: o.Geometry != nil,
	}
	if o.Reconstruction {
		meta.Primary = models.Recon
		return meta, nil
	}
	if o.Jmat != nil {
		meta.Jmat = NewMatrix(o.Jmat)
		if meta.Jmat.Rows != o.Shape[0] {
			return Metadata{}, fmt.Errorf("%w: connectivity matrix has %d rows for %d interferograms",
				ErrDimensionMismatch, meta.Jmat.Rows, o.Shape[0])
		}
	}
	return meta, nil
}

type state int

const (
	uninitialized state = iota
	openWrite
	openRead
	closed
)

type config struct {
	log     logr.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithMetrics records chunk traffic in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// New returns the Store implementation for the rank of g: a CoordinatorStore
// on the coordinator and a WorkerStore everywhere else.
func New(g group.Group, opts ...Option) Store {
	cfg := config{log: logr.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if group.IsCoordinator(g) {
		return newCoordinatorStore(g, cfg)
	}
	return newWorkerStore(g, cfg)
}

// checkChunk validates a chunk request against the shared metadata. Every
// rank reaches the same verdict, so failures need no communication.
func checkChunk(st state, meta Metadata, chunk models.Chunk, role models.Dataset) ([3]int, error) {
	if st != openWrite && st != openRead {
		return [3]int{}, ErrNotOpen
	}
	shape, err := meta.shapeOf(role)
	if err != nil {
		return [3]int{}, err
	}
	if chunk.Empty() || !chunk.Within(shape[1], shape[2]) {
		return [3]int{}, fmt.Errorf("%w: %v on grid (%d, %d)", ErrOutOfBounds, chunk, shape[1], shape[2])
	}
	return [3]int{shape[0], chunk.Height(), chunk.Width()}, nil
}
