// Package pipeline drives the decomposition of a displacement stack: it tiles
// the grid, solves every tile across the group, and writes the per-category
// reconstructions from the coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/metrics"
	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/config"
	"geotsdecomp/pkg/group"
	"geotsdecomp/pkg/inversion"
	"geotsdecomp/pkg/model"
	"geotsdecomp/pkg/stack"
	"geotsdecomp/pkg/timerep"
)

// ErrRankMismatch reports a model whose coordinator flag disagrees with the group.
var ErrRankMismatch = errors.New("model and group disagree on the coordinator")

// Params holds the decomposition parameters.
type Params struct {
	// ChunkSize is the edge length of the square spatial tiles processed at
	// once. It is also the on-disk chunk edge of the output stacks.
	ChunkSize int

	// Workers bounds the goroutines solving pixels on each rank.
	Workers int

	// Insar writes predictions in the interferogram domain (G instead of H).
	Insar bool

	// Penalty is the ridge weight of the regularized parameters.
	Penalty float64

	// Categories lists the reconstructions Outputs creates stacks for.
	Categories []models.Category
}

// ProgressCallback is called after every tile with the number of tiles done
// and the total.
type ProgressCallback func(done, total int)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithMetrics records solve progress in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// WithProgress reports progress through cb.
func WithProgress(cb ProgressCallback) Option {
	return func(p *Pipeline) {
		p.progress = cb
	}
}

// Pipeline decomposes an input stack into per-category output stacks. Every
// rank of the group builds one and calls Run.
//
// For each tile, in row-major order:
//  1. the input stack broadcasts the primary and weight series;
//  2. every rank solves its static share of the tile's pixels;
//  3. the shares are gathered on the coordinator, which assembles the
//     parameter cube, predicts every category into the output stacks and
//     accumulates validation metrics;
//  4. the coordinator broadcasts the outcome so a fault stops every rank.
type Pipeline struct {
	g       group.Group
	model   *model.Model
	in      stack.Store
	outputs map[models.Category]stack.Store
	params  Params

	log      logr.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	progress ProgressCallback
}

// New binds a model to its input and output stacks. The stacks must be open.
func New(g group.Group, m *model.Model, in stack.Store, outputs map[models.Category]stack.Store, params Params, opts ...Option) (*Pipeline, error) {
	if m.IsCoordinator() != group.IsCoordinator(g) {
		return nil, fmt.Errorf("%w: rank %d", ErrRankMismatch, g.Rank())
	}
	if params.ChunkSize <= 0 {
		params.ChunkSize = stack.DefaultChunkSize
	}
	if params.Penalty < 0 {
		return nil, fmt.Errorf("negative penalty %g", params.Penalty)
	}
	p := &Pipeline{
		g:       g,
		model:   m,
		in:      in,
		outputs: outputs,
		params:  params,
		log:     logr.Discard(),
		tracer:  otel.Tracer("geotsdecomp/pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run processes every tile of the input stack and returns the validation
// metrics of the fit. It is collective; every rank returns the same metrics.
func (p *Pipeline) Run(ctx context.Context) (ValidationMetrics, error) {
	meta := p.in.Metadata()

	// interferograms are fitted through G, reconstructions through H
	solveInsar := meta.Primary == models.Igram
	design, err := p.model.Design(solveInsar)
	if err != nil {
		return ValidationMetrics{}, fmt.Errorf("selecting design matrix: %w", err)
	}
	if rows, _ := design.Dims(); rows != meta.Shape[0] {
		return ValidationMetrics{}, fmt.Errorf("%w: design matrix has %d rows, %s stack has %d layers",
			model.ErrDimensionMismatch, rows, meta.Primary, meta.Shape[0])
	}
	solver := &inversion.Solver{
		Design:      design,
		Regularized: p.model.RegularizationIndices(),
		Penalty:     p.params.Penalty,
		Workers:     p.params.Workers,
	}

	sinks := make(map[models.Category]model.Sink, len(p.outputs))
	for cat, out := range p.outputs {
		sinks[cat] = out
	}

	tiles := models.Tiles(meta.Ny(), meta.Nx(), p.params.ChunkSize)
	p.log.Info("decomposition started", "run", meta.RunID, "primary", meta.Primary.String(),
		"shape", meta.Shape, "tiles", len(tiles), "npar", p.model.NumParams(), "outputs", len(sinks))

	var acc accumulator
	for i, tile := range tiles {
		if err := p.processTile(ctx, solver, sinks, tile, solveInsar, &acc); err != nil {
			return ValidationMetrics{}, fmt.Errorf("tile %d %v: %w", i, tile, err)
		}
		if p.progress != nil {
			p.progress(i+1, len(tiles))
		}
	}

	vm := acc.result(len(tiles))
	if err := group.BroadcastJSON(ctx, p.g, &vm, nil); err != nil {
		return ValidationMetrics{}, err
	}
	p.log.Info("decomposition finished", "rmse", vm.RMSE, "varianceReduction", vm.VarianceReduction,
		"correlation", vm.Correlation, "solved", vm.PixelsSolved, "failed", vm.PixelsFailed)
	return vm, nil
}

func (p *Pipeline) processTile(ctx context.Context, solver *inversion.Solver, sinks map[models.Category]model.Sink,
	tile models.Chunk, solveInsar bool, acc *accumulator) (err error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.tile", trace.WithAttributes(
		attribute.String("chunk", tile.String()),
		attribute.Int("rank", p.g.Rank()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "tile failed")
		}
		span.End()
	}()

	primary := p.in.Metadata().Primary
	data, err := p.in.GetChunk(ctx, tile, primary)
	if err != nil {
		return fmt.Errorf("reading %s: %w", primary, err)
	}
	weights, err := p.in.GetChunk(ctx, tile, models.Weight)
	if err != nil {
		return fmt.Errorf("reading weights: %w", err)
	}

	first, last := group.Partition(data.Pixels(), p.g.Size(), p.g.Rank())
	res, err := solver.SolvePixels(ctx, data, weights, first, last)
	if err != nil {
		return fmt.Errorf("solving pixels [%d, %d): %w", first, last, err)
	}
	p.metrics.ObserveSolve(res.Solved, res.Failed)
	span.AddEvent("solved", trace.WithAttributes(attribute.Int("solved", res.Solved), attribute.Int("failed", res.Failed)))

	share := make([]float64, 0, 2+len(res.Params))
	share = append(share, float64(res.Solved), float64(res.Failed))
	share = append(share, res.Params...)
	shares, err := group.GatherFloat64s(ctx, p.g, share)
	if err != nil {
		return fmt.Errorf("gathering parameters: %w", err)
	}

	var predErr error
	if group.IsCoordinator(p.g) {
		predErr = p.predict(ctx, sinks, tile, data, weights, shares, solveInsar, acc)
	}
	if err := group.BroadcastStatus(ctx, p.g, predErr); err != nil {
		return err
	}

	p.metrics.ObserveChunk(time.Since(start).Seconds())
	p.log.V(logging.DEBUG).Info("tile done", "chunk", tile.String(), "solved", res.Solved, "failed", res.Failed)
	return nil
}

// predict assembles the gathered shares into a parameter cube, writes the
// reconstructions and scores the fit against the observations.
func (p *Pipeline) predict(ctx context.Context, sinks map[models.Category]model.Sink, tile models.Chunk,
	data, weights *models.Cube, shares [][]float64, solveInsar bool, acc *accumulator) error {
	npar := p.model.NumParams()
	npix := data.Pixels()
	mvec := models.NewCube(npar, tile.Height(), tile.Width())

	var solved, failed int
	for r, share := range shares {
		first, last := group.Partition(npix, p.g.Size(), r)
		if len(share) != 2+(last-first)*npar {
			return fmt.Errorf("%w: rank %d sent %d values for %d pixels", group.ErrOutOfStep, r, len(share), last-first)
		}
		solved += int(share[0])
		failed += int(share[1])
		for px := first; px < last; px++ {
			off := 2 + (px-first)*npar
			mvec.SetSeries(px, share[off:off+npar])
		}
	}

	if err := p.model.Predict(ctx, mvec, sinks, tile, model.WithInsar(p.params.Insar)); err != nil {
		return err
	}

	fitted, err := p.model.Forward(mvec, solveInsar)
	if err != nil {
		return fmt.Errorf("forward model: %w", err)
	}
	acc.add(data, weights, fitted)
	acc.solved += solved
	acc.failed += failed
	return nil
}

// NewModel builds the model of a stack from the configured temporal basis.
// Interferogram stacks get their connectivity matrix attached.
func NewModel(meta stack.Metadata, functions []config.FunctionConfig, splines, rank int, log logr.Logger) (*model.Model, error) {
	fns, err := timerep.FromConfig(meta.Tdec, functions)
	if err != nil {
		return nil, err
	}
	rep, err := timerep.New(meta.Tdec, fns...)
	if err != nil {
		return nil, err
	}
	opts := []model.Option{model.WithRank(rank), model.WithLogger(log)}
	if jmat := meta.Connectivity(); jmat != nil {
		opts = append(opts, model.WithConnectivity(jmat))
	}
	m, err := model.New(rep, opts...)
	if err != nil {
		return nil, err
	}
	if splines > 0 {
		if err := m.AddModulatingSplines(splines); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Outputs creates one reconstruction stack per category of params under dir,
// named <category>.stack. Each holds a recon dataset in the prediction domain
// and a par dataset with the parameters of its category, and inherits the
// geometry of the input. It is collective.
func Outputs(ctx context.Context, g group.Group, m *model.Model, in stack.Store, dir string, params Params, opts ...stack.Option) (map[models.Category]stack.Store, error) {
	design, err := m.Design(params.Insar)
	if err != nil {
		return nil, fmt.Errorf("selecting prediction domain: %w", err)
	}
	rows, _ := design.Dims()
	part := m.Partition()
	runID := uuid.NewString()

	meta := in.Metadata()
	var geom *stack.Geometry
	if meta.Geolocated {
		if geom, err = in.Geometry(ctx); err != nil {
			return nil, fmt.Errorf("reading input geometry: %w", err)
		}
	}
	var tinsar []float64
	if params.Insar {
		tinsar = meta.Tinsar
	}

	outputs := make(map[models.Category]stack.Store, len(params.Categories))
	closeAll := func() {
		for _, s := range outputs {
			s.Close()
		}
	}
	for _, cat := range params.Categories {
		if cat == models.Step {
			closeAll()
			return nil, fmt.Errorf("%w: cannot reconstruct %s", model.ErrUnknownCategory, cat)
		}
		s := stack.New(g, opts...)
		err := s.Initialize(ctx, stack.InitOptions{
			Shape:          [3]int{rows, meta.Ny(), meta.Nx()},
			Tdec:           meta.Tdec,
			Tinsar:         tinsar,
			ChunkSize:      params.ChunkSize,
			Path:           filepath.Join(dir, cat.String()+".stack"),
			Mode:           stack.Write,
			Reconstruction: true,
			Parameters:     part.Size(cat),
			Geometry:       geom,
			RunID:          runID,
		})
		if err != nil {
			s.Close()
			closeAll()
			return nil, fmt.Errorf("creating %s stack: %w", cat, err)
		}
		outputs[cat] = s
	}
	return outputs, nil
}
