package stack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/group"
)

// CoordinatorStore owns the backing store. It performs every read and write
// and broadcasts what it reads to the rest of the group.
type CoordinatorStore struct {
	g   group.Group
	cfg config

	mu    sync.Mutex
	state state
	meta  Metadata
	be    *backend
}

func newCoordinatorStore(g group.Group, cfg config) *CoordinatorStore {
	return &CoordinatorStore{g: g, cfg: cfg}
}

// Initialize creates the datasets described by opts, then shares the
// resulting metadata. Every rank ends at a barrier once the stack is open.
func (s *CoordinatorStore) Initialize(ctx context.Context, opts InitOptions) error {
	meta, err := s.create(opts)
	if err := group.BroadcastJSON(ctx, s.g, &meta, err); err != nil {
		return err
	}
	return s.g.Barrier(ctx)
}

func (s *CoordinatorStore) create(opts InitOptions) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != uninitialized {
		return Metadata{}, fmt.Errorf("stack already opened")
	}
	meta, err := opts.metadata()
	if err != nil {
		return Metadata{}, err
	}
	if opts.Geometry != nil {
		if err := opts.Geometry.validate(meta.Ny() * meta.Nx()); err != nil {
			return Metadata{}, err
		}
	}
	if opts.Path == "" {
		return Metadata{}, fmt.Errorf("%w: empty stack path", ErrIO)
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return Metadata{}, fmt.Errorf("%w: creating %s: %w", ErrIO, opts.Path, err)
	}

	be, err := openBackend(opts.Path, false, s.cfg.log)
	if err != nil {
		return Metadata{}, err
	}
	if err := s.populate(be, meta, opts); err != nil {
		return Metadata{}, errors.Join(err, be.close())
	}

	s.be, s.meta, s.state = be, meta, openWrite
	s.cfg.log.V(logging.DEBUG).Info("initialized stack", "path", opts.Path, "primary", meta.Primary.String(),
		"shape", meta.Shape, "chunkShape", meta.ChunkShape, "parameters", meta.Parameters)
	return meta, nil
}

// populate writes the dataset descriptions and attributes of a new stack.
func (s *CoordinatorStore) populate(be *backend, meta Metadata, opts InitOptions) error {
	if opts.Mode == Write {
		if err := be.dropAll(); err != nil {
			return err
		}
	}

	other := models.Igram
	if meta.Primary == models.Igram {
		other = models.Recon
	}
	if _, exists, err := be.array(other.Key()); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: %s already holds a %s dataset", ErrFormat, opts.Path, other.Key())
	}

	roles := []models.Dataset{meta.Primary, models.Weight}
	if meta.Parameters > 0 {
		roles = append(roles, models.Par)
	}
	for _, role := range roles {
		shape, err := meta.shapeOf(role)
		if err != nil {
			return err
		}
		want := newArrayMeta(shape, meta.ChunkShape)
		existing, exists, err := be.array(role.Key())
		if err != nil {
			return err
		}
		if exists {
			if existing.Shape != want.Shape || existing.ChunkShape != want.ChunkShape {
				return fmt.Errorf("%w: existing %s dataset has shape %v and chunks %v, requested %v and %v",
					ErrDimensionMismatch, role.Key(), existing.Shape, existing.ChunkShape, want.Shape, want.ChunkShape)
			}
			continue
		}
		if err := be.putArray(role.Key(), want); err != nil {
			return err
		}
	}

	attrs := map[string]any{
		"tdec":        meta.Tdec,
		"chunk_shape": meta.ChunkShape,
		"dtype":       dtypeTag,
	}
	if meta.RunID != "" {
		attrs["run_id"] = meta.RunID
	}
	if meta.Primary == models.Igram && meta.Jmat != nil {
		attrs["Jmat"] = meta.Jmat
	}
	if len(meta.Tinsar) > 0 {
		attrs["tinsar"] = meta.Tinsar
	}
	if geom := opts.Geometry; geom != nil {
		attrs["lat"] = geom.Lat
		attrs["lon"] = geom.Lon
		attrs["elev"] = geom.Elev
	}
	for name, v := range attrs {
		if err := be.putAttr(name, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromFile opens the stack at path read-only and shares its metadata.
func (s *CoordinatorStore) LoadFromFile(ctx context.Context, path string) error {
	meta, err := s.load(path)
	return group.BroadcastJSON(ctx, s.g, &meta, err)
}

func (s *CoordinatorStore) load(path string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != uninitialized {
		return Metadata{}, fmt.Errorf("stack already opened")
	}
	if _, err := os.Stat(path); err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	be, err := openBackend(path, true, s.cfg.log)
	if err != nil {
		return Metadata{}, err
	}
	meta, err := readMetadata(be)
	if err != nil {
		return Metadata{}, errors.Join(err, be.close())
	}

	s.be, s.meta, s.state = be, meta, openRead
	s.cfg.log.V(logging.DEBUG).Info("loaded stack", "path", path, "primary", meta.Primary.String(),
		"shape", meta.Shape, "chunkShape", meta.ChunkShape, "parameters", meta.Parameters)
	return meta, nil
}

// readMetadata recognizes an interferogram stack (igram with tinsar and
// Jmat) first and a reconstruction stack (recon) second.
func readMetadata(be *backend) (Metadata, error) {
	var meta Metadata

	igram, hasIgram, err := be.array(models.Igram.Key())
	if err != nil {
		return meta, err
	}
	var jmat Matrix
	var hasJmat bool
	hasTinsar, err := be.attr("tinsar", &meta.Tinsar)
	if err != nil {
		return meta, err
	}
	if hasIgram {
		if hasJmat, err = be.attr("Jmat", &jmat); err != nil {
			return meta, err
		}
	}

	var primary arrayMeta
	switch {
	case hasIgram && hasTinsar && hasJmat:
		meta.Primary, primary, meta.Jmat = models.Igram, igram, &jmat
	default:
		recon, hasRecon, err := be.array(models.Recon.Key())
		if err != nil {
			return meta, err
		}
		if !hasRecon {
			return meta, fmt.Errorf("%w: %s holds neither igram with tinsar and Jmat nor recon", ErrFormat, be.path)
		}
		meta.Primary, primary = models.Recon, recon
	}
	meta.Shape = primary.Shape

	weights, ok, err := be.array(models.Weight.Key())
	if err != nil {
		return meta, err
	}
	if !ok || weights.Shape != primary.Shape {
		return meta, fmt.Errorf("%w: %s has no weights matching %s %v", ErrFormat, be.path, meta.Primary.Key(), primary.Shape)
	}

	if ok, err = be.attr("tdec", &meta.Tdec); err != nil {
		return meta, err
	} else if !ok {
		return meta, fmt.Errorf("%w: %s has no tdec", ErrFormat, be.path)
	}
	if ok, err = be.attr("chunk_shape", &meta.ChunkShape); err != nil {
		return meta, err
	} else if !ok {
		meta.ChunkShape = [2]int{primary.ChunkShape[1], primary.ChunkShape[2]}
	}
	if _, err = be.attr("run_id", &meta.RunID); err != nil {
		return meta, err
	}
	var lat []float64
	if meta.Geolocated, err = be.attr("lat", &lat); err != nil {
		return meta, err
	}

	par, ok, err := be.array(models.Par.Key())
	if err != nil {
		return meta, err
	}
	if ok {
		meta.Parameters = par.Shape[0]
	}
	return meta, nil
}

// GetChunk reads data[:, chunk.Y, chunk.X] of role and broadcasts its shape
// and values.
func (s *CoordinatorStore) GetChunk(ctx context.Context, chunk models.Chunk, role models.Dataset) (*models.Cube, error) {
	s.mu.Lock()
	st, meta := s.state, s.meta
	shape, err := checkChunk(st, meta, chunk, role)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	full, _ := meta.shapeOf(role)
	values, err := s.be.readRegion(role.Key(), newArrayMeta(full, meta.ChunkShape), chunk)
	s.mu.Unlock()

	var dims []int
	if err == nil {
		dims = shape[:]
		s.cfg.metrics.ObserveRead(role.Key(), 4*len(values))
	}
	if _, err := group.BroadcastInts(ctx, s.g, dims, err); err != nil {
		return nil, err
	}
	if _, err := group.BroadcastFloat32s(ctx, s.g, values, nil); err != nil {
		return nil, err
	}
	return models.CubeFromFloat32(shape, values)
}

// SetChunk writes data at data[:, chunk.Y, chunk.X] of role.
func (s *CoordinatorStore) SetChunk(_ context.Context, data *models.Cube, chunk models.Chunk, role models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == openRead {
		return fmt.Errorf("%w: cannot write %s", ErrReadOnly, role)
	}
	shape, err := checkChunk(s.state, s.meta, chunk, role)
	if err != nil {
		return err
	}
	if data == nil || data.Shape != shape {
		var got [3]int
		if data != nil {
			got = data.Shape
		}
		return fmt.Errorf("%w: %s chunk %v expects shape %v, got %v", ErrDimensionMismatch, role, chunk, shape, got)
	}

	full, _ := s.meta.shapeOf(role)
	values := data.Float32()
	if err := s.be.writeRegion(role.Key(), newArrayMeta(full, s.meta.ChunkShape), chunk, values); err != nil {
		return err
	}
	s.cfg.metrics.ObserveWrite(role.Key(), 4*len(values))
	return nil
}

// Geometry reads lat, lon and elev and broadcasts them.
func (s *CoordinatorStore) Geometry(ctx context.Context) (*Geometry, error) {
	s.mu.Lock()
	st, be, meta := s.state, s.be, s.meta
	s.mu.Unlock()
	if st != openWrite && st != openRead {
		return nil, ErrNotOpen
	}
	if !meta.Geolocated {
		return nil, fmt.Errorf("%w: %s has no lat", ErrFormat, be.path)
	}

	geom := &Geometry{}
	err := readGeometry(be, geom, meta.Ny()*meta.Nx())
	if err := group.BroadcastJSON(ctx, s.g, geom, err); err != nil {
		return nil, err
	}
	return geom, nil
}

func readGeometry(be *backend, geom *Geometry, npix int) error {
	for name, dst := range map[string]*[]float64{"lat": &geom.Lat, "lon": &geom.Lon, "elev": &geom.Elev} {
		ok, err := be.attr(name, dst)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no %s", ErrFormat, be.path, name)
		}
	}
	return geom.validate(npix)
}

// Metadata describes the open stack.
func (s *CoordinatorStore) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Close releases the backing store.
func (s *CoordinatorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == closed {
		return nil
	}
	s.state = closed
	if s.be == nil {
		return nil
	}
	err := s.be.close()
	s.be = nil
	return err
}
