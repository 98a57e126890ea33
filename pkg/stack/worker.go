package stack

import (
	"context"
	"fmt"
	"sync"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/group"
)

// WorkerStore never touches the backing store. It mirrors the coordinator's
// state and receives chunk data through broadcasts.
type WorkerStore struct {
	g   group.Group
	cfg config

	mu    sync.Mutex
	state state
	meta  Metadata
}

func newWorkerStore(g group.Group, cfg config) *WorkerStore {
	return &WorkerStore{g: g, cfg: cfg}
}

// Initialize receives the metadata of the stack created by the coordinator.
// The options are only read on the coordinator.
func (s *WorkerStore) Initialize(ctx context.Context, _ InitOptions) error {
	var meta Metadata
	if err := group.BroadcastJSON(ctx, s.g, &meta, nil); err != nil {
		return err
	}
	s.open(meta, openWrite)
	return s.g.Barrier(ctx)
}

// LoadFromFile receives the metadata of the stack loaded by the coordinator.
func (s *WorkerStore) LoadFromFile(ctx context.Context, _ string) error {
	var meta Metadata
	if err := group.BroadcastJSON(ctx, s.g, &meta, nil); err != nil {
		return err
	}
	s.open(meta, openRead)
	return nil
}

func (s *WorkerStore) open(meta Metadata, st state) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta, s.state = meta, st
	s.cfg.log.V(logging.DEBUG).Info("stack opened by coordinator", "primary", meta.Primary.String(), "shape", meta.Shape)
}

// GetChunk receives data[:, chunk.Y, chunk.X] of role from the coordinator.
func (s *WorkerStore) GetChunk(ctx context.Context, chunk models.Chunk, role models.Dataset) (*models.Cube, error) {
	s.mu.Lock()
	shape, err := checkChunk(s.state, s.meta, chunk, role)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	dims, err := group.BroadcastInts(ctx, s.g, nil, nil)
	if err != nil {
		return nil, err
	}
	// the data broadcast is always received so the coordinator never blocks
	values, err := group.BroadcastFloat32s(ctx, s.g, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(dims) != 3 || dims[0] != shape[0] || dims[1] != shape[1] || dims[2] != shape[2] {
		return nil, fmt.Errorf("%w: coordinator sent %s chunk of shape %v, expected %v", ErrDimensionMismatch, role, dims, shape)
	}
	return models.CubeFromFloat32(shape, values)
}

// SetChunk validates the request like the coordinator does and writes nothing.
func (s *WorkerStore) SetChunk(_ context.Context, _ *models.Cube, chunk models.Chunk, role models.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == openRead {
		return fmt.Errorf("%w: cannot write %s", ErrReadOnly, role)
	}
	_, err := checkChunk(s.state, s.meta, chunk, role)
	return err
}

// Geometry receives the per-pixel coordinates from the coordinator.
func (s *WorkerStore) Geometry(ctx context.Context) (*Geometry, error) {
	s.mu.Lock()
	st, meta := s.state, s.meta
	s.mu.Unlock()
	if st != openWrite && st != openRead {
		return nil, ErrNotOpen
	}
	if !meta.Geolocated {
		return nil, fmt.Errorf("%w: stack has no lat", ErrFormat)
	}
	geom := &Geometry{}
	if err := group.BroadcastJSON(ctx, s.g, geom, nil); err != nil {
		return nil, err
	}
	return geom, nil
}

// Metadata describes the open stack.
func (s *WorkerStore) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Close marks the stack closed.
func (s *WorkerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = closed
	return nil
}
