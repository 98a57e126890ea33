package stack

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/metrics"
	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/group"
)

// runGroup runs fn on every rank of a local group, each with its own store.
func runGroup(t *testing.T, size int, fn func(ctx context.Context, g group.Group, s Store) error, opts ...Option) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts = append([]Option{WithLogger(testr.New(t))}, opts...)
	var eg errgroup.Group
	for _, g := range group.NewLocal(size) {
		g := g
		eg.Go(func() error {
			s := New(g, opts...)
			defer s.Close()
			defer g.Close()
			if err := fn(ctx, g, s); err != nil {
				return fmt.Errorf("rank %d: %w", g.Rank(), err)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

// sequence fills a cube with distinct values that float32 represents exactly.
func sequence(n, ny, nx int, offset float64) *models.Cube {
	c := models.NewCube(n, ny, nx)
	for i := range c.Data {
		c.Data[i] = offset + float64(i)*0.25
	}
	return c
}

func sameCube(want, got *models.Cube) error {
	if got == nil {
		return errors.New("nil cube")
	}
	if diff := cmp.Diff(want.Shape, got.Shape); diff != "" {
		return fmt.Errorf("shape differs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.Data, got.Data); diff != "" {
		return fmt.Errorf("data differs (-want +got):\n%s", diff)
	}
	return nil
}

func TestNewSelectsImplementationByRank(t *testing.T) {
	ranks := group.NewLocal(2)
	assert.IsType(t, &CoordinatorStore{}, New(ranks[0]))
	assert.IsType(t, &WorkerStore{}, New(ranks[1]))
}

// TestWriteThenReadAcrossGroup writes a (3,4,4) block on the coordinator and
// reads it back on all three ranks
func TestWriteThenReadAcrossGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "igram.stack")
	block := sequence(3, 4, 4, 1)
	chunk := models.NewChunk(0, 4, 0, 4)

	runGroup(t, 3, func(ctx context.Context, g group.Group, s Store) error {
		err := s.Initialize(ctx, InitOptions{
			Shape:     [3]int{3, 4, 4},
			Tdec:      []float64{2020, 2020.5, 2021},
			ChunkSize: 3,
			Path:      path,
		})
		if err != nil {
			return err
		}

		var data *models.Cube
		if group.IsCoordinator(g) {
			data = block
		}
		if err := s.SetChunk(ctx, data, chunk, models.Igram); err != nil {
			return err
		}
		got, err := s.GetChunk(ctx, chunk, models.Igram)
		if err != nil {
			return err
		}
		if err := sameCube(block, got); err != nil {
			return err
		}

		meta := s.Metadata()
		if meta.Primary != models.Igram || meta.Shape != [3]int{3, 4, 4} || meta.ChunkShape != [2]int{3, 3} {
			return fmt.Errorf("unexpected metadata %+v", meta)
		}
		return nil
	})
}

func TestPartialChunksSpanSeveralCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.stack")
	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		err := s.Initialize(ctx, InitOptions{
			Shape:          [3]int{2, 5, 7},
			Tdec:           []float64{1, 2},
			ChunkSize:      3,
			Path:           path,
			Reconstruction: true,
			Parameters:     4,
		})
		if err != nil {
			return err
		}

		inner := models.NewChunk(1, 4, 2, 6)
		whole := models.NewChunk(0, 5, 0, 7)
		for _, tc := range []struct {
			role models.Dataset
			n    int
		}{{models.Recon, 2}, {models.Weight, 2}, {models.Par, 4}} {
			block := sequence(tc.n, inner.Height(), inner.Width(), 10)
			if err := s.SetChunk(ctx, block, inner, tc.role); err != nil {
				return err
			}

			got, err := s.GetChunk(ctx, inner, tc.role)
			if err != nil {
				return err
			}
			if err := sameCube(block, got); err != nil {
				return fmt.Errorf("%s: %w", tc.role, err)
			}

			all, err := s.GetChunk(ctx, whole, tc.role)
			if err != nil {
				return err
			}
			want := models.NewCube(tc.n, 5, 7)
			for k := 0; k < tc.n; k++ {
				for y := inner.Y.Start; y < inner.Y.End; y++ {
					for x := inner.X.Start; x < inner.X.End; x++ {
						want.Set(k, y, x, block.At(k, y-inner.Y.Start, x-inner.X.Start))
					}
				}
			}
			if err := sameCube(want, all); err != nil {
				return fmt.Errorf("%s whole grid: %w", tc.role, err)
			}
		}
		return nil
	})
}

func TestOverlappingWritesKeepNeighbours(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack")
	runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.Initialize(ctx, InitOptions{Shape: [3]int{1, 4, 4}, ChunkSize: 4, Path: path}); err != nil {
			return err
		}
		left, _ := models.NewCubeFrom(1, 4, 2, []float64{1, 1, 1, 1, 1, 1, 1, 1})
		right, _ := models.NewCubeFrom(1, 4, 2, []float64{2, 2, 2, 2, 2, 2, 2, 2})
		if err := s.SetChunk(ctx, left, models.NewChunk(0, 4, 0, 2), models.Igram); err != nil {
			return err
		}
		if err := s.SetChunk(ctx, right, models.NewChunk(0, 4, 2, 4), models.Igram); err != nil {
			return err
		}
		got, err := s.GetChunk(ctx, models.NewChunk(0, 1, 0, 4), models.Igram)
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]float64{1, 1, 2, 2}, got.Data); diff != "" {
			return fmt.Errorf("row differs:\n%s", diff)
		}
		return nil
	})
}

func writeRawStack(t *testing.T, path string, withConnectivity bool) *models.Cube {
	t.Helper()
	block := sequence(2, 2, 3, -3)
	runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
		opts := InitOptions{
			Shape:     [3]int{2, 2, 3},
			Tdec:      []float64{2019, 2019.5, 2020},
			ChunkSize: 2,
			Path:      path,
			RunID:     "run-1",
			Geometry: &Geometry{
				Lat:  []float64{34, 34, 34, 34.01, 34.01, 34.01},
				Lon:  []float64{-118, -117.99, -117.98, -118, -117.99, -117.98},
				Elev: []float64{10, 11, 12, 13, 14, 15},
			},
		}
		if withConnectivity {
			opts.Jmat = mat.NewDense(2, 3, []float64{-1, 1, 0, 0, -1, 1})
			opts.Tinsar = []float64{2019, 2019.5}
		}
		if err := s.Initialize(ctx, opts); err != nil {
			return err
		}
		if err := s.SetChunk(ctx, block, models.NewChunk(0, 2, 0, 3), models.Igram); err != nil {
			return err
		}
		return s.SetChunk(ctx, sequence(2, 2, 3, 1), models.NewChunk(0, 2, 0, 3), models.Weight)
	})
	return block
}

func TestLoadInterferogramStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.stack")
	block := writeRawStack(t, path, true)

	runGroup(t, 3, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.LoadFromFile(ctx, path); err != nil {
			return err
		}
		meta := s.Metadata()
		if meta.Primary != models.Igram || meta.Shape != [3]int{2, 2, 3} || meta.ChunkShape != [2]int{2, 2} {
			return fmt.Errorf("unexpected metadata %+v", meta)
		}
		if diff := cmp.Diff([]float64{2019, 2019.5, 2020}, meta.Tdec); diff != "" {
			return fmt.Errorf("tdec differs:\n%s", diff)
		}
		if diff := cmp.Diff([]float64{2019, 2019.5}, meta.Tinsar); diff != "" {
			return fmt.Errorf("tinsar differs:\n%s", diff)
		}
		jmat := meta.Connectivity()
		if jmat == nil || jmat.At(1, 2) != 1 || jmat.At(0, 0) != -1 {
			return fmt.Errorf("unexpected connectivity %v", jmat)
		}
		if meta.RunID != "run-1" || !meta.Geolocated {
			return fmt.Errorf("run id %q, geolocated %v", meta.RunID, meta.Geolocated)
		}

		got, err := s.GetChunk(ctx, models.NewChunk(0, 2, 0, 3), models.Igram)
		if err != nil {
			return err
		}
		if err := sameCube(block, got); err != nil {
			return err
		}

		if err := s.SetChunk(ctx, block, models.NewChunk(0, 2, 0, 3), models.Igram); !errors.Is(err, ErrReadOnly) {
			return fmt.Errorf("write to loaded stack returned %v", err)
		}
		return nil
	})
}

func TestLoadReconstructionStack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.stack")
	runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
		return s.Initialize(ctx, InitOptions{
			Shape:          [3]int{3, 2, 2},
			Tdec:           []float64{1, 2, 3},
			Path:           path,
			Reconstruction: true,
			Parameters:     2,
			Jmat:           mat.NewDense(3, 3, nil),
			Tinsar:         []float64{1, 2, 3},
		})
	})

	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.LoadFromFile(ctx, path); err != nil {
			return err
		}
		meta := s.Metadata()
		if meta.Primary != models.Recon || meta.Parameters != 2 || meta.Jmat != nil || meta.ChunkShape != [2]int{DefaultChunkSize, DefaultChunkSize} {
			return fmt.Errorf("unexpected metadata %+v", meta)
		}
		// interferogram-domain reconstructions keep their pair epochs
		if diff := cmp.Diff([]float64{1, 2, 3}, meta.Tinsar); diff != "" {
			return fmt.Errorf("tinsar differs:\n%s", diff)
		}
		if meta.Geolocated {
			return errors.New("reconstruction stack reports geometry")
		}
		got, err := s.GetChunk(ctx, models.NewChunk(0, 2, 0, 2), models.Par)
		if err != nil {
			return err
		}
		return sameCube(models.NewCube(2, 2, 2), got)
	})
}

func TestLoadWithoutConnectivityIsFormatError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incomplete.stack")
	writeRawStack(t, path, false)

	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		err := s.LoadFromFile(ctx, path)
		if group.IsCoordinator(g) {
			if !errors.Is(err, ErrFormat) {
				return fmt.Errorf("expected format error, got %v", err)
			}
			return nil
		}
		var remote *group.RemoteError
		if !errors.As(err, &remote) {
			return fmt.Errorf("expected remote error, got %v", err)
		}
		return nil
	})
}

func TestLoadMissingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.stack")
	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		err := s.LoadFromFile(ctx, path)
		if group.IsCoordinator(g) && !errors.Is(err, ErrIO) {
			return fmt.Errorf("expected i/o error, got %v", err)
		}
		if err == nil {
			return errors.New("load of a missing path succeeded")
		}
		if _, err := s.GetChunk(ctx, models.NewChunk(0, 1, 0, 1), models.Igram); !errors.Is(err, ErrNotOpen) {
			return fmt.Errorf("expected not open, got %v", err)
		}
		return nil
	})
}

func TestChunkRequestErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.stack")
	runGroup(t, 3, func(ctx context.Context, g group.Group, s Store) error {
		if _, err := s.GetChunk(ctx, models.NewChunk(0, 1, 0, 1), models.Recon); !errors.Is(err, ErrNotOpen) {
			return fmt.Errorf("read before initialize returned %v", err)
		}
		err := s.Initialize(ctx, InitOptions{Shape: [3]int{2, 3, 3}, Path: path, Reconstruction: true})
		if err != nil {
			return err
		}

		cases := []struct {
			chunk models.Chunk
			role  models.Dataset
			want  error
		}{
			{models.NewChunk(0, 1, 0, 1), models.Igram, ErrUnknownDataset},
			{models.NewChunk(0, 1, 0, 1), models.Par, ErrUnknownDataset},
			{models.NewChunk(0, 1, 0, 1), models.Dataset(9), ErrUnknownDataset},
			{models.NewChunk(0, 4, 0, 1), models.Recon, ErrOutOfBounds},
			{models.NewChunk(2, 2, 0, 1), models.Weight, ErrOutOfBounds},
		}
		for _, tc := range cases {
			if _, err := s.GetChunk(ctx, tc.chunk, tc.role); !errors.Is(err, tc.want) {
				return fmt.Errorf("get %s%v returned %v, want %v", tc.role, tc.chunk, err, tc.want)
			}
			if err := s.SetChunk(ctx, models.NewCube(2, 1, 1), tc.chunk, tc.role); !errors.Is(err, tc.want) {
				return fmt.Errorf("set %s%v returned %v, want %v", tc.role, tc.chunk, err, tc.want)
			}
		}

		// a valid request still works after the failures
		if _, err := s.GetChunk(ctx, models.NewChunk(0, 3, 0, 3), models.Recon); err != nil {
			return err
		}

		err = s.SetChunk(ctx, models.NewCube(3, 1, 1), models.NewChunk(0, 1, 0, 1), models.Recon)
		if group.IsCoordinator(g) && !errors.Is(err, ErrDimensionMismatch) {
			return fmt.Errorf("shape mismatch returned %v", err)
		}

		if err := s.Close(); err != nil {
			return err
		}
		if _, err := s.GetChunk(ctx, models.NewChunk(0, 1, 0, 1), models.Recon); !errors.Is(err, ErrNotOpen) {
			return fmt.Errorf("read after close returned %v", err)
		}
		return nil
	})
}

func TestInitializeModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack")
	block := sequence(1, 2, 2, 5)
	chunk := models.NewChunk(0, 2, 0, 2)
	opts := InitOptions{Shape: [3]int{1, 2, 2}, Path: path}

	runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.Initialize(ctx, opts); err != nil {
			return err
		}
		return s.SetChunk(ctx, block, chunk, models.Igram)
	})

	reopen := func(mode Mode, want *models.Cube) {
		runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
			o := opts
			o.Mode = mode
			if err := s.Initialize(ctx, o); err != nil {
				return err
			}
			got, err := s.GetChunk(ctx, chunk, models.Igram)
			if err != nil {
				return err
			}
			return sameCube(want, got)
		})
	}
	reopen(Update, block)
	reopen(Write, models.NewCube(1, 2, 2))

	runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
		o := opts
		o.Mode = Update
		o.Shape = [3]int{2, 2, 2}
		if err := s.Initialize(ctx, o); !errors.Is(err, ErrDimensionMismatch) {
			return fmt.Errorf("resizing an existing dataset returned %v", err)
		}
		return nil
	})

	runGroup(t, 1, func(ctx context.Context, g group.Group, s Store) error {
		o := opts
		o.Mode = Update
		o.Reconstruction = true
		if err := s.Initialize(ctx, o); !errors.Is(err, ErrFormat) {
			return fmt.Errorf("adding recon next to igram returned %v", err)
		}
		return nil
	})
}

func TestInitializeValidation(t *testing.T) {
	dir := t.TempDir()
	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		err := s.Initialize(ctx, InitOptions{
			Shape:    [3]int{1, 2, 2},
			Path:     filepath.Join(dir, "geom.stack"),
			Geometry: &Geometry{Lat: []float64{1}, Lon: []float64{1}, Elev: []float64{1}},
		})
		if group.IsCoordinator(g) && !errors.Is(err, ErrDimensionMismatch) {
			return fmt.Errorf("geometry mismatch returned %v", err)
		}
		if err == nil {
			return errors.New("initialize with bad geometry succeeded")
		}

		err = s.Initialize(ctx, InitOptions{
			Shape: [3]int{3, 2, 2},
			Path:  filepath.Join(dir, "jmat.stack"),
			Jmat:  mat.NewDense(2, 3, nil),
		})
		if group.IsCoordinator(g) && !errors.Is(err, ErrDimensionMismatch) {
			return fmt.Errorf("connectivity mismatch returned %v", err)
		}
		if err == nil {
			return errors.New("initialize with bad connectivity succeeded")
		}
		return nil
	})
}

func TestStations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.stack")
	block := writeRawStack(t, path, true)

	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.LoadFromFile(ctx, path); err != nil {
			return err
		}
		stations, err := NewStations(ctx, g, s)
		if err != nil {
			return err
		}
		if stations.Len() != 6 {
			return fmt.Errorf("%d stations", stations.Len())
		}

		stn, err := stations.Station(4)
		if err != nil {
			return err
		}
		if stn.Y != 1 || stn.X != 1 || stn.Lat != 34.01 || stn.Lon != -117.99 || stn.Elev != 14 {
			return fmt.Errorf("unexpected station %+v", stn)
		}
		if _, err := stations.Station(6); !errors.Is(err, ErrOutOfBounds) {
			return fmt.Errorf("station 6 returned %v", err)
		}

		data, weights, err := stations.Series(ctx, 4)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(block.Series(4), data); diff != "" {
			return fmt.Errorf("series differs:\n%s", diff)
		}
		if len(weights) != 2 {
			return fmt.Errorf("%d weights", len(weights))
		}

		visited := 0
		err = stations.Each(ctx, func(st Station, data, _ []float64) error {
			if diff := cmp.Diff(block.Series(st.Index), data); diff != "" {
				return fmt.Errorf("station %d differs:\n%s", st.Index, diff)
			}
			visited++
			return nil
		})
		if err != nil {
			return err
		}
		if visited != 6 {
			return fmt.Errorf("visited %d stations", visited)
		}

		d, err := stations.Distance(0, 3)
		if err != nil {
			return err
		}
		// 0.01 degree of latitude is about 1.1 km
		if d < 1000 || d > 1200 {
			return fmt.Errorf("distance %g", d)
		}
		w, err := stations.NetworkWeighting(1, 2, 0)
		if err != nil {
			return err
		}
		if r, c := w.Dims(); r != 6 || c != 6 {
			return fmt.Errorf("weighting is %dx%d", r, c)
		}
		return nil
	})
}

func TestEachStopsEveryRankOnLocalFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.stack")
	writeRawStack(t, path, true)
	errStation := errors.New("bad station")

	runGroup(t, 3, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.LoadFromFile(ctx, path); err != nil {
			return err
		}
		stations, err := NewStations(ctx, g, s)
		if err != nil {
			return err
		}
		var visited []int
		err = stations.Each(ctx, func(st Station, _, _ []float64) error {
			visited = append(visited, st.Index)
			if g.Rank() == 2 && st.Index == 1 {
				return errStation
			}
			return nil
		})

		// every rank stops after the first row
		if diff := cmp.Diff([]int{0, 1, 2}, visited); g.Rank() != 2 && diff != "" {
			return fmt.Errorf("visited differs:\n%s", diff)
		}
		var remote *group.RemoteError
		switch {
		case g.Rank() == 2:
			if !errors.Is(err, errStation) {
				return fmt.Errorf("failing rank returned %v", err)
			}
		case group.IsCoordinator(g):
			if err == nil || !strings.Contains(err.Error(), "rank 2: bad station") {
				return fmt.Errorf("coordinator returned %v", err)
			}
		case !errors.As(err, &remote):
			return fmt.Errorf("expected remote error, got %v", err)
		}
		return nil
	})
}

func TestGeometryMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack")
	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.Initialize(ctx, InitOptions{Shape: [3]int{1, 1, 1}, Path: path}); err != nil {
			return err
		}
		_, err := NewStations(ctx, g, s)
		if group.IsCoordinator(g) && !errors.Is(err, ErrFormat) {
			return fmt.Errorf("expected format error, got %v", err)
		}
		if err == nil {
			return errors.New("stations without geometry")
		}
		return nil
	})
}

func TestMetricsRecordTraffic(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	path := filepath.Join(t.TempDir(), "stack")
	runGroup(t, 2, func(ctx context.Context, g group.Group, s Store) error {
		if err := s.Initialize(ctx, InitOptions{Shape: [3]int{2, 2, 2}, Path: path}); err != nil {
			return err
		}
		chunk := models.NewChunk(0, 2, 0, 2)
		if err := s.SetChunk(ctx, sequence(2, 2, 2, 0), chunk, models.Igram); err != nil {
			return err
		}
		_, err := s.GetChunk(ctx, chunk, models.Weight)
		return err
	}, WithMetrics(m))

	// only the coordinator touches the backing store
	assert.Equal(t, 32.0, testutil.ToFloat64(m.BytesWritten.WithLabelValues("igram")))
	assert.Equal(t, 32.0, testutil.ToFloat64(m.BytesRead.WithLabelValues("weights")))
}
