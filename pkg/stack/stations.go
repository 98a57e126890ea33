package stack

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/geodesy"
	"geotsdecomp/pkg/group"
)

// Station is one pixel of the grid with its coordinates.
type Station struct {
	Index          int
	Y, X           int
	Lat, Lon, Elev float64
}

// Stations binds the geometry of a stack to its primary and weight datasets
// so pixels can be visited like a station network.
type Stations struct {
	g      group.Group
	store  Store
	geom   *Geometry
	ny, nx int
}

// NewStations reads the geometry of s, a stack opened by g. It is collective.
func NewStations(ctx context.Context, g group.Group, s Store) (*Stations, error) {
	geom, err := s.Geometry(ctx)
	if err != nil {
		return nil, err
	}
	meta := s.Metadata()
	return &Stations{g: g, store: s, geom: geom, ny: meta.Ny(), nx: meta.Nx()}, nil
}

// Len returns the number of stations.
func (st *Stations) Len() int {
	return st.ny * st.nx
}

// Station returns station i in row-major pixel order.
func (st *Stations) Station(i int) (Station, error) {
	if i < 0 || i >= st.Len() {
		return Station{}, fmt.Errorf("%w: station %d of %d", ErrOutOfBounds, i, st.Len())
	}
	return Station{
		Index: i,
		Y:     i / st.nx,
		X:     i % st.nx,
		Lat:   st.geom.Lat[i],
		Lon:   st.geom.Lon[i],
		Elev:  st.geom.Elev[i],
	}, nil
}

// Series returns the primary and weight series of station i. It is collective.
func (st *Stations) Series(ctx context.Context, i int) (data, weights []float64, err error) {
	stn, err := st.Station(i)
	if err != nil {
		return nil, nil, err
	}
	chunk := models.NewChunk(stn.Y, stn.Y+1, stn.X, stn.X+1)
	primary := st.store.Metadata().Primary
	d, err := st.store.GetChunk(ctx, chunk, primary)
	if err != nil {
		return nil, nil, err
	}
	w, err := st.store.GetChunk(ctx, chunk, models.Weight)
	if err != nil {
		return nil, nil, err
	}
	return d.Data, w.Data, nil
}

// Each visits every station with its series, reading one grid row at a time.
// It is collective and fn runs on every rank. After each row the ranks agree
// on the outcome: an error from fn on any rank stops every rank at that row.
func (st *Stations) Each(ctx context.Context, fn func(s Station, data, weights []float64) error) error {
	primary := st.store.Metadata().Primary
	for y := 0; y < st.ny; y++ {
		row := models.NewChunk(y, y+1, 0, st.nx)
		d, err := st.store.GetChunk(ctx, row, primary)
		if err != nil {
			return err
		}
		w, err := st.store.GetChunk(ctx, row, models.Weight)
		if err != nil {
			return err
		}
		var local error
		for x := 0; x < st.nx && local == nil; x++ {
			stn, _ := st.Station(y*st.nx + x)
			local = fn(stn, d.Series(x), w.Series(x))
		}
		if err := st.agree(ctx, local); err != nil {
			return err
		}
	}
	return nil
}

// agree gathers the outcome of every rank on the coordinator and broadcasts
// the verdict. A rank returns its own error when it failed, the verdict
// otherwise.
func (st *Stations) agree(ctx context.Context, local error) error {
	var msg []byte
	if local != nil {
		msg = []byte(local.Error())
	}
	parts, err := st.g.Gather(ctx, group.Coordinator, msg)
	if err != nil {
		return err
	}

	verdict := local
	for r, part := range parts {
		if r != group.Coordinator && len(part) > 0 {
			verdict = errors.Join(verdict, fmt.Errorf("rank %d: %s", r, part))
		}
	}
	if err := group.BroadcastStatus(ctx, st.g, verdict); err != nil {
		if local != nil {
			return local
		}
		return err
	}
	return nil
}

// Distance returns the distance in meters between stations i and j.
func (st *Stations) Distance(i, j int) (float64, error) {
	a, err := st.Station(i)
	if err != nil {
		return 0, err
	}
	b, err := st.Station(j)
	if err != nil {
		return 0, err
	}
	return geodesy.Distance(geodesy.ToECEF(a.Lat, a.Lon, a.Elev, true), geodesy.ToECEF(b.Lat, b.Lon, b.Elev, true)), nil
}

// NetworkWeighting returns the spatial weight matrix of the stations.
func (st *Stations) NetworkWeighting(smooth float64, nNeighbor int, l0 float64) (*mat.Dense, error) {
	return geodesy.NetworkWeighting(st.geom.Lat, st.geom.Lon, st.geom.Elev, smooth, nNeighbor, l0)
}
