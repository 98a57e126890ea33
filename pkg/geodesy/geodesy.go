// Package geodesy converts geodetic coordinates and computes distance-based
// weights between stations or pixels.
package geodesy

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// WGS84 ellipsoid
const (
	semiMajor    = 6378137.0
	eccentricity = 0.0818191908426215
)

// Point is an Earth-centered, Earth-fixed position in meters. Index is the
// position of the station in its network.
type Point struct {
	X, Y, Z float64
	Index   int
}

// ToECEF converts latitude, longitude and height above the ellipsoid to ECEF
// coordinates. Angles are in degrees when deg is set, radians otherwise.
func ToECEF(lat, lon, h float64, deg bool) Point {
	if deg {
		lat *= math.Pi / 180
		lon *= math.Pi / 180
	}
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)
	e2 := eccentricity * eccentricity
	n := semiMajor / math.Sqrt(1-e2*sinLat*sinLat)
	return Point{
		X: (n + h) * cosLat * cosLon,
		Y: (n + h) * cosLat * sinLon,
		Z: (n*(1-e2) + h) * sinLat,
	}
}

// Distance returns the straight-line distance between two points in meters.
func Distance(a, b Point) float64 {
	return math.Sqrt(a.Distance(b))
}

// StationDistance returns the distance between two stations at zero height.
func StationDistance(lat1, lon1, lat2, lon2 float64) float64 {
	return Distance(ToECEF(lat1, lon1, 0, true), ToECEF(lat2, lon2, 0, true))
}

// Compare implements the kdtree.Comparable interface
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point) Distance(c kdtree.Comparable) float64 {
	q := c.(Point)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Points is a collection of Point that satisfies kdtree.Interface
type Points []Point

func (p Points) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points) Len() int                              { return len(p) }
func (p Points) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p Points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{Points: p, Dim: d}, kdtree.MedianOfRandoms(plane{Points: p, Dim: d}, 100))
}

// plane implements sort.Interface and kdtree.SortSlicer for Points
type plane struct {
	Points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.Points[i].Compare(p.Points[j], p.Dim) < 0
}

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{Points: p.Points[start:end], Dim: p.Dim}
}

func (p plane) Swap(i, j int) {
	p.Points[i], p.Points[j] = p.Points[j], p.Points[i]
}

// Network holds station positions for neighbour queries.
type Network struct {
	points Points
	tree   *kdtree.Tree
}

// NewNetwork converts geodetic station coordinates in degrees to ECEF and
// indexes them.
func NewNetwork(lat, lon, elev []float64) (*Network, error) {
	if len(lat) != len(lon) || len(lat) != len(elev) {
		return nil, fmt.Errorf("coordinate arrays differ in length: %d lat, %d lon, %d elev", len(lat), len(lon), len(elev))
	}
	points := make(Points, len(lat))
	for i := range lat {
		points[i] = ToECEF(lat[i], lon[i], elev[i], true)
		points[i].Index = i
	}
	nw := &Network{points: points}
	if len(points) > 0 {
		// the tree reorders its slice, the network keeps station order
		nw.tree = kdtree.New(append(Points(nil), points...), false)
	}
	return nw, nil
}

// Len returns the number of stations.
func (nw *Network) Len() int {
	return len(nw.points)
}

// Point returns the ECEF position of station i.
func (nw *Network) Point(i int) Point {
	return nw.points[i]
}

// Nearest returns the indices and distances of the n stations closest to
// station i, excluding i itself, nearest first.
func (nw *Network) Nearest(i, n int) ([]int, []float64) {
	if nw.tree == nil || n <= 0 {
		return nil, nil
	}
	keeper := kdtree.NewNKeeper(n + 1)
	nw.tree.NearestSet(keeper, nw.points[i])

	type hit struct {
		index int
		dist  float64
	}
	hits := make([]hit, 0, n)
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		p := item.Comparable.(Point)
		if p.Index == i {
			continue
		}
		hits = append(hits, hit{index: p.Index, dist: math.Sqrt(item.Dist)})
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
	if len(hits) > n {
		hits = hits[:n]
	}

	indices := make([]int, len(hits))
	dists := make([]float64, len(hits))
	for k, h := range hits {
		indices[k], dists[k] = h.index, h.dist
	}
	return indices, dists
}

// Weighting computes the (N x N) spatial weight matrix exp(-d_ij / L_i). With
// l0 > 0 every row uses L_i = l0; otherwise L_i is smooth times the mean
// distance from station i to its nNeighbor nearest neighbours.
func (nw *Network) Weighting(smooth float64, nNeighbor int, l0 float64) (*mat.Dense, []float64, error) {
	n := nw.Len()
	if n == 0 {
		return nil, nil, fmt.Errorf("empty network")
	}
	if l0 <= 0 && nNeighbor < 1 {
		return nil, nil, fmt.Errorf("need at least one neighbour to derive a scale length, got %d", nNeighbor)
	}

	weights := mat.NewDense(n, n, nil)
	scales := make([]float64, n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		lc := l0
		if lc <= 0 {
			_, dists := nw.Nearest(i, nNeighbor)
			if len(dists) == 0 {
				return nil, nil, fmt.Errorf("station %d has no neighbours", i)
			}
			lc = smooth * floats.Sum(dists) / float64(len(dists))
		}
		if lc <= 0 {
			return nil, nil, fmt.Errorf("station %d has a non-positive scale length %g", i, lc)
		}
		scales[i] = lc
		for j := 0; j < n; j++ {
			row[j] = math.Exp(-Distance(nw.points[i], nw.points[j]) / lc)
		}
		weights.SetRow(i, row)
	}
	return weights, scales, nil
}

// NetworkWeighting builds a network from geodetic coordinates in degrees and
// returns its spatial weight matrix.
func NetworkWeighting(lat, lon, elev []float64, smooth float64, nNeighbor int, l0 float64) (*mat.Dense, error) {
	nw, err := NewNetwork(lat, lon, elev)
	if err != nil {
		return nil, err
	}
	w, _, err := nw.Weighting(smooth, nNeighbor, l0)
	return w, err
}
