package pipeline

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"geotsdecomp/internal/models"
)

// ValidationMetrics describes how well the fitted model explains the input
// observations. Only observations with a finite value, a positive weight and
// a finite prediction are scored.
type ValidationMetrics struct {
	// RMSE is the root mean square residual, in input units.
	RMSE float64 `json:"rmse"`

	// VarianceReduction is 1 - SSR/SST. 1 is a perfect fit; 0 is no better
	// than the mean of the observations.
	VarianceReduction float64 `json:"variance_reduction"`

	// Correlation is the Pearson correlation of observations and predictions,
	// averaged over tiles weighted by their observation count.
	Correlation float64 `json:"correlation"`

	Observations int `json:"observations"`
	PixelsSolved int `json:"pixels_solved"`
	PixelsFailed int `json:"pixels_failed"`
	Tiles        int `json:"tiles"`
}

// accumulator sums the per-tile statistics on the coordinator.
type accumulator struct {
	n          int
	ssr        float64
	sum, sumSq float64

	corr  float64
	corrN int

	solved, failed int
}

func (a *accumulator) add(obs, weights, pred *models.Cube) {
	var o, p []float64
	for i, v := range obs.Data {
		w, f := weights.Data[i], pred.Data[i]
		if !finite(v) || !finite(f) || !(w > 0) || math.IsInf(w, 0) {
			continue
		}
		o = append(o, v)
		p = append(p, f)
	}
	if len(o) == 0 {
		return
	}

	d := floats.Distance(o, p, 2)
	a.ssr += d * d
	a.sum += floats.Sum(o)
	a.sumSq += floats.Dot(o, o)
	a.n += len(o)

	if len(o) > 1 {
		if c := stat.Correlation(o, p, nil); finite(c) {
			a.corr += c * float64(len(o))
			a.corrN += len(o)
		}
	}
}

func (a *accumulator) result(tiles int) ValidationMetrics {
	vm := ValidationMetrics{
		Observations: a.n,
		PixelsSolved: a.solved,
		PixelsFailed: a.failed,
		Tiles:        tiles,
	}
	if a.n == 0 {
		return vm
	}
	vm.RMSE = math.Sqrt(a.ssr / float64(a.n))
	if sst := a.sumSq - a.sum*a.sum/float64(a.n); sst > 0 {
		vm.VarianceReduction = 1 - a.ssr/sst
	}
	if a.corrN > 0 {
		vm.Correlation = a.corr / float64(a.corrN)
	}
	return vm
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
