// Package timerep builds temporal design matrices from a dictionary of basis
// functions. Each basis column belongs to one functional category (secular,
// seasonal, transient or step) and may be flagged for regularization.
package timerep

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/config"
)

// Column is a single basis function evaluated at the observation epochs
type Column struct {
	Name       string
	Category   models.Category
	Regularize bool
	Eval       func(t float64) float64
}

// Function expands into one or more columns once the epochs are known
type Function interface {
	Columns(tdec []float64) []Column
}

// FunctionFunc adapts a plain function to Function
type FunctionFunc func(tdec []float64) []Column

// Columns implements Function
func (f FunctionFunc) Columns(tdec []float64) []Column { return f(tdec) }

// Representation holds the design matrix and the category of every column
type Representation struct {
	tdec    []float64
	columns []Column
	matrix  *mat.Dense
}

// New evaluates fns at tdec and assembles the design matrix H (Ntime x Npar)
func New(tdec []float64, fns ...Function) (*Representation, error) {
	if len(tdec) == 0 {
		return nil, errors.New("timerep: no observation epochs")
	}
	r := &Representation{tdec: append([]float64(nil), tdec...)}
	for _, fn := range fns {
		r.columns = append(r.columns, fn.Columns(r.tdec)...)
	}
	if len(r.columns) == 0 {
		return nil, errors.New("timerep: representation has no basis functions")
	}

	r.matrix = mat.NewDense(len(tdec), len(r.columns), nil)
	for j, col := range r.columns {
		for i, t := range r.tdec {
			r.matrix.Set(i, j, col.Eval(t))
		}
	}
	return r, nil
}

// Matrix returns the design matrix. Callers must not modify it.
func (r *Representation) Matrix() *mat.Dense {
	return r.matrix
}

// Epochs returns the observation epochs in decimal years
func (r *Representation) Epochs() []float64 {
	return append([]float64(nil), r.tdec...)
}

// Names returns the column names in order
func (r *Representation) Names() []string {
	names := make([]string, len(r.columns))
	for j, col := range r.columns {
		names[j] = col.Name
	}
	return names
}

// FunctionalPartitions returns the ordered column indices of the secular,
// seasonal, transient and step categories. The step list is nil unless
// includeStep is set.
func (r *Representation) FunctionalPartitions(includeStep bool) (secular, seasonal, transient, step []int) {
	for j, col := range r.columns {
		switch col.Category {
		case models.Secular:
			secular = append(secular, j)
		case models.Seasonal:
			seasonal = append(seasonal, j)
		case models.Transient:
			transient = append(transient, j)
		case models.Step:
			if includeStep {
				step = append(step, j)
			}
		}
	}
	return secular, seasonal, transient, step
}

// RegularizationIndices returns the columns flagged for regularization
func (r *Representation) RegularizationIndices() []int {
	var idx []int
	for j, col := range r.columns {
		if col.Regularize {
			idx = append(idx, j)
		}
	}
	return idx
}

// Polynomial adds secular terms (t-tref)^k for k = 0..order
func Polynomial(tref float64, order int) Function {
	return FunctionFunc(func([]float64) []Column {
		cols := make([]Column, 0, order+1)
		for k := 0; k <= order; k++ {
			power := float64(k)
			cols = append(cols, Column{
				Name:     fmt.Sprintf("poly%d", k),
				Category: models.Secular,
				Eval:     func(t float64) float64 { return math.Pow(t-tref, power) },
			})
		}
		return cols
	})
}

// Periodic adds a seasonal sine/cosine pair with the given period in years
func Periodic(period, tref float64) Function {
	return FunctionFunc(func([]float64) []Column {
		w := 2 * math.Pi / period
		return []Column{
			{
				Name:     fmt.Sprintf("sin%g", period),
				Category: models.Seasonal,
				Eval:     func(t float64) float64 { return math.Sin(w * (t - tref)) },
			},
			{
				Name:     fmt.Sprintf("cos%g", period),
				Category: models.Seasonal,
				Eval:     func(t float64) float64 { return math.Cos(w * (t - tref)) },
			},
		}
	})
}

// Step adds a Heaviside step at t0
func Step(t0 float64) Function {
	return FunctionFunc(func([]float64) []Column {
		return []Column{{
			Name:     fmt.Sprintf("step%g", t0),
			Category: models.Step,
			Eval:     func(t float64) float64 { return heaviside(t - t0) },
		}}
	})
}

// Exponential adds a transient 1-exp(-(t-t0)/tau) starting at t0
func Exponential(t0, tau float64) Function {
	return FunctionFunc(func([]float64) []Column {
		return []Column{{
			Name:     fmt.Sprintf("exp%g", t0),
			Category: models.Transient,
			Eval: func(t float64) float64 {
				if t < t0 {
					return 0
				}
				return 1 - math.Exp(-(t-t0)/tau)
			},
		}}
	})
}

// Logarithmic adds a transient log(1+(t-t0)/tau) starting at t0
func Logarithmic(t0, tau float64) Function {
	return FunctionFunc(func([]float64) []Column {
		return []Column{{
			Name:     fmt.Sprintf("log%g", t0),
			Category: models.Transient,
			Eval: func(t float64) float64 {
				if t < t0 {
					return 0
				}
				return math.Log1p((t - t0) / tau)
			},
		}}
	})
}

// Sigmoids adds n regularized integrated-Gaussian transients whose centers are
// spread evenly over the observation span. The width of each sigmoid is the
// spacing between centers.
func Sigmoids(n int) Function {
	return FunctionFunc(func(tdec []float64) []Column {
		if n <= 0 {
			return nil
		}
		tmin, tmax := tdec[0], tdec[0]
		for _, t := range tdec {
			tmin = math.Min(tmin, t)
			tmax = math.Max(tmax, t)
		}
		width := (tmax - tmin) / float64(n)
		if width == 0 {
			width = 1
		}
		cols := make([]Column, n)
		for k := 0; k < n; k++ {
			center := tmin + (float64(k)+0.5)*width
			cols[k] = Column{
				Name:       fmt.Sprintf("sigmoid%d", k),
				Category:   models.Transient,
				Regularize: true,
				Eval: func(t float64) float64 {
					return 0.5 * (1 + math.Erf((t-center)/(width*math.Sqrt2)))
				},
			}
		}
		return cols
	})
}

func heaviside(x float64) float64 {
	if x >= 0 {
		return 1
	}
	return 0
}

// FromConfig converts configured function families into Functions. A zero
// tref is replaced by the first epoch.
func FromConfig(tdec []float64, fcs []config.FunctionConfig) ([]Function, error) {
	if len(tdec) == 0 {
		return nil, errors.New("timerep: no observation epochs")
	}
	fns := make([]Function, 0, len(fcs))
	for i, fc := range fcs {
		tref := fc.Tref
		if tref == 0 {
			tref = tdec[0]
		}
		switch fc.Type {
		case "polynomial":
			if fc.Order < 0 {
				return nil, fmt.Errorf("timerep: function %d: negative polynomial order", i)
			}
			fns = append(fns, Polynomial(tref, fc.Order))
		case "periodic":
			if fc.Period <= 0 {
				return nil, fmt.Errorf("timerep: function %d: period must be positive", i)
			}
			fns = append(fns, Periodic(fc.Period, tref))
		case "step":
			fns = append(fns, Step(fc.T0))
		case "exponential", "logarithmic":
			if fc.Tau <= 0 {
				return nil, fmt.Errorf("timerep: function %d: tau must be positive", i)
			}
			if fc.Type == "exponential" {
				fns = append(fns, Exponential(fc.T0, fc.Tau))
			} else {
				fns = append(fns, Logarithmic(fc.T0, fc.Tau))
			}
		case "sigmoids":
			if fc.Count <= 0 {
				return nil, fmt.Errorf("timerep: function %d: count must be positive", i)
			}
			fns = append(fns, Sigmoids(fc.Count))
		default:
			return nil, fmt.Errorf("timerep: function %d: unknown type %q", i, fc.Type)
		}
	}
	return fns, nil
}

// DecimalYear converts a time to a decimal year, e.g. 2020-07-02 -> ~2020.5
func DecimalYear(t time.Time) float64 {
	t = t.UTC()
	start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	return float64(t.Year()) + t.Sub(start).Seconds()/end.Sub(start).Seconds()
}
