package timerep

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geotsdecomp/pkg/config"
)

// TestDesignMatrixColumns verifies the evaluation of each basis family
func TestDesignMatrixColumns(t *testing.T) {
	tdec := []float64{2020.0, 2020.25, 2020.5, 2021.0}
	rep, err := New(tdec,
		Polynomial(2020.0, 1),
		Periodic(1.0, 2020.0),
		Step(2020.5),
		Exponential(2020.25, 0.5),
	)
	require.NoError(t, err)

	H := rep.Matrix()
	rows, cols := H.Dims()
	require.Equal(t, 4, rows)
	require.Equal(t, 6, cols)

	assert.Equal(t, []string{"poly0", "poly1", "sin1", "cos1", "step2020.5", "exp2020.25"}, rep.Names())

	for i, tt := range tdec {
		assert.Equal(t, 1.0, H.At(i, 0))
		assert.InDelta(t, tt-2020.0, H.At(i, 1), 1e-12)
		assert.InDelta(t, math.Sin(2*math.Pi*(tt-2020.0)), H.At(i, 2), 1e-12)
		assert.InDelta(t, math.Cos(2*math.Pi*(tt-2020.0)), H.At(i, 3), 1e-12)
	}
	assert.Equal(t, []float64{0, 0, 1, 1}, []float64{H.At(0, 4), H.At(1, 4), H.At(2, 4), H.At(3, 4)})
	assert.Equal(t, 0.0, H.At(0, 5))
	assert.InDelta(t, 1-math.Exp(-1.5), H.At(3, 5), 1e-12)
}

// TestFunctionalPartitions verifies category membership and regularization flags
func TestFunctionalPartitions(t *testing.T) {
	tdec := []float64{2018, 2019, 2020, 2021, 2022}
	rep, err := New(tdec,
		Polynomial(2018, 1),
		Periodic(1, 2018),
		Step(2020),
		Sigmoids(3),
	)
	require.NoError(t, err)

	secular, seasonal, transient, step := rep.FunctionalPartitions(true)
	assert.Equal(t, []int{0, 1}, secular)
	assert.Equal(t, []int{2, 3}, seasonal)
	assert.Equal(t, []int{5, 6, 7}, transient)
	assert.Equal(t, []int{4}, step)

	_, _, _, step = rep.FunctionalPartitions(false)
	assert.Nil(t, step)

	assert.Equal(t, []int{5, 6, 7}, rep.RegularizationIndices())
}

// TestSigmoidsAreMonotonic verifies that each sigmoid rises from 0 to 1
func TestSigmoidsAreMonotonic(t *testing.T) {
	tdec := make([]float64, 50)
	for i := range tdec {
		tdec[i] = 2015 + 0.2*float64(i)
	}
	rep, err := New(tdec, Sigmoids(4))
	require.NoError(t, err)

	H := rep.Matrix()
	for j := 0; j < 4; j++ {
		for i := 1; i < len(tdec); i++ {
			assert.GreaterOrEqual(t, H.At(i, j), H.At(i-1, j))
		}
		assert.Less(t, H.At(0, j), 0.5)
		assert.Greater(t, H.At(len(tdec)-1, j), 0.5)
	}
}

// TestFromConfig verifies the conversion of configured function families
func TestFromConfig(t *testing.T) {
	tdec := []float64{2010, 2011, 2012}
	fns, err := FromConfig(tdec, []config.FunctionConfig{
		{Type: "polynomial", Order: 1},
		{Type: "periodic", Period: 0.5},
		{Type: "logarithmic", T0: 2011, Tau: 0.1},
		{Type: "sigmoids", Count: 2},
	})
	require.NoError(t, err)

	rep, err := New(tdec, fns...)
	require.NoError(t, err)
	_, cols := rep.Matrix().Dims()
	assert.Equal(t, 7, cols)
	// tref defaults to the first epoch
	assert.Equal(t, 0.0, rep.Matrix().At(0, 1))

	for _, bad := range []config.FunctionConfig{
		{Type: "periodic"},
		{Type: "exponential", T0: 2011},
		{Type: "sigmoids"},
		{Type: "wavelet"},
	} {
		_, err := FromConfig(tdec, []config.FunctionConfig{bad})
		assert.Error(t, err, "expected an error for %+v", bad)
	}
}

// TestNewRejectsEmptyInput verifies the input checks
func TestNewRejectsEmptyInput(t *testing.T) {
	_, err := New(nil, Polynomial(0, 1))
	assert.Error(t, err)

	_, err = New([]float64{2020})
	assert.Error(t, err)
}

// TestDecimalYear verifies the date conversion
func TestDecimalYear(t *testing.T) {
	assert.Equal(t, 2021.0, DecimalYear(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
	// 2020 is a leap year: 183 of 366 days have elapsed at the start of July 2nd
	assert.InDelta(t, 2020.5, DecimalYear(time.Date(2020, 7, 2, 0, 0, 0, 0, time.UTC)), 1e-9)
}
