package models

import (
	"fmt"
	"strings"
)

// Category is a functional partition of the design matrix columns.
type Category int

const (
	Secular Category = iota
	Seasonal
	Transient
	Step
	Full
)

// BaseCategories are the disjoint column classes tracked by a partition.
var BaseCategories = []Category{Secular, Seasonal, Transient, Step}

// ReconstructedCategories are the categories a prediction can produce.
var ReconstructedCategories = []Category{Full, Secular, Seasonal, Transient}

func (c Category) String() string {
	switch c {
	case Secular:
		return "secular"
	case Seasonal:
		return "seasonal"
	case Transient:
		return "transient"
	case Step:
		return "step"
	case Full:
		return "full"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// ParseCategory maps a name such as "seasonal" to its Category.
func ParseCategory(name string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "secular":
		return Secular, nil
	case "seasonal":
		return Seasonal, nil
	case "transient":
		return Transient, nil
	case "step":
		return Step, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown functional category %q", name)
}

// Dataset is the role of an array inside a stack.
type Dataset int

const (
	// Igram holds raw interferograms
	Igram Dataset = iota
	// Weight holds inverse-variance weights, same shape as the primary dataset
	Weight
	// Par holds per-partition parameter cubes
	Par
	// Recon holds reconstructed time series
	Recon
)

// Datasets lists every dataset role.
var Datasets = []Dataset{Igram, Weight, Par, Recon}

// Key returns the name of the dataset in the backing store.
func (d Dataset) Key() string {
	switch d {
	case Igram:
		return "igram"
	case Weight:
		return "weights"
	case Par:
		return "par"
	case Recon:
		return "recon"
	}
	return ""
}

func (d Dataset) String() string {
	switch d {
	case Weight:
		return "weight"
	case Igram, Par, Recon:
		return d.Key()
	}
	return fmt.Sprintf("Dataset(%d)", int(d))
}

// Valid reports whether d is one of the known roles.
func (d Dataset) Valid() bool {
	return d >= Igram && d <= Recon
}

// ParseDataset accepts both the role name ("weight") and the key ("weights").
func ParseDataset(name string) (Dataset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "igram":
		return Igram, nil
	case "weight", "weights":
		return Weight, nil
	case "par":
		return Par, nil
	case "recon":
		return Recon, nil
	}
	return 0, fmt.Errorf("unknown dataset role %q", name)
}
