package model

import "errors"

var (
	// ErrDimensionMismatch reports inconsistent array or matrix shapes.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrMissingMatrix reports an interferogram-domain request on a model built
	// without a connectivity matrix.
	ErrMissingMatrix = errors.New("missing connectivity matrix")

	// ErrUnknownCategory reports a sink keyed by a category that is not reconstructed.
	ErrUnknownCategory = errors.New("unknown functional category")

	// ErrInvalidPartition reports out-of-range or overlapping partition indices.
	ErrInvalidPartition = errors.New("invalid functional partition")
)
