// Package group provides the collective primitives shared by the ranks of a
// run. Every rank holds a Group and calls the same collectives in the same
// order; rank 0 is the coordinator.
package group

import (
	"context"
	"errors"
)

// Coordinator is the rank that owns backing files and computes predictions.
const Coordinator = 0

var (
	// ErrClosed reports a collective on a closed group.
	ErrClosed = errors.New("group closed")

	// ErrOutOfStep reports ranks that called different collectives.
	ErrOutOfStep = errors.New("collective call out of step")

	// ErrInvalidRank reports a rank outside [0, size) or an unsupported root.
	ErrInvalidRank = errors.New("invalid rank")
)

// Group is a fixed set of cooperating ranks. Collectives block until every
// rank has reached them.
type Group interface {
	// Rank returns the rank of this process in [0, Size())
	Rank() int

	// Size returns the number of ranks
	Size() int

	// Broadcast sends buf from root to every rank. The root gets buf back,
	// every other rank gets a private copy; buf is ignored off the root.
	Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error)

	// Gather collects buf from every rank on root, indexed by rank. Ranks other
	// than root get nil.
	Gather(ctx context.Context, root int, buf []byte) ([][]byte, error)

	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context) error

	// Close releases the resources held by this rank.
	Close() error
}

// IsCoordinator reports whether g is rank 0.
func IsCoordinator(g Group) bool {
	return g.Rank() == Coordinator
}
