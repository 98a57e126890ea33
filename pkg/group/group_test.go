package group

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runRanks drives every rank of a group from its own goroutine.
func runRanks(t *testing.T, ranks []Group, fn func(ctx context.Context, g Group) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var eg errgroup.Group
	for _, g := range ranks {
		g := g
		eg.Go(func() error {
			if err := fn(ctx, g); err != nil {
				return fmt.Errorf("rank %d: %w", g.Rank(), err)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

// collectiveSequence exercises every primitive and checks the results on each rank.
func collectiveSequence(ctx context.Context, g Group) error {
	msg := []byte("tdec")
	if !IsCoordinator(g) {
		msg = nil
	}
	got, err := g.Broadcast(ctx, Coordinator, msg)
	if err != nil {
		return err
	}
	if string(got) != "tdec" {
		return fmt.Errorf("broadcast returned %q", got)
	}

	parts, err := g.Gather(ctx, Coordinator, []byte{byte(g.Rank())})
	if err != nil {
		return err
	}
	if IsCoordinator(g) {
		if len(parts) != g.Size() {
			return fmt.Errorf("gathered %d parts", len(parts))
		}
		for r, part := range parts {
			if len(part) != 1 || int(part[0]) != r {
				return fmt.Errorf("part %d is %v", r, part)
			}
		}
	} else if parts != nil {
		return fmt.Errorf("worker received gathered parts")
	}

	if err := g.Barrier(ctx); err != nil {
		return err
	}
	return g.Barrier(ctx)
}

func TestLocalCollectives(t *testing.T) {
	ranks := NewLocal(3)
	require.Len(t, ranks, 3)
	for r, g := range ranks {
		assert.Equal(t, r, g.Rank())
		assert.Equal(t, 3, g.Size())
	}
	runRanks(t, ranks, collectiveSequence)
	for _, g := range ranks {
		require.NoError(t, g.Close())
	}
}

func TestLocalBroadcastCopiesPayload(t *testing.T) {
	ranks := NewLocal(2)
	payload := []byte{1, 2, 3}
	runRanks(t, ranks, func(ctx context.Context, g Group) error {
		got, err := g.Broadcast(ctx, Coordinator, payload)
		if err != nil {
			return err
		}
		if !IsCoordinator(g) {
			got[0] = 9
		}
		return nil
	})
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestLocalBroadcastFromOtherRoot(t *testing.T) {
	ranks := NewLocal(3)
	runRanks(t, ranks, func(ctx context.Context, g Group) error {
		got, err := g.Broadcast(ctx, 2, []byte{byte(g.Rank())})
		if err != nil {
			return err
		}
		if len(got) != 1 || got[0] != 2 {
			return fmt.Errorf("received %v", got)
		}
		return nil
	})
}

func TestLocalCancellation(t *testing.T) {
	ranks := NewLocal(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ranks[1].Broadcast(ctx, Coordinator, nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = ranks[0].Broadcast(context.Background(), 5, nil)
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestLocalCloseReleasesPendingCollectives(t *testing.T) {
	ranks := NewLocal(2)
	done := make(chan error, 1)
	go func() {
		_, err := ranks[1].Broadcast(context.Background(), Coordinator, nil)
		done <- err
	}()
	require.NoError(t, ranks[0].Close())
	require.NoError(t, ranks[1].Close())
	assert.ErrorIs(t, <-done, ErrClosed)
}

func TestBroadcastPayloadPropagatesCoordinatorError(t *testing.T) {
	ranks := NewLocal(3)
	cause := errors.New("unable to open stack.db")
	runRanks(t, ranks, func(ctx context.Context, g Group) error {
		var local error
		if IsCoordinator(g) {
			local = cause
		}
		_, err := BroadcastPayload(ctx, g, []byte("ignored"), local)
		if IsCoordinator(g) {
			if !errors.Is(err, cause) {
				return fmt.Errorf("coordinator got %v", err)
			}
			return nil
		}
		var remote *RemoteError
		if !errors.As(err, &remote) {
			return fmt.Errorf("worker got %v", err)
		}
		if remote.Rank != Coordinator || remote.Msg != cause.Error() {
			return fmt.Errorf("unexpected remote error %+v", remote)
		}
		return nil
	})
}

func TestTypedBroadcasts(t *testing.T) {
	type meta struct {
		Shape [3]int    `json:"shape"`
		Tdec  []float64 `json:"tdec"`
	}
	ranks := NewLocal(3)
	runRanks(t, ranks, func(ctx context.Context, g Group) error {
		var ints []int
		var f32 []float32
		var m meta
		if IsCoordinator(g) {
			ints = []int{3, -4, 1 << 40}
			f32 = []float32{0.5, -2.25}
			m = meta{Shape: [3]int{3, 4, 4}, Tdec: []float64{2020.5, 2021}}
		}

		gotInts, err := BroadcastInts(ctx, g, ints, nil)
		if err != nil {
			return err
		}
		gotF32, err := BroadcastFloat32s(ctx, g, f32, nil)
		if err != nil {
			return err
		}
		if err := BroadcastJSON(ctx, g, &m, nil); err != nil {
			return err
		}
		if err := BroadcastStatus(ctx, g, nil); err != nil {
			return err
		}

		if fmt.Sprint(gotInts) != "[3 -4 1099511627776]" {
			return fmt.Errorf("ints %v", gotInts)
		}
		if fmt.Sprint(gotF32) != "[0.5 -2.25]" {
			return fmt.Errorf("float32s %v", gotF32)
		}
		if m.Shape != [3]int{3, 4, 4} || len(m.Tdec) != 2 || m.Tdec[0] != 2020.5 {
			return fmt.Errorf("metadata %+v", m)
		}
		return nil
	})
}

func TestGatherFloat64s(t *testing.T) {
	ranks := NewLocal(3)
	var gathered [][]float64
	runRanks(t, ranks, func(ctx context.Context, g Group) error {
		vals := make([]float64, g.Rank()+1)
		for i := range vals {
			vals[i] = float64(10*g.Rank() + i)
		}
		out, err := GatherFloat64s(ctx, g, vals)
		if IsCoordinator(g) {
			gathered = out
		}
		return err
	})
	assert.Equal(t, [][]float64{{0}, {10, 11}, {20, 21, 22}}, gathered)
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size int
		want    [][2]int
	}{
		{n: 10, size: 3, want: [][2]int{{0, 3}, {3, 6}, {6, 10}}},
		{n: 2, size: 3, want: [][2]int{{0, 0}, {0, 0}, {0, 2}}},
		{n: 8, size: 1, want: [][2]int{{0, 8}}},
	}
	for _, tt := range tests {
		covered := 0
		for rank := 0; rank < tt.size; rank++ {
			first, last := Partition(tt.n, tt.size, rank)
			assert.Equal(t, tt.want[rank], [2]int{first, last}, "n=%d size=%d rank=%d", tt.n, tt.size, rank)
			covered += last - first
		}
		assert.Equal(t, tt.n, covered)
	}

	first, last := Partition(10, 3, 3)
	assert.Equal(t, 0, first)
	assert.Equal(t, 0, last)
}

// tcpGroup starts a coordinator on a loopback port and joins size-1 workers.
func tcpGroup(t *testing.T, size int) []Group {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	opts := []Option{WithLogger(testr.New(t)), WithRetryInterval(20 * time.Millisecond)}

	ranks := make([]Group, size)
	var eg errgroup.Group
	eg.Go(func() error {
		g, err := Serve(ctx, ln, size, opts...)
		ranks[0] = g
		return err
	})
	for r := 1; r < size; r++ {
		r := r
		eg.Go(func() error {
			g, err := Dial(ctx, addr, r, size, opts...)
			ranks[r] = g
			return err
		})
	}
	require.NoError(t, eg.Wait())
	t.Cleanup(func() {
		for _, g := range ranks {
			g.Close()
		}
	})
	return ranks
}

func TestTCPCollectives(t *testing.T) {
	ranks := tcpGroup(t, 3)
	runRanks(t, ranks, collectiveSequence)

	runRanks(t, ranks, func(ctx context.Context, g Group) error {
		var local error
		if IsCoordinator(g) {
			local = errors.New("chunk write failed")
		}
		err := BroadcastStatus(ctx, g, local)
		var remote *RemoteError
		if !IsCoordinator(g) && !errors.As(err, &remote) {
			return fmt.Errorf("worker got %v", err)
		}
		return nil
	})
}

func TestTCPOutOfStep(t *testing.T) {
	ranks := tcpGroup(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := ranks[0].Broadcast(ctx, Coordinator, []byte("x"))
		done <- err
	}()
	err := ranks[1].Barrier(ctx)
	assert.ErrorIs(t, err, ErrOutOfStep)
	assert.NoError(t, <-done)

	_, err = ranks[1].Gather(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestDialRejectsCoordinatorRank(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", 0, 2)
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestDialHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, addr, 1, 2, WithRetryInterval(10*time.Millisecond))
	assert.Error(t, err)
}
