package group

import (
	"context"
	"fmt"
	"sync"
)

type gatherMsg struct {
	from int
	data []byte
}

// hub is the state shared by the ranks of a local group.
type hub struct {
	size    int
	inbox   []chan []byte
	gathers []chan gatherMsg

	mu      sync.Mutex
	arrived int
	release chan struct{}
	open    int

	closed chan struct{}
}

// Local is one rank of an in-process group. Ranks communicate through
// unbuffered channels, so a collective only completes when every rank is in it.
type Local struct {
	hub  *hub
	rank int
	once sync.Once
}

// NewLocal returns size connected ranks. Each must be driven by its own goroutine.
func NewLocal(size int) []Group {
	if size < 1 {
		size = 1
	}
	h := &hub{
		size:    size,
		inbox:   make([]chan []byte, size),
		gathers: make([]chan gatherMsg, size),
		release: make(chan struct{}),
		open:    size,
		closed:  make(chan struct{}),
	}
	ranks := make([]Group, size)
	for r := 0; r < size; r++ {
		h.inbox[r] = make(chan []byte)
		h.gathers[r] = make(chan gatherMsg)
		ranks[r] = &Local{hub: h, rank: r}
	}
	return ranks
}

func (l *Local) Rank() int { return l.rank }

func (l *Local) Size() int { return l.hub.size }

func (l *Local) checkRoot(root int) error {
	if root < 0 || root >= l.hub.size {
		return fmt.Errorf("%w: root %d in group of %d", ErrInvalidRank, root, l.hub.size)
	}
	return nil
}

func (l *Local) Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error) {
	if err := l.checkRoot(root); err != nil {
		return nil, err
	}
	h := l.hub
	if l.rank != root {
		select {
		case data := <-h.inbox[l.rank]:
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, ErrClosed
		}
	}

	for r := 0; r < h.size; r++ {
		if r == root {
			continue
		}
		data := append([]byte(nil), buf...)
		select {
		case h.inbox[r] <- data:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, ErrClosed
		}
	}
	return buf, nil
}

func (l *Local) Gather(ctx context.Context, root int, buf []byte) ([][]byte, error) {
	if err := l.checkRoot(root); err != nil {
		return nil, err
	}
	h := l.hub
	if l.rank != root {
		msg := gatherMsg{from: l.rank, data: append([]byte(nil), buf...)}
		select {
		case h.gathers[root] <- msg:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, ErrClosed
		}
	}

	out := make([][]byte, h.size)
	out[root] = buf
	for n := 1; n < h.size; n++ {
		select {
		case msg := <-h.gathers[root]:
			out[msg.from] = msg.data
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, ErrClosed
		}
	}
	return out, nil
}

// Barrier waits for every rank. A rank that gives up on cancellation leaves
// the barrier unusable for the rest of the group.
func (l *Local) Barrier(ctx context.Context) error {
	h := l.hub
	h.mu.Lock()
	release := h.release
	h.arrived++
	if h.arrived == h.size {
		h.arrived = 0
		h.release = make(chan struct{})
		close(release)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closed:
		return ErrClosed
	}
}

// Close marks this rank done. Pending collectives fail with ErrClosed once
// every rank has closed.
func (l *Local) Close() error {
	l.once.Do(func() {
		h := l.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		h.open--
		if h.open == 0 {
			close(h.closed)
		}
	})
	return nil
}
