package group

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"geotsdecomp/internal/logging"
)

// Frame kinds exchanged between the coordinator and its workers.
const (
	frameHello byte = iota + 1
	frameBroadcast
	frameGather
	frameArrive
	frameRelease
)

const headerSize = 5

// a deadline in the past unblocks pending reads and writes
var expired = time.Unix(1, 0)

type options struct {
	log           logr.Logger
	retryInterval time.Duration
	dialTimeout   time.Duration
}

// Option configures a TCP group.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithRetryInterval sets how often a worker retries dialing the coordinator.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:           logr.Discard(),
		retryInterval: 200 * time.Millisecond,
		dialTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// peer is a framed connection.
type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn)}
}

func (p *peer) send(kind byte, payload []byte) error {
	frame := make([]byte, headerSize, headerSize+len(payload))
	frame[0] = kind
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(payload)))
	frame = append(frame, payload...)
	_, err := p.conn.Write(frame)
	return err
}

func (p *peer) recv(want byte) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.LittleEndian.Uint32(hdr[1:]))
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return nil, err
	}
	if hdr[0] != want {
		return nil, fmt.Errorf("%w: expected frame %d, received %d", ErrOutOfStep, want, hdr[0])
	}
	return payload, nil
}

// TCP is one rank of a multi-process group. The coordinator holds one
// connection per worker; workers only talk to the coordinator, so collectives
// are rooted at the coordinator.
type TCP struct {
	rank, size int
	peers      []*peer // indexed by rank on the coordinator, peers[0] on workers
	log        logr.Logger

	mu     sync.Mutex
	closed bool
}

// Serve accepts size-1 workers on ln and returns the coordinator rank. The
// listener is closed once every worker has joined or ctx is done.
func Serve(ctx context.Context, ln net.Listener, size int, opts ...Option) (*TCP, error) {
	o := buildOptions(opts)
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	t := &TCP{rank: Coordinator, size: size, peers: make([]*peer, size), log: o.log}
	for joined := 1; joined < size; {
		conn, err := ln.Accept()
		if err != nil {
			t.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("accepting workers on %s: %w", ln.Addr(), err)
		}
		p := newPeer(conn)
		rank, err := t.handshake(ctx, p)
		if err != nil {
			o.log.Error(err, "rejected worker", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		t.peers[rank] = p
		joined++
		o.log.V(logging.DEBUG).Info("worker joined", "rank", rank, "remote", conn.RemoteAddr().String(), "joined", joined, "size", size)
	}
	return t, nil
}

func (t *TCP) handshake(ctx context.Context, p *peer) (int, error) {
	release := t.bind(ctx, p)
	defer release()

	hello, err := p.recv(frameHello)
	if err != nil {
		return 0, err
	}
	if len(hello) != 8 {
		return 0, fmt.Errorf("malformed hello of %d bytes", len(hello))
	}
	rank := int(binary.LittleEndian.Uint32(hello))
	size := int(binary.LittleEndian.Uint32(hello[4:]))
	switch {
	case size != t.size:
		return 0, fmt.Errorf("%w: worker expects group of %d, coordinator has %d", ErrInvalidRank, size, t.size)
	case rank <= Coordinator || rank >= t.size:
		return 0, fmt.Errorf("%w: worker rank %d in group of %d", ErrInvalidRank, rank, t.size)
	case t.peers[rank] != nil:
		return 0, fmt.Errorf("%w: rank %d joined twice", ErrInvalidRank, rank)
	}
	return rank, p.send(frameHello, hello)
}

// Dial joins the coordinator at addr as a worker, retrying until the
// coordinator accepts or ctx is done.
func Dial(ctx context.Context, addr string, rank, size int, opts ...Option) (*TCP, error) {
	if rank <= Coordinator || rank >= size {
		return nil, fmt.Errorf("%w: worker rank %d in group of %d", ErrInvalidRank, rank, size)
	}
	o := buildOptions(opts)
	dialer := net.Dialer{Timeout: o.dialTimeout}

	var conn net.Conn
	err := wait.PollUntilContextCancel(ctx, o.retryInterval, true, func(ctx context.Context) (bool, error) {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			o.log.V(logging.TRACE).Info("coordinator not reachable yet", "addr", addr, "error", err.Error())
			return false, nil
		}
		conn = c
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dialing coordinator at %s: %w", addr, err)
	}

	t := &TCP{rank: rank, size: size, peers: []*peer{newPeer(conn)}, log: o.log}
	hello := binary.LittleEndian.AppendUint32(nil, uint32(rank))
	hello = binary.LittleEndian.AppendUint32(hello, uint32(size))

	release := t.bind(ctx, t.peers[0])
	err = t.peers[0].send(frameHello, hello)
	if err == nil {
		_, err = t.peers[0].recv(frameHello)
	}
	release()
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("joining coordinator at %s: %w", addr, err)
	}
	o.log.V(logging.DEBUG).Info("joined group", "rank", rank, "size", size, "addr", addr)
	return t, nil
}

// Connect listens on addr when rank is the coordinator and dials it otherwise.
func Connect(ctx context.Context, addr string, rank, size int, opts ...Option) (*TCP, error) {
	if rank != Coordinator {
		return Dial(ctx, addr, rank, size, opts...)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return Serve(ctx, ln, size, opts...)
}

func (t *TCP) Rank() int { return t.rank }

func (t *TCP) Size() int { return t.size }

// bind applies the deadline of ctx to p and interrupts p when ctx is done.
func (t *TCP) bind(ctx context.Context, p *peer) func() {
	deadline, _ := ctx.Deadline()
	p.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { p.conn.SetDeadline(expired) })
	return func() { stop() }
}

func (t *TCP) begin(ctx context.Context, root int) (func(), error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if root != Coordinator {
		return nil, fmt.Errorf("%w: tcp collectives are rooted at the coordinator, got root %d", ErrInvalidRank, root)
	}
	var releases []func()
	for _, p := range t.peers {
		if p != nil {
			releases = append(releases, t.bind(ctx, p))
		}
	}
	return func() {
		for _, release := range releases {
			release()
		}
	}, nil
}

func (t *TCP) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s on rank %d: %w", op, t.rank, err)
}

func (t *TCP) Broadcast(ctx context.Context, root int, buf []byte) ([]byte, error) {
	done, err := t.begin(ctx, root)
	if err != nil {
		return nil, err
	}
	defer done()

	if t.rank != Coordinator {
		data, err := t.peers[0].recv(frameBroadcast)
		if err != nil {
			return nil, t.fail(ctx, "broadcast", err)
		}
		return data, nil
	}
	for r := 1; r < t.size; r++ {
		if err := t.peers[r].send(frameBroadcast, buf); err != nil {
			return nil, t.fail(ctx, "broadcast", err)
		}
	}
	return buf, nil
}

func (t *TCP) Gather(ctx context.Context, root int, buf []byte) ([][]byte, error) {
	done, err := t.begin(ctx, root)
	if err != nil {
		return nil, err
	}
	defer done()

	if t.rank != Coordinator {
		if err := t.peers[0].send(frameGather, buf); err != nil {
			return nil, t.fail(ctx, "gather", err)
		}
		return nil, nil
	}
	out := make([][]byte, t.size)
	out[Coordinator] = buf
	for r := 1; r < t.size; r++ {
		data, err := t.peers[r].recv(frameGather)
		if err != nil {
			return nil, t.fail(ctx, "gather", err)
		}
		out[r] = data
	}
	return out, nil
}

func (t *TCP) Barrier(ctx context.Context) error {
	done, err := t.begin(ctx, Coordinator)
	if err != nil {
		return err
	}
	defer done()

	if t.rank != Coordinator {
		if err := t.peers[0].send(frameArrive, nil); err != nil {
			return t.fail(ctx, "barrier", err)
		}
		if _, err := t.peers[0].recv(frameRelease); err != nil {
			return t.fail(ctx, "barrier", err)
		}
		return nil
	}
	for r := 1; r < t.size; r++ {
		if _, err := t.peers[r].recv(frameArrive); err != nil {
			return t.fail(ctx, "barrier", err)
		}
	}
	for r := 1; r < t.size; r++ {
		if err := t.peers[r].send(frameRelease, nil); err != nil {
			return t.fail(ctx, "barrier", err)
		}
	}
	return nil
}

// Close closes every connection held by this rank.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, p := range t.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
