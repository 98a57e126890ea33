package group

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

const (
	statusOK     byte = 0
	statusFailed byte = 1
)

// RemoteError is a coordinator failure observed by another rank.
type RemoteError struct {
	Rank int
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rank %d failed: %s", e.Rank, e.Msg)
}

// BroadcastPayload sends payload from the coordinator, or err when the
// coordinator failed to produce it. The coordinator gets its own arguments
// back; every other rank gets the payload or a *RemoteError, so a coordinator
// fault never leaves the rest of the group waiting.
func BroadcastPayload(ctx context.Context, g Group, payload []byte, err error) ([]byte, error) {
	var msg []byte
	if IsCoordinator(g) {
		if err != nil {
			msg = append([]byte{statusFailed}, err.Error()...)
		} else {
			msg = append([]byte{statusOK}, payload...)
		}
	}

	got, berr := g.Broadcast(ctx, Coordinator, msg)
	if IsCoordinator(g) {
		if err != nil {
			return nil, err
		}
		if berr != nil {
			return nil, berr
		}
		return payload, nil
	}
	if berr != nil {
		return nil, berr
	}
	if len(got) == 0 {
		return nil, fmt.Errorf("%w: empty status frame", ErrOutOfStep)
	}
	if got[0] == statusFailed {
		return nil, &RemoteError{Rank: Coordinator, Msg: string(got[1:])}
	}
	return got[1:], nil
}

// BroadcastStatus propagates the outcome of a coordinator-only step.
func BroadcastStatus(ctx context.Context, g Group, err error) error {
	_, err = BroadcastPayload(ctx, g, nil, err)
	return err
}

// BroadcastInts sends integers from the coordinator.
func BroadcastInts(ctx context.Context, g Group, values []int, err error) ([]int, error) {
	var buf []byte
	if IsCoordinator(g) && err == nil {
		buf = make([]byte, 0, 8*len(values))
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(v)))
		}
	}
	got, err := BroadcastPayload(ctx, g, buf, err)
	if err != nil {
		return nil, err
	}
	if IsCoordinator(g) {
		return values, nil
	}
	if len(got)%8 != 0 {
		return nil, fmt.Errorf("%w: integer payload of %d bytes", ErrOutOfStep, len(got))
	}
	out := make([]int, len(got)/8)
	for i := range out {
		out[i] = int(int64(binary.LittleEndian.Uint64(got[8*i:])))
	}
	return out, nil
}

// EncodeFloat32s packs values as little-endian float32.
func EncodeFloat32s(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeFloat32s unpacks little-endian float32 values.
func DecodeFloat32s(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("float32 payload of %d bytes", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

// BroadcastFloat32s sends single precision values from the coordinator.
func BroadcastFloat32s(ctx context.Context, g Group, values []float32, err error) ([]float32, error) {
	var buf []byte
	if IsCoordinator(g) && err == nil {
		buf = EncodeFloat32s(values)
	}
	got, err := BroadcastPayload(ctx, g, buf, err)
	if err != nil {
		return nil, err
	}
	if IsCoordinator(g) {
		return values, nil
	}
	out, err := DecodeFloat32s(got)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfStep, err)
	}
	return out, nil
}

// BroadcastJSON encodes *v on the coordinator and decodes it into v on every
// other rank.
func BroadcastJSON(ctx context.Context, g Group, v any, err error) error {
	var buf []byte
	if IsCoordinator(g) && err == nil {
		if buf, err = json.Marshal(v); err != nil {
			err = fmt.Errorf("encoding broadcast value: %w", err)
		}
	}
	got, err := BroadcastPayload(ctx, g, buf, err)
	if err != nil || IsCoordinator(g) {
		return err
	}
	if err := json.Unmarshal(got, v); err != nil {
		return fmt.Errorf("decoding broadcast value: %w", err)
	}
	return nil
}

// GatherFloat64s collects values from every rank on the coordinator, indexed
// by rank. Other ranks get nil.
func GatherFloat64s(ctx context.Context, g Group, values []float64) ([][]float64, error) {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	parts, err := g.Gather(ctx, Coordinator, buf)
	if err != nil || !IsCoordinator(g) {
		return nil, err
	}

	out := make([][]float64, len(parts))
	for r, part := range parts {
		if len(part)%8 != 0 {
			return nil, fmt.Errorf("%w: rank %d sent %d bytes", ErrOutOfStep, r, len(part))
		}
		vals := make([]float64, len(part)/8)
		for i := range vals {
			vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(part[8*i:]))
		}
		out[r] = vals
	}
	return out, nil
}

// Partition splits n items over size ranks and returns the half-open range
// owned by rank. Every rank gets n/size items; the last one also takes the
// remainder.
func Partition(n, size, rank int) (first, last int) {
	if size < 1 || rank < 0 || rank >= size {
		return 0, 0
	}
	nominal := n / size
	first = rank * nominal
	last = first + nominal
	if rank == size-1 {
		last = n
	}
	return first, last
}
