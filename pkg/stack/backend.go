package stack

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"

	"geotsdecomp/internal/logging"
	"geotsdecomp/internal/models"
	"geotsdecomp/pkg/group"
)

// Key layout of the backing store:
//
//	<dataset>/zarr.json       array metadata
//	<dataset>/c/<cy>/<cx>     zstd-compressed little-endian float32 chunk
//	attrs/<name>              JSON-encoded small arrays and tags
const (
	arrayMetaKey = "zarr.json"
	attrPrefix   = "attrs/"

	dtypeTag = "insar"
)

// arrayMeta describes one chunked dataset.
type arrayMeta struct {
	Shape      [3]int  `json:"shape"`
	ChunkShape [3]int  `json:"chunk_shape"`
	DataType   string  `json:"data_type"`
	Codec      string  `json:"codec"`
	FillValue  float32 `json:"fill_value"`
	ZarrFormat int     `json:"zarr_format"`
}

// newArrayMeta chunks the two spatial axes only; a chunk always spans the
// whole leading axis.
func newArrayMeta(shape [3]int, chunk [2]int) arrayMeta {
	return arrayMeta{
		Shape:      shape,
		ChunkShape: [3]int{shape[0], chunk[0], chunk[1]},
		DataType:   "float32",
		Codec:      "zstd",
		ZarrFormat: 3,
	}
}

// cell is one on-disk chunk clipped to the array bounds.
type cell struct {
	iy, ix int
	origin models.Chunk
}

func (m arrayMeta) cells(region models.Chunk) []cell {
	cy, cx := m.ChunkShape[1], m.ChunkShape[2]
	var out []cell
	for iy := region.Y.Start / cy; iy*cy < region.Y.End; iy++ {
		for ix := region.X.Start / cx; ix*cx < region.X.End; ix++ {
			out = append(out, cell{
				iy: iy,
				ix: ix,
				origin: models.NewChunk(iy*cy, min((iy+1)*cy, m.Shape[1]),
					ix*cx, min((ix+1)*cx, m.Shape[2])),
			})
		}
	}
	return out
}

// overlap returns the intersection of two chunks.
func overlap(a, b models.Chunk) models.Chunk {
	return models.NewChunk(max(a.Y.Start, b.Y.Start), min(a.Y.End, b.Y.End),
		max(a.X.Start, b.X.Start), min(a.X.End, b.X.End))
}

// copyRegion copies the part of src (laid out as n x srcArea) covered by ov
// into dst (laid out as n x dstArea).
func copyRegion(dst []float32, dstArea models.Chunk, src []float32, srcArea models.Chunk, ov models.Chunk, n int) {
	w := ov.Width()
	for k := 0; k < n; k++ {
		for y := ov.Y.Start; y < ov.Y.End; y++ {
			s := (k*srcArea.Height()+y-srcArea.Y.Start)*srcArea.Width() + ov.X.Start - srcArea.X.Start
			d := (k*dstArea.Height()+y-dstArea.Y.Start)*dstArea.Width() + ov.X.Start - dstArea.X.Start
			copy(dst[d:d+w], src[s:s+w])
		}
	}
}

// backend is the badger database behind a coordinator store.
type backend struct {
	path string
	db   *badger.DB
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	log  logr.Logger
}

func openBackend(path string, readOnly bool, log logr.Logger) (*backend, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{log: log}).
		WithReadOnly(readOnly).
		WithCompression(options.None).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithBlockCacheSize(32 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrIO, path, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	log.V(logging.DEBUG).Info("opened stack", "path", path, "readOnly", readOnly)
	return &backend{path: path, db: db, enc: enc, dec: dec, log: log}, nil
}

func (b *backend) close() error {
	b.dec.Close()
	err := b.enc.Close()
	if cerr := b.db.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("%w: closing %s: %w", ErrIO, b.path, cerr))
	}
	return err
}

// dropAll discards every key.
func (b *backend) dropAll() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("%w: truncating %s: %w", ErrIO, b.path, err)
	}
	return nil
}

func (b *backend) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: writing %s to %s: %w", ErrIO, key, b.path, err)
	}
	return nil
}

// getJSON decodes key into v and reports whether the key exists.
func (b *backend) getJSON(key string, v any) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: reading %s from %s: %w", ErrIO, key, b.path, err)
	}
	return true, nil
}

func (b *backend) putAttr(name string, v any) error {
	return b.putJSON(attrPrefix+name, v)
}

func (b *backend) attr(name string, v any) (bool, error) {
	return b.getJSON(attrPrefix+name, v)
}

func (b *backend) putArray(name string, meta arrayMeta) error {
	return b.putJSON(name+"/"+arrayMetaKey, meta)
}

// array returns the metadata of dataset name and whether it exists.
func (b *backend) array(name string) (arrayMeta, bool, error) {
	var meta arrayMeta
	ok, err := b.getJSON(name+"/"+arrayMetaKey, &meta)
	return meta, ok, err
}

func chunkKey(name string, c cell) []byte {
	return []byte(fmt.Sprintf("%s/c/%d/%d", name, c.iy, c.ix))
}

// loadCell returns the values of one on-disk chunk, or nil when it was never written.
func (b *backend) loadCell(txn *badger.Txn, name string, meta arrayMeta, c cell) ([]float32, error) {
	item, err := txn.Get(chunkKey(name, c))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var values []float32
	err = item.Value(func(val []byte) error {
		raw, err := b.dec.DecodeAll(val, nil)
		if err != nil {
			return fmt.Errorf("decompressing chunk %s: %w", chunkKey(name, c), err)
		}
		values, err = group.DecodeFloat32s(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	if want := meta.Shape[0] * c.origin.Height() * c.origin.Width(); len(values) != want {
		return nil, fmt.Errorf("%w: chunk %s holds %d values, expected %d", ErrFormat, chunkKey(name, c), len(values), want)
	}
	return values, nil
}

// readRegion returns dataset[:, region.Y, region.X] as float32. Chunks that
// were never written read as zero.
func (b *backend) readRegion(name string, meta arrayMeta, region models.Chunk) ([]float32, error) {
	n := meta.Shape[0]
	out := make([]float32, n*region.Height()*region.Width())
	err := b.db.View(func(txn *badger.Txn) error {
		for _, c := range meta.cells(region) {
			values, err := b.loadCell(txn, name, meta, c)
			if err != nil {
				return err
			}
			if values == nil {
				continue
			}
			copyRegion(out, region, values, c.origin, overlap(c.origin, region), n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s%v from %s: %w", ErrIO, name, region, b.path, err)
	}
	return out, nil
}

// writeRegion stores values at dataset[:, region.Y, region.X]. Each overlapped
// on-disk chunk is rewritten in its own transaction.
func (b *backend) writeRegion(name string, meta arrayMeta, region models.Chunk, values []float32) error {
	n := meta.Shape[0]
	for _, c := range meta.cells(region) {
		err := b.db.Update(func(txn *badger.Txn) error {
			current, err := b.loadCell(txn, name, meta, c)
			if err != nil {
				return err
			}
			if current == nil {
				current = make([]float32, n*c.origin.Height()*c.origin.Width())
			}
			copyRegion(current, c.origin, values, region, overlap(c.origin, region), n)
			return txn.Set(chunkKey(name, c), b.enc.EncodeAll(group.EncodeFloat32s(current), nil))
		})
		if err != nil {
			return fmt.Errorf("%w: writing %s%v to %s: %w", ErrIO, name, region, b.path, err)
		}
		b.log.V(logging.TRACE).Info("wrote chunk", "dataset", name, "cell", c.origin.String())
	}
	return nil
}

// badgerLogger routes badger's messages to logr.
type badgerLogger struct {
	log logr.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(nil, fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Info(fmt.Sprintf(format, args...), "component", "badger", "level", "warning")
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.V(logging.DEBUG).Info(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.V(logging.TRACE).Info(fmt.Sprintf(format, args...), "component", "badger")
}
