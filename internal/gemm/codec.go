package gemm

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/metrics"
)

// ExecutorState is everything an artifact persists for one executor.
type ExecutorState struct {
	ElementType ElementType
	Precision   WeightPrecision
	Bounds      ShapeBounds
	Entries     []CacheEntry
}

// Artifact layout, little endian, no padding:
//
//	int32  element type
//	int32  weight precision id (1 int8, 2 int4)
//	int32  min m | int32 max m | int32 n | int32 k
//	uint32 entry count
//	entries: int32 n | int32 k | int32 element type | int32 m bucket |
//	         uint32 tactic length | tactic bytes
const (
	headerSize     = 6*4 + 4
	entryFixedSize = 5 * 4
)

// EncodedSize is the exact length Encode produces for s.
func EncodedSize(s ExecutorState) int {
	n := headerSize
	for _, e := range s.Entries {
		n += entryFixedSize + e.Tactic.Len()
	}
	return n
}

// Encode serializes s. Entries are written in canonical order so equal states
// encode to equal bytes.
func Encode(s ExecutorState) ([]byte, error) {
	entries := make([]CacheEntry, len(s.Entries))
	copy(entries, s.Entries)
	sortEntries(entries)

	w := &writer{buf: make([]byte, 0, EncodedSize(s))}
	w.i32(int(s.ElementType))
	w.i32(int(s.Precision))
	w.i32(s.Bounds.MinM)
	w.i32(s.Bounds.MaxM)
	w.i32(s.Bounds.N)
	w.i32(s.Bounds.K)
	w.u32(len(entries))
	for _, e := range entries {
		w.i32(e.Identity.N)
		w.i32(e.Identity.K)
		w.i32(int(e.Identity.ElementType))
		w.i32(e.MBucket)
		w.u32(e.Tactic.Len())
		w.buf = append(w.buf, e.Tactic.Bytes()...)
	}
	if w.err != nil {
		return nil, w.err
	}
	metrics.RecordArtifact("encode", len(w.buf))
	return w.buf, nil
}

// Decode parses an artifact. It must consume data exactly; anything else is
// ErrCorruptArtifact and no partial state is returned.
func Decode(data []byte) (ExecutorState, error) {
	s, err := decode(data)
	if err != nil {
		metrics.RecordValidationError("decode", ErrorKind(err))
		return ExecutorState{}, err
	}
	metrics.RecordArtifact("decode", len(data))
	return s, nil
}

func decode(data []byte) (ExecutorState, error) {
	r := &reader{buf: data}
	var s ExecutorState
	s.ElementType = ElementType(r.i32())
	s.Precision = WeightPrecision(r.i32())
	s.Bounds = ShapeBounds{MinM: r.i32(), MaxM: r.i32(), N: r.i32(), K: r.i32()}
	count := r.u32()
	if r.err != nil {
		return ExecutorState{}, r.err
	}
	if !s.ElementType.Valid() {
		return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "unknown element type tag %d", int32(s.ElementType))
	}
	if !s.Precision.Valid() {
		return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "unknown weight precision id %d", int32(s.Precision))
	}
	if err := s.Bounds.Validate(); err != nil {
		return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "shape bounds: %v", err)
	}
	// Every entry takes at least entryFixedSize bytes, which bounds count
	// before allocating.
	if uint64(count)*entryFixedSize > uint64(r.remaining()) {
		return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "%d entries cannot fit in %d bytes", count, r.remaining())
	}

	seen := make(map[CacheEntry]struct{}, count)
	s.Entries = make([]CacheEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e := CacheEntry{
			Identity: GemmIdentity{N: r.i32(), K: r.i32(), ElementType: ElementType(r.i32())},
			MBucket:  r.i32(),
		}
		blob := r.bytes(r.u32())
		if r.err != nil {
			return ExecutorState{}, r.err
		}
		if !e.Identity.ElementType.Valid() {
			return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "entry %d: unknown element type tag %d", i, int32(e.Identity.ElementType))
		}
		if e.MBucket <= 0 || len(blob) == 0 {
			return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "entry %d: bucket %d with %d tactic bytes", i, e.MBucket, len(blob))
		}
		key := CacheEntry{Identity: e.Identity, MBucket: e.MBucket}
		if _, dup := seen[key]; dup {
			return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "entry %d duplicates %s bucket %d", i, e.Identity, e.MBucket)
		}
		seen[key] = struct{}{}
		e.Tactic = NewTactic(blob)
		s.Entries = append(s.Entries, e)
	}
	if r.remaining() != 0 {
		return ExecutorState{}, errors.Wrapf(ErrCorruptArtifact, "%d trailing bytes", r.remaining())
	}
	return s, nil
}

type writer struct {
	buf []byte
	err error
}

func (w *writer) i32(v int) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		if w.err == nil {
			w.err = errors.Errorf("value %d does not fit in int32", v)
		}
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(int32(v)))
}

func (w *writer) u32(v int) {
	if v < 0 || uint64(v) > math.MaxUint32 {
		if w.err == nil {
			w.err = errors.Errorf("length %d does not fit in uint32", v)
		}
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

// reader records the first shortfall and turns every later read into a no-op.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.err = errors.Wrapf(ErrCorruptArtifact, "truncated at offset %d: need %d bytes, have %d", r.off, n, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) i32() int {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int(int32(binary.LittleEndian.Uint32(b)))
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) bytes(n uint32) []byte {
	if uint64(n) > uint64(r.remaining()) {
		r.take(r.remaining() + 1)
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
