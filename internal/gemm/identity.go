package gemm

import (
	"fmt"

	"github.com/pkg/errors"
)

// ElementType is the activation/output element type of a GEMM problem.
type ElementType int32

const (
	Float32 ElementType = iota
	Float16
	BFloat16
)

func (t ElementType) String() string {
	switch t {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bf16"
	default:
		return fmt.Sprintf("ElementType(%d)", int32(t))
	}
}

// Valid reports whether t is a known tag.
func (t ElementType) Valid() bool {
	return t >= Float32 && t <= BFloat16
}

// Size is the element size in bytes.
func (t ElementType) Size() int {
	if t == Float32 {
		return 4
	}
	return 2
}

// ParseElementType accepts "fp16", "bf16" and "fp32".
func ParseElementType(s string) (ElementType, error) {
	switch s {
	case "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	case "fp32", "float32":
		return Float32, nil
	}
	return 0, errors.Errorf("unknown element type %q", s)
}

// WeightPrecision is the weight-only quantization class. It is a closed set:
// code that depends on the variant switches over it explicitly.
type WeightPrecision int32

const (
	// Int8WeightOnly stores four signed 8-bit weights per 32-bit cell.
	Int8WeightOnly WeightPrecision = 1
	// Int4WeightOnly stores eight signed 4-bit weights per 32-bit cell.
	Int4WeightOnly WeightPrecision = 2
)

func (p WeightPrecision) String() string {
	switch p {
	case Int8WeightOnly:
		return "int8"
	case Int4WeightOnly:
		return "int4"
	default:
		return fmt.Sprintf("WeightPrecision(%d)", int32(p))
	}
}

func (p WeightPrecision) Valid() bool {
	return p == Int8WeightOnly || p == Int4WeightOnly
}

// PackingFactor is the number of weights stored per packed column.
func (p WeightPrecision) PackingFactor() int {
	switch p {
	case Int8WeightOnly:
		return 4
	case Int4WeightOnly:
		return 8
	default:
		return 0
	}
}

// Bits is the stored width of one weight.
func (p WeightPrecision) Bits() int {
	switch p {
	case Int8WeightOnly:
		return 8
	case Int4WeightOnly:
		return 4
	default:
		return 0
	}
}

// UnpackedColumns is the true output width for packedN stored columns.
func (p WeightPrecision) UnpackedColumns(packedN int) int {
	return packedN * p.PackingFactor()
}

// PackedColumns converts a logical output width into packed columns.
func (p WeightPrecision) PackedColumns(logicalN int) (int, error) {
	f := p.PackingFactor()
	if f == 0 {
		return 0, errors.Wrapf(ErrUnsupportedShape, "unknown weight precision %d", int32(p))
	}
	if logicalN <= 0 || logicalN%f != 0 {
		return 0, errors.Wrapf(ErrUnsupportedShape, "output width %d is not a positive multiple of the %s packing factor %d", logicalN, p, f)
	}
	return logicalN / f, nil
}

// ParseWeightPrecision accepts "int8" and "int4".
func ParseWeightPrecision(s string) (WeightPrecision, error) {
	switch s {
	case "int8":
		return Int8WeightOnly, nil
	case "int4":
		return Int4WeightOnly, nil
	}
	return 0, errors.Errorf("unknown weight precision %q", s)
}

// GemmIdentity names a family of GEMM problems that differ only in M.
// N is the packed column count.
type GemmIdentity struct {
	N           int
	K           int
	ElementType ElementType
}

func (id GemmIdentity) String() string {
	return fmt.Sprintf("(n=%d k=%d %s)", id.N, id.K, id.ElementType)
}

// ShapeBounds is the dynamic range of M an executor serves, plus its fixed
// packed N and K.
type ShapeBounds struct {
	MinM int
	MaxM int
	N    int
	K    int
}

func (b ShapeBounds) IsInitialized() bool {
	return b.MaxM > 0
}

func (b ShapeBounds) Validate() error {
	if b.MinM <= 0 {
		return errors.Wrapf(ErrUnsupportedShape, "invalid min m: %d (must be positive)", b.MinM)
	}
	if b.MaxM < b.MinM {
		return errors.Wrapf(ErrUnsupportedShape, "invalid max m: %d (must be >= min m %d)", b.MaxM, b.MinM)
	}
	if b.N <= 0 {
		return errors.Wrapf(ErrUnsupportedShape, "invalid n: %d (must be positive)", b.N)
	}
	if b.K <= 0 {
		return errors.Wrapf(ErrUnsupportedShape, "invalid k: %d (must be positive)", b.K)
	}
	return nil
}

func (b ShapeBounds) String() string {
	return fmt.Sprintf("m=[%d,%d] n=%d k=%d", b.MinM, b.MaxM, b.N, b.K)
}

// ProfileResult is the winning tactic for one M bucket.
type ProfileResult struct {
	Identity  GemmIdentity
	MBucket   int
	Tactic    Tactic
	LatencyNs float64
}
