package gemm

import "github.com/pkg/errors"

// cellBytes is the width of one packed column cell.
const cellBytes = 4

// PackedWeightView reads a [K, packedN] buffer of 32-bit cells as a logical
// [K, packedN*PackingFactor] matrix of signed weights.
//
// Int8: the cell holds four int8 values; logical column c of row r is byte
// r*packedN*4 + c.
//
// Int4: the cell holds eight two's complement nibbles; logical column c of row
// r lives in byte r*packedN*4 + c/2, low nibble for even c, high nibble for
// odd c.
type PackedWeightView struct {
	data      []byte
	k         int
	packedN   int
	precision WeightPrecision
}

// NewPackedWeightView validates that data holds exactly k*packedN cells.
func NewPackedWeightView(data []byte, precision WeightPrecision, k, packedN int) (PackedWeightView, error) {
	if !precision.Valid() {
		return PackedWeightView{}, errors.Wrapf(ErrUnsupportedShape, "unknown weight precision %d", int32(precision))
	}
	if k <= 0 || packedN <= 0 {
		return PackedWeightView{}, errors.Wrapf(ErrShapeMismatch, "invalid packed weight dims [%d, %d]", k, packedN)
	}
	if want := k * packedN * cellBytes; len(data) != want {
		return PackedWeightView{}, errors.Wrapf(ErrShapeMismatch, "packed weight holds %d bytes, want %d for [%d, %d]", len(data), want, k, packedN)
	}
	return PackedWeightView{data: data, k: k, packedN: packedN, precision: precision}, nil
}

func (v PackedWeightView) Precision() WeightPrecision { return v.precision }
func (v PackedWeightView) K() int                     { return v.k }
func (v PackedWeightView) PackedN() int               { return v.packedN }
func (v PackedWeightView) Raw() []byte                { return v.data }

// N is the logical (unpacked) column count.
func (v PackedWeightView) N() int {
	return v.precision.UnpackedColumns(v.packedN)
}

// At returns the signed weight at logical (row, col).
func (v PackedWeightView) At(row, col int) int8 {
	base := row * v.packedN * cellBytes
	switch v.precision {
	case Int8WeightOnly:
		return int8(v.data[base+col])
	case Int4WeightOnly:
		b := v.data[base+col/2]
		if col%2 == 0 {
			return signExtend4(b & 0x0f)
		}
		return signExtend4(b >> 4)
	default:
		panic("gemm: packed weight view with unknown precision")
	}
}

// Row unpacks one logical row into dst, which must hold N() values.
func (v PackedWeightView) Row(row int, dst []int8) {
	n := v.N()
	for c := 0; c < n; c++ {
		dst[c] = v.At(row, c)
	}
}

func signExtend4(nibble byte) int8 {
	return int8(nibble<<4) >> 4
}

// PackWeights packs a row-major [k, n] matrix of signed weights. n must be a
// multiple of the packing factor and, for Int4, every value must fit in
// [-8, 7].
func PackWeights(precision WeightPrecision, k, n int, values []int8) (PackedWeightView, error) {
	packedN, err := precision.PackedColumns(n)
	if err != nil {
		return PackedWeightView{}, err
	}
	if len(values) != k*n {
		return PackedWeightView{}, errors.Wrapf(ErrShapeMismatch, "got %d weights, want %d for [%d, %d]", len(values), k*n, k, n)
	}
	data := make([]byte, k*packedN*cellBytes)
	for r := 0; r < k; r++ {
		base := r * packedN * cellBytes
		for c := 0; c < n; c++ {
			w := values[r*n+c]
			switch precision {
			case Int8WeightOnly:
				data[base+c] = byte(w)
			case Int4WeightOnly:
				if w < -8 || w > 7 {
					return PackedWeightView{}, errors.Errorf("weight %d at [%d, %d] does not fit in 4 bits", w, r, c)
				}
				nib := byte(w) & 0x0f
				if c%2 == 0 {
					data[base+c/2] |= nib
				} else {
					data[base+c/2] |= nib << 4
				}
			}
		}
	}
	return NewPackedWeightView(data, precision, k, packedN)
}
