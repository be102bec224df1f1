package device

import (
	"math"

	"github.com/x448/float16"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// Float32ToBFloat16 rounds to nearest even. NaN stays a quiet NaN.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if f != f {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}

func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// converter returns the 16-bit decode/encode pair for elem.
func converter(elem gemm.ElementType) (func(uint16) float32, func(float32) uint16, bool) {
	switch elem {
	case gemm.Float16:
		return Float16ToFloat32, Float32ToFloat16, true
	case gemm.BFloat16:
		return BFloat16ToFloat32, Float32ToBFloat16, true
	default:
		return nil, nil, false
	}
}

// Encode converts values into elem bits.
func Encode(elem gemm.ElementType, values []float32) []uint16 {
	_, enc, ok := converter(elem)
	if !ok {
		panic("device: no 16-bit encoding for " + elem.String())
	}
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = enc(v)
	}
	return out
}

// Decode converts elem bits back to float32.
func Decode(elem gemm.ElementType, bits []uint16) []float32 {
	dec, _, ok := converter(elem)
	if !ok {
		panic("device: no 16-bit encoding for " + elem.String())
	}
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = dec(b)
	}
	return out
}
