package device

import (
	"math"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

// OutputStats summarizes a GEMM result.
type OutputStats struct {
	Max    float32
	Min    float32
	Mean   float32
	RMS    float32
	Zeros  int
	NaNs   int
	Infs   int
	Sample []float32 // first values, at most 32
}

// GetStats decodes bits as elem and returns statistics over the finite values.
func GetStats(elem gemm.ElementType, bits []uint16, sampleSize int) OutputStats {
	data := Decode(elem, bits)

	var st OutputStats
	first := true
	var sum, sumSq float64
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			st.NaNs++
			continue
		}
		if math.IsInf(float64(v), 0) {
			st.Infs++
			continue
		}
		if v == 0 {
			st.Zeros++
		}
		if first || v > st.Max {
			st.Max = v
		}
		if first || v < st.Min {
			st.Min = v
		}
		first = false
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}

	if n := len(data) - st.NaNs - st.Infs; n > 0 {
		st.Mean = float32(sum / float64(n))
		st.RMS = float32(math.Sqrt(sumSq / float64(n)))
	}

	limit := min(sampleSize, 32, len(data))
	if limit < 0 {
		limit = 0
	}
	st.Sample = make([]float32, limit)
	copy(st.Sample, data[:limit])
	return st
}
