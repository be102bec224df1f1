package device

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-woq/internal/gemm"
	"github.com/23skdu/quarrel-woq/internal/metrics"
)

type NaNInfo struct {
	Count     int
	Positions []int
	InfCount  int
}

func (n *NaNInfo) IsValid() bool {
	return n.Count == 0 && n.InfCount == 0
}

// DetectNaN scans 16-bit elem values and keeps up to maxPositions NaN indices.
func DetectNaN(elem gemm.ElementType, bits []uint16, maxPositions int) *NaNInfo {
	dec, _, ok := converter(elem)
	if !ok {
		return &NaNInfo{}
	}
	info := &NaNInfo{}
	for i, b := range bits {
		v := float64(dec(b))
		if math.IsNaN(v) {
			info.Count++
			if len(info.Positions) < maxPositions {
				info.Positions = append(info.Positions, i)
			}
		}
		if math.IsInf(v, 0) {
			info.InfCount++
		}
	}
	return info
}

// ValidateOutput reports NaN/Inf in a GEMM result to metrics and fails when
// any are present.
func ValidateOutput(name string, elem gemm.ElementType, bits []uint16) error {
	info := DetectNaN(elem, bits, 10)
	metrics.RecordNumericalInstability(name, info.Count, info.InfCount)
	if !info.IsValid() {
		return fmt.Errorf("%s: %d NaNs and %d Infs, first NaN positions: %v",
			name, info.Count, info.InfCount, info.Positions)
	}
	return nil
}
