package device

import (
	"math"
	"testing"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

func TestDetectNaN(t *testing.T) {
	nan := Float32ToFloat16(float32(math.NaN()))
	inf := Float32ToFloat16(float32(math.Inf(1)))
	bits := []uint16{Float32ToFloat16(1), nan, inf, nan}

	info := DetectNaN(gemm.Float16, bits, 1)
	if info.Count != 2 {
		t.Errorf("expected 2 NaNs, got %d", info.Count)
	}
	if info.InfCount != 1 {
		t.Errorf("expected 1 Inf, got %d", info.InfCount)
	}
	if len(info.Positions) != 1 || info.Positions[0] != 1 {
		t.Errorf("expected positions [1], got %v", info.Positions)
	}
	if info.IsValid() {
		t.Error("expected invalid")
	}
}

func TestValidateOutput(t *testing.T) {
	ok := Encode(gemm.BFloat16, []float32{1, -2, 0.5})
	if err := ValidateOutput("ok", gemm.BFloat16, ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := append(ok, Float32ToBFloat16(float32(math.Inf(-1))))
	if err := ValidateOutput("bad", gemm.BFloat16, bad); err == nil {
		t.Fatal("expected error for Inf output")
	}
}

func TestGetStats(t *testing.T) {
	vals := []float32{1, -2, 0, 3}
	bits := append(Encode(gemm.BFloat16, vals), Float32ToBFloat16(float32(math.NaN())))

	st := GetStats(gemm.BFloat16, bits, 2)
	if st.Max != 3 || st.Min != -2 {
		t.Errorf("expected range [-2, 3], got [%v, %v]", st.Min, st.Max)
	}
	if st.Mean != 0.5 {
		t.Errorf("expected mean 0.5, got %v", st.Mean)
	}
	if st.Zeros != 1 || st.NaNs != 1 || st.Infs != 0 {
		t.Errorf("unexpected counts %+v", st)
	}
	if want := float32(math.Sqrt(14.0 / 4)); math.Abs(float64(st.RMS-want)) > 1e-6 {
		t.Errorf("expected rms %v, got %v", want, st.RMS)
	}
	if len(st.Sample) != 2 || st.Sample[1] != -2 {
		t.Errorf("unexpected sample %v", st.Sample)
	}

	empty := GetStats(gemm.Float16, nil, 8)
	if empty.Mean != 0 || len(empty.Sample) != 0 {
		t.Errorf("unexpected stats for empty output %+v", empty)
	}
}

func TestReferenceGemm(t *testing.T) {
	// [1 2] x [[1 0 -1] [2 1 0]] scaled by [1 0.5 2]
	got := ReferenceGemm([]float32{1, 2}, []int8{1, 0, -1, 2, 1, 0}, []float32{1, 0.5, 2}, 1, 3, 2)
	want := []float32{5, 1, -2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
