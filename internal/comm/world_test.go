package comm

import (
	"reflect"
	"testing"
)

func TestWorldConfigRanks(t *testing.T) {
	tests := []struct {
		name        string
		tp, pp      int
		rank        int
		wantTP      int
		wantPP      int
		wantFirst   bool
		wantLast    bool
		wantPPGroup []int
		wantTPGroup []int
	}{
		{"single", 1, 1, 0, 0, 0, true, true, []int{0}, []int{0}},
		{"tp only", 4, 1, 3, 3, 0, true, true, []int{3}, []int{0, 1, 2, 3}},
		{"pp only", 1, 4, 2, 0, 2, false, false, []int{0, 1, 2, 3}, []int{2}},
		{"tp2 pp2 rank1", 2, 2, 1, 1, 0, true, false, []int{1, 3}, []int{0, 1}},
		{"tp2 pp3 rank5", 2, 3, 5, 1, 2, false, true, []int{1, 3, 5}, []int{4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorldConfig(tt.tp, tt.pp, tt.rank)
			if err := w.Validate(tt.tp * tt.pp); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := w.TensorParallelRank(); got != tt.wantTP {
				t.Errorf("tp rank: expected %d, got %d", tt.wantTP, got)
			}
			if got := w.PipelineParallelRank(); got != tt.wantPP {
				t.Errorf("pp rank: expected %d, got %d", tt.wantPP, got)
			}
			if got := w.IsFirstPipelineParallelRank(); got != tt.wantFirst {
				t.Errorf("first: expected %v, got %v", tt.wantFirst, got)
			}
			if got := w.IsLastPipelineParallelRank(); got != tt.wantLast {
				t.Errorf("last: expected %v, got %v", tt.wantLast, got)
			}
			if got := w.PipelineParallelGroup(); !reflect.DeepEqual(got, tt.wantPPGroup) {
				t.Errorf("pp group: expected %v, got %v", tt.wantPPGroup, got)
			}
			if got := w.TensorParallelGroup(); !reflect.DeepEqual(got, tt.wantTPGroup) {
				t.Errorf("tp group: expected %v, got %v", tt.wantTPGroup, got)
			}
		})
	}
}

func TestWorldConfigDevice(t *testing.T) {
	w := NewWorldConfig(4, 4, 13)
	if got := w.Device(); got != 5 {
		t.Errorf("expected device 5, got %d", got)
	}
	w.GpusPerNode = 4
	if got := w.Device(); got != 1 {
		t.Errorf("expected device 1, got %d", got)
	}
	w.GpusPerNode = 0
	if got := w.Device(); got != 5 {
		t.Errorf("expected default gpus per node, got device %d", got)
	}
}

func TestWorldConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		w         WorldConfig
		worldSize int
	}{
		{"zero tp", WorldConfig{TensorParallelism: 0, PipelineParallelism: 1}, 1},
		{"zero pp", WorldConfig{TensorParallelism: 1, PipelineParallelism: 0}, 1},
		{"size mismatch", NewWorldConfig(2, 2, 0), 3},
		{"rank too large", NewWorldConfig(2, 1, 2), 2},
		{"negative rank", NewWorldConfig(2, 1, -1), 2},
		{"negative gpus", WorldConfig{TensorParallelism: 1, PipelineParallelism: 1, GpusPerNode: -1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.w.Validate(tt.worldSize); err == nil {
				t.Error("expected error")
			}
		})
	}
}
