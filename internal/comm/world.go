package comm

import (
	"fmt"
)

// DefaultGpusPerNode is the device count assumed per host.
const DefaultGpusPerNode = 8

// WorldConfig places one rank in a tensor x pipeline parallel layout. Ranks of
// one pipeline stage are contiguous: rank = ppRank*tp + tpRank.
type WorldConfig struct {
	TensorParallelism   int `yaml:"tensor_parallelism"`
	PipelineParallelism int `yaml:"pipeline_parallelism"`
	Rank                int `yaml:"rank"`
	GpusPerNode         int `yaml:"gpus_per_node"`
}

func NewWorldConfig(tp, pp, rank int) WorldConfig {
	return WorldConfig{TensorParallelism: tp, PipelineParallelism: pp, Rank: rank, GpusPerNode: DefaultGpusPerNode}
}

func (w WorldConfig) Size() int {
	return w.TensorParallelism * w.PipelineParallelism
}

func (w WorldConfig) IsTensorParallel() bool   { return w.TensorParallelism > 1 }
func (w WorldConfig) IsPipelineParallel() bool { return w.PipelineParallelism > 1 }

// Device is the local device index of the rank.
func (w WorldConfig) Device() int {
	return w.Rank % w.gpusPerNode()
}

func (w WorldConfig) PipelineParallelRank() int {
	return w.Rank / w.TensorParallelism
}

func (w WorldConfig) TensorParallelRank() int {
	return w.Rank % w.TensorParallelism
}

func (w WorldConfig) IsFirstPipelineParallelRank() bool {
	return w.PipelineParallelRank() == 0
}

func (w WorldConfig) IsLastPipelineParallelRank() bool {
	return w.PipelineParallelRank() == w.PipelineParallelism-1
}

// PipelineParallelGroup lists the global ranks sharing this rank's tensor
// parallel index, one per pipeline stage in stage order.
func (w WorldConfig) PipelineParallelGroup() []int {
	group := make([]int, w.PipelineParallelism)
	tpRank := w.TensorParallelRank()
	for i := range group {
		group[i] = tpRank + i*w.TensorParallelism
	}
	return group
}

// TensorParallelGroup lists the global ranks of this rank's pipeline stage.
func (w WorldConfig) TensorParallelGroup() []int {
	group := make([]int, w.TensorParallelism)
	base := w.PipelineParallelRank() * w.TensorParallelism
	for i := range group {
		group[i] = base + i
	}
	return group
}

func (w WorldConfig) gpusPerNode() int {
	if w.GpusPerNode <= 0 {
		return DefaultGpusPerNode
	}
	return w.GpusPerNode
}

// Validate checks the layout against the number of launched processes.
func (w WorldConfig) Validate(worldSize int) error {
	if w.TensorParallelism < 1 {
		return fmt.Errorf("invalid tensor parallelism: %d (must be >= 1)", w.TensorParallelism)
	}
	if w.PipelineParallelism < 1 {
		return fmt.Errorf("invalid pipeline parallelism: %d (must be >= 1)", w.PipelineParallelism)
	}
	if w.Size() != worldSize {
		return fmt.Errorf("world size %d does not match tensor parallelism %d x pipeline parallelism %d",
			worldSize, w.TensorParallelism, w.PipelineParallelism)
	}
	if w.Rank < 0 || w.Rank >= worldSize {
		return fmt.Errorf("invalid rank: %d (world size %d)", w.Rank, worldSize)
	}
	if w.GpusPerNode < 0 {
		return fmt.Errorf("invalid gpus per node: %d", w.GpusPerNode)
	}
	return nil
}

func (w WorldConfig) String() string {
	return fmt.Sprintf("rank %d/%d (tp %d/%d, pp %d/%d)", w.Rank, w.Size(),
		w.TensorParallelRank(), w.TensorParallelism, w.PipelineParallelRank(), w.PipelineParallelism)
}
