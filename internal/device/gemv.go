package device

import (
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

const (
	// gemvMinComputeCapability is the oldest generation the batched GEMV
	// kernel targets.
	gemvMinComputeCapability = 75
	gemvColumnBlock          = 256
)

// BatchedGemv computes a few activation rows against the packed weights, one
// dot product per output column, with no tactic to choose.
type BatchedGemv struct {
	ctx *Context
}

func NewBatchedGemv(ctx *Context) *BatchedGemv {
	return &BatchedGemv{ctx: ctx}
}

func (b *BatchedGemv) Enabled(precision gemm.WeightPrecision, elem gemm.ElementType, capability gemm.DeviceCapability) bool {
	if !precision.Valid() {
		return false
	}
	if elem != gemm.Float16 && elem != gemm.BFloat16 {
		return false
	}
	return capability.ComputeCapability >= gemvMinComputeCapability
}

func (b *BatchedGemv) Launch(p gemm.FastPathParams, stream gemm.Stream) error {
	dec, enc, ok := converter(p.Elem)
	if !ok {
		return errors.Wrapf(ErrUnsupportedConfig, "element type %s", p.Elem)
	}
	if err := checkOperands(p.Weight, p.Activation, p.Scales, p.Output, p.M, p.N, p.K); err != nil {
		return err
	}
	if hs, ok := stream.(*HostStream); ok {
		hs.launched()
	}

	act := decodeAll(dec, p.Activation[:p.M*p.K])
	scales := decodeAll(dec, p.Scales[:p.N])

	var eg errgroup.Group
	eg.SetLimit(b.ctx.NumThreads())
	for j0 := 0; j0 < p.N; j0 += gemvColumnBlock {
		j1 := min(j0+gemvColumnBlock, p.N)
		eg.Go(func() error {
			for i := 0; i < p.M; i++ {
				a := act[i*p.K : (i+1)*p.K]
				for j := j0; j < j1; j++ {
					var acc float32
					for kk, av := range a {
						acc += float32(av * float32(p.Weight.At(kk, j)))
					}
					p.Output[i*p.N+j] = enc(acc * scales[j])
				}
			}
			return nil
		})
	}
	return eg.Wait()
}
