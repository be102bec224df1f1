package device

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

// CPUGemm is the host weight-only GEMM. Its tactics are TileConfigs: each
// (tile, k split) becomes one errgroup task, and with SplitK > 1 the partial
// sums go through the caller's workspace before a reduction pass.
type CPUGemm struct {
	ctx     *Context
	tactics []gemm.Tactic
}

func NewCPUGemm(ctx *Context) *CPUGemm {
	configs := TileConfigs()
	tactics := make([]gemm.Tactic, len(configs))
	for i, c := range configs {
		tactics[i] = c.Tactic()
	}
	return &CPUGemm{ctx: ctx, tactics: tactics}
}

func (g *CPUGemm) Tactics() []gemm.Tactic {
	out := make([]gemm.Tactic, len(g.tactics))
	copy(out, g.tactics)
	return out
}

// WorkspaceSize covers float32 partials for the largest split.
func (g *CPUGemm) WorkspaceSize(m, n, k int) int {
	return m * n * maxSplit * 4
}

func (g *CPUGemm) DescribeTactic(t gemm.Tactic) string {
	c, err := DecodeTileConfig(t)
	if err != nil {
		return t.String()
	}
	return c.String()
}

func (g *CPUGemm) Gemm(args gemm.GemmArgs, tactic gemm.Tactic, stream gemm.Stream) error {
	cfg, err := DecodeTileConfig(tactic)
	if err != nil {
		return err
	}
	if args.K%cfg.SplitK != 0 {
		return errors.Wrapf(ErrUnsupportedConfig, "split k %d does not divide k=%d", cfg.SplitK, args.K)
	}
	dec, enc, ok := converter(args.Elem)
	if !ok {
		return errors.Wrapf(ErrUnsupportedConfig, "element type %s", args.Elem)
	}
	if err := checkOperands(args.Weight, args.Activation, args.Scales, args.Output, args.M, args.N, args.K); err != nil {
		return err
	}
	if need := args.M * args.N * cfg.SplitK * 4; cfg.SplitK > 1 && len(args.Workspace) < need {
		return errors.Wrapf(gemm.ErrShapeMismatch, "split k %d needs %d workspace bytes, got %d", cfg.SplitK, need, len(args.Workspace))
	}
	if hs, ok := stream.(*HostStream); ok {
		hs.launched()
	}

	m, n, k := args.M, args.N, args.K
	act := decodeAll(dec, args.Activation[:m*k])
	scales := decodeAll(dec, args.Scales[:n])
	chunk := k / cfg.SplitK

	var eg errgroup.Group
	eg.SetLimit(g.ctx.NumThreads())
	for i0 := 0; i0 < m; i0 += cfg.TileM {
		i1 := min(i0+cfg.TileM, m)
		for j0 := 0; j0 < n; j0 += cfg.TileN {
			j1 := min(j0+cfg.TileN, n)
			for s := 0; s < cfg.SplitK; s++ {
				eg.Go(func() error {
					acc := accumulateTile(act, args.Weight, k, i0, i1, j0, j1, s*chunk, (s+1)*chunk)
					cols := j1 - j0
					for i := i0; i < i1; i++ {
						row := acc[(i-i0)*cols : (i-i0+1)*cols]
						if cfg.SplitK == 1 {
							for j := j0; j < j1; j++ {
								args.Output[i*n+j] = enc(row[j-j0] * scales[j])
							}
							continue
						}
						for j := j0; j < j1; j++ {
							putPartial(args.Workspace, ((s*m+i)*n+j)*4, row[j-j0])
						}
					}
					return nil
				})
			}
		}
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if cfg.SplitK == 1 {
		return nil
	}

	for i0 := 0; i0 < m; i0 += cfg.TileM {
		i1 := min(i0+cfg.TileM, m)
		eg.Go(func() error {
			for i := i0; i < i1; i++ {
				for j := 0; j < n; j++ {
					var sum float32
					for s := 0; s < cfg.SplitK; s++ {
						sum += getPartial(args.Workspace, ((s*m+i)*n+j)*4)
					}
					args.Output[i*n+j] = enc(sum * scales[j])
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// accumulateTile returns the [i1-i0, j1-j0] float32 sums over k in [k0, k1).
func accumulateTile(act []float32, w gemm.PackedWeightView, k, i0, i1, j0, j1, k0, k1 int) []float32 {
	cols := j1 - j0
	acc := make([]float32, (i1-i0)*cols)
	wrow := make([]float32, cols)
	for kk := k0; kk < k1; kk++ {
		for j := j0; j < j1; j++ {
			wrow[j-j0] = float32(w.At(kk, j))
		}
		for i := i0; i < i1; i++ {
			a := act[i*k+kk]
			row := acc[(i-i0)*cols : (i-i0+1)*cols]
			for j, wv := range wrow {
				row[j] += float32(a * wv)
			}
		}
	}
	return acc
}

func checkOperands(w gemm.PackedWeightView, act, scales, out []uint16, m, n, k int) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return errors.Wrapf(gemm.ErrShapeMismatch, "invalid problem m=%d n=%d k=%d", m, n, k)
	}
	if w.K() != k || w.N() != n {
		return errors.Wrapf(gemm.ErrShapeMismatch, "weight is [%d, %d] unpacked, want [%d, %d]", w.K(), w.N(), k, n)
	}
	if len(act) < m*k || len(scales) < n || len(out) < m*n {
		return errors.Wrapf(gemm.ErrShapeMismatch, "operands too small for m=%d n=%d k=%d", m, n, k)
	}
	return nil
}

func decodeAll(dec func(uint16) float32, bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = dec(b)
	}
	return out
}

func putPartial(ws []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(ws[off:], math.Float32bits(v))
}

func getPartial(ws []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(ws[off:]))
}
