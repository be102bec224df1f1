package gemm

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/logger"
	"github.com/23skdu/quarrel-woq/internal/metrics"
)

const (
	// MaxProfileM caps the largest profiled row count.
	MaxProfileM = 8192

	defaultWarmup = 5
	defaultRuns   = 10

	scratchAlignment = 256
)

// ProfilerConfig tunes tactic benchmarking.
type ProfilerConfig struct {
	// Warmup is the number of untimed launches per (m, tactic).
	Warmup int
	// Runs is the number of timed launches averaged into one latency.
	Runs int
	// MaxProfileM caps the M sweep, MaxProfileM when zero.
	MaxProfileM int
	// Observer, when set, sees every measurement including skipped tactics.
	Observer func(Measurement)
}

func (c ProfilerConfig) withDefaults() ProfilerConfig {
	if c.Warmup < 0 {
		c.Warmup = 0
	}
	if c.Warmup == 0 && c.Runs == 0 {
		c.Warmup = defaultWarmup
	}
	if c.Runs <= 0 {
		c.Runs = defaultRuns
	}
	if c.MaxProfileM <= 0 || c.MaxProfileM > MaxProfileM {
		c.MaxProfileM = MaxProfileM
	}
	return c
}

// Measurement is the outcome of benchmarking one tactic at one M. Err is set
// when the tactic was skipped.
type Measurement struct {
	Identity    GemmIdentity
	Precision   WeightPrecision
	M           int
	Tactic      Tactic
	Description string
	LatencyNs   float64
	Err         error
}

// TacticProfiler benchmarks every catalog tactic across an M sweep and picks
// the fastest per bucket. It blocks on the stream after every timed batch, so
// one profiler must not be shared between goroutines; run one per executor
// with its own stream when profiling in parallel.
type TacticProfiler struct {
	cfg       ProfilerConfig
	precision WeightPrecision
	stream    Stream
	log       *logger.Logger
	now       func() time.Time
	scratch   *profileScratch
}

func NewTacticProfiler(precision WeightPrecision, stream Stream, cfg ProfilerConfig) *TacticProfiler {
	return &TacticProfiler{
		cfg:       cfg.withDefaults(),
		precision: precision,
		stream:    stream,
		log:       logger.Log.With("profiler").WithField("precision", precision.String()),
		now:       time.Now,
	}
}

// MSweep returns the representative row counts profiled for bounds: powers of
// two from nextPow2(MinM) below the capped nextPow2(MaxM), then that cap.
func (p *TacticProfiler) MSweep(bounds ShapeBounds) []int {
	maxM := nextPowerOfTwo(bounds.MaxM)
	if maxM > p.cfg.MaxProfileM {
		maxM = p.cfg.MaxProfileM
	}
	var sweep []int
	for m := nextPowerOfTwo(bounds.MinM); m < maxM; m *= 2 {
		sweep = append(sweep, m)
	}
	return append(sweep, maxM)
}

// ComputeScratchSize is the bytes needed to benchmark up to maxM rows of a
// problem with packed width n: activation, weights, scales, output and kernel
// workspace, each aligned.
func (p *TacticProfiler) ComputeScratchSize(kernel GemmKernel, maxM, n, k int) int {
	fullN := p.precision.UnpackedColumns(n)
	sizes := []int{
		maxM * k * 2,
		fullN * k,
		fullN * 2,
		maxM * fullN * 2,
		kernel.WorkspaceSize(maxM, fullN, k),
	}
	total := 0
	for _, s := range sizes {
		total += alignUp(s, scratchAlignment)
	}
	return total
}

// Profile benchmarks the catalog for id over the M sweep of bounds and returns
// one result per bucket. A tactic that fails is skipped; a bucket where every
// tactic fails aborts with ErrNoViableTactic.
func (p *TacticProfiler) Profile(ctx context.Context, kernel GemmKernel, id GemmIdentity, bounds ShapeBounds) ([]ProfileResult, error) {
	return p.ProfileBuckets(ctx, kernel, id, p.MSweep(bounds))
}

// ProfileBuckets is Profile restricted to the given buckets, in order.
func (p *TacticProfiler) ProfileBuckets(ctx context.Context, kernel GemmKernel, id GemmIdentity, buckets []int) ([]ProfileResult, error) {
	if len(buckets) == 0 {
		return nil, nil
	}
	if m := slices.Min(buckets); m <= 0 {
		return nil, errors.Errorf("m bucket %d must be positive", m)
	}
	tactics, err := NewTacticCatalog(kernel, p.precision).ListTactics(id)
	if err != nil {
		return nil, err
	}

	maxM := slices.Max(buckets)
	p.allocate(kernel, maxM, id.N, id.K)

	start := p.now()
	p.log.Info("profiling tactics",
		"identity", id.String(),
		"buckets", buckets,
		"tactics", len(tactics),
		"scratch", humanize.IBytes(uint64(p.ComputeScratchSize(kernel, maxM, id.N, id.K))))

	results := make([]ProfileResult, 0, len(buckets))
	for _, m := range buckets {
		res, err := p.profileBucket(ctx, kernel, id, m, tactics)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	metrics.RecordProfile(p.precision.String(), p.now().Sub(start), len(results))
	return results, nil
}

func (p *TacticProfiler) profileBucket(ctx context.Context, kernel GemmKernel, id GemmIdentity, m int, tactics []Tactic) (ProfileResult, error) {
	best := ProfileResult{Identity: id, MBucket: m, LatencyNs: math.Inf(1)}
	for _, t := range tactics {
		if err := ctx.Err(); err != nil {
			return ProfileResult{}, errors.Wrapf(err, "profiling %s m=%d", id, m)
		}

		latency, err := p.measure(kernel, id, m, t)
		meas := Measurement{
			Identity:    id,
			Precision:   p.precision,
			M:           m,
			Tactic:      t,
			Description: Describe(kernel, t),
			LatencyNs:   latency,
			Err:         err,
		}
		if p.cfg.Observer != nil {
			p.cfg.Observer(meas)
		}
		if err != nil {
			metrics.RecordTacticMeasurement("skipped")
			p.log.Debug("skipping tactic", "identity", id.String(), "m", m, "tactic", meas.Description, "error", err)
			continue
		}
		metrics.RecordTacticMeasurement("ok")
		p.log.Debug("measured tactic", "identity", id.String(), "m", m, "tactic", meas.Description, "latency_ns", latency)

		// Strictly faster only: earlier catalog entries win ties.
		if latency < best.LatencyNs {
			best.Tactic = t
			best.LatencyNs = latency
		}
	}

	if best.Tactic.IsZero() {
		return ProfileResult{}, errors.Wrapf(ErrNoViableTactic, "all %d tactics failed for %s m=%d", len(tactics), id, m)
	}
	p.log.Info("selected tactic", "identity", id.String(), "m", m, "tactic", Describe(kernel, best.Tactic), "latency_ns", best.LatencyNs)
	return best, nil
}

// measure returns the mean latency in ns of one tactic at m rows.
func (p *TacticProfiler) measure(kernel GemmKernel, id GemmIdentity, m int, t Tactic) (float64, error) {
	for i := 0; i < p.cfg.Warmup; i++ {
		if err := p.runTactic(kernel, id, m, t); err != nil {
			return 0, err
		}
	}
	if err := p.stream.Synchronize(); err != nil {
		return 0, errors.Wrap(err, "synchronize after warmup")
	}

	start := p.now()
	for i := 0; i < p.cfg.Runs; i++ {
		if err := p.runTactic(kernel, id, m, t); err != nil {
			return 0, err
		}
	}
	if err := p.stream.Synchronize(); err != nil {
		return 0, errors.Wrap(err, "synchronize after timed runs")
	}
	elapsed := p.now().Sub(start)
	return float64(elapsed.Nanoseconds()) / float64(p.cfg.Runs), nil
}

func (p *TacticProfiler) runTactic(kernel GemmKernel, id GemmIdentity, m int, t Tactic) error {
	s := p.scratch
	fullN := p.precision.UnpackedColumns(id.N)
	ws := kernel.WorkspaceSize(m, fullN, id.K)
	if ws > len(s.workspace) {
		return errors.Errorf("kernel wants %d workspace bytes at m=%d, scratch holds %d", ws, m, len(s.workspace))
	}
	return kernel.Gemm(GemmArgs{
		Activation: s.activation[:m*id.K],
		Weight:     s.weight,
		Scales:     s.scales,
		Output:     s.output[:m*fullN],
		M:          m,
		N:          fullN,
		K:          id.K,
		Elem:       id.ElementType,
		Workspace:  s.workspace[:ws],
	}, t, p.stream)
}

// profileScratch holds the operands tactics are benchmarked on. Contents are
// irrelevant to timing and stay zeroed.
type profileScratch struct {
	maxM, n, k int
	activation []uint16
	weight     PackedWeightView
	scales     []uint16
	output     []uint16
	workspace  []byte
}

func (p *TacticProfiler) allocate(kernel GemmKernel, maxM, n, k int) {
	if s := p.scratch; s != nil && s.maxM >= maxM && s.n == n && s.k == k {
		return
	}
	fullN := p.precision.UnpackedColumns(n)
	weight, err := NewPackedWeightView(make([]byte, k*n*cellBytes), p.precision, k, n)
	if err != nil {
		// n and k were validated by the catalog.
		panic(err)
	}
	p.scratch = &profileScratch{
		maxM:       maxM,
		n:          n,
		k:          k,
		activation: make([]uint16, maxM*k),
		weight:     weight,
		scales:     make([]uint16, fullN),
		output:     make([]uint16, maxM*fullN),
		workspace:  make([]byte, kernel.WorkspaceSize(maxM, fullN, k)),
	}
}

func nextPowerOfTwo(v int) int {
	if v <= 1 {
		return 1
	}
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}
