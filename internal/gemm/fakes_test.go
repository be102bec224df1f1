package gemm

import (
	"time"

	"github.com/pkg/errors"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type countingStream struct {
	syncs int
}

func (s *countingStream) Synchronize() error {
	s.syncs++
	return nil
}

var errTacticFailed = errors.New("tactic launch failed")

// fakeKernel advances a fake clock by a per-tactic latency on every launch.
type fakeKernel struct {
	clock     *fakeClock
	tactics   []Tactic
	latency   map[Tactic]time.Duration
	fail      map[Tactic]bool
	workspace int

	calls    int
	lastArgs GemmArgs
	lastTac  Tactic
}

func newFakeKernel(clock *fakeClock, names ...string) *fakeKernel {
	k := &fakeKernel{
		clock:   clock,
		latency: make(map[Tactic]time.Duration),
		fail:    make(map[Tactic]bool),
	}
	for i, n := range names {
		t := tac(n)
		k.tactics = append(k.tactics, t)
		k.latency[t] = time.Duration(100*(i+1)) * time.Microsecond
	}
	return k
}

func tac(name string) Tactic { return NewTactic([]byte(name)) }

func (k *fakeKernel) WorkspaceSize(m, n, kk int) int { return k.workspace }

func (k *fakeKernel) Tactics() []Tactic { return k.tactics }

func (k *fakeKernel) Gemm(args GemmArgs, t Tactic, _ Stream) error {
	k.calls++
	k.lastArgs = args
	k.lastTac = t
	if k.fail[t] {
		return errTacticFailed
	}
	if k.clock != nil {
		k.clock.Advance(k.latency[t])
	}
	return nil
}

func (k *fakeKernel) DescribeTactic(t Tactic) string { return "fake:" + string(t.Bytes()) }

type fakeFastPath struct {
	enabled  bool
	launches int
	last     FastPathParams
}

func (f *fakeFastPath) Enabled(WeightPrecision, ElementType, DeviceCapability) bool { return f.enabled }

func (f *fakeFastPath) Launch(p FastPathParams, _ Stream) error {
	f.launches++
	f.last = p
	return nil
}

// newTestProfiler returns a profiler driven by clock with one warmup and two
// timed runs per measurement.
func newTestProfiler(precision WeightPrecision, clock *fakeClock, cfg ProfilerConfig) *TacticProfiler {
	if cfg.Warmup == 0 {
		cfg.Warmup = 1
	}
	if cfg.Runs == 0 {
		cfg.Runs = 2
	}
	p := NewTacticProfiler(precision, &countingStream{}, cfg)
	p.now = clock.Now
	return p
}

type operands struct {
	activation []uint16
	weight     PackedWeightView
	scales     []uint16
	output     []uint16
}

func newOperands(precision WeightPrecision, m, packedN, k int) operands {
	fullN := precision.UnpackedColumns(packedN)
	w, err := NewPackedWeightView(make([]byte, k*packedN*cellBytes), precision, k, packedN)
	if err != nil {
		panic(err)
	}
	return operands{
		activation: make([]uint16, m*k),
		weight:     w,
		scales:     make([]uint16, fullN),
		output:     make([]uint16, m*fullN),
	}
}

func (o operands) args(m, packedN, k int) ExecuteArgs {
	return ExecuteArgs{
		Activation: o.activation,
		Weight:     o.weight,
		Scales:     o.scales,
		Output:     o.output,
		M:          m,
		N:          packedN,
		K:          k,
	}
}
