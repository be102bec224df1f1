package gemm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMSweep(t *testing.T) {
	p := NewTacticProfiler(Int8WeightOnly, &countingStream{}, ProfilerConfig{})
	tests := []struct {
		name       string
		minM, maxM int
		want       []int
	}{
		{"decode to 64", 1, 64, []int{1, 2, 4, 8, 16, 32, 64}},
		{"unaligned", 3, 100, []int{4, 8, 16, 32, 64, 128}},
		{"single", 1, 1, []int{1}},
		{"single unaligned", 5, 5, []int{8}},
		{"capped", 1024, 100000, []int{1024, 2048, 4096, 8192}},
		{"above cap", 10000, 20000, []int{8192}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.MSweep(ShapeBounds{MinM: tt.minM, MaxM: tt.maxM, N: 8, K: 64})
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMSweepConfiguredCap(t *testing.T) {
	p := NewTacticProfiler(Int4WeightOnly, &countingStream{}, ProfilerConfig{MaxProfileM: 16})
	require.Equal(t, []int{1, 2, 4, 8, 16}, p.MSweep(ShapeBounds{MinM: 1, MaxM: 512, N: 8, K: 64}))
}

func TestComputeScratchSize(t *testing.T) {
	p := NewTacticProfiler(Int8WeightOnly, &countingStream{}, ProfilerConfig{})
	k := &fakeKernel{workspace: 300}
	// activation 16, weights 16, scales 8, output 16 -> 256 each; workspace 300 -> 512
	require.Equal(t, 4*256+512, p.ComputeScratchSize(k, 2, 1, 4))
}

func TestProfilePicksFastest(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "slow", "fast", "mid")
	k.latency[tac("slow")] = 900 * time.Microsecond
	k.latency[tac("fast")] = 100 * time.Microsecond
	k.latency[tac("mid")] = 400 * time.Microsecond

	p := newTestProfiler(Int8WeightOnly, clock, ProfilerConfig{})
	results, err := p.Profile(context.Background(), k, testID, ShapeBounds{MinM: 1, MaxM: 8, N: testID.N, K: testID.K})
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		require.Equal(t, 1<<i, r.MBucket)
		require.Equal(t, tac("fast"), r.Tactic)
		require.Equal(t, testID, r.Identity)
		require.InDelta(t, 100000, r.LatencyNs, 1e-6)
	}
}

func TestProfileBucketsSubset(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "t0", "t1")
	p := newTestProfiler(Int8WeightOnly, clock, ProfilerConfig{})

	results, err := p.ProfileBuckets(context.Background(), k, testID, nil)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Zero(t, k.calls)

	results, err = p.ProfileBuckets(context.Background(), k, testID, []int{16, 64})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 16, results[0].MBucket)
	require.Equal(t, 64, results[1].MBucket)
	require.Equal(t, 64, k.lastArgs.M)

	_, err = p.ProfileBuckets(context.Background(), k, testID, []int{0})
	require.Error(t, err)
}

func TestProfileTieKeepsCatalogOrder(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "first", "second")
	k.latency[tac("first")] = 200 * time.Microsecond
	k.latency[tac("second")] = 200 * time.Microsecond

	p := newTestProfiler(Int8WeightOnly, clock, ProfilerConfig{})
	results, err := p.Profile(context.Background(), k, testID, ShapeBounds{MinM: 4, MaxM: 4, N: testID.N, K: testID.K})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, tac("first"), results[0].Tactic)
}

func TestProfileSkipsFailingTactics(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "broken", "ok")
	k.latency[tac("broken")] = time.Nanosecond
	k.fail[tac("broken")] = true

	var seen []Measurement
	p := newTestProfiler(Int8WeightOnly, clock, ProfilerConfig{Observer: func(m Measurement) { seen = append(seen, m) }})
	results, err := p.Profile(context.Background(), k, testID, ShapeBounds{MinM: 1, MaxM: 2, N: testID.N, K: testID.K})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, tac("ok"), r.Tactic)
	}

	require.Len(t, seen, 4)
	require.ErrorIs(t, seen[0].Err, errTacticFailed)
	require.Equal(t, "fake:broken", seen[0].Description)
	require.NoError(t, seen[1].Err)
}

func TestProfileNoViableTactic(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "a", "b")
	k.fail[tac("a")] = true
	k.fail[tac("b")] = true

	p := newTestProfiler(Int4WeightOnly, clock, ProfilerConfig{})
	_, err := p.Profile(context.Background(), k, testID, ShapeBounds{MinM: 1, MaxM: 16, N: testID.N, K: testID.K})
	require.ErrorIs(t, err, ErrNoViableTactic)
}

func TestProfileUnsupportedShape(t *testing.T) {
	clock := newFakeClock()
	p := newTestProfiler(Int4WeightOnly, clock, ProfilerConfig{})
	id := GemmIdentity{N: 8, K: 12, ElementType: Float16}
	_, err := p.Profile(context.Background(), newFakeKernel(clock, "a"), id, ShapeBounds{MinM: 1, MaxM: 2, N: 8, K: 12})
	require.ErrorIs(t, err, ErrUnsupportedShape)
}

func TestProfileCancelled(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestProfiler(Int8WeightOnly, clock, ProfilerConfig{})
	_, err := p.Profile(ctx, k, testID, ShapeBounds{MinM: 1, MaxM: 2, N: testID.N, K: testID.K})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, k.calls)
}

func TestProfileSynchronizesPerBatch(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "a", "b")
	stream := &countingStream{}
	p := NewTacticProfiler(Int8WeightOnly, stream, ProfilerConfig{Warmup: 2, Runs: 3})
	p.now = clock.Now

	_, err := p.Profile(context.Background(), k, testID, ShapeBounds{MinM: 1, MaxM: 1, N: testID.N, K: testID.K})
	require.NoError(t, err)
	// one bucket, two tactics, warmup and timed batch each
	require.Equal(t, 4, stream.syncs)
	require.Equal(t, 2*(2+3), k.calls)
}

func TestProfilePassesUnpackedWidth(t *testing.T) {
	clock := newFakeClock()
	k := newFakeKernel(clock, "a")
	p := newTestProfiler(Int4WeightOnly, clock, ProfilerConfig{})

	id := GemmIdentity{N: 16, K: 64, ElementType: BFloat16}
	_, err := p.Profile(context.Background(), k, id, ShapeBounds{MinM: 2, MaxM: 2, N: 16, K: 64})
	require.NoError(t, err)
	require.Equal(t, 128, k.lastArgs.N)
	require.Equal(t, 2, k.lastArgs.M)
	require.Equal(t, 16, k.lastArgs.Weight.PackedN())
	require.Len(t, k.lastArgs.Output, 2*128)
}
