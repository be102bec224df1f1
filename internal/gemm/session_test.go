package gemm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionSharesCachePerPrecision(t *testing.T) {
	clock := newFakeClock()
	kernel := newFakeKernel(clock, "a", "b")
	s := NewProfilerSession(SessionConfig{Profiler: ProfilerConfig{Warmup: 1, Runs: 1}})
	defer s.Close()

	q, err := s.NewExecutor(kernel, nil, Int8WeightOnly, Float16)
	require.NoError(t, err)
	k, err := s.NewExecutor(kernel, nil, Int8WeightOnly, Float16)
	require.NoError(t, err)
	w, err := s.NewExecutor(kernel, nil, Int4WeightOnly, Float16)
	require.NoError(t, err)

	require.Same(t, q.Cache(), k.Cache())
	require.NotSame(t, q.Cache(), w.Cache())
	require.Same(t, s.SharedCache(Int8WeightOnly), q.Cache())

	bounds := ShapeBounds{MinM: 1, MaxM: 4, N: 128, K: 512}
	require.NoError(t, q.Configure(context.Background(), bounds))
	calls := kernel.calls
	require.NoError(t, k.Configure(context.Background(), bounds))
	require.Equal(t, calls, kernel.calls)

	require.NoError(t, w.Configure(context.Background(), bounds))
	require.Greater(t, kernel.calls, calls)

	st := s.Stats()
	require.Equal(t, s.ID().String(), st.ID)
	require.Equal(t, 3, st.Executors)
	require.Equal(t, map[string]int{"int8": 3, "int4": 3}, st.Entries)
	require.Len(t, s.Executors(), 3)
}

func TestSessionFreeze(t *testing.T) {
	s := NewProfilerSession(SessionConfig{Profiler: ProfilerConfig{Warmup: 1, Runs: 1}})
	defer s.Close()
	e, err := s.NewExecutor(newFakeKernel(newFakeClock(), "a"), nil, Int8WeightOnly, BFloat16)
	require.NoError(t, err)
	require.NoError(t, e.Configure(context.Background(), ShapeBounds{MinM: 1, MaxM: 2, N: 8, K: 64}))

	frozen := s.Freeze(Int8WeightOnly)
	require.Equal(t, Frozen, frozen.Mode())
	require.Equal(t, 2, frozen.Len())
	require.Equal(t, Mutable, s.SharedCache(Int8WeightOnly).Mode())
}

func TestSessionStreamFactory(t *testing.T) {
	var made []*countingStream
	s := NewProfilerSession(SessionConfig{
		Profiler: ProfilerConfig{Warmup: 1, Runs: 1},
		NewStream: func() Stream {
			st := &countingStream{}
			made = append(made, st)
			return st
		},
	})
	defer s.Close()

	e, err := s.NewExecutor(newFakeKernel(newFakeClock(), "a"), nil, Int4WeightOnly, Float16)
	require.NoError(t, err)
	require.NoError(t, e.Configure(context.Background(), ShapeBounds{MinM: 1, MaxM: 1, N: 8, K: 64}))
	require.Len(t, made, 1)
	require.Equal(t, 2, made[0].syncs)
}

func TestSessionClosed(t *testing.T) {
	s := NewProfilerSession(SessionConfig{})
	s.Close()
	s.Close()
	_, err := s.NewExecutor(newFakeKernel(nil, "a"), nil, Int8WeightOnly, Float16)
	require.Error(t, err)
}

func TestSessionsAreIndependent(t *testing.T) {
	a := NewProfilerSession(SessionConfig{})
	b := NewProfilerSession(SessionConfig{})
	defer a.Close()
	defer b.Close()
	require.NotEqual(t, a.ID(), b.ID())
	require.NotSame(t, a.SharedCache(Int8WeightOnly), b.SharedCache(Int8WeightOnly))
}
