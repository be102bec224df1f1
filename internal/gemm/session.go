package gemm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/logger"
)

// SessionConfig configures a ProfilerSession.
type SessionConfig struct {
	Profiler   ProfilerConfig
	Capability DeviceCapability
	// NewStream returns the stream a new executor's profiler synchronizes on.
	NewStream func() Stream
}

// ProfilerSession is the scope of one artifact build. Every executor created
// through it shares one mutable tactic cache per weight precision, so equal
// GEMM shapes are profiled once. Its lifetime is the build's lifetime; nothing
// about it is global.
type ProfilerSession struct {
	id  uuid.UUID
	cfg SessionConfig
	log *logger.Logger

	mu        sync.Mutex
	caches    map[WeightPrecision]*TacticCache
	executors []*QuantizedMatmulExecutor
	closed    bool
}

func NewProfilerSession(cfg SessionConfig) *ProfilerSession {
	id := uuid.New()
	return &ProfilerSession{
		id:     id,
		cfg:    cfg,
		log:    logger.Log.With("session").WithField("session", id.String()),
		caches: make(map[WeightPrecision]*TacticCache),
	}
}

func (s *ProfilerSession) ID() uuid.UUID { return s.id }

// SharedCache returns the session's mutable cache for precision, creating it
// on first use.
func (s *ProfilerSession) SharedCache(precision WeightPrecision) *TacticCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharedCacheLocked(precision)
}

func (s *ProfilerSession) sharedCacheLocked(precision WeightPrecision) *TacticCache {
	c, ok := s.caches[precision]
	if !ok {
		c = NewTacticCache()
		s.caches[precision] = c
	}
	return c
}

// NewExecutor creates an unconfigured executor bound to the shared cache of
// its precision, with its own profiler and stream.
func (s *ProfilerSession) NewExecutor(kernel GemmKernel, fast FastPathKernel, precision WeightPrecision, elem ElementType) (*QuantizedMatmulExecutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("profiler session is closed")
	}

	var stream Stream = syncStream{}
	if s.cfg.NewStream != nil {
		stream = s.cfg.NewStream()
	}
	profiler := NewTacticProfiler(precision, stream, s.cfg.Profiler)
	e, err := NewQuantizedMatmulExecutor(kernel, fast, s.cfg.Capability, precision, elem, s.sharedCacheLocked(precision), profiler)
	if err != nil {
		return nil, err
	}
	s.executors = append(s.executors, e)
	s.log.Debug("executor created", "precision", precision.String(), "element_type", elem.String())
	return e, nil
}

// Executors returns the executors created so far.
func (s *ProfilerSession) Executors() []*QuantizedMatmulExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QuantizedMatmulExecutor, len(s.executors))
	copy(out, s.executors)
	return out
}

// Freeze snapshots the shared cache of precision.
func (s *ProfilerSession) Freeze(precision WeightPrecision) *TacticCache {
	return s.SharedCache(precision).Freeze()
}

// Stats reports the session size for health endpoints.
func (s *ProfilerSession) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStats{ID: s.id.String(), Executors: len(s.executors), Entries: map[string]int{}}
	for p, c := range s.caches {
		st.Entries[p.String()] = c.Len()
	}
	return st
}

// SessionStats is a point-in-time summary of a session.
type SessionStats struct {
	ID        string         `json:"id"`
	Executors int            `json:"executors"`
	Entries   map[string]int `json:"cache_entries"`
}

// Close ends the session: no more executors can be created. Executors
// already handed out stay usable.
func (s *ProfilerSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.log.Info("session closed", "executors", len(s.executors))
	s.executors = nil
}

// LoadExecutor restores an executor from an artifact. It gets a private
// frozen cache holding only the artifact's entries, and needs no profiler.
func LoadExecutor(data []byte, kernel GemmKernel, fast FastPathKernel, capability DeviceCapability) (*QuantizedMatmulExecutor, error) {
	state, err := Decode(data)
	if err != nil {
		return nil, err
	}
	cache, err := NewFrozenTacticCache(state.Entries)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptArtifact, "%v", err)
	}
	e, err := NewQuantizedMatmulExecutor(kernel, fast, capability, state.Precision, state.ElementType, cache, nil)
	if err != nil {
		return nil, err
	}
	if err := NewTacticCatalog(kernel, state.Precision).Supports(GemmIdentity{N: state.Bounds.N, K: state.Bounds.K, ElementType: state.ElementType}); err != nil {
		return nil, err
	}
	e.applyBounds(state.Bounds)
	return e, nil
}

// syncStream is used when the session has no stream factory: kernels are
// assumed synchronous.
type syncStream struct{}

func (syncStream) Synchronize() error { return nil }
