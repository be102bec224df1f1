package gemm

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/metrics"
)

// CacheMode is the lifecycle stage of a TacticCache.
type CacheMode int

const (
	// Mutable caches are filled by profiling during an artifact build and are
	// shared by every executor built in the same session.
	Mutable CacheMode = iota
	// Frozen caches are read-only snapshots, either taken at the end of a build
	// or restored from an artifact.
	Frozen
)

func (m CacheMode) String() string {
	if m == Frozen {
		return "frozen"
	}
	return "mutable"
}

// CacheEntry is one (identity, bucket) -> tactic mapping.
type CacheEntry struct {
	Identity GemmIdentity
	MBucket  int
	Tactic   Tactic
}

// TacticCache maps (GemmIdentity, M bucket) to the selected tactic. At most one
// tactic is held per key: during profiling the last Record wins, after Freeze
// nothing changes.
//
// A lookup for m resolves to the smallest recorded bucket >= m. Above the
// largest bucket it resolves to the largest one, which is the profiled maxM.
//
// The mutex makes concurrent Record safe, so executors of one session may be
// profiled in parallel. Frozen caches only take the read lock.
type TacticCache struct {
	mu      sync.RWMutex
	mode    CacheMode
	entries map[GemmIdentity]map[int]Tactic
}

// NewTacticCache returns an empty mutable cache.
func NewTacticCache() *TacticCache {
	return &TacticCache{
		mode:    Mutable,
		entries: make(map[GemmIdentity]map[int]Tactic),
	}
}

// NewFrozenTacticCache builds a frozen cache from entries. Duplicate keys are
// rejected since a frozen cache must be unambiguous.
func NewFrozenTacticCache(entries []CacheEntry) (*TacticCache, error) {
	c := NewTacticCache()
	for _, e := range entries {
		if e.MBucket <= 0 || e.Tactic.IsZero() {
			return nil, errors.Errorf("invalid cache entry %s bucket %d", e.Identity, e.MBucket)
		}
		if buckets, ok := c.entries[e.Identity]; ok {
			if _, dup := buckets[e.MBucket]; dup {
				return nil, errors.Errorf("duplicate cache entry %s bucket %d", e.Identity, e.MBucket)
			}
		}
		c.put(e.Identity, e.MBucket, e.Tactic)
	}
	c.mode = Frozen
	return c, nil
}

func (c *TacticCache) Mode() CacheMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Record stores tactic for (id, bucket), replacing any earlier entry.
func (c *TacticCache) Record(id GemmIdentity, bucket int, tactic Tactic) error {
	if bucket <= 0 {
		return errors.Errorf("m bucket %d must be positive", bucket)
	}
	if tactic.IsZero() {
		return errors.Errorf("refusing to record an empty tactic for %s bucket %d", id, bucket)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Frozen {
		return errors.Wrapf(ErrInvalidCacheMode, "record %s bucket %d on a frozen cache", id, bucket)
	}
	c.put(id, bucket, tactic)
	metrics.RecordTacticRecorded()
	return nil
}

func (c *TacticCache) put(id GemmIdentity, bucket int, tactic Tactic) {
	buckets, ok := c.entries[id]
	if !ok {
		buckets = make(map[int]Tactic)
		c.entries[id] = buckets
	}
	buckets[bucket] = tactic
}

// Lookup returns the tactic serving m rows of id.
func (c *TacticCache) Lookup(id GemmIdentity, m int) (Tactic, error) {
	_, t, err := c.Resolve(id, m)
	return t, err
}

// Resolve is Lookup that also reports the bucket m was mapped to.
func (c *TacticCache) Resolve(id GemmIdentity, m int) (int, Tactic, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buckets, ok := c.entries[id]
	if !ok || len(buckets) == 0 {
		metrics.RecordTacticLookup(false)
		return 0, Tactic{}, errors.Wrapf(ErrTacticNotFound, "no tactics recorded for %s", id)
	}

	best, largest := 0, 0
	for b := range buckets {
		if b >= m && (best == 0 || b < best) {
			best = b
		}
		if b > largest {
			largest = b
		}
	}
	if best == 0 {
		best = largest
	}
	metrics.RecordTacticLookup(true)
	return best, buckets[best], nil
}

// Has reports whether any bucket of id has been recorded.
func (c *TacticCache) Has(id GemmIdentity) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[id]) > 0
}

// Buckets lists the recorded buckets of id in ascending order.
func (c *TacticCache) Buckets(id GemmIdentity) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int, 0, len(c.entries[id]))
	for b := range c.entries[id] {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// Entries returns every entry in canonical order: identity (N, K, element
// type) then bucket.
func (c *TacticCache) Entries() []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CacheEntry
	for id, buckets := range c.entries {
		for b, t := range buckets {
			out = append(out, CacheEntry{Identity: id, MBucket: b, Tactic: t})
		}
	}
	sortEntries(out)
	return out
}

// EntriesFor returns the entries of one identity in bucket order.
func (c *TacticCache) EntriesFor(id GemmIdentity) []CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CacheEntry, 0, len(c.entries[id]))
	for b, t := range c.entries[id] {
		out = append(out, CacheEntry{Identity: id, MBucket: b, Tactic: t})
	}
	sortEntries(out)
	return out
}

// Len is the total number of entries.
func (c *TacticCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, buckets := range c.entries {
		n += len(buckets)
	}
	return n
}

// Freeze returns an immutable snapshot. The receiver is left untouched and
// may keep profiling.
func (c *TacticCache) Freeze() *TacticCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := &TacticCache{
		mode:    Frozen,
		entries: make(map[GemmIdentity]map[int]Tactic, len(c.entries)),
	}
	for id, buckets := range c.entries {
		cp := make(map[int]Tactic, len(buckets))
		for b, t := range buckets {
			cp[b] = t
		}
		snap.entries[id] = cp
	}
	return snap
}

func sortEntries(entries []CacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Identity.N != b.Identity.N {
			return a.Identity.N < b.Identity.N
		}
		if a.Identity.K != b.Identity.K {
			return a.Identity.K < b.Identity.K
		}
		if a.Identity.ElementType != b.Identity.ElementType {
			return a.Identity.ElementType < b.Identity.ElementType
		}
		return a.MBucket < b.MBucket
	})
}
