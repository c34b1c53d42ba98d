// Package cache memoizes deterministic encounter outcomes keyed by the
// canonical hash of the participating agents plus the config hash.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"reflect"
	"sort"

	"github.com/talgya/minc/internal/model"
)

// Key computes the canonical-state key: participating agents reduced to
// (id, role, currency, traits), sorted by id, serialized in stable field
// order, hashed together with the config hash. The result is invariant
// under the input ordering of agents.
func Key(agents []*model.Agent, configHash string) string {
	sorted := make([]*model.Agent, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	var buf [8]byte
	writeU64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, a := range sorted {
		writeU64(uint64(len(a.ID)))
		h.Write([]byte(a.ID))
		h.Write([]byte{byte(a.Role)})
		writeU64(uint64(a.Currency))
		for t := model.Trait(0); t < model.NumTraits; t++ {
			writeU64(uint64(a.Wealth.Get(t)))
		}
	}
	writeU64(uint64(len(configHash)))
	h.Write([]byte(configHash))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Witness is a stored (key, value) pair used to validate cache correctness
// by recomputation.
type Witness struct {
	Key   string
	Value any
}

// Stats exposes cache counters.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
	Size          int
	Witnesses     int
}

type entry struct {
	key   string
	value any
}

// Cache is an LRU memo with deterministic witness sampling. Not safe for
// concurrent use; one cache belongs to one engine.
type Cache struct {
	enabled    bool
	maxSize    int
	sampleRate float64

	ll    *list.List
	items map[string]*list.Element

	witnesses []Witness

	hits, misses, evictions, invalidations uint64
	invalidationsByReason                  map[string]uint64
}

// New creates a cache. A disabled cache computes everything and stores
// nothing.
func New(enabled bool, maxSize int, witnessSampleRate float64) *Cache {
	return &Cache{
		enabled:               enabled,
		maxSize:               maxSize,
		sampleRate:            witnessSampleRate,
		ll:                    list.New(),
		items:                 make(map[string]*list.Element),
		invalidationsByReason: make(map[string]uint64),
	}
}

// GetOrCompute returns the cached value for key, computing and storing it
// on a miss. Hits move the key to the MRU end.
func (c *Cache) GetOrCompute(key string, f func() any) any {
	if !c.enabled {
		return f()
	}
	if el, ok := c.items[key]; ok {
		c.hits++
		c.ll.MoveToBack(el)
		return el.Value.(*entry).value
	}

	c.misses++
	v := f()
	el := c.ll.PushBack(&entry{key: key, value: v})
	c.items[key] = el

	if sampled(key, c.sampleRate) {
		c.witnesses = append(c.witnesses, Witness{Key: key, Value: v})
	}

	for c.maxSize > 0 && c.ll.Len() > c.maxSize {
		front := c.ll.Front()
		c.ll.Remove(front)
		delete(c.items, front.Value.(*entry).key)
		c.evictions++
	}
	return v
}

// WouldSample reports whether a key falls in the witness sample. Sampling
// is a pure function of the key, so the answer is stable across runs.
func (c *Cache) WouldSample(key string) bool {
	return c.enabled && sampled(key, c.sampleRate)
}

// sampled decides witness sampling deterministically from the key itself:
// the top 16 bits of the key's hash are compared against rate * 65536.
// The same key samples identically in every run.
func sampled(key string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	sum := sha256.Sum256([]byte("witness:" + key))
	v := binary.BigEndian.Uint16(sum[:2])
	return float64(v) < rate*65536
}

// ValidateWitnesses recomputes every witnessed key and returns the number
// of mismatches. Mismatches are cache-correctness bugs; callers log them
// and continue.
func (c *Cache) ValidateWitnesses(recompute func(key string) any) int {
	mismatches := 0
	for _, w := range c.witnesses {
		if !reflect.DeepEqual(recompute(w.Key), w.Value) {
			mismatches++
		}
	}
	return mismatches
}

// Invalidate clears all entries and witnesses, tagging the invalidation
// counter with the reason.
func (c *Cache) Invalidate(reason string) {
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.witnesses = nil
	c.invalidations++
	c.invalidationsByReason[reason]++
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
		Size:          c.ll.Len(),
		Witnesses:     len(c.witnesses),
	}
}

// InvalidationsFor returns the invalidation count recorded for a reason.
func (c *Cache) InvalidationsFor(reason string) uint64 {
	return c.invalidationsByReason[reason]
}
