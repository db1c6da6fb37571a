package storage

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// l2Size is the fixed per-record L2 capacity (spec.md §4.7: "each holding
// an L2 LRU of size 4").
const l2Size = 4

type l2Value struct {
	ranges ValueSubkeyRangeSet
	seqs   []uint32
}

// InspectCache is the two-level LRU described in spec.md §4.7: L1 keyed by
// TypedKey (record), each holding an L2 LRU of size 4 keyed by the queried
// ValueSubkeyRangeSet, caching the last-seen seq per subkey in that range.
// Grounded on crypto.DHCache's hashicorp/golang-lru wrapping idiom,
// generalized to a nested cache.
type InspectCache struct {
	l1 *lru.Cache[crypto.TypedKey, *lru.Cache[string, *l2Value]]
}

// NewInspectCache returns an empty cache capped at size L1 entries.
func NewInspectCache(size int) *InspectCache {
	l1, err := lru.New[crypto.TypedKey, *lru.Cache[string, *l2Value]](size)
	if err != nil {
		panic(err)
	}
	return &InspectCache{l1: l1}
}

// Get returns the cached seqs for (key, ranges), if present.
func (c *InspectCache) Get(key crypto.TypedKey, ranges ValueSubkeyRangeSet) ([]uint32, bool) {
	l2, ok := c.l1.Get(key)
	if !ok {
		return nil, false
	}
	v, ok := l2.Get(ranges.Key())
	if !ok {
		return nil, false
	}
	return v.seqs, true
}

// Put records seqs for (key, ranges), evicting the record's least-recently
// used range entry if its L2 is already full.
func (c *InspectCache) Put(key crypto.TypedKey, ranges ValueSubkeyRangeSet, seqs []uint32) {
	l2, ok := c.l1.Get(key)
	if !ok {
		var err error
		l2, err = lru.New[string, *l2Value](l2Size)
		if err != nil {
			panic(err)
		}
		c.l1.Add(key, l2)
	}
	l2.Add(ranges.Key(), &l2Value{ranges: ranges, seqs: seqs})
}

// Invalidate drops the whole L1 entry for key (spec.md §4.7: "invalidate(key)
// drops the L1 entry"; §8: "after put(k, ...) then invalidate(k), get(k, ...)
// == None").
func (c *InspectCache) Invalidate(key crypto.TypedKey) {
	c.l1.Remove(key)
}

// ReplaceSubkeySeq walks every L2 entry of key's record and, for any range
// set containing subkey, overwrites the corresponding seqs[idx] (spec.md
// §4.7). idx must be within bounds of seqs for every matching entry; a
// violation is a fatal representation error and panics, matching spec.md
// §7's fatal-error band for internal invariant violations.
func (c *InspectCache) ReplaceSubkeySeq(key crypto.TypedKey, subkey uint32, seq uint32) {
	l2, ok := c.l1.Get(key)
	if !ok {
		return
	}
	for _, rangeKey := range l2.Keys() {
		v, ok := l2.Peek(rangeKey)
		if !ok {
			continue
		}
		idx, found := v.ranges.IndexOf(subkey)
		if !found {
			continue
		}
		if idx >= len(v.seqs) {
			panic(fmt.Sprintf("storage: inspect cache representation error: idx %d >= len(seqs) %d", idx, len(v.seqs)))
		}
		v.seqs[idx] = seq
	}
}

// Len reports the number of distinct records (L1 entries) cached.
func (c *InspectCache) Len() int {
	return c.l1.Len()
}
