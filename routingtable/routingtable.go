// Package routingtable implements the Kademlia-style routing table
// described in spec.md §4.4: per-CryptoKind buckets of BucketEntry, two
// independent routing domains (LocalNetwork/PublicInternet), refcounted
// NodeRef handles, and the fastest-node / bootstrap-node selection queries
// the RPC and route-spec layers depend on.
//
// Mutations are serialized behind a single writer lock (spec.md §5:
// "Routing-table mutations are serialized behind a single writer lock;
// readers may proceed concurrently"), grounded on the teacher's peers map
// manipulated only from srv.run plus the RWMutex-guarded node database in
// network/p2p/server.go (srv.nodedb).
package routingtable

import (
	"sort"
	"sync"
	"time"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

// BucketDepth is K, the configurable small constant bounding entries per
// bucket (spec.md §4.4).
const BucketDepth = 8

// RoutingDomain distinguishes link-local peers from globally routable ones
// (spec.md §4.4); each BucketEntry carries an independent SignedNodeInfo
// per domain.
type RoutingDomain int

const (
	LocalNetwork RoutingDomain = iota
	PublicInternet
	numRoutingDomains
)

// Liveness is a BucketEntry's liveness state machine: Reliable → Unreliable
// → Dead, driven by recent question success/failure (spec.md §4.4).
type Liveness int

const (
	Reliable Liveness = iota
	Unreliable
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// UnreliableAfter / DeadAfter bound how long a BucketEntry may go
// unanswered before its liveness downgrades.
const (
	UnreliableAfter = 30 * time.Second
	DeadAfter       = 5 * time.Minute
	// DeadRetention keeps dead entries around long enough to suppress
	// thrashing (spec.md §4.4: "Dead entries are preserved long enough to
	// suppress thrashing, but fail the 'is alive' predicate").
	DeadRetention = 2 * time.Minute
)

// SignedNodeInfo is the per-domain advertised reachability/capability
// record a BucketEntry carries (spec.md §3).
type SignedNodeInfo struct {
	Timestamp uint64
	DialCount int // placeholder for NodeInfo.DialInfoDetail count, bounded at 16
}

// stats is the latency/transfer rolling window spec.md §3 names.
type stats struct {
	latencySamples []time.Duration
	bytesSent      uint64
	bytesRecv      uint64
}

func (s *stats) recordLatency(d time.Duration) {
	s.latencySamples = append(s.latencySamples, d)
	if len(s.latencySamples) > 8 {
		s.latencySamples = s.latencySamples[len(s.latencySamples)-8:]
	}
}

func (s *stats) latencyP50() time.Duration {
	if len(s.latencySamples) == 0 {
		return time.Hour // unknown latency sorts last
	}
	sorted := append([]time.Duration(nil), s.latencySamples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// BucketEntry is per-peer state (spec.md §3): node ids, per-domain signed
// node info, connection hints, stats, punishment, and a liveness state
// machine, refcounted via NodeRef.
type BucketEntry struct {
	mu sync.Mutex

	nodeIDs      crypto.TypedKeySet
	nodeInfo     [numRoutingDomains]*SignedNodeInfo
	seenOurInfo  [numRoutingDomains]bool
	stats        stats
	liveness     Liveness
	lastAnswered mclock.AbsTime
	lastQuestion mclock.AbsTime
	refcount     int32
}

func newBucketEntry(nodeIDs crypto.TypedKeySet, now mclock.AbsTime) *BucketEntry {
	return &BucketEntry{
		nodeIDs:      nodeIDs,
		liveness:     Unreliable,
		lastAnswered: now,
	}
}

// NodeIDs returns the entry's advertised node id set.
func (e *BucketEntry) NodeIDs() crypto.TypedKeySet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(crypto.TypedKeySet(nil), e.nodeIDs...)
}

// Liveness reports the entry's current liveness state, recomputing it
// against now first (spec.md §4.4 liveness state machine).
func (e *BucketEntry) Liveness(now mclock.AbsTime) Liveness {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshLivenessLocked(now)
	return e.liveness
}

func (e *BucketEntry) refreshLivenessLocked(now mclock.AbsTime) {
	since := now.Sub(e.lastAnswered)
	switch {
	case since >= DeadAfter:
		e.liveness = Dead
	case since >= UnreliableAfter:
		e.liveness = Unreliable
	case len(e.stats.latencySamples) == 0:
		e.liveness = Unreliable // never answered a question yet
	default:
		e.liveness = Reliable
	}
}

// IsAlive reports whether the entry passes the "is alive" predicate
// (anything short of Dead).
func (e *BucketEntry) IsAlive(now mclock.AbsTime) bool {
	return e.Liveness(now) != Dead
}

// IsReapable reports whether a Dead entry has been dead long enough to be
// dropped outright rather than merely excluded from liveness-sensitive
// queries (spec.md §4.4: "Dead entries are preserved long enough to
// suppress thrashing").
func (e *BucketEntry) IsReapable(now mclock.AbsTime) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshLivenessLocked(now)
	return e.liveness == Dead && now.Sub(e.lastAnswered) >= DeadAfter+DeadRetention
}

// RecordAnswer marks a successful question/answer round trip, refreshing
// liveness to Reliable and folding in the observed latency.
func (e *BucketEntry) RecordAnswer(now mclock.AbsTime, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAnswered = now
	e.liveness = Reliable
	e.stats.recordLatency(latency)
}

// RecordQuestionSent timestamps an outbound question for liveness tracking.
func (e *BucketEntry) RecordQuestionSent(now mclock.AbsTime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastQuestion = now
}

// SetNodeInfo installs sni for domain, re-signing implicitly by replacing
// the whole record (spec.md §3: "Rebuilt on any NodeInfo change").
func (e *BucketEntry) SetNodeInfo(domain RoutingDomain, sni *SignedNodeInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeInfo[domain] = sni
}

// NodeInfo returns domain's SignedNodeInfo, or nil if none has been set.
func (e *BucketEntry) NodeInfo(domain RoutingDomain) *SignedNodeInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeInfo[domain]
}

func (e *BucketEntry) latencyP50() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.latencyP50()
}

// NodeRef is a refcounted handle to a BucketEntry (spec.md §3): "Entry
// cannot be reaped while any NodeRef exists." Refcount is mutated only
// while the routing table's inner lock is held (spec.md §5).
type NodeRef struct {
	table *RoutingTable
	kind  crypto.CryptoKind
	key   crypto.Key
	entry *BucketEntry
}

// Clone increments the refcount and returns a new NodeRef over the same
// entry — the caller now owns an independent reference that must itself be
// released via Release.
func (r *NodeRef) Clone() *NodeRef {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	r.entry.refcount++
	return &NodeRef{table: r.table, kind: r.kind, key: r.key, entry: r.entry}
}

// Release decrements the refcount. Once it reaches zero the entry becomes
// eligible for reaping by a future bucket kick.
func (r *NodeRef) Release() {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	if r.entry.refcount > 0 {
		r.entry.refcount--
	}
}

// Entry exposes the underlying BucketEntry for read access.
func (r *NodeRef) Entry() *BucketEntry { return r.entry }

// Key is the node id this ref addresses, under its CryptoKind.
func (r *NodeRef) Key() crypto.Key { return r.key }

// bucket holds up to BucketDepth entries sharing a key prefix, XOR-distance
// ordered (spec.md §3/§4.4).
type bucket struct {
	entries []*bucketSlot
}

type bucketSlot struct {
	key   crypto.Key
	entry *BucketEntry
}

// RoutingTable is a set of Kademlia buckets per CryptoKind (spec.md §4.4).
type RoutingTable struct {
	clock mclock.Clock
	self  map[crypto.CryptoKind]crypto.Key

	mu          sync.RWMutex
	buckets     map[crypto.CryptoKind][]*bucket
	kickPending map[crypto.CryptoKind]map[int]bool

	domainMu                  sync.Mutex
	domainInfo                map[RoutingDomain]*NodeInfo
	publicAddrInconsistencies map[string]*publicAddressInconsistency
}

// New returns a routing table whose distance metric for kind k is computed
// against self[k].
func New(clock mclock.Clock, self map[crypto.CryptoKind]crypto.Key) *RoutingTable {
	return &RoutingTable{
		clock:       clock,
		self:        self,
		buckets:     make(map[crypto.CryptoKind][]*bucket),
		kickPending: make(map[crypto.CryptoKind]map[int]bool),
		domainInfo:  make(map[RoutingDomain]*NodeInfo),
	}
}

// bucketIndex picks a bucket by the position of the highest differing bit
// between self and key (standard Kademlia bucketing).
func bucketIndex(self, key crypto.Key) int {
	dist := crypto.Distance(self, key)
	for i, b := range dist {
		if b == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if b&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return len(dist)*8 - 1
}

func (t *RoutingTable) bucketsFor(kind crypto.CryptoKind) []*bucket {
	bs, ok := t.buckets[kind]
	if !ok {
		bs = make([]*bucket, crypto.KeyLength*8)
		for i := range bs {
			bs[i] = &bucket{}
		}
		t.buckets[kind] = bs
	}
	return bs
}

// RegisterNodeWithSignedNodeInfo validates nodeIDs' signatures over sni's
// bytes via reg, then inserts or merges the entry (spec.md §4.4). If the
// target bucket is full, the bucket index is queued for later kicking by
// KickBuckets and registration otherwise proceeds (the new entry may be
// dropped on next kick if it doesn't win the keep policy).
func (t *RoutingTable) RegisterNodeWithSignedNodeInfo(
	reg *crypto.Registry,
	nodeIDs crypto.TypedKeySet,
	sniBytes []byte,
	sigs []crypto.TypedSignature,
	domain RoutingDomain,
	sni *SignedNodeInfo,
) (*NodeRef, error) {
	verified := reg.VerifySignatures(nodeIDs, sniBytes, sigs)
	if len(verified) == 0 {
		return nil, errNoValidSignature
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var primary *NodeRef
	for _, id := range verified {
		self, ok := t.self[id.Kind]
		if !ok {
			continue
		}
		bs := t.bucketsFor(id.Kind)
		idx := bucketIndex(self, id.Key)
		b := bs[idx]

		var slot *bucketSlot
		for _, s := range b.entries {
			if s.key == id.Key {
				slot = s
				break
			}
		}
		if slot == nil {
			if len(b.entries) >= BucketDepth {
				t.queueKick(id.Kind, idx)
			}
			entry := newBucketEntry(nodeIDs, now)
			slot = &bucketSlot{key: id.Key, entry: entry}
			b.entries = append(b.entries, slot)
		}
		slot.entry.SetNodeInfo(domain, sni)
		if primary == nil {
			slot.entry.refcount++
			primary = &NodeRef{table: t, kind: id.Kind, key: id.Key, entry: slot.entry}
		}
	}
	if primary == nil {
		return nil, errNoLocalIdentityForKind
	}
	return primary, nil
}

func (t *RoutingTable) queueKick(kind crypto.CryptoKind, idx int) {
	m, ok := t.kickPending[kind]
	if !ok {
		m = make(map[int]bool)
		t.kickPending[kind] = m
	}
	m[idx] = true
}

// KickBuckets processes every bucket queued by a full-bucket insert,
// dropping the least-live, zero-refcount entry from each until it is back
// under BucketDepth (spec.md §4.4: "kick policy keeps newest/liveliest").
func (t *RoutingTable) KickBuckets() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for kind, idxs := range t.kickPending {
		bs := t.buckets[kind]
		for idx := range idxs {
			b := bs[idx]
			for len(b.entries) > BucketDepth {
				victim := -1
				var worst Liveness = -1
				for i, s := range b.entries {
					if s.entry.refcount > 0 {
						continue
					}
					lv := s.entry.Liveness(now)
					if lv > worst {
						worst = lv
						victim = i
					}
				}
				if victim < 0 {
					break // every remaining slot is refcounted; cannot kick further
				}
				b.entries = append(b.entries[:victim], b.entries[victim+1:]...)
			}
			delete(idxs, idx)
		}
		if len(idxs) == 0 {
			delete(t.kickPending, kind)
		}
	}
}

// FindFastestNodes returns up to n NodeRefs from initial passing filter,
// sorted by composite speed rank: latency p50 ascending, tie-broken by
// most-recently-alive, then XOR distance to self (spec.md §4.4).
func (t *RoutingTable) FindFastestNodes(kind crypto.CryptoKind, n int, initial []crypto.Key, filter func(*BucketEntry) bool) []*NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()

	self := t.self[kind]
	bs := t.buckets[kind]

	type candidate struct {
		key   crypto.Key
		entry *BucketEntry
	}
	var candidates []candidate
	seen := make(map[crypto.Key]bool)
	for _, k := range initial {
		if seen[k] {
			continue
		}
		seen[k] = true
		idx := bucketIndex(self, k)
		if idx >= len(bs) {
			continue
		}
		for _, s := range bs[idx].entries {
			if s.key == k {
				if filter == nil || filter(s.entry) {
					candidates = append(candidates, candidate{key: k, entry: s.entry})
				}
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		la, lb := a.entry.latencyP50(), b.entry.latencyP50()
		if la != lb {
			return la < lb
		}
		aAnswered := a.entry.lastAnsweredSnapshot()
		bAnswered := b.entry.lastAnsweredSnapshot()
		if aAnswered != bAnswered {
			return aAnswered > bAnswered
		}
		return crypto.Less(crypto.Distance(self, a.key), crypto.Distance(self, b.key))
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]*NodeRef, 0, n)
	for i := 0; i < n; i++ {
		c := candidates[i]
		c.entry.refcount++
		out = append(out, &NodeRef{table: t, kind: kind, key: c.key, entry: c.entry})
	}
	return out
}

func (e *BucketEntry) lastAnsweredSnapshot() mclock.AbsTime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAnswered
}

// FindBootstrapNodesFiltered returns a stable ordering (by ascending XOR
// distance to self) of up to k entries, for direct-bootstrap use (spec.md
// §4.4).
func (t *RoutingTable) FindBootstrapNodesFiltered(kind crypto.CryptoKind, k int) []*NodeRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	self := t.self[kind]
	bs := t.buckets[kind]

	type candidate struct {
		key   crypto.Key
		entry *BucketEntry
	}
	var all []candidate
	for _, b := range bs {
		for _, s := range b.entries {
			all = append(all, candidate{key: s.key, entry: s.entry})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return crypto.Less(crypto.Distance(self, all[i].key), crypto.Distance(self, all[j].key))
	})
	if k > len(all) {
		k = len(all)
	}
	out := make([]*NodeRef, 0, k)
	for i := 0; i < k; i++ {
		c := all[i]
		c.entry.refcount++
		out = append(out, &NodeRef{table: t, kind: kind, key: c.key, entry: c.entry})
	}
	return out
}

// Len reports the total number of entries across all buckets for kind, for
// tests and metrics.
func (t *RoutingTable) Len(kind crypto.CryptoKind) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets[kind] {
		n += len(b.entries)
	}
	return n
}
