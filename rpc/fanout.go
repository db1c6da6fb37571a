package rpc

import (
	"sync"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// Candidate is one FanoutQueue entry: a node's typed key under one
// CryptoKind plus an opaque identity token (a *routingtable.NodeRef in
// practice) used to deduplicate by entry identity as well as by key
// (spec.md §4.6: "deduplicated by typed-key of that kind and by entry
// identity").
type Candidate struct {
	Key      crypto.Key
	Identity interface{}
}

// FanoutQueue holds candidate nodes for one iterative DHT operation,
// keyed by CryptoKind (spec.md §4.6). add pushes new candidates to the
// front and runs a cleanup pass (typically re-sort by proximity and
// truncate); next pops the front and records it as returned so no node
// comes back twice, guaranteeing forward progress each round.
type FanoutQueue struct {
	mu       sync.Mutex
	kind     crypto.CryptoKind
	queue    []Candidate
	returned map[crypto.Key]bool
}

// NewFanoutQueue returns an empty queue for kind.
func NewFanoutQueue(kind crypto.CryptoKind) *FanoutQueue {
	return &FanoutQueue{kind: kind, returned: make(map[crypto.Key]bool)}
}

// Add pushes newNodes to the front (skipping any already returned, by key,
// or already queued, by key or by identity), then runs cleanup over the
// resulting contiguous slice.
func (q *FanoutQueue) Add(newNodes []Candidate, cleanup func(queue []Candidate) []Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seenKey := make(map[crypto.Key]bool, len(q.queue))
	seenIdentity := make(map[interface{}]bool, len(q.queue))
	for _, c := range q.queue {
		seenKey[c.Key] = true
		if c.Identity != nil {
			seenIdentity[c.Identity] = true
		}
	}

	var fresh []Candidate
	for _, c := range newNodes {
		if q.returned[c.Key] || seenKey[c.Key] {
			continue
		}
		if c.Identity != nil && seenIdentity[c.Identity] {
			continue
		}
		fresh = append(fresh, c)
		seenKey[c.Key] = true
		if c.Identity != nil {
			seenIdentity[c.Identity] = true
		}
	}

	q.queue = append(fresh, q.queue...)
	if cleanup != nil {
		q.queue = cleanup(q.queue)
	}
}

// Next pops the front candidate and marks it returned. ok is false once the
// queue is empty.
func (q *FanoutQueue) Next() (Candidate, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return Candidate{}, false
	}
	c := q.queue[0]
	q.queue = q.queue[1:]
	q.returned[c.Key] = true
	return c, true
}

// Len reports the number of unreturned candidates currently queued.
func (q *FanoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// ReturnedCount reports how many distinct candidates have been popped via
// Next across this queue's lifetime.
func (q *FanoutQueue) ReturnedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.returned)
}
