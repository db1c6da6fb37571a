package storage

import (
	"sync"

	"github.com/veilid-core-go/veilid-core-go/crypto"
)

// OfflineWrite names one pending subkey write queued while the network was
// unavailable (spec.md §4.7 write protocol step 4).
type OfflineWrite struct {
	RecordKey crypto.Key
	Subkey    uint32
}

// offlineQueue is a dedup'd FIFO of OfflineWrite entries, drained by
// offline_subkey_writes once online_writes_ready (spec.md §4.7).
type offlineQueue struct {
	mu    sync.Mutex
	queue []OfflineWrite
	seen  map[OfflineWrite]bool
}

func newOfflineQueue() *offlineQueue {
	return &offlineQueue{seen: make(map[OfflineWrite]bool)}
}

func (q *offlineQueue) enqueue(w OfflineWrite) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[w] {
		return
	}
	q.seen[w] = true
	q.queue = append(q.queue, w)
}

// drain applies apply to every queued write in FIFO order. On the first
// error, the failing write and everything after it remain queued for the
// next drain call.
func (q *offlineQueue) drain(apply func(OfflineWrite) error) (int, error) {
	q.mu.Lock()
	pending := q.queue
	q.mu.Unlock()

	drained := 0
	for i, w := range pending {
		if err := apply(w); err != nil {
			q.mu.Lock()
			q.queue = pending[i:]
			q.mu.Unlock()
			return drained, err
		}
		q.mu.Lock()
		delete(q.seen, w)
		q.mu.Unlock()
		drained++
	}

	q.mu.Lock()
	if drained == len(pending) {
		q.queue = nil
	}
	q.mu.Unlock()
	return drained, nil
}

// Len reports the number of distinct queued writes.
func (q *offlineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
