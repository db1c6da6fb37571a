package mclock

import (
	"container/heap"
	"sync"
	"time"
)

// Simulated is a Clock whose time only advances when Run is called.
// It exists for deterministic tests of rolling windows and expiry logic.
type Simulated struct {
	mu      sync.Mutex
	now     AbsTime
	timers  simTimerHeap
	nextSeq uint64
}

// NewSimulated returns a Simulated clock starting at t0.
func NewSimulated(t0 AbsTime) *Simulated {
	return &Simulated{now: t0}
}

func (s *Simulated) Now() AbsTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Simulated) Sleep(d time.Duration) {
	<-s.After(d)
}

func (s *Simulated) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	t := s.NewTimer(d)
	go func() {
		at := <-t.C()
		ch <- time.Unix(0, int64(at))
	}()
	return ch
}

func (s *Simulated) NewTimer(d time.Duration) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &simTimer{at: s.now.Add(d), ch: make(chan AbsTime, 1), seq: s.nextSeq}
	s.nextSeq++
	heap.Push(&s.timers, t)
	return t
}

// Run advances the clock by d, firing any timers whose deadline has passed.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	for s.timers.Len() > 0 && s.timers[0].at <= s.now {
		t := heap.Pop(&s.timers).(*simTimer)
		if !t.cancelled {
			select {
			case t.ch <- s.now:
			default:
			}
		}
	}
}

type simTimer struct {
	at        AbsTime
	ch        chan AbsTime
	seq       uint64
	cancelled bool
	index     int
}

func (t *simTimer) C() <-chan AbsTime { return t.ch }
func (t *simTimer) Stop() bool {
	wasCancelled := t.cancelled
	t.cancelled = true
	return !wasCancelled
}
func (t *simTimer) Reset(d time.Duration) bool {
	t.cancelled = false
	return true
}

type simTimerHeap []*simTimer

func (h simTimerHeap) Len() int { return len(h) }
func (h simTimerHeap) Less(i, j int) bool {
	if h[i].at == h[j].at {
		return h[i].seq < h[j].seq
	}
	return h[i].at < h[j].at
}
func (h simTimerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *simTimerHeap) Push(x interface{}) {
	t := x.(*simTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *simTimerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

var _ Clock = (*Simulated)(nil)
