// Package event provides a minimal publish/subscribe primitive, grounded on
// the teacher's use of "event.Feed" / "srv.peerFeed" / "srv.SubscribeEvents"
// in network/p2p/server.go. It backs the Veilid API's update stream (spec.md
// §6 update_callback) and internal subsystem notifications (route change,
// attachment state change, value change).
package event

import "sync"

// Feed delivers values of a single type to any number of subscribed
// channels. The zero value is ready to use.
type Feed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is a registration returned by Feed.Subscribe.
type Subscription struct {
	feed   *Feed
	ch     chan interface{}
	once   sync.Once
	closed chan struct{}
}

// Subscribe returns a subscription that receives all values sent to the feed
// from this point forward, buffered up to buffer values. Send never blocks on
// it: a value sent while the buffer is full is dropped for this subscriber.
func (f *Feed) Subscribe(buffer int) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*Subscription]struct{})
	}
	sub := &Subscription{feed: f, ch: make(chan interface{}, buffer), closed: make(chan struct{})}
	f.subs[sub] = struct{}{}
	return sub
}

// Chan returns the channel on which subscribed values arrive.
func (s *Subscription) Chan() <-chan interface{} { return s.ch }

// Unsubscribe removes the subscription from its feed and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		close(s.closed)
		close(s.ch)
	})
}

// Send delivers value to every live subscriber, dropping it for subscribers
// whose buffer is full rather than blocking the sender — update delivery is
// best-effort, matching the teacher's fire-and-forget peerFeed.Send.
func (f *Feed) Send(value interface{}) (delivered int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		select {
		case sub.ch <- value:
			delivered++
		case <-sub.closed:
		default:
		}
	}
	return delivered
}

// SubscriberCount reports the number of live subscriptions.
func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
