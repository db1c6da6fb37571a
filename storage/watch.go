package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/internal/mclock"
)

// WatchParameters describes a caller's request to be notified of writes to
// a subset of a record's subkeys (spec.md §4.7).
type WatchParameters struct {
	Subkeys    ValueSubkeyRangeSet
	Expiration mclock.AbsTime
	Count      uint32
	Watcher    crypto.Key
	Target     crypto.Key
}

// WatchResultKind is one of Created/Changed/Cancelled/Rejected.
type WatchResultKind int

const (
	WatchCreated WatchResultKind = iota
	WatchChanged
	WatchCancelled
	WatchRejected
)

// WatchResult is the outcome of a watch_value request (spec.md §4.7).
type WatchResult struct {
	Kind       WatchResultKind
	ID         string
	Expiration mclock.AbsTime
}

// watch is one entry in a record's WatchList.
type watch struct {
	id     string
	params WatchParameters
}

// WatchList holds the active watches registered against one record.
type WatchList struct {
	entries []*watch
}

func newWatchList() *WatchList {
	return &WatchList{}
}

// Add registers params as a new watch, clamping its expiration to
// [minExpiration, maxExpiration] from now. Returns WatchRejected only if
// count is zero; an out-of-range expiration is clamped, never rejected.
func (wl *WatchList) Add(now mclock.AbsTime, params WatchParameters, minExpiration, maxExpiration time.Duration) WatchResult {
	if params.Count == 0 {
		return WatchResult{Kind: WatchRejected}
	}
	requested := params.Expiration.Sub(now)
	if requested < minExpiration {
		requested = minExpiration
	}
	if requested > maxExpiration {
		requested = maxExpiration
	}
	params.Expiration = now.Add(requested)

	for _, w := range wl.entries {
		if w.params.Watcher == params.Watcher && w.params.Subkeys.Key() == params.Subkeys.Key() {
			w.params = params
			return WatchResult{Kind: WatchChanged, ID: w.id, Expiration: params.Expiration}
		}
	}

	w := &watch{id: uuid.NewString(), params: params}
	wl.entries = append(wl.entries, w)
	return WatchResult{Kind: WatchCreated, ID: w.id, Expiration: params.Expiration}
}

// Cancel removes the watch registered under watcher for the given subkey
// set, reporting whether one existed.
func (wl *WatchList) Cancel(watcher crypto.Key, subkeys ValueSubkeyRangeSet) bool {
	for i, w := range wl.entries {
		if w.params.Watcher == watcher && w.params.Subkeys.Key() == subkeys.Key() {
			wl.entries = append(wl.entries[:i], wl.entries[i+1:]...)
			return true
		}
	}
	return false
}

// ValueChange is the notification delivered to a watcher on a write that
// touches one of its watched subkeys (spec.md §4.7 VeilidValueChange).
type ValueChange struct {
	Key     crypto.Key
	Subkeys ValueSubkeyRangeSet
	Count   uint32
	Value   ValueData
	Watcher crypto.Key
}

// WatchUpdateMode controls who is notified of a write; ExcludeTarget
// suppresses notifying the node whose write caused the change (spec.md
// §4.7: "WatchUpdateMode::ExcludeTarget(t) suppresses notifying the target
// that caused the change").
type WatchUpdateMode struct {
	ExcludeTarget *crypto.Key
}

// NotifyWrite evaluates every active watch against subkey/value, emitting a
// ValueChange for each match, decrementing its count, and pruning watches
// that hit count==0 or have expired. now is used for expiry. ExcludeTarget
// is compared with each watch's Target; writer is not consulted.
func (wl *WatchList) NotifyWrite(now mclock.AbsTime, key crypto.Key, subkey uint32, value ValueData, writer crypto.Key, mode WatchUpdateMode) []ValueChange {
	var changes []ValueChange
	kept := wl.entries[:0]
	for _, w := range wl.entries {
		if now >= w.params.Expiration {
			continue // expired: drop silently
		}
		if !w.params.Subkeys.Contains(subkey) {
			kept = append(kept, w)
			continue
		}
		if mode.ExcludeTarget != nil && *mode.ExcludeTarget == w.params.Target {
			kept = append(kept, w)
			continue
		}
		w.params.Count--
		changes = append(changes, ValueChange{
			Key:     key,
			Subkeys: w.params.Subkeys,
			Count:   w.params.Count,
			Value:   value,
			Watcher: w.params.Watcher,
		})
		if w.params.Count > 0 {
			kept = append(kept, w)
		}
	}
	wl.entries = kept
	return changes
}

// Len reports the number of active watches.
func (wl *WatchList) Len() int { return len(wl.entries) }
