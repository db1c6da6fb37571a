package veilidapi

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilid-core-go/veilid-core-go/crypto"
	"github.com/veilid-core-go/veilid-core-go/routespec"
	"github.com/veilid-core-go/veilid-core-go/storage"
)

// RoutingContext is a handle-based view of the API bound to one
// SafetySelection, used for every DHT operation and app_call/app_message
// (spec.md §6: "routing_context(safety_selection) → RoutingContext").
type RoutingContext struct {
	api    *API
	id     string
	safety routespec.SafetySelection

	mu    sync.Mutex
	open  map[crypto.Key]*storage.OpenedRecord
	descs map[crypto.Key]storage.Schema
}

// RoutingContext creates a new handle over safety. Distinct RoutingContexts
// may open the same DHT record independently; each tracks its own set of
// OpenedRecord handles.
func (api *API) RoutingContext(safety routespec.SafetySelection) (*RoutingContext, error) {
	guard, err := api.lock.Enter()
	if err != nil {
		return nil, errShutdown
	}
	defer guard.Done()

	rc := &RoutingContext{
		api:    api,
		id:     uuid.NewString(),
		safety: safety,
		open:   make(map[crypto.Key]*storage.OpenedRecord),
		descs:  make(map[crypto.Key]storage.Schema),
	}
	api.mu.Lock()
	api.openContexts[rc.id] = rc
	api.mu.Unlock()
	return rc, nil
}

// Close releases every record this context still has open, matching a
// dropped RoutingContext in the original API's handle-based lifecycle.
func (rc *RoutingContext) Close() {
	rc.mu.Lock()
	keys := make([]crypto.Key, 0, len(rc.open))
	for k := range rc.open {
		keys = append(keys, k)
	}
	rc.mu.Unlock()
	for _, k := range keys {
		rc.CloseDHTRecord(k)
	}
	rc.api.mu.Lock()
	delete(rc.api.openContexts, rc.id)
	rc.api.mu.Unlock()
}

// CreateDHTRecord allocates a fresh local record under schema and opens it
// for writing with a freshly generated owner keypair (spec.md §6
// create_dht_record).
func (rc *RoutingContext) CreateDHTRecord(schema storage.Schema) (crypto.Key, error) {
	guard, err := rc.api.lock.Enter()
	if err != nil {
		return crypto.Key{}, errShutdown
	}
	defer guard.Done()

	owner, err := rc.api.sys.GenerateKeyPair()
	if err != nil {
		return crypto.Key{}, internalErr(fmt.Sprintf("generate owner keypair: %v", err))
	}
	opened, err := rc.api.Storage.Local.Create(owner.Public, schema, &owner)
	if err != nil {
		return crypto.Key{}, err
	}
	rc.mu.Lock()
	rc.open[opened.RecordKey] = opened
	rc.descs[opened.RecordKey] = schema
	rc.mu.Unlock()
	rc.api.Storage.Local.SetLocalSafetySelection(opened.RecordKey, &rc.safety)
	return opened.RecordKey, nil
}

// OpenDHTRecord opens an already-known record by its derived key, optionally
// claiming write access via writer (spec.md §6 open_dht_record).
func (rc *RoutingContext) OpenDHTRecord(key crypto.Key, writer *crypto.KeyPair) error {
	guard, err := rc.api.lock.Enter()
	if err != nil {
		return errShutdown
	}
	defer guard.Done()

	store := rc.localOrRemote(key)
	opened, err := store.Open(key, writer)
	if err != nil {
		return errKeyNotFound
	}
	if store == rc.api.Storage.Local {
		store.SetLocalSafetySelection(key, &rc.safety)
	}
	rc.mu.Lock()
	rc.open[key] = opened
	rc.mu.Unlock()
	return nil
}

// localOrRemote picks the Local store if key is already known there,
// otherwise the Remote (cache) store — records this node owns live in
// Local; records cached on behalf of other owners live in Remote (spec.md
// §3 Record lifecycle).
func (rc *RoutingContext) localOrRemote(key crypto.Key) *storage.Store {
	if rc.api.Storage.Local.Len() > 0 {
		if _, err := rc.api.Storage.Local.Open(key, nil); err == nil {
			rc.api.Storage.Local.Close(key)
			return rc.api.Storage.Local
		}
	}
	return rc.api.Storage.Remote
}

// CloseDHTRecord releases the open handle without deleting record data
// (spec.md §6 close_dht_record).
func (rc *RoutingContext) CloseDHTRecord(key crypto.Key) {
	rc.mu.Lock()
	delete(rc.open, key)
	delete(rc.descs, key)
	rc.mu.Unlock()
	rc.api.Storage.Local.Close(key)
	rc.api.Storage.Remote.Close(key)
}

// DeleteDHTRecord removes a record (and its subkey data) outright. Only
// meaningful for records this node owns in the Local store.
func (rc *RoutingContext) DeleteDHTRecord(key crypto.Key) {
	rc.CloseDHTRecord(key)
	rc.api.Storage.Local.Delete(key)
}

func (rc *RoutingContext) opened(key crypto.Key) (*storage.OpenedRecord, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	o, ok := rc.open[key]
	if !ok {
		return nil, errKeyNotFound
	}
	return o, nil
}

// GetDHTValue returns the currently known value for (key, subkey). If
// forceRefresh is true and the value is held in the Remote cache, callers
// are expected to have already re-run a get_value fanout (driven by
// rpc.FanoutQueue + routingtable.FindFastestNodes) via Storage.Remote.GetValue
// before calling this; RoutingContext itself stays transport-agnostic
// (spec.md §4.6/§4.7 boundary).
func (rc *RoutingContext) GetDHTValue(key crypto.Key, subkey uint32, forceRefresh bool) (*storage.ValueData, bool) {
	store := rc.storeFor(key)
	vd, ok := store.GetValueLocal(key, subkey)
	if !ok {
		return nil, false
	}
	return &vd, true
}

func (rc *RoutingContext) storeFor(key crypto.Key) *storage.Store {
	if _, err := rc.opened(key); err == nil {
		rc.mu.Lock()
		_, isLocalSchema := rc.descs[key]
		rc.mu.Unlock()
		if isLocalSchema {
			return rc.api.Storage.Local
		}
	}
	return rc.api.Storage.Remote
}

// SetDHTValue writes data to (key, subkey) under this context's writer
// handle. On a conflict with a concurrently-accepted write it returns the
// winning (newer) value rather than an error (spec.md §6 set_dht_value,
// §8 scenario 5).
func (rc *RoutingContext) SetDHTValue(key crypto.Key, subkey uint32, data []byte) (*storage.ValueData, error) {
	guard, err := rc.api.lock.Enter()
	if err != nil {
		return nil, errShutdown
	}
	defer guard.Done()

	opened, err := rc.opened(key)
	if err != nil {
		return nil, err
	}
	if opened.Writer == nil {
		return nil, invalidArgument("set_dht_value", "key", fmt.Sprintf("%x", key[:8]))
	}

	store := rc.storeFor(key)
	mode := storage.WatchUpdateMode{}
	vd, err := store.SetValueLocal(opened, subkey, data, mode)
	if err != nil {
		if winner, ok := rc.api.Storage.Remote.GetValueLocal(key, subkey); ok {
			return &winner, nil
		}
		if !rc.api.state.IsAttached() {
			store.EnqueueOffline(key, subkey)
		}
		return nil, err
	}
	return &vd, nil
}

// WatchDHTValues registers a watch over subkeys for this context's RPC
// identity, expiring after ttl, notifying up to count times (spec.md §6
// watch_dht_values). It returns the granted expiration, or zero time if the
// request was rejected.
func (rc *RoutingContext) WatchDHTValues(key crypto.Key, subkeys storage.ValueSubkeyRangeSet, ttl time.Duration, count uint32) (time.Time, error) {
	guard, err := rc.api.lock.Enter()
	if err != nil {
		return time.Time{}, errShutdown
	}
	defer guard.Done()

	now := rc.api.clock.Now()
	params := storage.WatchParameters{
		Subkeys:    subkeys,
		Expiration: now.Add(ttl),
		Count:      count,
		Watcher:    rc.api.self.Public,
		Target:     key,
	}
	res, err := rc.storeFor(key).Watch(key, params)
	if err != nil {
		return time.Time{}, err
	}
	if res.Kind == storage.WatchRejected {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(res.Expiration)), nil
}

// CancelDHTWatch removes a previously granted watch.
func (rc *RoutingContext) CancelDHTWatch(key crypto.Key, subkeys storage.ValueSubkeyRangeSet) bool {
	return rc.storeFor(key).CancelWatch(key, rc.api.self.Public, subkeys)
}

// InspectDHTRecord returns the stored sequence numbers for subkeys in
// ranges (spec.md §6 inspect_dht_record).
func (rc *RoutingContext) InspectDHTRecord(key crypto.Key, ranges storage.ValueSubkeyRangeSet) []uint32 {
	store := rc.storeFor(key)
	return store.Inspect(key, ranges)
}
